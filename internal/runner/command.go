package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/skein-dev/skein/internal/core"
)

// CommandRunner executes the node payload as a shell command. The input
// bundle, constants and execution context are written to the process's
// stdin as one JSON document; stdout becomes the node output. Stdout that
// parses as JSON is stored structured, anything else as a string.
type CommandRunner struct {
	// Shell is the interpreter; defaults to "sh".
	Shell string
}

var _ Runner = (*CommandRunner)(nil)

type commandInput struct {
	Inputs    core.Value `json:"inputs"`
	Constants core.Value `json:"constants"`
	Context   core.Value `json:"context"`
}

func (r *CommandRunner) Run(ctx context.Context, in Input) (core.Value, error) {
	shell := r.Shell
	if shell == "" {
		shell = "sh"
	}
	if strings.TrimSpace(in.Payload) == "" {
		return core.Null(), fmt.Errorf("node %q has an empty payload", in.NodeKey)
	}

	stdin, err := json.Marshal(commandInput{
		Inputs:    in.Inputs,
		Constants: in.Constants,
		Context:   in.ExecutionContext,
	})
	if err != nil {
		return core.Null(), fmt.Errorf("failed to encode runner input: %w", err)
	}

	cmd := exec.CommandContext(ctx, shell, "-c", in.Payload)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Env = append(os.Environ(),
		"SKEIN_EXECUTION_ID="+in.ExecutionID.String(),
		"SKEIN_NODE_KEY="+in.NodeKey,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// Surface the deadline so the caller records TIMEOUT, not FAILED.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return core.Null(), ctxErr
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return core.Null(), fmt.Errorf("command failed: %s", msg)
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return core.Null(), nil
	}
	var v core.Value
	if err := json.Unmarshal([]byte(out), &v); err == nil {
		return v, nil
	}
	return core.String(out), nil
}
