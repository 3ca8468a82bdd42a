package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skein-dev/skein/internal/core"
	"github.com/skein-dev/skein/internal/digraph"
	"github.com/skein-dev/skein/internal/logger"
)

var runContext string

var runCmd = &cobra.Command{
	Use:   "run <graph.yaml>",
	Short: "Store a graph definition and run it to completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := digraph.LoadFile(args[0])
		if err != nil {
			return err
		}
		execCtx := core.Null()
		if runContext != "" {
			if err := json.Unmarshal([]byte(runContext), &execCtx); err != nil {
				return fmt.Errorf("invalid --context: %w", err)
			}
		}

		d, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer d.close()

		ctx := cmd.Context()
		if err := d.eng.CreateGraph(ctx, g); err != nil {
			return err
		}
		exec, err := d.eng.CreateExecution(ctx, g.ID, execCtx)
		if err != nil {
			return err
		}
		if err := d.eng.SubmitExecution(ctx, exec.ID); err != nil {
			return err
		}
		logger.Info(ctx, "execution submitted", "execution", exec.ID.String())

		// SIGINT requests cooperative cancellation; the run still drains.
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigs)
		go func() {
			if _, ok := <-sigs; ok {
				logger.Info(ctx, "signal received, cancelling execution")
				_ = d.eng.CancelExecution(ctx, exec.ID)
			}
		}()

		if err := d.eng.Shutdown(ctx); err != nil {
			return err
		}
		st, err := d.eng.ExecutionState(ctx, exec.ID)
		if err != nil {
			return err
		}
		printExecution(g, st)
		if st.Execution.Status != core.StatusSuccess {
			return fmt.Errorf("execution finished %s", st.Execution.Status)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runContext, "context", "", "execution context as a JSON document")
}
