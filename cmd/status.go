package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/skein-dev/skein/internal/core"
	"github.com/skein-dev/skein/internal/engine"
)

var statusCmd = &cobra.Command{
	Use:   "status <execution-id>",
	Short: "Show the state of an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		execID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid execution id: %w", err)
		}
		d, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer d.close()

		st, err := d.eng.ExecutionState(cmd.Context(), execID)
		if err != nil {
			return err
		}
		g, err := d.repo.GetGraph(cmd.Context(), st.Execution.GraphID)
		if err != nil {
			return err
		}
		printExecution(g, st)
		return nil
	},
}

func printExecution(g *core.Graph, st *engine.ExecutionState) {
	fmt.Printf("execution %s  graph=%q  status=%s\n", st.Execution.ID, g.Name, st.Execution.Status)
	if st.Execution.ErrorMessage != "" {
		fmt.Printf("  error: %s\n", st.Execution.ErrorMessage)
	}
	for _, ne := range st.Nodes {
		key := ne.NodeID.String()
		if n := g.NodeByID(ne.NodeID); n != nil {
			key = n.Key
		}
		line := fmt.Sprintf("  %-24s %s", key, ne.Status)
		if ne.ErrorMessage != "" {
			line += "  " + ne.ErrorMessage
		}
		fmt.Println(line)
	}
	if st.Live != nil {
		fmt.Printf("  live: flag=%s completed=%d failed=%d\n",
			st.Live.StatusFlag, len(st.Live.Completed), len(st.Live.Failed))
	}
}
