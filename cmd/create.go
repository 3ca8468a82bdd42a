package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skein-dev/skein/internal/digraph"
)

var createCmd = &cobra.Command{
	Use:   "create <graph.yaml>",
	Short: "Validate a graph definition and store it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := digraph.LoadFile(args[0])
		if err != nil {
			return err
		}
		d, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer d.close()

		if err := d.eng.CreateGraph(cmd.Context(), g); err != nil {
			return err
		}
		fmt.Printf("created graph %q (%s), %d nodes, %d edges\n", g.Name, g.ID, len(g.Nodes), len(g.Edges))
		return nil
	},
}
