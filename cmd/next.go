package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var nextCmd = &cobra.Command{
	Use:   "next <session>",
	Short: "Compute and log the session's next instruction",
	Long:  "Runs one planning decision against the current graph and budget state. The decision is appended to the session's operation log; applying it is left to 'loom run' or an external driver.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := OpenStore()
		if err != nil {
			return err
		}
		defer s.Close()

		sess, err := ResolveSession(s, args[0])
		if err != nil {
			return err
		}
		planner, _, _, err := newPlanner(s)
		if err != nil {
			return err
		}

		inst, err := planner.NextAction(cmd.Context(), sess.ID)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(inst)
		}

		fmt.Printf("Next: %s\n", inst.Kind)
		if inst.Reason != "" {
			fmt.Printf("Reason: %s\n", inst.Reason)
		}
		if inst.Count > 0 {
			fmt.Printf("Count: %d (%s)\n", inst.Count, inst.Strategy)
		}
		if len(inst.NodeIDs) > 0 {
			short := make([]string, len(inst.NodeIDs))
			for i, id := range inst.NodeIDs {
				short[i] = shortID(id)
			}
			fmt.Printf("Nodes: %s\n", strings.Join(short, ", "))
		}
		if inst.KeepTopN > 0 {
			fmt.Printf("Keep top: %d (threshold %.1f)\n", inst.KeepTopN, inst.Threshold)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(nextCmd)
}
