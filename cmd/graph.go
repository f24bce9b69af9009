package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Inspect a session's exploration graph",
}

var graphNodesCmd = &cobra.Command{
	Use:   "nodes <session>",
	Short: "List the session's nodes",
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
		nodes, err := s.SessionNodes(sess.ID)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(nodes)
		}
		for _, n := range nodes {
			flags := ""
			if n.Executed {
				flags += "x"
			}
			if n.Scored {
				flags += "s"
			}
			fmt.Printf("%s d%d %-10s %-6s %4.1f %-2s %s\n",
				shortID(n.ID), n.Depth, n.Status, n.Type, n.QualityScore, flags, clipLine(n.Content, 60))
		}
		return nil
	},
}

var graphOpsCmd = &cobra.Command{
	Use:   "ops <session>",
	Short: "Show the session's operation log",
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
		ops, err := s.Operations(sess.ID)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(ops)
		}
		for _, op := range ops {
			fmt.Printf("%s %s %-10s in=%d out=%d\n",
				millisTime(op.CreatedAt), shortID(op.ID), op.Type, len(op.InputNodes), len(op.OutputNodes))
		}
		return nil
	},
}

var graphWorkersCmd = &cobra.Command{
	Use:   "workers <session>",
	Short: "List the session's dispatched workers",
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
		workers, err := s.SessionWorkers(sess.ID)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(workers)
		}
		for _, w := range workers {
			focus := ""
			if w.Focus != nil {
				focus = clipLine(*w.Focus, 50)
			}
			line := fmt.Sprintf("%s %-10s %6d tok  %s", shortID(w.ID), w.Status, w.TokenUsage, focus)
			if w.ErrorMessage != nil {
				line += " !" + clipLine(*w.ErrorMessage, 40)
			}
			fmt.Println(line)
		}
		return nil
	},
}

func clipLine(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

func init() {
	graphCmd.AddCommand(graphNodesCmd)
	graphCmd.AddCommand(graphOpsCmd)
	graphCmd.AddCommand(graphWorkersCmd)
	rootCmd.AddCommand(graphCmd)
}
