package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var budgetCmd = &cobra.Command{
	Use:   "budget <session> [operation]",
	Short: "Show budget state or check an operation against it",
	Args:  cobra.RangeArgs(1, 2),
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
		_, guard, _, err := newPlanner(s)
		if err != nil {
			return err
		}

		if len(args) == 2 {
			decision := guard.Decide(sess, args[1])
			if jsonOutput {
				return printJSON(decision)
			}
			verdict := "allowed"
			if !decision.Allowed {
				verdict = "denied"
			}
			fmt.Printf("%s: %s\n", args[1], verdict)
			if decision.Reason != "" {
				fmt.Printf("Reason: %s\n", decision.Reason)
			}
			return nil
		}

		state := guard.State(sess)
		if jsonOutput {
			return printJSON(state)
		}
		fmt.Printf("Usage: %d / %d tokens (%.0f%%)\n", sess.TokenUsage, guard.Limit(sess), state.Utilization*100)
		switch {
		case state.HardExceeded:
			fmt.Println("Hard limit reached: expensive operations are denied")
		case state.SoftExceeded:
			fmt.Println("Soft limit exceeded: operations carry a warning")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(budgetCmd)
}
