package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"weave/loom/internal/runner"
)

var (
	runMaxSteps    int
	runBatchWidth  int
	runStopOnError bool
)

var runCmd = &cobra.Command{
	Use:   "run <session>",
	Short: "Drive a session loop until synthesis",
	Long:  "Repeatedly plans and applies instructions: generate paths, execute them through the batch engine, score and prune, aggregate converging branches, and finally synthesize. Stops when the session completes, fails, or the step ceiling is hit.",
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
		planner, guard, fileCfg, err := newPlanner(s)
		if err != nil {
			return err
		}

		runCfg := fileCfg.RunnerSettings()
		if runMaxSteps > 0 {
			runCfg.MaxSteps = runMaxSteps
		}
		if runBatchWidth > 0 {
			runCfg.BatchWidth = runBatchWidth
		}
		if runStopOnError {
			runCfg.StopOnError = true
		}

		obs := newObserver()
		r := runner.New(s, guard, planner, nil, nil, obs, runCfg)
		if err := r.Run(cmd.Context(), sess.ID); err != nil {
			return err
		}

		final, err := s.GetSession(sess.ID)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(final)
		}
		fmt.Printf("Session %s: %s\n", shortID(final.ID), final.Status)
		fmt.Printf("Token usage: %d\n", final.TokenUsage)
		return nil
	},
}

func init() {
	runCmd.Flags().IntVar(&runMaxSteps, "max-steps", 0, "Step ceiling (0 uses the configured default)")
	runCmd.Flags().IntVar(&runBatchWidth, "batch-width", 0, "Concurrency window for execute batches")
	runCmd.Flags().BoolVar(&runStopOnError, "stop-on-error", false, "Halt batch dispatch on first item failure")
	rootCmd.AddCommand(runCmd)
}
