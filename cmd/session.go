package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"weave/loom/internal/store"
)

var (
	sessionKind       string
	sessionTokenLimit int64
	sessionAll        bool
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage research sessions",
}

var sessionNewCmd = &cobra.Command{
	Use:   "new <topic>",
	Short: "Create a research session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := store.Open(ResolveNewDB())
		if err != nil {
			return err
		}
		defer s.Close()

		sess, err := s.CreateSession(args[0], store.CreateSessionOpts{
			Kind:       store.SessionKind(sessionKind),
			TokenLimit: sessionTokenLimit,
		})
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(sess)
		}
		fmt.Printf("Created session %s (%s)\n", shortID(sess.ID), sess.Kind)
		fmt.Printf("Topic: %s\n", sess.Topic)
		fmt.Printf("Database: %s\n", s.Path)
		return nil
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session>",
	Short: "Show a session's state",
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
		if jsonOutput {
			return printJSON(sess)
		}

		nodes, err := s.SessionNodes(sess.ID)
		if err != nil {
			return err
		}
		active := 0
		for _, n := range nodes {
			if n.Status == store.NodeActive || n.Status == store.NodeRefined {
				active++
			}
		}

		fmt.Printf("Session: %s\n", sess.ID)
		fmt.Printf("Topic:   %s\n", sess.Topic)
		fmt.Printf("Kind:    %s\n", sess.Kind)
		fmt.Printf("Status:  %s\n", sess.Status)
		fmt.Printf("Tokens:  %d", sess.TokenUsage)
		if sess.TokenLimit > 0 {
			fmt.Printf(" / %d", sess.TokenLimit)
		}
		fmt.Println()
		fmt.Printf("Nodes:   %d (%d live)\n", len(nodes), active)
		fmt.Printf("Created: %s\n", millisTime(sess.CreatedAt))
		if sess.CompletedAt != nil {
			fmt.Printf("Completed: %s\n", millisTime(*sess.CompletedAt))
		}
		for _, e := range sess.ErrorLog {
			fmt.Printf("Error: %s\n", e)
		}
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := OpenStore()
		if err != nil {
			return err
		}
		defer s.Close()

		sessions, err := s.ListSessions(sessionAll)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(sessions)
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions.")
			return nil
		}
		for _, sess := range sessions {
			marker := " "
			if sess.Archived {
				marker = "a"
			}
			fmt.Printf("%s %s %-12s %6d tok  %s\n",
				marker, shortID(sess.ID), sess.Status, sess.TokenUsage, sess.Topic)
		}
		return nil
	},
}

var sessionArchiveCmd = &cobra.Command{
	Use:   "archive <session>",
	Short: "Archive a session",
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
		if err := s.ArchiveSession(sess.ID); err != nil {
			return err
		}
		fmt.Printf("Archived %s\n", shortID(sess.ID))
		return nil
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <session>",
	Short: "Delete a session and all its data",
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
		if err := s.DeleteSession(sess.ID); err != nil {
			return err
		}
		fmt.Printf("Deleted %s and its nodes, workers, and artifacts\n", shortID(sess.ID))
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func millisTime(ms int64) string {
	return time.UnixMilli(ms).Format(time.RFC3339)
}

func init() {
	sessionNewCmd.Flags().StringVar(&sessionKind, "kind", "deep", "Session kind: deep, quick, custom")
	sessionNewCmd.Flags().Int64Var(&sessionTokenLimit, "token-limit", 0, "Per-session token ceiling (0 uses the default)")
	sessionListCmd.Flags().BoolVar(&sessionAll, "all", false, "Include archived sessions")

	sessionCmd.AddCommand(sessionNewCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionArchiveCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)
	rootCmd.AddCommand(sessionCmd)
}
