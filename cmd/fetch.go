package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"weave/loom/internal/resilience"
	"weave/loom/internal/store"
)

var (
	fetchTimeout int
	fetchSession string
	fetchOut     string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Fetch a URL with an archive.org fallback",
	Long:  "GETs the URL directly and falls back to the Internet Archive's latest snapshot when the source is dead. With --session the URL is recorded as a citation on that session.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := args[0]
		f := resilience.NewFetcher(time.Duration(fetchTimeout) * time.Second)
		body, err := f.Fetch(cmd.Context(), url)
		if err != nil {
			return err
		}

		if fetchSession != "" {
			s, err := OpenStore()
			if err != nil {
				return err
			}
			defer s.Close()

			sess, err := ResolveSession(s, fetchSession)
			if err != nil {
				return err
			}
			if _, err := s.AddCitation(sess.ID, url, store.AddCitationOpts{}); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Recorded citation on %s\n", shortID(sess.ID))
		}

		if fetchOut != "" {
			return os.WriteFile(fetchOut, body, 0o644)
		}
		_, err = os.Stdout.Write(body)
		return err
	},
}

func init() {
	fetchCmd.Flags().IntVar(&fetchTimeout, "timeout", 10, "Per-request timeout in seconds")
	fetchCmd.Flags().StringVar(&fetchSession, "session", "", "Record the URL as a citation on this session")
	fetchCmd.Flags().StringVar(&fetchOut, "out", "", "Write the body to a file instead of stdout")
	rootCmd.AddCommand(fetchCmd)
}
