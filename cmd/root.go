package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"weave/loom/internal/budget"
	"weave/loom/internal/config"
	"weave/loom/internal/machine"
	"weave/loom/internal/observe"
	"weave/loom/internal/store"
)

var (
	dbPath     string
	verbose    bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom multi-agent research orchestration",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to .loom.db database")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
}

// DiscoverDB finds the database path using priority: env > flag > walk-up.
func DiscoverDB() (string, error) {
	if envPath := os.Getenv("LOOM_DB"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath, nil
		}
	}

	if dbPath != "" {
		if _, err := os.Stat(dbPath); err == nil {
			return dbPath, nil
		}
		return "", fmt.Errorf("database not found at --db path: %s", dbPath)
	}

	dir, err := os.Getwd()
	if err == nil {
		for {
			candidate := filepath.Join(dir, ".loom.db")
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	return "", fmt.Errorf("no .loom.db found (set LOOM_DB, use --db, or run from a directory containing .loom.db)")
}

// ResolveNewDB chooses where a fresh database goes: env > flag > CWD. Unlike
// DiscoverDB the path does not have to exist yet.
func ResolveNewDB() string {
	if envPath := os.Getenv("LOOM_DB"); envPath != "" {
		return envPath
	}
	if dbPath != "" {
		return dbPath
	}
	return ".loom.db"
}

// OpenStore discovers and opens the database.
func OpenStore() (*store.Store, error) {
	path, err := DiscoverDB()
	if err != nil {
		return nil, err
	}
	return store.Open(path)
}

// newObserver builds the CLI's observer from the global flags.
func newObserver() *observe.Observer {
	if jsonOutput {
		return observe.NewJSON(os.Stderr, verbose)
	}
	return observe.New(os.Stderr, verbose)
}

// loadConfig reads .loom.yaml from the database's directory, falling back to
// defaults when absent.
func loadConfig(s *store.Store) (*config.Config, error) {
	return config.Load(filepath.Join(filepath.Dir(s.Path), config.FileName))
}

// newPlanner wires a planner for the given store using file config.
func newPlanner(s *store.Store) (*machine.Planner, *budget.Guard, *config.Config, error) {
	cfg, err := loadConfig(s)
	if err != nil {
		return nil, nil, nil, err
	}
	guard := budget.New(s, cfg.BudgetGuard())
	planner := machine.NewPlanner(s, guard, newObserver())
	if cfg.Planner != nil {
		planner.SetConfig(*cfg.Planner)
	}
	return planner, guard, cfg, nil
}

// ResolveSession finds a session by full ID or unambiguous ID prefix.
func ResolveSession(s *store.Store, reference string) (*store.Session, error) {
	sess, err := s.GetSession(reference)
	if err == nil {
		return sess, nil
	}

	if len(reference) >= 6 {
		sessions, listErr := s.ListSessions(true)
		if listErr != nil {
			return nil, listErr
		}
		var matches []store.Session
		for _, candidate := range sessions {
			if len(candidate.ID) >= len(reference) && candidate.ID[:len(reference)] == reference {
				matches = append(matches, candidate)
			}
		}
		switch len(matches) {
		case 1:
			return &matches[0], nil
		case 0:
		default:
			lines := make([]string, len(matches))
			for i, m := range matches {
				lines[i] = fmt.Sprintf("  %s %s", shortID(m.ID), m.Topic)
			}
			return nil, fmt.Errorf("ambiguous session '%s'. %d matches:\n%s\nUse a full session ID instead.",
				reference, len(matches), joinLines(lines))
		}
	}

	return nil, fmt.Errorf("session not found: %s", reference)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func joinLines(lines []string) string {
	result := ""
	for i, l := range lines {
		if i > 0 {
			result += "\n"
		}
		result += l
	}
	return result
}
