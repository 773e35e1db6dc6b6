// Package cli implements the "db" subcommand family: init/delete/query
// against the SQLite file directly, without starting the server. Adapted
// from the reference server's cmd/chess-server/cli/cli.go dispatcher; the
// "user ..." subcommands are dropped since this system has no login
// (spec.md non-goal), and with them golang.org/x/term and
// github.com/lixenwraith/auth.
package cli

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"shogikifu/internal/storage"
)

// Run is the entry point for "kifud db <subcommand>".
func Run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("subcommand required: init, delete, query")
	}

	switch args[0] {
	case "init":
		return runInit(args[1:])
	case "delete":
		return runDelete(args[1:])
	case "query":
		return runQuery(args[1:])
	default:
		return fmt.Errorf("unknown subcommand: %s", args[0])
	}
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	path := fs.String("path", "", "Database file path (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("database path required")
	}

	store, err := storage.NewStore(*path, false)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer store.Close()

	if err := store.InitDB(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	fmt.Printf("Database initialized at: %s\n", *path)
	return nil
}

func runDelete(args []string) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	path := fs.String("path", "", "Database file path (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("database path required")
	}

	store, err := storage.NewStore(*path, false)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	if err := store.DeleteDB(); err != nil {
		return fmt.Errorf("failed to delete database: %w", err)
	}

	fmt.Printf("Database deleted: %s\n", *path)
	return nil
}

func runQuery(args []string) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	path := fs.String("path", "", "Database file path (required)")
	gameID := fs.String("gameId", "", "Game ID to filter (optional substring match, omit for all)")
	limit := fs.Int("limit", 50, "Maximum rows to return")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("database path required")
	}

	store, err := storage.NewStore(*path, false)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	games, total, err := store.ListGames(*limit, 0)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	var shown []storage.GameSummary
	for _, g := range games {
		if *gameID != "" && !strings.Contains(g.GameID, *gameID) {
			continue
		}
		shown = append(shown, g)
	}

	if len(shown) == 0 {
		fmt.Println("No games found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Game ID\tTitle\tCurrent Node\tUpdated")
	fmt.Fprintln(w, strings.Repeat("-", 80))
	for _, g := range shown {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			g.GameID[:8]+"...",
			g.Title,
			g.CurrentNodeID[:8]+"...",
			g.UpdatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	w.Flush()

	fmt.Printf("\nShowing %d of %d game(s)\n", len(shown), total)
	return nil
}
