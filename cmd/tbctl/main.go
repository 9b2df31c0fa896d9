// Command tbctl administers a taskboard database and drives task lifecycle
// operations from the shell.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"taskboard/internal/config"
	"taskboard/internal/db"
	"taskboard/pkg/store"
)

var (
	rootCtx = context.Background()
	cfg     *config.Config
	st      store.Store
)

var rootCmd = &cobra.Command{
	Use:           "tbctl",
	Short:         "Administer taskboard applications, groups, users and tasks",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(); err != nil {
			return err
		}
		if st, err = db.Open(rootCtx, cfg); err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if st != nil {
			st.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "admin", Title: "Administration:"},
		&cobra.Group{ID: "tasks", Title: "Tasks:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
