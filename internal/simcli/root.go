// ABOUTME: Root command of the offline sync simulator CLI
// ABOUTME: Holds the global flags shared by the run and show subcommands
package simcli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose  bool
	Format   string // "json" | "text"
	Database string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the simulator CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "aps-sim",
		Short: "Offline simulator for the earbud sync engine",
		Long:  "Simulates a master/slave earbud pair against the sync engine and inspects stored traces.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to the SQLite trace database")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))

	return cmd
}

// logger returns the engine logger; engine logs go to stderr only with
// --verbose.
func (o *RootOptions) logger(w io.Writer) *slog.Logger {
	if !o.Verbose {
		w = io.Discard
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
