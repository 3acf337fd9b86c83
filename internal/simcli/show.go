// ABOUTME: The show subcommand of the simulator CLI
// ABOUTME: Lists stored trace runs and prints one run's level, phase and restart records
package simcli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sendspin/twsync/internal/trace"
	"github.com/Sendspin/twsync/pkg/aps"
)

// ShowOptions holds flags for the show command.
type ShowOptions struct {
	*RootOptions
	ChangesOnly bool
}

// RunTrace is one stored run with its records.
type RunTrace struct {
	Run      trace.Run           `json:"run"`
	Levels   []aps.LevelRecord   `json:"levels"`
	Sessions []aps.SessionRecord `json:"sessions"`
	Restarts []aps.RestartRecord `json:"restarts"`
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show [run-id]",
		Short: "Print stored traces",
		Long: `Print engine traces stored in a trace database.

Without a run id every run is listed. A unique prefix of a run id is
enough to select it.

Examples:
  aps-sim show --db ./trace.db
  aps-sim show --db ./trace.db 3f2a --changes-only`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showTrace(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.ChangesOnly, "changes-only", false, "only print level records that changed the level")

	return cmd
}

func showTrace(opts *ShowOptions, args []string, cmd *cobra.Command) error {
	if opts.Database == "" {
		return fmt.Errorf("--db is required")
	}
	store, err := trace.Open(opts.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		runs, err := store.Runs(ctx)
		if err != nil {
			return err
		}
		if opts.Format == "json" {
			return writeJSON(out, runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(out, "No runs recorded")
			return nil
		}
		for _, r := range runs {
			fmt.Fprintf(out, "%s  %s  %-24s levels=%d restarts=%d\n",
				r.ID, r.Created.Format(time.DateTime), r.Label, r.Levels, r.Restarts)
		}
		return nil
	}

	run, err := store.FindRun(ctx, args[0])
	if err != nil {
		return err
	}
	rt := RunTrace{Run: run}
	if rt.Levels, err = store.Levels(ctx, run.ID); err != nil {
		return err
	}
	if rt.Sessions, err = store.PhaseSessions(ctx, run.ID); err != nil {
		return err
	}
	if rt.Restarts, err = store.Restarts(ctx, run.ID); err != nil {
		return err
	}
	if opts.ChangesOnly {
		changed := rt.Levels[:0]
		for _, l := range rt.Levels {
			if l.Changed {
				changed = append(changed, l)
			}
		}
		rt.Levels = changed
	}

	if opts.Format == "json" {
		return writeJSON(out, rt)
	}
	printTrace(out, rt)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTrace(w io.Writer, rt RunTrace) {
	fmt.Fprintf(w, "Run %s (%s)\n\n", rt.Run.ID, rt.Run.Label)

	fmt.Fprintf(w, "Levels (%d)\n", len(rt.Levels))
	for _, l := range rt.Levels {
		mark := " "
		if l.Changed {
			mark = "*"
		}
		fine := ""
		if l.Fine {
			fine = " fine"
		}
		fmt.Fprintf(w, "  %10s %s %-6s level=%d [%d..%d]%s peak=%.2fms checks=%+d\n",
			l.At.Round(time.Millisecond), mark, l.Role, l.Level, l.Min, l.Max, fine,
			float64(l.PeakUs)/1000, l.Checks)
	}

	fmt.Fprintf(w, "\nPhase sessions (%d)\n", len(rt.Sessions))
	for _, s := range rt.Sessions {
		if s.Ended {
			fmt.Fprintf(w, "  %10s   end at level %d\n", s.At.Round(time.Millisecond), s.From)
			continue
		}
		fmt.Fprintf(w, "  %10s   diff=%+dus %d->%d for %s\n",
			s.At.Round(time.Millisecond), s.DiffUs, s.From, s.Target, s.Duration)
	}

	fmt.Fprintf(w, "\nRestarts (%d)\n", len(rt.Restarts))
	for _, r := range rt.Restarts {
		fmt.Fprintf(w, "  %10s   %s hint=%d\n", r.At.Round(time.Millisecond), r.Cause, r.Hint)
	}
}
