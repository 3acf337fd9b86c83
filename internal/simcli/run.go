// ABOUTME: The run subcommand of the simulator CLI
// ABOUTME: Simulates paired sessions and optionally stores their engine diagnostics
package simcli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sendspin/twsync/internal/config"
	"github.com/Sendspin/twsync/internal/sim"
	"github.com/Sendspin/twsync/internal/trace"
	"github.com/Sendspin/twsync/pkg/aps"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config       string
	Label        string
	Duration     time.Duration
	Mode         string
	MasterDrift  float64
	SlaveDrift   float64
	JitterUs     uint32
	PhaseErrorUs int32
	PhaseNoiseUs int32
	Seed         uint64
	Runs         int
	Every        int
}

// RunSummary is one simulated session in the output.
type RunSummary struct {
	Seed         uint64       `json:"seed"`
	TraceRun     string       `json:"trace_run,omitempty"`
	LevelChanges int          `json:"level_changes"`
	Sessions     int          `json:"sessions"`
	Restarts     int          `json:"restarts"`
	Underruns    int          `json:"underruns"`
	FinalPhaseUs float64      `json:"final_phase_us"`
	MaxPhaseUs   float64      `json:"max_phase_us"`
	Samples      []sim.Sample `json:"samples,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}
	d := sim.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Simulate a paired session",
		Long: `Simulate a master/slave earbud pair driving the sync engine.

Each earbud's output clock drifts against the relay, packets arrive with
random jitter and the slave starts with an optional phase error. The level
trace is printed at every phase report and, with --db, every engine
diagnostic record is stored for "aps-sim show".

Examples:
  aps-sim run --master-drift 40 --slave-drift -40
  aps-sim run --phase-error-us 2500 --db ./trace.db --label offset
  aps-sim run --runs 8 --jitter-us 4000 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSim(cmd.Context(), opts, cmd)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Config, "config", "", "YAML config file for engine tunables")
	f.StringVar(&opts.Label, "label", "sim", "trace run label")
	f.DurationVar(&opts.Duration, "duration", d.Duration, "simulated time per session")
	f.StringVar(&opts.Mode, "mode", "full", "session mode (full|simple)")
	f.Float64Var(&opts.MasterDrift, "master-drift", d.MasterDriftPPM, "master clock drift in ppm")
	f.Float64Var(&opts.SlaveDrift, "slave-drift", d.SlaveDriftPPM, "slave clock drift in ppm")
	f.Uint32Var(&opts.JitterUs, "jitter-us", d.JitterUs, "maximum packet arrival jitter")
	f.Int32Var(&opts.PhaseErrorUs, "phase-error-us", 0, "initial slave phase offset")
	f.Int32Var(&opts.PhaseNoiseUs, "phase-noise-us", 0, "maximum noise on each phase report")
	f.Uint64Var(&opts.Seed, "seed", d.Seed, "random seed of the first session")
	f.IntVar(&opts.Runs, "runs", 1, "number of sessions, seeded consecutively")
	f.IntVar(&opts.Every, "every", 4, "print every Nth sample in text output (0 hides samples)")

	return cmd
}

func runSim(ctx context.Context, opts *RunOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.Runs < 1 {
		return fmt.Errorf("--runs must be at least 1")
	}
	base, err := opts.baseConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	var store *trace.Store
	if opts.Database != "" {
		if store, err = trace.Open(opts.Database); err != nil {
			return err
		}
		defer store.Close()
	}

	cfgs := make([]sim.Config, opts.Runs)
	summaries := make([]RunSummary, opts.Runs)
	sinks := make([]*trace.Sink, 0, opts.Runs)
	for i := range cfgs {
		cfg := base
		cfg.Seed = opts.Seed + uint64(i)
		summaries[i].Seed = cfg.Seed
		if store != nil {
			run, err := store.NewRun(ctx, fmt.Sprintf("%s seed=%d", opts.Label, cfg.Seed))
			if err != nil {
				return err
			}
			sink := store.NewSink(run, 0, cfg.Logger)
			sinks = append(sinks, sink)
			cfg.Sink = sink
			summaries[i].TraceRun = run
		}
		cfgs[i] = cfg
	}

	results, err := sim.RunMany(ctx, cfgs)
	for _, s := range sinks {
		s.Close()
	}
	if err != nil {
		return err
	}

	for i, r := range results {
		summaries[i].LevelChanges = r.LevelChanges
		summaries[i].Sessions = r.Sessions
		summaries[i].Restarts = r.Restarts
		summaries[i].Underruns = r.Underruns
		summaries[i].FinalPhaseUs = r.FinalPhaseUs
		summaries[i].MaxPhaseUs = r.MaxPhaseUs
		summaries[i].Samples = r.Samples
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	}
	for _, s := range summaries {
		printSummary(out, s, opts.Every)
	}
	return nil
}

// baseConfig builds the session config from the defaults, the optional
// config file and the flags.
func (o *RunOptions) baseConfig(logOut io.Writer) (sim.Config, error) {
	cfg := sim.DefaultConfig()

	if o.Config != "" {
		c, err := config.Load(o.Config)
		if err != nil {
			return cfg, err
		}
		if cfg.Engine, err = c.Engine.APS(); err != nil {
			return cfg, err
		}
	}

	switch o.Mode {
	case "full":
		cfg.Mode = aps.ModeFull
	case "simple":
		cfg.Mode = aps.ModeSimple
	default:
		return cfg, fmt.Errorf("invalid mode %q: must be full or simple", o.Mode)
	}

	cfg.Duration = o.Duration
	cfg.MasterDriftPPM = o.MasterDrift
	cfg.SlaveDriftPPM = o.SlaveDrift
	cfg.JitterUs = o.JitterUs
	cfg.PhaseErrorUs = o.PhaseErrorUs
	cfg.PhaseNoiseUs = o.PhaseNoiseUs
	cfg.Logger = o.logger(logOut)
	return cfg, nil
}

func printSummary(w io.Writer, s RunSummary, every int) {
	fmt.Fprintf(w, "Session seed=%d", s.Seed)
	if s.TraceRun != "" {
		fmt.Fprintf(w, " trace=%s", s.TraceRun)
	}
	fmt.Fprintln(w)

	if every > 0 && len(s.Samples) > 0 {
		fmt.Fprintf(w, "  %8s  %6s  %5s  %9s  %9s  %9s\n", "time", "master", "slave", "m_buf_ms", "s_buf_ms", "phase_us")
		for i, smp := range s.Samples {
			if i%every != every-1 && i != len(s.Samples)-1 {
				continue
			}
			fmt.Fprintf(w, "  %8s  %6d  %5d  %9.2f  %9.2f  %9.0f\n",
				smp.At.Round(time.Millisecond), smp.MasterLevel, smp.SlaveLevel,
				float64(smp.MasterOccUs)/1000, float64(smp.SlaveOccUs)/1000, smp.PhaseUs)
		}
	}

	fmt.Fprintf(w, "  level changes: %d  phase sessions: %d  restarts: %d  underruns: %d\n",
		s.LevelChanges, s.Sessions, s.Restarts, s.Underruns)
	fmt.Fprintf(w, "  final phase: %.0fus  max phase (second half): %.0fus\n\n", s.FinalPhaseUs, s.MaxPhaseUs)
}
