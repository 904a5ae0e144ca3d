// Package main is the entry point for hexseg, an MCMC transcript
// segmentation tool for imaging-based spatial transcriptomics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/atlasmap-sc/hexseg/internal/config"
	"github.com/atlasmap-sc/hexseg/internal/logging"
)

func main() {
	cmd := &cli.Command{
		Name:      "hexseg",
		Usage:     "Segment imaging spatial transcriptomics data by sampling transcript-to-cell assignments",
		ArgsUsage: "[transcripts.csv.gz]",
		Action:    run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file (defaults are used when empty)",
				Sources: cli.EnvVars("HEXSEG_CONFIG"),
			},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Count table output path"},
			&cli.StringFlag{Name: "z-column", Usage: "Z coordinate column (enables 3D)"},
			&cli.FloatFlag{Name: "min-qv", Usage: "Minimum transcript quality"},
			&cli.IntFlag{Name: "ncomponents", Usage: "Number of cell type mixture components"},
			&cli.IntFlag{Name: "niter", Usage: "Total outer iterations"},
			&cli.IntFlag{Name: "nthreads", Aliases: []string{"t"}, Usage: "Worker pool size (0 uses all CPUs)"},
			&cli.FloatFlag{Name: "background-prob", Usage: "Prior background probability"},
			&cli.IntFlag{Name: "local-steps", Usage: "Local steps per outer iteration"},
			&cli.UintFlag{Name: "seed", Usage: "Random seed"},
			&cli.BoolFlag{Name: "check-invariants", Usage: "Verify model state after every iteration"},
			&cli.StringFlag{Name: "monitor-addr", Usage: "Serve the live monitor on this address", Sources: cli.EnvVars("HEXSEG_MONITOR_ADDR")},
			&cli.StringFlag{Name: "trace-db", Usage: "SQLite path for the run trace"},
			&cli.StringFlag{Name: "log-level", Usage: "Log level (debug, info, warn, error)", Sources: cli.EnvVars("HEXSEG_LOG_LEVEL")},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "hexseg: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runPipeline(ctx, cfg, logger); err != nil {
		logger.Error("run failed", zap.Error(err))
		return err
	}
	return nil
}

// applyFlags overrides file values with explicitly set flags.
func applyFlags(cmd *cli.Command, cfg *config.Config) {
	if cmd.Args().Present() {
		cfg.Input.Path = cmd.Args().First()
	}
	if cmd.IsSet("output") {
		cfg.Output.Counts = cmd.String("output")
	}
	if cmd.IsSet("z-column") {
		cfg.Input.ZColumn = cmd.String("z-column")
	}
	if cmd.IsSet("min-qv") {
		cfg.Input.MinQV = float32(cmd.Float("min-qv"))
	}
	if cmd.IsSet("ncomponents") {
		cfg.Sampler.NComponents = int(cmd.Int("ncomponents"))
	}
	if cmd.IsSet("niter") {
		cfg.Sampler.NIter = int(cmd.Int("niter"))
	}
	if cmd.IsSet("nthreads") {
		cfg.Sampler.NThreads = int(cmd.Int("nthreads"))
	}
	if cmd.IsSet("background-prob") {
		cfg.Sampler.BackgroundProb = cmd.Float("background-prob")
	}
	if cmd.IsSet("local-steps") {
		cfg.Sampler.LocalStepsPerIter = int(cmd.Int("local-steps"))
	}
	if cmd.IsSet("seed") {
		cfg.Sampler.Seed = uint64(cmd.Uint("seed"))
	}
	if cmd.IsSet("check-invariants") {
		cfg.Sampler.CheckInvariants = cmd.Bool("check-invariants")
	}
	if cmd.IsSet("monitor-addr") {
		cfg.Monitor.Addr = cmd.String("monitor-addr")
	}
	if cmd.IsSet("trace-db") {
		cfg.Trace.SQLitePath = cmd.String("trace-db")
	}
	if cmd.IsSet("log-level") {
		cfg.Log.Level = cmd.String("log-level")
	}
}
