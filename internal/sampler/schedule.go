package sampler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atlasmap-sc/hexseg/internal/chunk"
	"github.com/atlasmap-sc/hexseg/internal/graph"
	"github.com/atlasmap-sc/hexseg/internal/model"
)

// Stage is one entry of the sampling schedule: a chunk geometry and how many
// outer iterations to run with it.
type Stage struct {
	Grid       chunk.Kind `yaml:"grid" json:"grid"`
	Scale      float32    `yaml:"scale" json:"scale"`
	Iterations int        `yaml:"iterations" json:"iterations"`
}

// DefaultSchedule splits niter over a coarse square stage followed by
// progressively finer hexagonal stages.
func DefaultSchedule(niter int) []Stage {
	stages := []Stage{
		{Grid: chunk.Square, Scale: 2},
		{Grid: chunk.Hex, Scale: 1.414},
		{Grid: chunk.Hex, Scale: 1},
		{Grid: chunk.Hex, Scale: 0.707},
	}
	for i := range stages {
		stages[i].Iterations = niter / len(stages)
		if i < niter%len(stages) {
			stages[i].Iterations++
		}
	}
	return stages
}

// IterationReport describes one completed outer iteration.
type IterationReport struct {
	Stage          int
	StageIteration int
	Iteration      int

	Grid      chunk.Kind
	ChunkSize float32
	Chunks    int

	LogLikelihood float64
	Unassigned    int
	Stats         ProposalStats
	Elapsed       time.Duration

	// Params is the settled state. Observers must not retain or modify it.
	Params *model.Params
}

// Observer is notified after every outer iteration. Returning an error
// aborts the run.
type Observer interface {
	ObserveIteration(ctx context.Context, r *IterationReport) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, r *IterationReport) error

func (f ObserverFunc) ObserveIteration(ctx context.Context, r *IterationReport) error {
	return f(ctx, r)
}

// RunConfig holds everything a run needs besides the observers.
type RunConfig struct {
	Graph  *graph.Graph
	Params *model.Params

	// BaseChunkSize is scaled by each stage's Scale.
	BaseChunkSize    float32
	OriginX, OriginY float32

	Schedule          []Stage
	LocalSteps        int
	ProposalsPerChunk int
	Workers           int
	Seed              uint64

	// CheckInvariants verifies the state after every iteration.
	CheckInvariants bool

	Logger   *zap.Logger
	LogEvery int
}

// Run executes the schedule. Each iteration is a batch of local steps
// followed by a global update and a full log-likelihood evaluation.
func Run(ctx context.Context, cfg RunConfig, observers ...Observer) error {
	if cfg.Graph == nil || cfg.Params == nil {
		return errors.New("sampler: graph and params are required")
	}
	if !(cfg.BaseChunkSize > 0) {
		return fmt.Errorf("sampler: invalid base chunk size %v", cfg.BaseChunkSize)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logEvery := max(cfg.LogEvery, 1)

	params := cfg.Params
	iteration := 0
	for si, stage := range cfg.Schedule {
		size := cfg.BaseChunkSize * stage.Scale
		grid, err := chunk.NewGrid(stage.Grid, size, cfg.OriginX, cfg.OriginY)
		if err != nil {
			return fmt.Errorf("stage %d: %w", si, err)
		}
		layout := chunk.Assign(grid, params.Transcripts())

		s := New(cfg.Graph, layout, params, Options{
			Workers:           cfg.Workers,
			ProposalsPerChunk: cfg.ProposalsPerChunk,
			Seed:              cfg.Seed,
			Stream:            uint64(si),
			Logger:            logger,
		})
		logger.Info("starting sampler stage",
			zap.Int("stage", si),
			zap.String("grid", string(stage.Grid)),
			zap.Float32("chunk_size", size),
			zap.Int("chunks", layout.Len()),
			zap.Int("iterations", stage.Iterations))

		if err := s.SampleGlobalParams(ctx); err != nil {
			return fmt.Errorf("stage %d: %w", si, err)
		}

		var stats ProposalStats
		for it := 0; it < stage.Iterations; it++ {
			start := time.Now()
			for step := 0; step < cfg.LocalSteps; step++ {
				if err := s.SampleCellRegions(ctx, &stats); err != nil {
					return fmt.Errorf("iteration %d: %w", iteration, err)
				}
			}
			if err := s.SampleGlobalParams(ctx); err != nil {
				return fmt.Errorf("iteration %d: %w", iteration, err)
			}

			ll, err := params.LogLikelihood()
			if err != nil {
				return fmt.Errorf("iteration %d: %w", iteration, err)
			}
			if cfg.CheckInvariants {
				if err := params.CheckInvariants(); err != nil {
					return fmt.Errorf("iteration %d: %w", iteration, err)
				}
			}

			report := IterationReport{
				Stage:          si,
				StageIteration: it,
				Iteration:      iteration,
				Grid:           stage.Grid,
				ChunkSize:      size,
				Chunks:         layout.Len(),
				LogLikelihood:  ll,
				Unassigned:     params.NUnassigned(),
				Stats:          stats,
				Elapsed:        time.Since(start),
				Params:         params,
			}
			logger.Debug("iteration", zap.Int("iteration", iteration), zap.Float64("loglik", ll))
			if iteration%logEvery == 0 {
				proposed, accepted := stats.Totals()
				logger.Info("sampler progress",
					zap.Int("iteration", iteration),
					zap.Int("unassigned", report.Unassigned),
					zap.Float64("loglik", ll),
					zap.Uint64("proposed", proposed),
					zap.Uint64("accepted", accepted))
			}

			for _, o := range observers {
				if err := o.ObserveIteration(ctx, &report); err != nil {
					return fmt.Errorf("iteration %d observer: %w", iteration, err)
				}
			}

			stats.Reset()
			iteration++
		}
	}
	return nil
}
