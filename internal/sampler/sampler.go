// Package sampler implements the MCMC engine that refines transcript-to-cell
// assignments with chunk-parallel local moves and conjugate global updates.
package sampler

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"slices"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atlasmap-sc/hexseg/internal/chunk"
	"github.com/atlasmap-sc/hexseg/internal/graph"
	"github.com/atlasmap-sc/hexseg/internal/model"
	"github.com/atlasmap-sc/hexseg/internal/transcripts"
)

// DefaultProposalsPerChunk is the number of proposals each chunk makes in
// one local step.
const DefaultProposalsPerChunk = 64

// Options configures a HexBinSampler.
type Options struct {
	Workers           int
	ProposalsPerChunk int
	Seed              uint64
	// Stream separates the random streams of samplers sharing a seed, such
	// as the stages of one run.
	Stream uint64
	Logger *zap.Logger
}

// HexBinSampler mutates a model.Params in place. Local moves run in parallel
// across the chunks of a layout; global updates run between them.
type HexBinSampler struct {
	graph  *graph.Graph
	layout *chunk.Layout
	params *model.Params

	workers           int
	proposalsPerChunk int
	seed              uint64
	epoch             uint64

	logger *zap.Logger
}

// New creates a sampler over the given layout.
func New(g *graph.Graph, layout *chunk.Layout, params *model.Params, opts Options) *HexBinSampler {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.ProposalsPerChunk <= 0 {
		opts.ProposalsPerChunk = DefaultProposalsPerChunk
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &HexBinSampler{
		graph:             g,
		layout:            layout,
		params:            params,
		workers:           opts.Workers,
		proposalsPerChunk: opts.ProposalsPerChunk,
		seed:              opts.Seed,
		epoch:             opts.Stream << 40,
		logger:            opts.Logger,
	}
}

// Layout returns the chunk layout the sampler works over.
func (s *HexBinSampler) Layout() *chunk.Layout { return s.layout }

// SampleCellRegions runs one local step: every chunk makes its proposals,
// chunks in parallel and proposals within a chunk in order. It returns after
// all chunks have finished, with their counts merged into stats.
func (s *HexBinSampler) SampleCellRegions(ctx context.Context, stats *ProposalStats) error {
	s.epoch++
	epoch := s.epoch

	chunks := s.layout.Chunks()
	results := make([]ProposalStats, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, c := range chunks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := newRNG(s.seed, epoch, uint64(c.ID))
			return s.sampleChunk(c, rng, &results[c.ID])
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("local moves: %w", err)
	}

	for i := range results {
		stats.Merge(&results[i])
	}
	return nil
}

func (s *HexBinSampler) sampleChunk(c *chunk.Chunk, rng *rand.Rand, stats *ProposalStats) error {
	n := c.Len()
	if n == 0 {
		return nil
	}

	candidates := make([]transcripts.CellIndex, 0, 8)
	for range s.proposalsPerChunk {
		i := int(c.Select(rng.IntN(n)))
		src := s.params.Assignment(i)

		// The reverse move must be proposable, so src has to be a candidate.
		// Both directions then draw uniformly from |U|-1 cells and the
		// proposal ratio is one.
		candidates = s.neighborCells(i, candidates[:0])
		if len(candidates) < 2 || !slices.Contains(candidates, src) {
			continue
		}

		dst := pickExcluding(rng, candidates, src, len(candidates)-1)
		accepted, err := s.params.ProposeMove(i, dst, 0, math.Log(rng.Float64()))
		if err != nil {
			return err
		}
		stats.record(moveKind(src, dst), accepted)
	}
	return nil
}

// neighborCells appends background and the distinct current cells of i's
// graph neighbors to buf.
func (s *HexBinSampler) neighborCells(i int, buf []transcripts.CellIndex) []transcripts.CellIndex {
	buf = append(buf, transcripts.BackgroundCell)
	for _, j := range s.graph.Neighbors(i) {
		c := s.params.Assignment(int(j))
		if !slices.Contains(buf, c) {
			buf = append(buf, c)
		}
	}
	return buf
}

// pickExcluding draws uniformly from candidates other than skip, of which
// there are n.
func pickExcluding(rng *rand.Rand, candidates []transcripts.CellIndex, skip transcripts.CellIndex, n int) transcripts.CellIndex {
	k := rng.IntN(n)
	for _, c := range candidates {
		if c == skip {
			continue
		}
		if k == 0 {
			return c
		}
		k--
	}
	panic("sampler: candidate count out of sync")
}

func moveKind(src, dst transcripts.CellIndex) MoveKind {
	switch {
	case src == transcripts.BackgroundCell:
		return BackgroundToCell
	case dst == transcripts.BackgroundCell:
		return CellToBackground
	default:
		return CellToCell
	}
}
