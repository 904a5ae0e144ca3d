// Package monitor publishes read-only snapshots of a running segmentation and
// answers status, cell and tile queries against them.
package monitor

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"github.com/atlasmap-sc/hexseg/internal/model"
	"github.com/atlasmap-sc/hexseg/internal/render"
	"github.com/atlasmap-sc/hexseg/internal/sampler"
	"github.com/atlasmap-sc/hexseg/internal/transcripts"
)

// Snapshot is the settled state after one outer iteration. It is never
// modified after publication.
type Snapshot struct {
	Version   int64
	Iteration int
	Stage     int
	Grid      string
	ChunkSize float32
	Chunks    int

	LogLikelihood float64
	Unassigned    int
	Background    float64
	Weights       []float64
	Stats         sampler.ProposalStats
	Elapsed       time.Duration
	PublishedAt   time.Time

	Areas []float32
	Scene *render.Scene

	// Transcripts of cell c are members[offsets[c]:offsets[c+1]].
	offsets []int
	members []int
}

// NCells returns the number of cells in the snapshot.
func (s *Snapshot) NCells() int { return len(s.Scene.Components) }

// NewSnapshot copies the state of params.
func NewSnapshot(version int64, params *model.Params) *Snapshot {
	ncells := params.NCells()
	components := slices.Clone(params.Z)
	populations := make([]int32, ncells)
	areas := make([]float32, ncells)
	for c := 0; c < ncells; c++ {
		populations[c] = int32(params.Population(c))
		areas[c] = params.Area(c)
	}
	scene, err := render.NewScene(params.Transcripts(), params.Assignments(), components, populations)
	if err != nil {
		// Params maintains these lengths itself.
		panic(err)
	}
	offsets, members := cellMembers(scene.Assignments, ncells)
	return &Snapshot{
		Version:     version,
		Background:  params.Background,
		Weights:     slices.Clone(params.W),
		PublishedAt: time.Now(),
		Areas:       areas,
		Scene:       scene,
		offsets:     offsets,
		members:     members,
	}
}

// cellMembers groups transcript indices by cell, in ascending order within
// each cell. Background transcripts are left out.
func cellMembers(assignments []transcripts.CellIndex, ncells int) ([]int, []int) {
	offsets := make([]int, ncells+1)
	for _, c := range assignments {
		if int(c) < ncells {
			offsets[c+1]++
		}
	}
	for c := 0; c < ncells; c++ {
		offsets[c+1] += offsets[c]
	}

	members := make([]int, offsets[ncells])
	fill := make([]int, ncells)
	copy(fill, offsets[:ncells])
	for i, c := range assignments {
		if int(c) < ncells {
			members[fill[c]] = i
			fill[c]++
		}
	}
	return offsets, members
}

// Publisher keeps the latest snapshot. It is a sampler.Observer.
type Publisher struct {
	every  int
	latest atomic.Pointer[Snapshot]
	done   atomic.Bool

	// last is only touched from the sampler goroutine.
	last      sampler.IterationReport
	published bool
}

// NewPublisher snapshots every every-th iteration (at least 1).
func NewPublisher(every int) *Publisher {
	return &Publisher{every: max(every, 1)}
}

// ObserveIteration implements sampler.Observer.
func (p *Publisher) ObserveIteration(_ context.Context, r *sampler.IterationReport) error {
	p.last = *r
	p.published = r.Iteration%p.every == 0 && r.Params != nil
	if p.published {
		p.publishReport(r)
	}
	return nil
}

func (p *Publisher) publishReport(r *sampler.IterationReport) {
	s := NewSnapshot(int64(r.Iteration)+1, r.Params)
	s.Iteration = r.Iteration
	s.Stage = r.Stage
	s.Grid = string(r.Grid)
	s.ChunkSize = r.ChunkSize
	s.Chunks = r.Chunks
	s.LogLikelihood = r.LogLikelihood
	s.Unassigned = r.Unassigned
	s.Stats = r.Stats
	s.Elapsed = r.Elapsed
	p.latest.Store(s)
}

// Finish publishes the last observed iteration if the cadence skipped it
// and marks the run as done.
func (p *Publisher) Finish() {
	if !p.published && p.last.Params != nil {
		p.publishReport(&p.last)
		p.published = true
	}
	p.done.Store(true)
}

// Latest returns the most recent snapshot, or nil before the first one.
func (p *Publisher) Latest() *Snapshot { return p.latest.Load() }

// Done reports whether the run has finished.
func (p *Publisher) Done() bool { return p.done.Load() }

// Cell lists the transcripts assigned to cell c in s. The result is shared
// with the snapshot and must not be modified.
func (s *Snapshot) Cell(c transcripts.CellIndex) []int {
	if int(c) >= s.NCells() {
		return nil
	}
	return s.members[s.offsets[c]:s.offsets[c+1]:s.offsets[c+1]]
}
