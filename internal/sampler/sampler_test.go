package sampler

import (
	"context"
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/atlasmap-sc/hexseg/internal/chunk"
	"github.com/atlasmap-sc/hexseg/internal/graph"
	"github.com/atlasmap-sc/hexseg/internal/model"
	"github.com/atlasmap-sc/hexseg/internal/transcripts"
)

type fixture struct {
	cat    *transcripts.Catalog
	graph  *graph.Graph
	params *model.Params
}

// newFixture lays out ncells round cells on a grid. Transcripts near a cell
// center start assigned to it; the rest start in background.
func newFixture(t testing.TB, ncells, perCell int, seed uint64) *fixture {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, 11))
	side := int(math.Ceil(math.Sqrt(float64(ncells))))

	var ts []transcripts.Transcript
	var assignments []transcripts.CellIndex
	for c := 0; c < ncells; c++ {
		cx, cy := float64(c%side)*10, float64(c/side)*10
		for k := 0; k < perCell; k++ {
			r := 4 * math.Sqrt(rng.Float64())
			theta := rng.Float64() * 2 * math.Pi
			gene := uint32(rng.IntN(2) + 2*(c%2))
			ts = append(ts, transcripts.Transcript{
				X:    float32(cx + r*math.Cos(theta)),
				Y:    float32(cy + r*math.Sin(theta)),
				Gene: gene,
			})
			if r < 2 || k == 0 {
				assignments = append(assignments, transcripts.CellIndex(c))
			} else {
				assignments = append(assignments, transcripts.BackgroundCell)
			}
		}
	}

	cat, err := transcripts.NewCatalog([]string{"A", "B", "C", "D"}, ts, assignments)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return buildFixture(t, cat, 3, 3, float64(side*side*100))
}

func buildFixture(t testing.TB, cat *transcripts.Catalog, radius float32, ncomponents int, fullArea float64) *fixture {
	t.Helper()
	g, err := graph.Build(context.Background(), cat.Transcripts, radius, 2)
	if err != nil {
		t.Fatalf("graph.Build: %v", err)
	}
	priors, err := model.CalibratePriors(g.AvgEdgeLength(), cat.Len(), cat.NCells(), 0.05)
	if err != nil {
		t.Fatalf("CalibratePriors: %v", err)
	}
	params, err := model.NewParams(priors, cat, g.TranscriptAreas(), ncomponents, fullArea)
	if err != nil {
		t.Fatalf("NewParams: %v", err)
	}
	return &fixture{cat: cat, graph: g, params: params}
}

func (f *fixture) sampler(t testing.TB, kind chunk.Kind, size float32, workers int, seed uint64) *HexBinSampler {
	t.Helper()
	grid, err := chunk.NewGrid(kind, size, 0, 0)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	layout := chunk.Assign(grid, f.cat.Transcripts)
	return New(f.graph, layout, f.params, Options{Workers: workers, Seed: seed, ProposalsPerChunk: 32})
}

func (f *fixture) runConfig(workers int, seed uint64, niter int) RunConfig {
	return RunConfig{
		Graph:             f.graph,
		Params:            f.params,
		BaseChunkSize:     15,
		Schedule:          DefaultSchedule(niter),
		LocalSteps:        3,
		ProposalsPerChunk: 16,
		Workers:           workers,
		Seed:              seed,
		CheckInvariants:   true,
	}
}

func TestSampleCellRegions_PreservesInvariants(t *testing.T) {
	f := newFixture(t, 25, 40, 1)
	s := f.sampler(t, chunk.Hex, 12, 8, 3)
	ncells := f.params.NCells()

	var stats ProposalStats
	for step := 0; step < 30; step++ {
		if err := s.SampleCellRegions(context.Background(), &stats); err != nil {
			t.Fatalf("SampleCellRegions: %v", err)
		}
		if err := f.params.CheckInvariants(); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}

		assigned := f.params.NUnassigned()
		for c := 0; c < ncells; c++ {
			assigned += f.params.Population(c)
		}
		if assigned != f.cat.Len() {
			t.Fatalf("step %d: %d transcripts accounted for, want %d", step, assigned, f.cat.Len())
		}
	}

	if f.params.NCells() != ncells {
		t.Fatalf("cell count changed from %d to %d", ncells, f.params.NCells())
	}
	proposed, accepted := stats.Totals()
	if proposed == 0 {
		t.Fatal("no moves proposed")
	}
	if accepted > proposed {
		t.Fatalf("accepted %d > proposed %d", accepted, proposed)
	}
}

func TestSampleCellRegions_MovesStayLocal(t *testing.T) {
	f := newFixture(t, 9, 30, 2)
	grid := chunk.NewSquareGrid(20, 0, 0)
	// One proposal per chunk per step: a neighbor moves at most once while
	// a transcript is being proposed.
	s := New(f.graph, chunk.Assign(grid, f.cat.Transcripts), f.params, Options{Workers: 4, Seed: 5, ProposalsPerChunk: 1})

	var stats ProposalStats
	for step := 0; step < 200; step++ {
		before := f.params.Assignments()
		if err := s.SampleCellRegions(context.Background(), &stats); err != nil {
			t.Fatalf("SampleCellRegions: %v", err)
		}
		after := f.params.Assignments()

		// A transcript may only join a cell owning one of its neighbors.
		for i := range after {
			if after[i] == before[i] || after[i] == transcripts.BackgroundCell {
				continue
			}
			ok := false
			for _, j := range f.graph.Neighbors(i) {
				if before[j] == after[i] || after[j] == after[i] {
					ok = true
					break
				}
			}
			if !ok {
				t.Fatalf("transcript %d moved to cell %d, which owns none of its neighbors", i, after[i])
			}
		}
	}
}

func TestSampleGlobalParams(t *testing.T) {
	f := newFixture(t, 16, 30, 4)
	s := f.sampler(t, chunk.Hex, 12, 4, 9)

	for round := 0; round < 5; round++ {
		if err := s.SampleGlobalParams(context.Background()); err != nil {
			t.Fatalf("SampleGlobalParams: %v", err)
		}
		if err := f.params.CheckInvariants(); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		if _, err := f.params.LogLikelihood(); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
	}
}

func TestSampleGlobalParams_SingleComponent(t *testing.T) {
	f := newFixture(t, 4, 20, 6)
	params, err := model.NewParams(f.params.Priors(), f.cat, f.graph.TranscriptAreas(), 1, 400)
	if err != nil {
		t.Fatalf("NewParams: %v", err)
	}
	f.params = params
	s := f.sampler(t, chunk.Hex, 12, 2, 1)

	if err := s.SampleGlobalParams(context.Background()); err != nil {
		t.Fatalf("SampleGlobalParams: %v", err)
	}
	if params.W[0] != 1 {
		t.Fatalf("expected single weight 1, got %v", params.W[0])
	}
	for c := 0; c < params.NCells(); c++ {
		if params.Z[c] != 0 {
			t.Fatalf("cell %d assigned component %d", c, params.Z[c])
		}
	}
}

func TestRun_Deterministic(t *testing.T) {
	run := func() ([]transcripts.CellIndex, []uint32) {
		f := newFixture(t, 16, 30, 8)
		if err := Run(context.Background(), f.runConfig(1, 77, 6)); err != nil {
			t.Fatalf("Run: %v", err)
		}
		return f.params.Assignments(), slices.Clone(f.params.Z)
	}

	a1, z1 := run()
	a2, z2 := run()
	if !slices.Equal(a1, a2) {
		t.Fatal("assignments differ between identical single-worker runs")
	}
	if !slices.Equal(z1, z2) {
		t.Fatal("component labels differ between identical single-worker runs")
	}
}

func TestRun_Parallel(t *testing.T) {
	f := newFixture(t, 36, 30, 12)
	ncells := f.params.NCells()

	var reports []IterationReport
	observer := ObserverFunc(func(_ context.Context, r *IterationReport) error {
		reports = append(reports, *r)
		return nil
	})
	if err := Run(context.Background(), f.runConfig(8, 1, 8), observer); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(reports) != 8 {
		t.Fatalf("expected 8 reports, got %d", len(reports))
	}
	for i, r := range reports {
		if r.Iteration != i {
			t.Fatalf("report %d has iteration %d", i, r.Iteration)
		}
		if math.IsNaN(r.LogLikelihood) || math.IsInf(r.LogLikelihood, 0) {
			t.Fatalf("report %d has log-likelihood %v", i, r.LogLikelihood)
		}
		if p, _ := r.Stats.Totals(); p == 0 {
			t.Fatalf("report %d has no proposals", i)
		}
	}
	if reports[0].Grid != chunk.Square || reports[7].Grid != chunk.Hex {
		t.Fatalf("unexpected stage grids %v, %v", reports[0].Grid, reports[7].Grid)
	}
	if f.params.NCells() != ncells {
		t.Fatal("cell count changed during run")
	}
}

func TestRun_ObserverErrorAborts(t *testing.T) {
	f := newFixture(t, 4, 10, 3)
	calls := 0
	observer := ObserverFunc(func(context.Context, *IterationReport) error {
		calls++
		return context.Canceled
	})
	if err := Run(context.Background(), f.runConfig(2, 1, 4), observer); err == nil {
		t.Fatal("expected observer error to abort the run")
	}
	if calls != 1 {
		t.Fatalf("expected 1 observer call, got %d", calls)
	}
}

func TestRun_FourTranscripts(t *testing.T) {
	bg := transcripts.BackgroundCell
	cat, err := transcripts.NewCatalog(
		[]string{"A", "B"},
		[]transcripts.Transcript{
			{X: 0, Y: 0, Gene: 0},
			{X: 1, Y: 0, Gene: 1},
			{X: 0, Y: 1, Gene: 0},
			{X: 1, Y: 1, Gene: 1},
		},
		[]transcripts.CellIndex{0, 1, bg, bg},
	)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	// The transcripts sit in a large, sparse region, so background density
	// is low.
	f := buildFixture(t, cat, 2, 1, 1e12)
	cfg := RunConfig{
		Graph:         f.graph,
		Params:        f.params,
		BaseChunkSize: 4,
		Schedule:      []Stage{{Grid: chunk.Hex, Scale: 1, Iterations: 1}},
		LocalSteps:    1,
		Workers:       1,
		Seed:          1,
	}
	if err := Run(context.Background(), cfg); err != nil {
		t.Fatalf("Run: %v", err)
	}

	p := f.params
	if p.NCells() != 2 {
		t.Fatalf("expected 2 cells, got %d", p.NCells())
	}
	for g := 0; g < p.NGenes(); g++ {
		var sum uint32
		for c := 0; c < p.NCells(); c++ {
			sum += p.Count(g, c)
		}
		if sum > 4 {
			t.Fatalf("gene %d counts sum to %d", g, sum)
		}
	}
	if p.NUnassigned() > 2 {
		t.Fatalf("expected at most 2 unassigned transcripts, got %d", p.NUnassigned())
	}
	if err := p.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants: %v", err)
	}
}

func TestRun_AllBackground(t *testing.T) {
	bg := transcripts.BackgroundCell
	cat, err := transcripts.NewCatalog(
		[]string{"A", "B"},
		[]transcripts.Transcript{{X: 0, Y: 0}, {X: 1, Y: 0, Gene: 1}, {X: 0, Y: 1}},
		[]transcripts.CellIndex{bg, bg, bg},
	)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	f := buildFixture(t, cat, 2, 2, 1)
	cfg := RunConfig{
		Graph:         f.graph,
		Params:        f.params,
		BaseChunkSize: 2,
		Schedule:      DefaultSchedule(4),
		LocalSteps:    2,
		Workers:       2,
		Seed:          3,
	}
	if err := Run(context.Background(), cfg); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.params.NCells() != 0 || f.params.NUnassigned() != 3 {
		t.Fatalf("expected 0 cells and 3 unassigned, got %d and %d", f.params.NCells(), f.params.NUnassigned())
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	if err := Run(context.Background(), RunConfig{}); err == nil {
		t.Fatal("expected error for empty config")
	}
	f := newFixture(t, 4, 10, 1)
	cfg := f.runConfig(1, 1, 4)
	cfg.BaseChunkSize = 0
	if err := Run(context.Background(), cfg); err == nil {
		t.Fatal("expected error for zero chunk size")
	}
}

func TestDefaultSchedule(t *testing.T) {
	for _, niter := range []int{0, 1, 4, 7, 800} {
		stages := DefaultSchedule(niter)
		total := 0
		for _, s := range stages {
			total += s.Iterations
		}
		if total != niter {
			t.Errorf("DefaultSchedule(%d) runs %d iterations", niter, total)
		}
		if stages[0].Grid != chunk.Square || stages[len(stages)-1].Grid != chunk.Hex {
			t.Errorf("DefaultSchedule(%d) has unexpected grids", niter)
		}
		for i := 1; i < len(stages); i++ {
			if stages[i].Scale >= stages[i-1].Scale {
				t.Errorf("stage %d does not refine the previous stage", i)
			}
		}
	}
}

func TestPickExcluding(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	candidates := []transcripts.CellIndex{transcripts.BackgroundCell, 3, 5}
	seen := map[transcripts.CellIndex]int{}
	for range 3000 {
		seen[pickExcluding(rng, candidates, 3, 2)]++
	}
	if seen[3] != 0 {
		t.Fatal("picked the excluded candidate")
	}
	for _, c := range []transcripts.CellIndex{transcripts.BackgroundCell, 5} {
		if seen[c] < 1200 {
			t.Errorf("candidate %d picked only %d times", c, seen[c])
		}
	}
}

func TestProposalStats(t *testing.T) {
	var a, b ProposalStats
	a.record(CellToCell, true)
	a.record(CellToCell, false)
	b.record(BackgroundToCell, true)
	b.record(CellToBackground, false)

	a.Merge(&b)
	if p, acc := a.Totals(); p != 4 || acc != 2 {
		t.Fatalf("expected 4 proposed / 2 accepted, got %d / %d", p, acc)
	}
	if r := a.AcceptanceRate(CellToCell); r != 0.5 {
		t.Errorf("expected cell->cell rate 0.5, got %v", r)
	}
	if r := a.AcceptanceRate(CellToBackground); r != 0 {
		t.Errorf("expected cell->background rate 0, got %v", r)
	}

	a.Reset()
	if p, _ := a.Totals(); p != 0 {
		t.Fatal("Reset left counts behind")
	}
	if CellToBackground.String() != "cell_to_background" {
		t.Errorf("unexpected kind name %q", CellToBackground.String())
	}
}

func TestMoveKind(t *testing.T) {
	bg := transcripts.BackgroundCell
	if moveKind(bg, 1) != BackgroundToCell || moveKind(1, bg) != CellToBackground || moveKind(1, 2) != CellToCell {
		t.Fatal("moveKind misclassified")
	}
}

func BenchmarkSampleCellRegions(b *testing.B) {
	f := newFixture(b, 400, 60, 1)
	s := f.sampler(b, chunk.Hex, 30, 4, 1)
	var stats ProposalStats
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := s.SampleCellRegions(context.Background(), &stats); err != nil {
			b.Fatal(err)
		}
	}
}
