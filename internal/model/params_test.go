package model

import (
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"

	"github.com/atlasmap-sc/hexseg/internal/transcripts"
)

const bg = transcripts.BackgroundCell

// testParams builds n transcripts of ngenes genes spread over ncells cells,
// with roughly a fifth starting in background.
func testParams(t *testing.T, n, ngenes, ncells, ncomponents int, seed uint64) *Params {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, 3))

	names := make([]string, ngenes)
	for g := range names {
		names[g] = string(rune('A' + g))
	}
	ts := make([]transcripts.Transcript, n)
	assignments := make([]transcripts.CellIndex, n)
	areas := make([]float32, n)
	for i := range ts {
		ts[i] = transcripts.Transcript{X: rng.Float32() * 10, Y: rng.Float32() * 10, Gene: uint32(rng.IntN(ngenes))}
		areas[i] = 0.5 + rng.Float32()
		if i < ncells || rng.Float64() > 0.2 {
			assignments[i] = transcripts.CellIndex(i % ncells)
		} else {
			assignments[i] = bg
		}
	}

	cat, err := transcripts.NewCatalog(names, ts, assignments)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	priors, err := CalibratePriors(1, n, ncells, 0.05)
	if err != nil {
		t.Fatalf("CalibratePriors: %v", err)
	}
	p, err := NewParams(priors, cat, areas, ncomponents, 100)
	if err != nil {
		t.Fatalf("NewParams: %v", err)
	}

	// Spread component parameters so moves are not all alike.
	for j := range p.R {
		p.R[j] = 0.5 + rng.Float64()*3
		p.P[j] = 0.1 + rng.Float64()*0.8
	}
	for k := range p.MuA {
		p.MuA[k] = rng.Float64() * 2
		p.SigmaA[k] = 0.5 + rng.Float64()
	}
	p.Background = 0.1
	if err := p.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	return p
}

func TestCalibratePriors(t *testing.T) {
	p, err := CalibratePriors(2, 1000, 10, 0.05)
	if err != nil {
		t.Fatalf("CalibratePriors: %v", err)
	}
	if p.MinCellArea != 4 {
		t.Errorf("expected min cell area 4, got %v", p.MinCellArea)
	}
	if want := math.Log(400); math.Abs(p.MuMuA-want) > 1e-12 {
		t.Errorf("expected MuMuA %v, got %v", want, p.MuMuA)
	}
	if mean := p.AlphaBackground / (p.AlphaBackground + p.BetaBackground); math.Abs(mean-0.05) > 1e-12 {
		t.Errorf("expected background prior mean 0.05, got %v", mean)
	}

	if _, err := CalibratePriors(1, 10, 1, 0); err == nil {
		t.Error("expected error for zero background probability")
	}
	if _, err := CalibratePriors(0, 0, 0, 0.5); err != nil {
		t.Errorf("degenerate graph should still calibrate: %v", err)
	}
}

func TestNewParams_Aggregates(t *testing.T) {
	p := testParams(t, 500, 4, 12, 3, 1)
	if err := p.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants: %v", err)
	}
	if p.NCells() != 12 || p.NGenes() != 4 || p.NComponents() != 3 {
		t.Fatalf("unexpected dimensions %d/%d/%d", p.NCells(), p.NGenes(), p.NComponents())
	}

	total := p.NUnassigned()
	for c := 0; c < p.NCells(); c++ {
		total += p.Population(c)
	}
	if total != p.NTranscripts() {
		t.Fatalf("population %d does not cover %d transcripts", total, p.NTranscripts())
	}
}

func TestNewParams_Invalid(t *testing.T) {
	cat, err := transcripts.NewCatalog([]string{"A"}, []transcripts.Transcript{{}}, []transcripts.CellIndex{0})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	priors, _ := CalibratePriors(1, 1, 1, 0.05)
	if _, err := NewParams(priors, cat, []float32{1}, 0, 1); err == nil {
		t.Error("expected error for zero components")
	}
	if _, err := NewParams(priors, cat, nil, 1, 1); err == nil {
		t.Error("expected error for missing transcript areas")
	}
}

func TestMoveDelta_MatchesLogLikelihood(t *testing.T) {
	p := testParams(t, 300, 3, 8, 2, 5)
	rng := rand.New(rand.NewPCG(42, 0))

	before, err := p.LogLikelihood()
	if err != nil {
		t.Fatalf("LogLikelihood: %v", err)
	}
	for step := 0; step < 500; step++ {
		i := rng.IntN(p.NTranscripts())
		src := p.Assignment(i)
		dst := transcripts.CellIndex(rng.IntN(p.NCells() + 1))
		if int(dst) == p.NCells() {
			dst = bg
		}
		if dst == src {
			continue
		}

		delta := p.MoveDelta(i, src, dst)
		accepted, err := p.ProposeMove(i, dst, 0, math.Inf(-1))
		if err != nil {
			t.Fatalf("ProposeMove: %v", err)
		}
		if !accepted {
			t.Fatalf("move with logU=-Inf rejected")
		}

		after, err := p.LogLikelihood()
		if err != nil {
			t.Fatalf("LogLikelihood: %v", err)
		}
		if diff := after - before; math.Abs(diff-delta) > 1e-6*max(1, math.Abs(before)) {
			t.Fatalf("step %d: move %d->%d delta %v but log-likelihood changed by %v", step, src, dst, delta, diff)
		}
		before = after
	}
	if err := p.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants: %v", err)
	}
}

func TestProposeMove_Reject(t *testing.T) {
	p := testParams(t, 100, 2, 4, 1, 9)
	i := 0
	dst := transcripts.CellIndex(bg)
	if p.Assignment(i) == bg {
		dst = 0
	}
	before := p.Assignments()
	ll, _ := p.LogLikelihood()

	accepted, err := p.ProposeMove(i, dst, 0, math.Inf(1))
	if err != nil {
		t.Fatalf("ProposeMove: %v", err)
	}
	if accepted {
		t.Fatal("move with logU=+Inf accepted")
	}
	if !slices.Equal(before, p.Assignments()) {
		t.Fatal("rejected move changed assignments")
	}
	if after, _ := p.LogLikelihood(); after != ll {
		t.Fatalf("rejected move changed log-likelihood %v -> %v", ll, after)
	}
	if err := p.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants: %v", err)
	}
}

func TestProposeMove_NonFinite(t *testing.T) {
	p := testParams(t, 50, 2, 3, 1, 2)
	p.MuA[0] = math.NaN()

	i := 0
	dst := transcripts.CellIndex(1)
	if p.Assignment(i) == dst {
		dst = 2
	}
	if _, err := p.ProposeMove(i, dst, 0, 0); !errors.Is(err, ErrNonFinite) {
		t.Fatalf("expected ErrNonFinite, got %v", err)
	}
}

func TestRefresh_NonFinite(t *testing.T) {
	cases := map[string]func(p *Params){
		"r":          func(p *Params) { p.R[1] = math.NaN() },
		"p":          func(p *Params) { p.P[0] = math.NaN() },
		"sigma":      func(p *Params) { p.SigmaA[0] = math.NaN() },
		"background": func(p *Params) { p.Background = math.NaN() },
	}
	for name, corrupt := range cases {
		t.Run(name, func(t *testing.T) {
			p := testParams(t, 50, 2, 3, 1, 4)
			logBg := p.logBg
			corrupt(p)
			if err := p.Refresh(); !errors.Is(err, ErrNonFinite) {
				t.Fatalf("expected ErrNonFinite, got %v", err)
			}
			if p.logBg != logBg {
				t.Errorf("cached terms changed after a failed refresh")
			}
		})
	}

	p := testParams(t, 50, 2, 3, 1, 4)
	p.R[0] = math.Inf(1)
	p.Background = 2
	if err := p.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if p.R[0] != maxR || p.Background != 1-minP {
		t.Errorf("expected out-of-range values clamped, got r=%v bg=%v", p.R[0], p.Background)
	}
}

func TestProposeMove_Concurrent(t *testing.T) {
	p := testParams(t, 4000, 5, 40, 4, 17)

	const workers = 8
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(w), 1))
			// Each worker owns the transcripts congruent to w.
			for step := 0; step < 5000; step++ {
				i := w + workers*rng.IntN(p.NTranscripts()/workers)
				dst := transcripts.CellIndex(rng.IntN(p.NCells() + 1))
				if int(dst) == p.NCells() {
					dst = bg
				}
				if _, err := p.ProposeMove(i, dst, 0, math.Log(rng.Float64())); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if err := p.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants after concurrent moves: %v", err)
	}
	if p.NCells() != 40 {
		t.Fatalf("cell count changed to %d", p.NCells())
	}
}

func TestEmptiedCellAreaResets(t *testing.T) {
	cat, err := transcripts.NewCatalog(
		[]string{"A"},
		[]transcripts.Transcript{{X: 0}, {X: 1}},
		[]transcripts.CellIndex{0, 1},
	)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	priors, _ := CalibratePriors(1, 2, 2, 0.05)
	p, err := NewParams(priors, cat, []float32{0.3, 0.7}, 1, 4)
	if err != nil {
		t.Fatalf("NewParams: %v", err)
	}

	if ok, err := p.ProposeMove(0, 1, 0, math.Inf(-1)); err != nil || !ok {
		t.Fatalf("ProposeMove: %v %v", ok, err)
	}
	if p.Population(0) != 0 || p.Area(0) != 0 {
		t.Fatalf("emptied cell has population %d area %v", p.Population(0), p.Area(0))
	}
	if math.Abs(float64(p.Area(1))-1) > 1e-6 {
		t.Fatalf("unexpected area %v", p.Area(1))
	}
	if p.NCells() != 2 {
		t.Fatal("emptied cell was removed")
	}
}

func TestAllBackground(t *testing.T) {
	cat, err := transcripts.NewCatalog(
		[]string{"A", "B"},
		[]transcripts.Transcript{{Gene: 0}, {Gene: 1}, {Gene: 1}},
		[]transcripts.CellIndex{bg, bg, bg},
	)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	priors, _ := CalibratePriors(1, 3, 0, 0.05)
	p, err := NewParams(priors, cat, []float32{1, 1, 1}, 2, 10)
	if err != nil {
		t.Fatalf("NewParams: %v", err)
	}
	if p.NCells() != 0 || p.NUnassigned() != 3 {
		t.Fatalf("expected 0 cells and 3 unassigned, got %d and %d", p.NCells(), p.NUnassigned())
	}
	ll, err := p.LogLikelihood()
	if err != nil {
		t.Fatalf("LogLikelihood: %v", err)
	}
	want := 3*math.Log(p.Background) + math.Log(1.0/10) + 2*math.Log(2.0/10)
	if math.Abs(ll-want) > 1e-9 {
		t.Fatalf("expected %v, got %v", want, ll)
	}
}
