package model

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/atlasmap-sc/hexseg/internal/transcripts"
)

const (
	minP     = 1e-6
	minR     = 1e-6
	maxR     = 1e6
	minSigma = 1e-2
	maxSigma = 1e2
)

// Params is the mutable posterior state shared by all sampler workers.
//
// Per-cell aggregates (counts, population, area) of cell c may only be read
// or written while holding c's lock, or while no local moves are running.
// Component parameters are written only between local-move batches and must
// be followed by Refresh.
type Params struct {
	priors Priors
	ts     []transcripts.Transcript
	tareas []float32

	ncells, ngenes, ncomponents int

	assignments []atomic.Uint32
	nunassigned atomic.Int64

	// counts is cell-major: counts[c*ngenes+g].
	counts     []uint32
	population []int32
	area       []float32
	locks      []sync.Mutex

	// Z is the mixture component of each cell.
	Z []uint32

	// R and P are the negative binomial dispersion and success probability,
	// component-major: R[k*ngenes+g].
	R []float64
	P []float64

	// MuA and SigmaA parameterize each component's log-normal area model.
	MuA    []float64
	SigmaA []float64

	// W are the mixture weights.
	W []float64

	// Background is the probability that a transcript is background.
	Background float64

	bgLogDensity []float64

	logP, lgammaR []float64
	rLog1mPSum    []float64
	logBg         float64
	log1mBg       float64
}

// NewParams initializes the state from the catalog's initial assignments.
// fullArea is the modeled region's area, used for the background density.
func NewParams(priors Priors, cat *transcripts.Catalog, transcriptAreas []float32, ncomponents int, fullArea float64) (*Params, error) {
	if ncomponents <= 0 {
		return nil, fmt.Errorf("number of components must be positive, got %d", ncomponents)
	}
	if len(transcriptAreas) != cat.Len() {
		return nil, fmt.Errorf("transcript areas length mismatch: %d != %d", len(transcriptAreas), cat.Len())
	}
	if len(cat.InitialAssignments) != cat.Len() {
		return nil, fmt.Errorf("initial assignments length mismatch: %d != %d", len(cat.InitialAssignments), cat.Len())
	}

	ncells, ngenes := cat.NCells(), cat.NGenes()
	p := &Params{
		priors:      priors,
		ts:          cat.Transcripts,
		tareas:      transcriptAreas,
		ncells:      ncells,
		ngenes:      ngenes,
		ncomponents: ncomponents,
		assignments: make([]atomic.Uint32, cat.Len()),
		counts:      make([]uint32, ncells*ngenes),
		population:  make([]int32, ncells),
		area:        make([]float32, ncells),
		locks:       make([]sync.Mutex, ncells),
		Z:           make([]uint32, ncells),
		R:           make([]float64, ncomponents*ngenes),
		P:           make([]float64, ncomponents*ngenes),
		MuA:         make([]float64, ncomponents),
		SigmaA:      make([]float64, ncomponents),
		W:           make([]float64, ncomponents),
		Background:  priors.AlphaBackground / (priors.AlphaBackground + priors.BetaBackground),
		logP:        make([]float64, ncomponents*ngenes),
		lgammaR:     make([]float64, ncomponents*ngenes),
		rLog1mPSum:  make([]float64, ncomponents),
	}

	for i, c := range cat.InitialAssignments {
		p.assignments[i].Store(c)
		if c == transcripts.BackgroundCell {
			p.nunassigned.Add(1)
			continue
		}
		if int(c) >= ncells {
			return nil, fmt.Errorf("transcript %d: cell %d out of range (%d cells)", i, c, ncells)
		}
		p.counts[int(c)*ngenes+int(cat.Transcripts[i].Gene)]++
		p.population[c]++
		p.area[c] += transcriptAreas[i]
	}

	for c := range p.Z {
		p.Z[c] = uint32(c % ncomponents)
	}
	for j := range p.R {
		p.R[j] = 1
		p.P[j] = 0.5
	}
	for k := 0; k < ncomponents; k++ {
		p.MuA[k] = priors.MuMuA
		p.SigmaA[k] = 1
		p.W[k] = 1 / float64(ncomponents)
	}

	fullArea = max(fullArea, float64(priors.MinCellArea))
	if !(fullArea > 0) {
		fullArea = 1
	}
	p.bgLogDensity = make([]float64, ngenes)
	for g, total := range cat.GeneTotals() {
		p.bgLogDensity[g] = math.Log(float64(max(total, 1)) / fullArea)
	}

	if err := p.Refresh(); err != nil {
		return nil, err
	}
	return p, nil
}

// Refresh clamps component parameters into their valid ranges and
// recomputes the cached terms derived from them. A NaN parameter is
// reported as ErrNonFinite and leaves the cached terms untouched.
func (p *Params) Refresh() error {
	if err := p.checkFinite(); err != nil {
		return err
	}
	for k := 0; k < p.ncomponents; k++ {
		var sum float64
		for g := 0; g < p.ngenes; g++ {
			j := k*p.ngenes + g
			p.R[j] = clamp(p.R[j], minR, maxR)
			p.P[j] = clamp(p.P[j], minP, 1-minP)
			p.logP[j] = math.Log(p.P[j])
			p.lgammaR[j] = lgamma(p.R[j])
			sum += p.R[j] * math.Log1p(-p.P[j])
		}
		p.rLog1mPSum[k] = sum
		p.SigmaA[k] = clamp(p.SigmaA[k], minSigma, maxSigma)
	}
	p.Background = clamp(p.Background, minP, 1-minP)
	p.logBg = math.Log(p.Background)
	p.log1mBg = math.Log1p(-p.Background)
	return nil
}

func (p *Params) checkFinite() error {
	for j := range p.R {
		if math.IsNaN(p.R[j]) || math.IsNaN(p.P[j]) {
			return fmt.Errorf("component parameter %d: r=%v p=%v: %w", j, p.R[j], p.P[j], ErrNonFinite)
		}
	}
	for k := 0; k < p.ncomponents; k++ {
		if math.IsNaN(p.MuA[k]) || math.IsNaN(p.SigmaA[k]) || math.IsNaN(p.W[k]) {
			return fmt.Errorf("component %d: mu=%v sigma=%v w=%v: %w", k, p.MuA[k], p.SigmaA[k], p.W[k], ErrNonFinite)
		}
	}
	if math.IsNaN(p.Background) {
		return fmt.Errorf("background probability: %w", ErrNonFinite)
	}
	return nil
}

// Priors returns the hyperparameters.
func (p *Params) Priors() Priors { return p.priors }

// NCells returns the fixed number of cells.
func (p *Params) NCells() int { return p.ncells }

// NGenes returns the number of genes.
func (p *Params) NGenes() int { return p.ngenes }

// NComponents returns the number of mixture components.
func (p *Params) NComponents() int { return p.ncomponents }

// NTranscripts returns the number of transcripts.
func (p *Params) NTranscripts() int { return len(p.assignments) }

// Transcripts returns the catalog transcripts. The slice must not be modified.
func (p *Params) Transcripts() []transcripts.Transcript { return p.ts }

// TranscriptArea returns the area contribution of transcript i.
func (p *Params) TranscriptArea(i int) float32 { return p.tareas[i] }

// Assignment returns the current cell of transcript i.
func (p *Params) Assignment(i int) transcripts.CellIndex {
	return p.assignments[i].Load()
}

// Assignments copies out the current assignment of every transcript.
func (p *Params) Assignments() []transcripts.CellIndex {
	out := make([]transcripts.CellIndex, len(p.assignments))
	for i := range p.assignments {
		out[i] = p.assignments[i].Load()
	}
	return out
}

// Component returns the mixture component of the cell owning transcript i,
// or -1 for background.
func (p *Params) Component(i int) int {
	c := p.Assignment(i)
	if c == transcripts.BackgroundCell {
		return -1
	}
	return int(p.Z[c])
}

// NUnassigned returns the number of background transcripts.
func (p *Params) NUnassigned() int { return int(p.nunassigned.Load()) }

// Count returns the number of transcripts of gene g assigned to cell c.
func (p *Params) Count(g, c int) uint32 { return p.counts[c*p.ngenes+g] }

// CellCounts returns the gene count vector of cell c. The slice must not be
// modified.
func (p *Params) CellCounts(c int) []uint32 {
	return p.counts[c*p.ngenes : (c+1)*p.ngenes]
}

// Population returns the number of transcripts assigned to cell c.
func (p *Params) Population(c int) int { return int(p.population[c]) }

// Area returns the summed transcript area of cell c.
func (p *Params) Area(c int) float32 { return p.area[c] }

// LockPair locks the aggregates of two cells in ascending index order.
// Background has no lock.
func (p *Params) LockPair(a, b transcripts.CellIndex) {
	if a > b {
		a, b = b, a
	}
	if a != transcripts.BackgroundCell {
		p.locks[a].Lock()
	}
	if b != a && b != transcripts.BackgroundCell {
		p.locks[b].Lock()
	}
}

// UnlockPair releases locks taken by LockPair.
func (p *Params) UnlockPair(a, b transcripts.CellIndex) {
	if a > b {
		a, b = b, a
	}
	if b != a && b != transcripts.BackgroundCell {
		p.locks[b].Unlock()
	}
	if a != transcripts.BackgroundCell {
		p.locks[a].Unlock()
	}
}

// ProposeMove evaluates moving transcript i from its current cell to dst and
// applies the move if logU < Δloglik + logQ, where logQ is the log proposal
// ratio. The caller must be the only goroutine moving transcript i.
func (p *Params) ProposeMove(i int, dst transcripts.CellIndex, logQ, logU float64) (bool, error) {
	src := p.Assignment(i)
	if src == dst {
		return false, nil
	}

	p.LockPair(src, dst)
	defer p.UnlockPair(src, dst)

	delta := p.MoveDelta(i, src, dst)
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return false, fmt.Errorf("move of transcript %d from %d to %d: %w", i, src, dst, ErrNonFinite)
	}
	if logU >= delta+logQ {
		return false, nil
	}
	p.apply(i, src, dst)
	return true, nil
}

// MoveDelta returns the change in log-likelihood from moving transcript i
// from src to dst. Locks for both cells must be held.
func (p *Params) MoveDelta(i int, src, dst transcripts.CellIndex) float64 {
	g := p.ts[i].Gene
	a := p.tareas[i]

	var delta float64
	if src == transcripts.BackgroundCell {
		delta += p.log1mBg - p.logBg - p.bgLogDensity[g]
	} else {
		k := p.Z[src]
		x := p.counts[int(src)*p.ngenes+int(g)]
		delta -= p.countAddDelta(k, g, x-1)
		delta += p.areaLogLik(k, p.areaWithout(src, a)) - p.areaLogLik(k, p.area[src])
	}

	if dst == transcripts.BackgroundCell {
		delta += p.logBg + p.bgLogDensity[g] - p.log1mBg
	} else {
		k := p.Z[dst]
		x := p.counts[int(dst)*p.ngenes+int(g)]
		delta += p.countAddDelta(k, g, x)
		delta += p.areaLogLik(k, p.area[dst]+a) - p.areaLogLik(k, p.area[dst])
	}
	return delta
}

func (p *Params) apply(i int, src, dst transcripts.CellIndex) {
	g := int(p.ts[i].Gene)
	a := p.tareas[i]

	if src == transcripts.BackgroundCell {
		p.nunassigned.Add(-1)
	} else {
		p.area[src] = p.areaWithout(src, a)
		p.counts[int(src)*p.ngenes+g]--
		p.population[src]--
	}

	if dst == transcripts.BackgroundCell {
		p.nunassigned.Add(1)
	} else {
		p.area[dst] += a
		p.counts[int(dst)*p.ngenes+g]++
		p.population[dst]++
	}

	p.assignments[i].Store(dst)
}

// areaWithout returns cell c's area after removing a contribution of a. An
// emptied cell's area resets to exactly zero so rounding error does not
// accumulate.
func (p *Params) areaWithout(c transcripts.CellIndex, a float32) float32 {
	if p.population[c] <= 1 {
		return 0
	}
	return max(p.area[c]-a, 0)
}

// CheckInvariants recomputes every aggregate from the assignments and
// verifies parameter ranges. It must not run concurrently with local moves.
func (p *Params) CheckInvariants() error {
	counts := make([]uint32, len(p.counts))
	population := make([]int32, p.ncells)
	area := make([]float64, p.ncells)
	var nbg int64

	for i := range p.assignments {
		c := p.assignments[i].Load()
		if c == transcripts.BackgroundCell {
			nbg++
			continue
		}
		if int(c) >= p.ncells {
			return fmt.Errorf("transcript %d assigned to unknown cell %d", i, c)
		}
		counts[int(c)*p.ngenes+int(p.ts[i].Gene)]++
		population[c]++
		area[c] += float64(p.tareas[i])
	}

	if got := p.nunassigned.Load(); got != nbg {
		return fmt.Errorf("background count %d, expected %d", got, nbg)
	}
	for c := 0; c < p.ncells; c++ {
		var sum uint32
		for g := 0; g < p.ngenes; g++ {
			j := c*p.ngenes + g
			if p.counts[j] != counts[j] {
				return fmt.Errorf("count of gene %d in cell %d is %d, expected %d", g, c, p.counts[j], counts[j])
			}
			sum += p.counts[j]
		}
		if p.population[c] != population[c] || int32(sum) != population[c] {
			return fmt.Errorf("population of cell %d is %d (count sum %d), expected %d", c, p.population[c], sum, population[c])
		}
		if got := float64(p.area[c]); math.Abs(got-area[c]) > 1e-3*max(area[c], 1) {
			return fmt.Errorf("area of cell %d is %v, expected %v", c, got, area[c])
		}
		if int(p.Z[c]) >= p.ncomponents {
			return fmt.Errorf("cell %d has component %d of %d", c, p.Z[c], p.ncomponents)
		}
	}

	var wsum float64
	for k, w := range p.W {
		if !(w >= 0) {
			return fmt.Errorf("weight %d is %v", k, w)
		}
		wsum += w
		if !(p.SigmaA[k] > 0) || math.IsNaN(p.MuA[k]) {
			return fmt.Errorf("component %d has invalid area parameters (%v, %v)", k, p.MuA[k], p.SigmaA[k])
		}
	}
	if math.Abs(wsum-1) > 1e-6 {
		return fmt.Errorf("weights sum to %v", wsum)
	}
	for j := range p.R {
		if !(p.R[j] > 0) || !(p.P[j] > 0 && p.P[j] < 1) {
			return fmt.Errorf("component parameter %d out of range: r=%v p=%v", j, p.R[j], p.P[j])
		}
	}
	if !(p.Background > 0 && p.Background < 1) {
		return fmt.Errorf("background probability %v out of range", p.Background)
	}
	return nil
}

func clamp(x, lo, hi float64) float64 {
	return min(max(x, lo), hi)
}
