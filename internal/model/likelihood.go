package model

import (
	"fmt"
	"math"

	"github.com/atlasmap-sc/hexseg/internal/transcripts"
)

var halfLog2Pi = 0.5 * math.Log(2*math.Pi)

func lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)
	return v
}

// countAddDelta is log NB(x+1) - log NB(x) for gene g under component k.
func (p *Params) countAddDelta(k, g uint32, x uint32) float64 {
	j := int(k)*p.ngenes + int(g)
	return math.Log(float64(x)+p.R[j]) - math.Log(float64(x)+1) + p.logP[j]
}

// areaLogLik is the log-normal density of a cell area under component k,
// with the area floored at the minimum cell area.
func (p *Params) areaLogLik(k uint32, a float32) float64 {
	x := math.Log(float64(max(a, p.priors.MinCellArea)))
	s := p.SigmaA[k]
	d := (x - p.MuA[k]) / s
	return -x - math.Log(s) - halfLog2Pi - 0.5*d*d
}

// countLogLik is the negative binomial log-likelihood of a cell's count
// vector under component k, without the -log x! terms that do not depend on k.
func (p *Params) countLogLik(k uint32, counts []uint32) float64 {
	ll := p.rLog1mPSum[k]
	base := int(k) * p.ngenes
	for g, x := range counts {
		if x == 0 {
			continue
		}
		j := base + g
		xf := float64(x)
		ll += lgamma(xf+p.R[j]) - p.lgammaR[j] + xf*p.logP[j]
	}
	return ll
}

// CellComponentLogLik is the log-likelihood of cell c's counts and area
// under component k, up to a term constant in k.
func (p *Params) CellComponentLogLik(c, k int) float64 {
	return p.countLogLik(uint32(k), p.CellCounts(c)) + p.areaLogLik(uint32(k), p.area[c])
}

// AreaLogLik returns the log-normal area log-density of cell c under its
// current component.
func (p *Params) AreaLogLik(c int) float64 {
	return p.areaLogLik(p.Z[c], p.area[c])
}

// LogLikelihood recomputes the full log-likelihood of the current state:
// every cell's count and area terms plus the background term. It must not
// run concurrently with local moves.
func (p *Params) LogLikelihood() (float64, error) {
	var ll float64
	for c := 0; c < p.ncells; c++ {
		k := p.Z[c]
		counts := p.CellCounts(c)
		ll += p.countLogLik(k, counts)
		for _, x := range counts {
			if x > 1 {
				ll -= lgamma(float64(x) + 1)
			}
		}
		ll += p.areaLogLik(k, p.area[c])
	}

	nbg := 0
	for i := range p.assignments {
		if p.assignments[i].Load() == transcripts.BackgroundCell {
			nbg++
			ll += p.bgLogDensity[p.ts[i].Gene]
		}
	}
	ll += float64(nbg)*p.logBg + float64(len(p.assignments)-nbg)*p.log1mBg

	if math.IsNaN(ll) || math.IsInf(ll, 0) {
		return ll, fmt.Errorf("log-likelihood %v: %w", ll, ErrNonFinite)
	}
	return ll, nil
}
