package sampler

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/atlasmap-sc/hexseg/internal/model"
)

// zBlockSize is the number of cells per unit of work when resampling
// component labels. It is fixed so results do not depend on worker count.
const zBlockSize = 1024

// SampleGlobalParams resamples component labels, mixture weights, component
// count and area parameters, and the background probability from their
// conditional posteriors. It must not run concurrently with local moves.
func (s *HexBinSampler) SampleGlobalParams(ctx context.Context) error {
	s.epoch++
	p := s.params

	if err := s.sampleComponents(ctx); err != nil {
		return err
	}

	members := make([][]int, p.NComponents())
	for c, k := range p.Z {
		members[k] = append(members[k], c)
	}

	s.sampleWeights(members)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for k := range members {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := newRNG(s.seed, s.epoch, streamComponents+uint64(k))
			s.sampleCountParams(rng, k, members[k])
			s.sampleAreaParams(rng, k, members[k])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("component parameters: %w", err)
	}

	s.sampleBackground()
	if err := p.Refresh(); err != nil {
		return fmt.Errorf("refresh parameters: %w", err)
	}
	return nil
}

// sampleComponents draws every cell's label from the categorical posterior
// over components.
func (s *HexBinSampler) sampleComponents(ctx context.Context) error {
	p := s.params
	ncells, ncomp := p.NCells(), p.NComponents()

	logW := make([]float64, ncomp)
	for k, w := range p.W {
		logW[k] = math.Log(w)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for start := 0; start < ncells; start += zBlockSize {
		end := min(start+zBlockSize, ncells)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := newRNG(s.seed, s.epoch, streamZ+uint64(start/zBlockSize))
			lp := make([]float64, ncomp)
			for c := start; c < end; c++ {
				for k := range lp {
					lp[k] = logW[k] + p.CellComponentLogLik(c, k)
				}
				norm := floats.LogSumExp(lp)
				if math.IsNaN(norm) || math.IsInf(norm, 0) {
					return fmt.Errorf("component posterior of cell %d: %w", c, model.ErrNonFinite)
				}
				for k := range lp {
					lp[k] = math.Exp(lp[k] - norm)
				}
				p.Z[c] = uint32(distuv.NewCategorical(lp, rng).Rand())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("component labels: %w", err)
	}
	return nil
}

func (s *HexBinSampler) sampleWeights(members [][]int) {
	p := s.params
	alpha := make([]float64, len(members))
	for k, m := range members {
		alpha[k] = p.Priors().AlphaW + float64(len(m))
	}
	if len(alpha) == 1 {
		p.W[0] = 1
		return
	}

	rng := newRNG(s.seed, s.epoch, streamWeights)
	w := distmv.NewDirichlet(alpha, rng).Rand(nil)
	sum := floats.Sum(w)
	for k := range w {
		p.W[k] = w[k] / sum
	}
}

// sampleCountParams updates the negative binomial parameters of component
// k: p from its Beta posterior given r, then r from its Gamma posterior given
// p using Chinese restaurant table augmentation.
func (s *HexBinSampler) sampleCountParams(rng *rand.Rand, k int, cells []int) {
	p := s.params
	pr := p.Priors()
	ngenes := p.NGenes()
	n := float64(len(cells))

	for g := 0; g < ngenes; g++ {
		j := k*ngenes + g
		r := p.R[j]

		var total float64
		var tables float64
		for _, c := range cells {
			x := p.Count(g, c)
			total += float64(x)
			for t := uint32(0); t < x; t++ {
				if rng.Float64()*(r+float64(t)) < r {
					tables++
				}
			}
		}

		prob := distuv.Beta{Alpha: pr.AlphaTheta + total, Beta: pr.BetaTheta + n*r, Src: rng}.Rand()
		prob = min(max(prob, 1e-6), 1-1e-6)
		p.P[j] = prob

		rate := pr.FR - n*math.Log1p(-prob)
		p.R[j] = distuv.Gamma{Alpha: pr.ER + tables, Beta: rate, Src: rng}.Rand()
	}
}

// sampleAreaParams updates component k's log-area mean from its Normal
// posterior and then its precision from its Gamma posterior.
func (s *HexBinSampler) sampleAreaParams(rng *rand.Rand, k int, cells []int) {
	p := s.params
	pr := p.Priors()
	minArea := float64(pr.MinCellArea)

	logAreas := make([]float64, len(cells))
	for i, c := range cells {
		logAreas[i] = math.Log(max(float64(p.Area(c)), minArea))
	}
	n := float64(len(cells))

	sigma := p.SigmaA[k]
	priorPrec := 1 / (pr.SigmaMuA * pr.SigmaMuA)
	prec := priorPrec + n/(sigma*sigma)
	mean := (pr.MuMuA*priorPrec + floats.Sum(logAreas)/(sigma*sigma)) / prec
	mu := distuv.Normal{Mu: mean, Sigma: 1 / math.Sqrt(prec), Src: rng}.Rand()

	var ss float64
	for _, y := range logAreas {
		ss += (y - mu) * (y - mu)
	}
	tau := distuv.Gamma{Alpha: pr.AlphaSigmaA + n/2, Beta: pr.BetaSigmaA + ss/2, Src: rng}.Rand()

	p.MuA[k] = mu
	p.SigmaA[k] = 1 / math.Sqrt(tau)
}

func (s *HexBinSampler) sampleBackground() {
	p := s.params
	pr := p.Priors()
	nbg := float64(p.NUnassigned())
	ncell := float64(p.NTranscripts()) - nbg

	rng := newRNG(s.seed, s.epoch, streamBackground)
	p.Background = distuv.Beta{
		Alpha: pr.AlphaBackground + nbg,
		Beta:  pr.BetaBackground + ncell,
		Src:   rng,
	}.Rand()
}
