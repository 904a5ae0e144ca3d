// Package model holds the generative model of a segmentation run: fixed
// hyperparameters, the shared mutable posterior state, and the likelihood
// terms the sampler evaluates against it.
package model

import (
	"errors"
	"fmt"
	"math"
)

// ErrNonFinite is returned when a likelihood evaluation produces NaN or ±Inf.
var ErrNonFinite = errors.New("model: non-finite likelihood")

// backgroundConcentration is the pseudo-count of the Beta prior on the
// background probability.
const backgroundConcentration = 100

// Priors are the hyperparameters fixed before sampling starts.
type Priors struct {
	// MinCellArea floors cell areas in the area likelihood.
	MinCellArea float32

	// Normal prior on each component's log-area mean.
	MuMuA    float64
	SigmaMuA float64

	// Gamma prior on each component's log-area precision.
	AlphaSigmaA float64
	BetaSigmaA  float64

	// Beta prior on negative binomial success probabilities.
	AlphaTheta float64
	BetaTheta  float64

	// Gamma prior (shape, rate) on negative binomial dispersions.
	ER float64
	FR float64

	// Beta prior on the background probability.
	AlphaBackground float64
	BetaBackground  float64

	// Symmetric Dirichlet prior on mixture weights.
	AlphaW float64
}

// CalibratePriors derives priors from the neighborhood graph scale. The
// expected cell area is the squared mean edge length times the mean number of
// transcripts per cell.
func CalibratePriors(avgEdgeLength float32, ntranscripts, ncells int, backgroundProb float64) (Priors, error) {
	if !(backgroundProb > 0 && backgroundProb < 1) {
		return Priors{}, fmt.Errorf("background probability must be in (0, 1), got %v", backgroundProb)
	}

	edge := float64(avgEdgeLength)
	if !(edge > 0) {
		edge = 1
	}
	minArea := edge * edge
	perCell := float64(max(ntranscripts, 1)) / float64(max(ncells, 1))

	return Priors{
		MinCellArea:     float32(minArea),
		MuMuA:           math.Log(minArea * perCell),
		SigmaMuA:        3,
		AlphaSigmaA:     0.1,
		BetaSigmaA:      0.1,
		AlphaTheta:      1,
		BetaTheta:       1,
		ER:              1,
		FR:              1,
		AlphaBackground: backgroundProb * backgroundConcentration,
		BetaBackground:  (1 - backgroundProb) * backgroundConcentration,
		AlphaW:          1,
	}, nil
}
