// Package graph builds the spatial neighborhood graph over transcripts and
// derives per-transcript area estimates from it.
package graph

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/atlasmap-sc/hexseg/internal/transcripts"
)

// ErrEmptyInput is returned for an empty transcript list or a non-positive radius.
var ErrEmptyInput = errors.New("graph: empty input")

// maxBucketsPerTranscript bounds the bucket grid so that a few outliers far
// from the tissue do not allocate an enormous, mostly empty grid.
const maxBucketsPerTranscript = 4

// Graph is an undirected adjacency graph in compressed sparse row form. Every
// logical edge is stored once per endpoint.
type Graph struct {
	offsets   []uint32
	neighbors []uint32

	areas         []float32
	avgEdgeLength float32
}

// Len returns the number of vertices.
func (g *Graph) Len() int { return len(g.offsets) - 1 }

// Neighbors returns the sorted neighbors of vertex i. The slice must not be modified.
func (g *Graph) Neighbors(i int) []uint32 {
	return g.neighbors[g.offsets[i]:g.offsets[i+1]]
}

// EdgeCount returns the number of stored directed entries, twice the number
// of undirected edges.
func (g *Graph) EdgeCount() int { return len(g.neighbors) }

// AvgEdgeLength returns the mean length over undirected edges.
func (g *Graph) AvgEdgeLength() float32 { return g.avgEdgeLength }

// TranscriptAreas returns the local area estimate of every transcript.
func (g *Graph) TranscriptAreas() []float32 { return g.areas }

// Build connects each transcript to its nearest neighbor within radius in
// each of the four xy quadrants, then symmetrizes. The result depends only on
// the transcript order and radius.
func Build(ctx context.Context, ts []transcripts.Transcript, radius float32, workers int) (*Graph, error) {
	n := len(ts)
	if n == 0 || !(radius > 0) {
		return nil, ErrEmptyInput
	}
	if workers <= 0 {
		workers = 1
	}

	idx := newBucketIndex(ts, radius)

	nearest := make([][4]int32, n)
	g, gctx := errgroup.WithContext(ctx)
	block := (n + workers - 1) / workers
	for start := 0; start < n; start += block {
		end := min(start+block, n)
		g.Go(func() error {
			for i := start; i < end; i++ {
				if i%4096 == 0 && gctx.Err() != nil {
					return gctx.Err()
				}
				nearest[i] = idx.quadrantNeighbors(ts, i, radius)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("neighbor search: %w", err)
	}

	pairs := make([]uint64, 0, 2*n)
	for i, qs := range nearest {
		for _, j := range qs {
			if j < 0 {
				continue
			}
			a, b := uint64(i), uint64(j)
			if a > b {
				a, b = b, a
			}
			pairs = append(pairs, a<<32|b)
		}
	}
	slices.Sort(pairs)
	pairs = slices.Compact(pairs)

	return fromPairs(ts, pairs, radius), nil
}

func fromPairs(ts []transcripts.Transcript, pairs []uint64, radius float32) *Graph {
	n := len(ts)
	degree := make([]uint32, n+1)
	for _, p := range pairs {
		degree[p>>32]++
		degree[uint32(p)]++
	}

	offsets := make([]uint32, n+1)
	for i := 0; i < n; i++ {
		offsets[i+1] = offsets[i] + degree[i]
	}

	// Pairs are sorted by (a, b) with a < b, so filling in order keeps every
	// neighbor list sorted.
	neighbors := make([]uint32, offsets[n])
	fill := slices.Clone(offsets[:n])
	sqLenSum := make([]float64, n)
	var lenSum float64
	for _, p := range pairs {
		a, b := uint32(p>>32), uint32(p)
		neighbors[fill[a]] = b
		fill[a]++
		neighbors[fill[b]] = a
		fill[b]++

		d2 := sqDist(ts[a], ts[b])
		sqLenSum[a] += d2
		sqLenSum[b] += d2
		lenSum += math.Sqrt(d2)
	}

	g := &Graph{
		offsets:   offsets,
		neighbors: neighbors,
		areas:     make([]float32, n),
	}

	isolatedArea := float64(radius) * float64(radius)
	if len(pairs) > 0 {
		avg := lenSum / float64(len(pairs))
		g.avgEdgeLength = float32(avg)
		isolatedArea = avg * avg
	}

	for i := 0; i < n; i++ {
		deg := offsets[i+1] - offsets[i]
		if deg == 0 {
			g.areas[i] = float32(isolatedArea)
			continue
		}
		g.areas[i] = float32(sqLenSum[i] / float64(deg))
	}

	return g
}

func sqDist(a, b transcripts.Transcript) float64 {
	dx := float64(a.X) - float64(b.X)
	dy := float64(a.Y) - float64(b.Y)
	dz := float64(a.Z) - float64(b.Z)
	return dx*dx + dy*dy + dz*dz
}

// quadrant classifies the offset (dx, dy) into one of four half-open
// quadrants. Coincident points fall into quadrant 0.
func quadrant(dx, dy float32) int {
	switch {
	case dx > 0 && dy >= 0:
		return 0
	case dx <= 0 && dy > 0:
		return 1
	case dx < 0 && dy <= 0:
		return 2
	case dx >= 0 && dy < 0:
		return 3
	default:
		return 0
	}
}
