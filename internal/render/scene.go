package render

import (
	"fmt"
	"image/color"
	"math"
	"slices"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/quadtree"

	"github.com/atlasmap-sc/hexseg/internal/transcripts"
	"github.com/atlasmap-sc/hexseg/pkg/colormap"
)

// ColorMode selects how transcripts are colored.
type ColorMode string

const (
	ColorCell       ColorMode = "cell"
	ColorComponent  ColorMode = "component"
	ColorPopulation ColorMode = "population"
)

// ParseColorMode converts a query value to a ColorMode. Empty means cell.
func ParseColorMode(s string) (ColorMode, error) {
	switch ColorMode(s) {
	case "":
		return ColorCell, nil
	case ColorCell, ColorComponent, ColorPopulation:
		return ColorMode(s), nil
	default:
		return "", fmt.Errorf("unknown color mode: %q", s)
	}
}

// Scene is an immutable view of a segmentation state to draw.
type Scene struct {
	Transcripts []transcripts.Transcript
	Assignments []transcripts.CellIndex

	// Per cell.
	Components  []uint32
	Populations []int32

	maxPopulation int32
}

// NewScene validates the slices and precomputes color scaling.
func NewScene(ts []transcripts.Transcript, assignments []transcripts.CellIndex, components []uint32, populations []int32) (*Scene, error) {
	if len(ts) != len(assignments) {
		return nil, fmt.Errorf("assignments length mismatch: %d != %d", len(assignments), len(ts))
	}
	if len(components) != len(populations) {
		return nil, fmt.Errorf("per-cell length mismatch: %d != %d", len(components), len(populations))
	}
	s := &Scene{
		Transcripts: ts,
		Assignments: assignments,
		Components:  components,
		Populations: populations,
	}
	if len(populations) > 0 {
		s.maxPopulation = slices.Max(populations)
	}
	return s, nil
}

// Color returns the color of transcript i.
func (s *Scene) Color(i int, mode ColorMode) color.Color {
	c := s.Assignments[i]
	if c == transcripts.BackgroundCell || int(c) >= len(s.Components) {
		return colormap.Background
	}
	switch mode {
	case ColorComponent:
		return colormap.Categorical.AtIndex(int(s.Components[c]))
	case ColorPopulation:
		if s.maxPopulation <= 0 {
			return colormap.Viridis.At(0)
		}
		return colormap.Viridis.At(float64(s.Populations[c]) / float64(s.maxPopulation))
	default:
		return colormap.Cell(c)
	}
}

// Viewport is the square world extent covered by zoom level 0.
type Viewport struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	Size float64 `json:"size"`
}

// ViewportOf returns the smallest square viewport containing span.
func ViewportOf(span transcripts.Span) Viewport {
	size := math.Max(float64(span.XSpan()), float64(span.YSpan()))
	if !(size > 0) {
		size = 1
	}
	return Viewport{MinX: float64(span.MinX), MinY: float64(span.MinY), Size: size}
}

// Tile returns the world bounds of tile (x, y) at zoom z.
func (v Viewport) Tile(z, x, y int) (minX, minY, size float64) {
	size = v.Size / float64(int64(1)<<z)
	return v.MinX + float64(x)*size, v.MinY + float64(y)*size, size
}

// TileCount returns the number of tiles along each axis at zoom z.
func (v Viewport) TileCount(z int) int { return 1 << z }

// Index is a quadtree over transcript positions for tile queries.
type Index struct {
	tree *quadtree.Quadtree
}

// indexedPoint is a transcript position carrying its index.
type indexedPoint struct {
	p orb.Point
	i int32
}

func (p indexedPoint) Point() orb.Point { return p.p }

// NewIndex builds an index over ts.
func NewIndex(ts []transcripts.Transcript) *Index {
	span := transcripts.CoordinateSpan(ts)
	tree := quadtree.New(orb.Bound{
		Min: orb.Point{float64(span.MinX), float64(span.MinY)},
		Max: orb.Point{float64(span.MaxX), float64(span.MaxY)},
	})
	for i, t := range ts {
		// Every point lies inside the span bound, so Add cannot fail.
		_ = tree.Add(indexedPoint{p: orb.Point{float64(t.X), float64(t.Y)}, i: int32(i)})
	}
	return &Index{tree: tree}
}

// Query calls fn in index order for every transcript inside
// [minX, maxX) x [minY, maxY).
func (ix *Index) Query(minX, minY, maxX, maxY float64, fn func(i int)) {
	hits := ix.tree.InBound(nil, orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}})
	found := make([]int32, 0, len(hits))
	for _, h := range hits {
		p := h.(indexedPoint)
		if p.p[0] < maxX && p.p[1] < maxY {
			found = append(found, p.i)
		}
	}
	slices.Sort(found)
	for _, i := range found {
		fn(int(i))
	}
}
