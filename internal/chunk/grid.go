// Package chunk partitions the plane into hexagonal or square chunks so that
// local sampler moves can run in parallel over spatially separate regions.
package chunk

import (
	"fmt"
	"math"
)

// Kind selects the chunk shape.
type Kind string

const (
	Hex    Kind = "hex"
	Square Kind = "square"
)

// ParseKind converts a configuration value to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Hex, Square:
		return Kind(s), nil
	case "":
		return Hex, nil
	default:
		return "", fmt.Errorf("unknown chunk grid kind: %q", s)
	}
}

// Key addresses one chunk on the infinite grid.
type Key struct {
	I, J int32
}

// Grid maps any point of the plane to exactly one chunk.
type Grid interface {
	Key(x, y float32) Key
	Center(k Key) (x, y float64)
	Kind() Kind
	// Size is the side of a square with the same area as one chunk.
	Size() float32
}

// NewGrid builds a grid of the given kind anchored at the origin.
func NewGrid(kind Kind, size, originX, originY float32) (Grid, error) {
	if !(size > 0) {
		return nil, fmt.Errorf("invalid chunk size: %v", size)
	}
	switch kind {
	case Hex:
		return NewHexGrid(size, originX, originY), nil
	case Square:
		return NewSquareGrid(size, originX, originY), nil
	default:
		return nil, fmt.Errorf("unknown chunk grid kind: %q", kind)
	}
}

// SquareGrid is an axis-aligned grid of size x size squares.
type SquareGrid struct {
	size   float64
	ox, oy float64
}

// NewSquareGrid creates a square grid.
func NewSquareGrid(size, originX, originY float32) *SquareGrid {
	return &SquareGrid{size: float64(size), ox: float64(originX), oy: float64(originY)}
}

func (g *SquareGrid) Key(x, y float32) Key {
	return Key{
		I: int32(math.Floor((float64(x) - g.ox) / g.size)),
		J: int32(math.Floor((float64(y) - g.oy) / g.size)),
	}
}

func (g *SquareGrid) Center(k Key) (float64, float64) {
	return g.ox + (float64(k.I)+0.5)*g.size, g.oy + (float64(k.J)+0.5)*g.size
}

func (g *SquareGrid) Kind() Kind    { return Square }
func (g *SquareGrid) Size() float32 { return float32(g.size) }

// hexAreaFactor is the area of a regular hexagon with unit circumradius.
var hexAreaFactor = 3 * math.Sqrt(3) / 2

// HexGrid is a pointy-top hexagonal grid in axial coordinates (I=q, J=r).
type HexGrid struct {
	size   float64
	radius float64
	ox, oy float64
}

// NewHexGrid creates a hexagonal grid whose hexagons have area size².
func NewHexGrid(size, originX, originY float32) *HexGrid {
	s := float64(size)
	return &HexGrid{
		size:   s,
		radius: s / math.Sqrt(hexAreaFactor),
		ox:     float64(originX),
		oy:     float64(originY),
	}
}

func (g *HexGrid) Key(x, y float32) Key {
	px := (float64(x) - g.ox) / g.radius
	py := (float64(y) - g.oy) / g.radius

	q := math.Sqrt(3)/3*px - py/3
	r := 2 * py / 3
	return hexRound(q, r)
}

func (g *HexGrid) Center(k Key) (float64, float64) {
	q, r := float64(k.I), float64(k.J)
	x := g.radius * (math.Sqrt(3)*q + math.Sqrt(3)/2*r)
	y := g.radius * 1.5 * r
	return g.ox + x, g.oy + y
}

func (g *HexGrid) Kind() Kind    { return Hex }
func (g *HexGrid) Size() float32 { return float32(g.size) }

// Radius returns the hexagon circumradius.
func (g *HexGrid) Radius() float64 { return g.radius }

// hexRound rounds fractional axial coordinates to the containing hexagon via
// cube coordinates.
func hexRound(q, r float64) Key {
	s := -q - r
	rq, rr, rs := math.Round(q), math.Round(r), math.Round(s)

	dq, dr, ds := math.Abs(rq-q), math.Abs(rr-r), math.Abs(rs-s)
	switch {
	case dq > dr && dq > ds:
		rq = -rr - rs
	case dr > ds:
		rr = -rq - rs
	}
	return Key{I: int32(rq), J: int32(rr)}
}
