// Package hull extracts convex hull polygons of cells and of the whole
// transcript cloud.
package hull

import (
	"cmp"
	"math"
	"slices"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/atlasmap-sc/hexseg/internal/transcripts"
)

// ConvexHull returns the convex hull of points in counter-clockwise order,
// starting from the lowest-x point, without repeating the first point and
// without collinear vertices. Fewer than three distinct points yield the
// distinct points themselves.
func ConvexHull(points []orb.Point) orb.Ring {
	pts := slices.Clone(points)
	slices.SortFunc(pts, func(a, b orb.Point) int {
		if c := cmp.Compare(a[0], b[0]); c != 0 {
			return c
		}
		return cmp.Compare(a[1], b[1])
	})
	pts = slices.Compact(pts)
	if len(pts) < 3 {
		return orb.Ring(pts)
	}

	// Andrew's monotone chain.
	hull := make(orb.Ring, 0, 2*len(pts))
	for _, p := range pts {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(pts) - 2; i >= 0; i-- {
		p := pts[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	return hull[:len(hull)-1]
}

func cross(o, a, b orb.Point) float64 {
	return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
}

// Area returns the area enclosed by a hull. Degenerate hulls have zero area.
func Area(hull orb.Ring) float64 {
	if len(hull) < 3 {
		return 0
	}
	return math.Abs(planar.Area(closed(hull)))
}

// closed returns ring with its first point repeated at the end.
func closed(ring orb.Ring) orb.Ring {
	out := make(orb.Ring, len(ring), len(ring)+1)
	copy(out, ring)
	return append(out, ring[0])
}

// ComputeFullArea estimates the modeled region's area as the xy convex hull
// area of all transcripts.
func ComputeFullArea(ts []transcripts.Transcript) float64 {
	return Area(ConvexHull(points(ts)))
}

func points(ts []transcripts.Transcript) []orb.Point {
	pts := make([]orb.Point, len(ts))
	for i, t := range ts {
		pts[i] = orb.Point{float64(t.X), float64(t.Y)}
	}
	return pts
}
