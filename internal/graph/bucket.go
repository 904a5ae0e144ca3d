package graph

import (
	"math"

	"github.com/atlasmap-sc/hexseg/internal/transcripts"
)

const (
	// transcriptsPerBucket is the mean bucket occupancy the grid is sized for.
	transcriptsPerBucket = 4

	// boundSlack widens bucket extents to absorb rounding in bucket
	// assignment. It only costs extra scanning.
	boundSlack = 1e-6
)

// bucketIndex is a uniform xy grid sized from transcript density. Queries
// walk rings of buckets outward from a point and stop once no unvisited
// bucket can improve any quadrant.
type bucketIndex struct {
	minX, minY float64
	size       float64
	nx, ny     int

	// start[b]..start[b+1] indexes members for bucket b.
	start   []int32
	members []int32
}

func newBucketIndex(ts []transcripts.Transcript, radius float32) *bucketIndex {
	span := transcripts.CoordinateSpan(ts)

	size := bucketSize(span, len(ts), radius)
	nx, ny := bucketDims(span, size)
	for nx*ny > maxBucketsPerTranscript*len(ts)+1 {
		size *= 2
		nx, ny = bucketDims(span, size)
	}

	idx := &bucketIndex{
		minX: float64(span.MinX),
		minY: float64(span.MinY),
		size: size,
		nx:   nx,
		ny:   ny,
	}

	counts := make([]int32, nx*ny+1)
	keys := make([]int32, len(ts))
	for i, t := range ts {
		bx, by := idx.bucket(t.X, t.Y)
		k := int32(by*nx + bx)
		keys[i] = k
		counts[k+1]++
	}
	for b := 1; b < len(counts); b++ {
		counts[b] += counts[b-1]
	}
	idx.start = counts

	idx.members = make([]int32, len(ts))
	fill := make([]int32, nx*ny)
	copy(fill, counts[:nx*ny])
	for i, k := range keys {
		idx.members[fill[k]] = int32(i)
		fill[k]++
	}

	return idx
}

// bucketSize picks a side holding about transcriptsPerBucket transcripts at
// the mean density, never larger than the search radius.
func bucketSize(span transcripts.Span, n int, radius float32) float64 {
	xs, ys := float64(span.XSpan()), float64(span.YSpan())
	size := math.Sqrt(xs * ys * transcriptsPerBucket / float64(n))
	if !(size > 0) {
		// Points on a line.
		size = max(xs, ys) * transcriptsPerBucket / float64(n)
	}
	if !(size > 0) || size > float64(radius) {
		size = float64(radius)
	}
	return size
}

func bucketDims(span transcripts.Span, size float64) (int, int) {
	nx := int(math.Floor(float64(span.XSpan())/size)) + 1
	ny := int(math.Floor(float64(span.YSpan())/size)) + 1
	return nx, ny
}

func (idx *bucketIndex) bucket(x, y float32) (int, int) {
	bx := int((float64(x) - idx.minX) / idx.size)
	by := int((float64(y) - idx.minY) / idx.size)
	return min(max(bx, 0), idx.nx-1), min(max(by, 0), idx.ny-1)
}

// quadrantNeighbors returns the nearest transcript to i within radius in each
// quadrant, or -1. Ties go to the lower index.
func (idx *bucketIndex) quadrantNeighbors(ts []transcripts.Transcript, i int, radius float32) [4]int32 {
	q := quadrantSearch{
		best: [4]int32{-1, -1, -1, -1},
		r2:   float64(radius) * float64(radius),
		ti:   ts[i],
		i:    int32(i),
	}
	for k := range q.bound {
		q.bound[k] = q.r2
	}

	bx, by := idx.bucket(q.ti.X, q.ti.Y)
	maxRing := max(bx, idx.nx-1-bx, by, idx.ny-1-by)
	for k := 0; k <= maxRing; k++ {
		// Every bucket in ring k is at least (k-1) sides away in x or y.
		if k > 0 {
			lo := float64(k-1) * idx.size * (1 - boundSlack)
			if lo*lo > q.maxBound() {
				break
			}
		}
		idx.visitRing(bx, by, k, func(x, y int) { idx.scanBucket(ts, &q, x, y) })
	}
	return q.best
}

// visitRing calls fn for every in-grid bucket at Chebyshev distance k from
// (bx, by).
func (idx *bucketIndex) visitRing(bx, by, k int, fn func(x, y int)) {
	if k == 0 {
		fn(bx, by)
		return
	}
	x0, x1 := max(bx-k, 0), min(bx+k, idx.nx-1)
	if y := by - k; y >= 0 {
		for x := x0; x <= x1; x++ {
			fn(x, y)
		}
	}
	if y := by + k; y < idx.ny {
		for x := x0; x <= x1; x++ {
			fn(x, y)
		}
	}
	y0, y1 := max(by-k+1, 0), min(by+k-1, idx.ny-1)
	if x := bx - k; x >= 0 {
		for y := y0; y <= y1; y++ {
			fn(x, y)
		}
	}
	if x := bx + k; x < idx.nx {
		for y := y0; y <= y1; y++ {
			fn(x, y)
		}
	}
}

type quadrantSearch struct {
	best  [4]int32
	bound [4]float64
	r2    float64
	ti    transcripts.Transcript
	i     int32
}

func (q *quadrantSearch) maxBound() float64 {
	return max(q.bound[0], q.bound[1], q.bound[2], q.bound[3])
}

func (idx *bucketIndex) scanBucket(ts []transcripts.Transcript, q *quadrantSearch, x, y int) {
	// Offsets of the bucket rectangle relative to the query point.
	px, py := float64(q.ti.X), float64(q.ti.Y)
	dx0 := idx.minX + float64(x)*idx.size - px
	dx1 := dx0 + idx.size
	dy0 := idx.minY + float64(y)*idx.size - py
	dy1 := dy0 + idx.size

	// Buckets on the grid's last row or column also hold points on its far
	// edge, so their extent is open-ended.
	if x == idx.nx-1 {
		dx1 = math.Inf(1)
	}
	if y == idx.ny-1 {
		dy1 = math.Inf(1)
	}
	eps := idx.size * boundSlack
	dx0, dx1, dy0, dy1 = dx0-eps, dx1+eps, dy0-eps, dy1+eps

	gap := axisGap(dx0, dx1)*axisGap(dx0, dx1) + axisGap(dy0, dy1)*axisGap(dy0, dy1)
	open := false
	for k := range q.bound {
		if gap <= q.bound[k] && rectInQuadrant(k, dx0, dx1, dy0, dy1) {
			open = true
			break
		}
	}
	if !open {
		return
	}

	b := y*idx.nx + x
	for _, j := range idx.members[idx.start[b]:idx.start[b+1]] {
		if j == q.i {
			continue
		}
		tj := ts[j]
		d2 := sqDist(q.ti, tj)
		if d2 > q.r2 {
			continue
		}
		k := quadrant(tj.X-q.ti.X, tj.Y-q.ti.Y)
		if q.best[k] < 0 || d2 < q.bound[k] || (d2 == q.bound[k] && j < q.best[k]) {
			q.best[k] = j
			q.bound[k] = d2
		}
	}
}

// axisGap is the distance from 0 to the interval [lo, hi].
func axisGap(lo, hi float64) float64 {
	switch {
	case lo > 0:
		return lo
	case hi < 0:
		return -hi
	default:
		return 0
	}
}

// rectInQuadrant reports whether the offset rectangle [dx0, dx1] x [dy0, dy1]
// can contain a point of quadrant k as classified by quadrant.
func rectInQuadrant(k int, dx0, dx1, dy0, dy1 float64) bool {
	switch k {
	case 0:
		return dx1 > 0 && dy1 >= 0
	case 1:
		return dx0 <= 0 && dy1 > 0
	case 2:
		return dx0 < 0 && dy0 <= 0
	default:
		return dx1 >= 0 && dy0 < 0
	}
}
