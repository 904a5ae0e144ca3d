package chunk

import (
	"math"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/atlasmap-sc/hexseg/internal/transcripts"
)

// Chunk is one occupied grid cell with its member transcripts.
type Chunk struct {
	ID      int
	Key     Key
	Members *roaring.Bitmap
}

// Len returns the number of member transcripts.
func (c *Chunk) Len() int { return int(c.Members.GetCardinality()) }

// Select returns the k-th member transcript in index order.
func (c *Chunk) Select(k int) uint32 {
	i, err := c.Members.Select(uint32(k))
	if err != nil {
		panic(err)
	}
	return i
}

// Layout is the assignment of transcripts to the occupied chunks of a grid.
type Layout struct {
	grid    Grid
	chunks  []*Chunk
	chunkOf []uint32
	byKey   map[Key]int
}

// Assign places every transcript in the chunk containing it. Chunk ids are
// dense over occupied chunks, ordered by (J, I).
func Assign(grid Grid, ts []transcripts.Transcript) *Layout {
	keys := make([]Key, len(ts))
	seen := make(map[Key]struct{})
	for i, t := range ts {
		k := grid.Key(t.X, t.Y)
		keys[i] = k
		seen[k] = struct{}{}
	}

	ordered := make([]Key, 0, len(seen))
	for k := range seen {
		ordered = append(ordered, k)
	}
	slices.SortFunc(ordered, func(a, b Key) int {
		if a.J != b.J {
			return int(a.J) - int(b.J)
		}
		return int(a.I) - int(b.I)
	})

	l := &Layout{
		grid:    grid,
		chunks:  make([]*Chunk, len(ordered)),
		chunkOf: make([]uint32, len(ts)),
		byKey:   make(map[Key]int, len(ordered)),
	}
	for id, k := range ordered {
		l.chunks[id] = &Chunk{ID: id, Key: k, Members: roaring.New()}
		l.byKey[k] = id
	}
	for i, k := range keys {
		id := l.byKey[k]
		l.chunkOf[i] = uint32(id)
		l.chunks[id].Members.Add(uint32(i))
	}
	for _, c := range l.chunks {
		c.Members.RunOptimize()
	}

	return l
}

// Grid returns the underlying grid.
func (l *Layout) Grid() Grid { return l.grid }

// Len returns the number of occupied chunks.
func (l *Layout) Len() int { return len(l.chunks) }

// Chunks enumerates the occupied chunks.
func (l *Layout) Chunks() []*Chunk { return l.chunks }

// ChunkOf returns the chunk id of transcript i.
func (l *Layout) ChunkOf(i int) int { return int(l.chunkOf[i]) }

// Lookup returns the chunk id containing point (x, y), or false when that
// chunk holds no transcripts.
func (l *Layout) Lookup(x, y float32) (int, bool) {
	id, ok := l.byKey[l.grid.Key(x, y)]
	return id, ok
}

// EstimateChunks counts square chunks of the given size needed to cover an
// xspan by yspan box.
func EstimateChunks(size, xspan, yspan float32) int {
	nx := max(int(math.Ceil(float64(xspan/size))), 1)
	ny := max(int(math.Ceil(float64(yspan/size))), 1)
	return nx * ny
}

// SearchChunkSize picks a chunk size that leaves at least
// min(ncells, minCellsPerChunk) cells per chunk on average. It starts from
// the size giving chunkFactor chunks per worker and grows by √2.
func SearchChunkSize(ncells int, xspan, yspan float32, workers, chunkFactor int, minCellsPerChunk float64) float32 {
	workers = max(workers, 1)
	chunkFactor = max(chunkFactor, 1)

	area := float64(xspan) * float64(yspan)
	size := float32(math.Sqrt(area / float64(workers*chunkFactor)))
	if !(size > 0) || math.IsInf(float64(size), 0) {
		size = max(xspan, yspan, 1) / float32(workers*chunkFactor)
	}
	if !(size > 0) {
		size = 1
	}

	threshold := math.Min(float64(ncells), minCellsPerChunk)
	for float64(ncells)/float64(EstimateChunks(size, xspan, yspan)) < threshold {
		size *= math.Sqrt2
	}
	return size
}
