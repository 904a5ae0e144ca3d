package sampler

import "math/rand/v2"

// RNG streams for the global step live above the chunk id range.
const (
	streamZ          = 1 << 32
	streamComponents = 2 << 32
	streamWeights    = 3 << 32
	streamBackground = 3<<32 + 1
)

// newRNG returns the generator for one unit of work (a chunk, a block of
// cells, a component) in one epoch. Streams depend only on (seed, epoch,
// unit), never on which worker runs them.
func newRNG(seed, epoch, unit uint64) *rand.Rand {
	return rand.New(rand.NewPCG(splitmix64(seed^splitmix64(epoch)), splitmix64(unit)))
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
