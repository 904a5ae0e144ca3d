// Package transcripts holds the immutable catalog of molecule detections and
// their initial nucleus-derived cell assignments.
package transcripts

import (
	"fmt"
	"math"
)

// CellIndex identifies a cell. Cell indices are dense in [0, ncells).
type CellIndex = uint32

// BackgroundCell is the sentinel assignment for transcripts not attributed to
// any cell.
const BackgroundCell CellIndex = math.MaxUint32

// Transcript is a single detected molecule.
type Transcript struct {
	X    float32
	Y    float32
	Z    float32
	Gene uint32
}

// Dims is the coordinate variant of a catalog, fixed at ingestion.
type Dims int

const (
	Dims2D Dims = 2
	Dims3D Dims = 3
)

// Catalog is the read-only input of a segmentation run.
type Catalog struct {
	Names              []string
	Transcripts        []Transcript
	InitialAssignments []CellIndex
	InitialPopulation  []int
	Dims               Dims

	// Filtered counts rows dropped by the quality threshold.
	Filtered int
}

// NewCatalog builds a catalog from in-memory data and derives the initial
// cell populations from the assignments.
func NewCatalog(names []string, ts []Transcript, assignments []CellIndex) (*Catalog, error) {
	if len(ts) != len(assignments) {
		return nil, fmt.Errorf("transcripts/assignments length mismatch: %d != %d", len(ts), len(assignments))
	}
	for i, t := range ts {
		if int(t.Gene) >= len(names) {
			return nil, fmt.Errorf("transcript %d: gene id %d out of range (%d genes)", i, t.Gene, len(names))
		}
	}
	return &Catalog{
		Names:              names,
		Transcripts:        ts,
		InitialAssignments: assignments,
		InitialPopulation:  cellPopulation(assignments),
		Dims:               Dims2D,
	}, nil
}

// Len returns the number of transcripts.
func (c *Catalog) Len() int { return len(c.Transcripts) }

// NGenes returns the number of distinct genes.
func (c *Catalog) NGenes() int { return len(c.Names) }

// NCells returns the number of cells implied by the initial assignments.
func (c *Catalog) NCells() int { return len(c.InitialPopulation) }

// GeneTotals returns the number of transcripts of each gene.
func (c *Catalog) GeneTotals() []int {
	totals := make([]int, len(c.Names))
	for _, t := range c.Transcripts {
		totals[t.Gene]++
	}
	return totals
}

// cellPopulation sizes the cell range as max(cell id)+1 and tallies members.
func cellPopulation(assignments []CellIndex) []int {
	ncells := 0
	for _, c := range assignments {
		if c != BackgroundCell && int(c)+1 > ncells {
			ncells = int(c) + 1
		}
	}

	population := make([]int, ncells)
	for _, c := range assignments {
		if c != BackgroundCell {
			population[c]++
		}
	}
	return population
}
