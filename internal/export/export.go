// Package export writes the final segmentation state as gzip-compressed CSV
// tables.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/klauspost/compress/gzip"

	"github.com/atlasmap-sc/hexseg/internal/transcripts"
)

// CountTable is a gene-by-cell count matrix.
type CountTable interface {
	NCells() int
	NGenes() int
	CellCounts(c int) []uint32
}

// ComponentTable maps transcripts to the component of their owning cell.
type ComponentTable interface {
	NTranscripts() int
	Component(i int) int
}

// WriteFile creates path and fills it with write.
func WriteFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}

// gzipCSV wraps w for one table and returns a finisher that flushes both
// layers.
func gzipCSV(w io.Writer) (*csv.Writer, func() error) {
	gz := gzip.NewWriter(w)
	cw := csv.NewWriter(gz)
	return cw, func() error {
		cw.Flush()
		if err := cw.Error(); err != nil {
			gz.Close()
			return err
		}
		return gz.Close()
	}
}

// WriteCounts writes the count table: a header of gene names, then one row
// of counts per cell.
func WriteCounts(w io.Writer, names []string, counts CountTable) error {
	if len(names) != counts.NGenes() {
		return fmt.Errorf("gene names length mismatch: %d != %d", len(names), counts.NGenes())
	}

	cw, finish := gzipCSV(w)
	if err := cw.Write(names); err != nil {
		return err
	}
	row := make([]string, counts.NGenes())
	for c := 0; c < counts.NCells(); c++ {
		for g, x := range counts.CellCounts(c) {
			row[g] = strconv.FormatUint(uint64(x), 10)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return finish()
}

// WriteComponents writes the component of every transcript's cell under the
// header "z", with -1 for background transcripts.
func WriteComponents(w io.Writer, z ComponentTable) error {
	cw, finish := gzipCSV(w)
	if err := cw.Write([]string{"z"}); err != nil {
		return err
	}
	row := make([]string, 1)
	for i := 0; i < z.NTranscripts(); i++ {
		row[0] = strconv.Itoa(z.Component(i))
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return finish()
}

// WriteAssignments writes x, y, gene name and final cell of every transcript.
// Background is written as its sentinel value.
func WriteAssignments(w io.Writer, cat *transcripts.Catalog, assignments []transcripts.CellIndex) error {
	if len(assignments) != cat.Len() {
		return fmt.Errorf("assignments length mismatch: %d != %d", len(assignments), cat.Len())
	}

	cw, finish := gzipCSV(w)
	if err := cw.Write([]string{"x", "y", "gene", "assignment"}); err != nil {
		return err
	}
	row := make([]string, 4)
	for i, t := range cat.Transcripts {
		row[0] = strconv.FormatFloat(float64(t.X), 'f', -1, 32)
		row[1] = strconv.FormatFloat(float64(t.Y), 'f', -1, 32)
		row[2] = cat.Names[t.Gene]
		row[3] = strconv.FormatUint(uint64(assignments[i]), 10)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return finish()
}
