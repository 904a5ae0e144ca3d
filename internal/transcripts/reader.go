package transcripts

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var (
	// ErrMissingColumn is returned when a configured column is absent from the header.
	ErrMissingColumn = errors.New("column not found")

	// ErrEmptyCatalog is returned when no transcript survives filtering.
	ErrEmptyCatalog = errors.New("no transcripts read")
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Columns names the input columns. Z and QV are optional; an empty Z selects
// 2D mode and an empty QV disables quality filtering.
type Columns struct {
	Transcript      string
	X               string
	Y               string
	Z               string
	CellID          string
	OverlapsNucleus string
	QV              string
}

// DefaultColumns returns the column names of a Xenium transcripts table.
func DefaultColumns() Columns {
	return Columns{
		Transcript:      "feature_name",
		X:               "x_location",
		Y:               "y_location",
		CellID:          "cell_id",
		OverlapsNucleus: "overlaps_nucleus",
		QV:              "qv",
	}
}

// Read loads a transcript table from path. Gzip and zstd compressed files are
// detected from their magic bytes.
func Read(path string, cols Columns, minQV float32) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcripts: %w", err)
	}
	defer f.Close()

	r, closeFn, err := decompress(bufio.NewReaderSize(f, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer closeFn()

	catalog, err := Parse(r, cols, minQV)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return catalog, nil
}

func decompress(br *bufio.Reader) (io.Reader, func(), error) {
	head, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return nil, nil, err
	}

	switch {
	case bytes.HasPrefix(head, zstdMagic):
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		return dec, dec.Close, nil
	case bytes.HasPrefix(head, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return gz, func() { gz.Close() }, nil
	default:
		return br, func() {}, nil
	}
}

// coordParser extracts a position from a row. It is chosen once per table
// from the configured dimensionality.
type coordParser func(row []string) (x, y, z float32, err error)

// Parse reads a CSV transcript table with a header row.
func Parse(r io.Reader, cols Columns, minQV float32) (*Catalog, error) {
	rdr := csv.NewReader(r)
	rdr.ReuseRecord = true

	header, err := rdr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	find := func(name string) (int, error) {
		for i, h := range header {
			if h == name {
				return i, nil
			}
		}
		return -1, fmt.Errorf("%w: %q", ErrMissingColumn, name)
	}

	transcriptCol, err := find(cols.Transcript)
	if err != nil {
		return nil, err
	}
	xCol, err := find(cols.X)
	if err != nil {
		return nil, err
	}
	yCol, err := find(cols.Y)
	if err != nil {
		return nil, err
	}
	cellIDCol, err := find(cols.CellID)
	if err != nil {
		return nil, err
	}
	overlapsCol, err := find(cols.OverlapsNucleus)
	if err != nil {
		return nil, err
	}
	qvCol := -1
	if cols.QV != "" {
		if qvCol, err = find(cols.QV); err != nil {
			return nil, err
		}
	}

	dims := Dims2D
	parseCoords := coordParser(func(row []string) (float32, float32, float32, error) {
		x, err := parseFloat32(row[xCol])
		if err != nil {
			return 0, 0, 0, err
		}
		y, err := parseFloat32(row[yCol])
		return x, y, 0, err
	})
	if cols.Z != "" {
		zCol, err := find(cols.Z)
		if err != nil {
			return nil, err
		}
		dims = Dims3D
		parseCoords = func(row []string) (float32, float32, float32, error) {
			x, err := parseFloat32(row[xCol])
			if err != nil {
				return 0, 0, 0, err
			}
			y, err := parseFloat32(row[yCol])
			if err != nil {
				return 0, 0, 0, err
			}
			z, err := parseFloat32(row[zCol])
			return x, y, z, err
		}
	}

	catalog := &Catalog{Dims: dims}
	geneIndex := make(map[string]uint32)

	for line := 2; ; line++ {
		row, err := rdr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		if qvCol >= 0 {
			qv, err := parseFloat32(row[qvCol])
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid %s: %w", line, cols.QV, err)
			}
			if qv < minQV {
				catalog.Filtered++
				continue
			}
		}

		x, y, z, err := parseCoords(row)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid coordinate: %w", line, err)
		}

		name := row[transcriptCol]
		gene, ok := geneIndex[name]
		if !ok {
			gene = uint32(len(catalog.Names))
			geneIndex[name] = gene
			catalog.Names = append(catalog.Names, name)
		}

		cellID, err := strconv.ParseInt(row[cellIDCol], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid %s: %w", line, cols.CellID, err)
		}
		overlaps, err := strconv.ParseInt(row[overlapsCol], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid %s: %w", line, cols.OverlapsNucleus, err)
		}

		catalog.Transcripts = append(catalog.Transcripts, Transcript{X: x, Y: y, Z: z, Gene: gene})
		if cellID >= 0 && overlaps > 0 {
			catalog.InitialAssignments = append(catalog.InitialAssignments, CellIndex(cellID))
		} else {
			catalog.InitialAssignments = append(catalog.InitialAssignments, BackgroundCell)
		}
	}

	if len(catalog.Transcripts) == 0 {
		return nil, ErrEmptyCatalog
	}

	catalog.InitialPopulation = cellPopulation(catalog.InitialAssignments)
	return catalog, nil
}

func parseFloat32(s string) (float32, error) {
	v, err := strconv.ParseFloat(s, 32)
	return float32(v), err
}
