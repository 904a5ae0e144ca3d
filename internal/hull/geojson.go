package hull

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/orb"

	"github.com/atlasmap-sc/hexseg/internal/transcripts"
)

// PropertiesFunc returns extra GeoJSON properties of a cell. The "cell"
// property is always set.
type PropertiesFunc func(cell int) map[string]any

type geometry struct {
	Type        string      `json:"type"`
	Coordinates orb.Polygon `json:"coordinates"`
}

type feature struct {
	Type       string         `json:"type"`
	Geometry   *geometry      `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

// CellHulls computes the convex hull of every cell's assigned transcripts.
// Background transcripts are skipped.
func CellHulls(ts []transcripts.Transcript, assignments []transcripts.CellIndex, ncells int) []orb.Ring {
	offsets := make([]int, ncells+1)
	for _, c := range assignments {
		if c != transcripts.BackgroundCell {
			offsets[c+1]++
		}
	}
	for c := 0; c < ncells; c++ {
		offsets[c+1] += offsets[c]
	}

	pts := make([]orb.Point, offsets[ncells])
	fill := make([]int, ncells)
	copy(fill, offsets[:ncells])
	for i, c := range assignments {
		if c == transcripts.BackgroundCell {
			continue
		}
		pts[fill[c]] = orb.Point{float64(ts[i].X), float64(ts[i].Y)}
		fill[c]++
	}

	hulls := make([]orb.Ring, ncells)
	for c := 0; c < ncells; c++ {
		hulls[c] = ConvexHull(pts[offsets[c]:offsets[c+1]])
	}
	return hulls
}

// WriteCellHulls writes a gzip-compressed GeoJSON FeatureCollection with one
// feature per cell, in cell order. Cells whose hull has fewer than three
// vertices get a null geometry.
func WriteCellHulls(w io.Writer, ts []transcripts.Transcript, assignments []transcripts.CellIndex, ncells int, props PropertiesFunc) error {
	if len(ts) != len(assignments) {
		return fmt.Errorf("transcripts/assignments length mismatch: %d != %d", len(ts), len(assignments))
	}

	gz := gzip.NewWriter(w)
	bw := bufio.NewWriter(gz)
	enc := json.NewEncoder(bw)

	if _, err := io.WriteString(bw, `{"type":"FeatureCollection","features":[`); err != nil {
		return err
	}
	for c, ring := range CellHulls(ts, assignments, ncells) {
		if c > 0 {
			if err := bw.WriteByte(','); err != nil {
				return err
			}
		}

		f := feature{Type: "Feature", Properties: map[string]any{}}
		if props != nil {
			for k, v := range props(c) {
				f.Properties[k] = v
			}
		}
		f.Properties["cell"] = c
		if len(ring) >= 3 {
			f.Geometry = &geometry{Type: "Polygon", Coordinates: orb.Polygon{closed(ring)}}
		}
		if err := enc.Encode(&f); err != nil {
			return fmt.Errorf("failed to encode cell %d: %w", c, err)
		}
	}
	if _, err := io.WriteString(bw, "]}\n"); err != nil {
		return err
	}

	if err := bw.Flush(); err != nil {
		return err
	}
	return gz.Close()
}
