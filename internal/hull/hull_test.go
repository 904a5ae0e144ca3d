package hull

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/orb"

	"github.com/atlasmap-sc/hexseg/internal/transcripts"
)

func TestConvexHull_Square(t *testing.T) {
	pts := []orb.Point{
		{0, 0}, {2, 0}, {2, 2}, {0, 2},
		{1, 1}, {1, 0}, {0.5, 1.5}, {2, 2},
	}
	hull := ConvexHull(pts)
	want := orb.Ring{{0, 0}, {2, 0}, {2, 2}, {0, 2}}
	if len(hull) != len(want) {
		t.Fatalf("expected %v, got %v", want, hull)
	}
	for i := range want {
		if hull[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, hull)
		}
	}
	if a := Area(hull); a != 4 {
		t.Fatalf("expected area 4, got %v", a)
	}
}

func TestConvexHull_Degenerate(t *testing.T) {
	cases := []struct {
		name string
		pts  []orb.Point
		want int
	}{
		{"empty", nil, 0},
		{"single", []orb.Point{{1, 1}}, 1},
		{"duplicates", []orb.Point{{1, 1}, {1, 1}, {1, 1}}, 1},
		{"pair", []orb.Point{{0, 0}, {1, 1}, {0, 0}}, 2},
		{"collinear", []orb.Point{{0, 0}, {1, 1}, {2, 2}, {3, 3}}, 2},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			hull := ConvexHull(c.pts)
			if len(hull) != c.want {
				t.Fatalf("expected %d hull points, got %v", c.want, hull)
			}
			if Area(hull) != 0 {
				t.Fatalf("expected zero area, got %v", Area(hull))
			}
		})
	}
}

func TestConvexHull_CounterClockwise(t *testing.T) {
	pts := make([]orb.Point, 0, 100)
	for i := 0; i < 100; i++ {
		theta := float64(i) * 2 * math.Pi / 100
		pts = append(pts, orb.Point{math.Cos(theta), math.Sin(theta)})
	}
	hull := ConvexHull(pts)
	for i := range hull {
		a, b, c := hull[i], hull[(i+1)%len(hull)], hull[(i+2)%len(hull)]
		if cross(a, b, c) <= 0 {
			t.Fatalf("hull turns clockwise at %d", i)
		}
	}
	if a := Area(hull); math.Abs(a-math.Pi) > 0.01 {
		t.Fatalf("expected area near pi, got %v", a)
	}
}

func TestComputeFullArea(t *testing.T) {
	ts := []transcripts.Transcript{{X: 0, Y: 0}, {X: 3, Y: 0}, {X: 0, Y: 4}, {X: 1, Y: 1}}
	if a := ComputeFullArea(ts); a != 6 {
		t.Fatalf("expected area 6, got %v", a)
	}
}

type featureCollection struct {
	Type     string `json:"type"`
	Features []struct {
		Type     string `json:"type"`
		Geometry *struct {
			Type        string          `json:"type"`
			Coordinates [][][2]float64 `json:"coordinates"`
		} `json:"geometry"`
		Properties map[string]any `json:"properties"`
	} `json:"features"`
}

func TestWriteCellHulls(t *testing.T) {
	bg := transcripts.BackgroundCell
	ts := []transcripts.Transcript{
		{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1},
		{X: 5, Y: 5}, {X: 6, Y: 6},
		{X: 9, Y: 9},
	}
	assignments := []transcripts.CellIndex{0, 0, 0, 1, 1, bg}

	var buf bytes.Buffer
	props := func(c int) map[string]any { return map[string]any{"population": c + 10} }
	if err := WriteCellHulls(&buf, ts, assignments, 3, props); err != nil {
		t.Fatalf("WriteCellHulls: %v", err)
	}

	zr, err := gzip.NewReader(&buf)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	var fc featureCollection
	if err := json.NewDecoder(zr).Decode(&fc); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if fc.Type != "FeatureCollection" || len(fc.Features) != 3 {
		t.Fatalf("expected 3 features, got %d (%s)", len(fc.Features), fc.Type)
	}
	f0 := fc.Features[0]
	if f0.Geometry == nil || f0.Geometry.Type != "Polygon" {
		t.Fatalf("expected polygon for cell 0, got %+v", f0.Geometry)
	}
	ring := f0.Geometry.Coordinates[0]
	if len(ring) != 4 || ring[0] != ring[3] {
		t.Fatalf("expected closed triangle, got %v", ring)
	}
	if fc.Features[1].Geometry != nil || fc.Features[2].Geometry != nil {
		t.Fatal("expected null geometry for degenerate cells")
	}
	if got := f0.Properties["cell"]; got != float64(0) {
		t.Errorf("expected cell property 0, got %v", got)
	}
	if got := fc.Features[2].Properties["population"]; got != float64(12) {
		t.Errorf("expected population property 12, got %v", got)
	}
}

func TestWriteCellHulls_Mismatch(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCellHulls(&buf, []transcripts.Transcript{{}}, nil, 0, nil); err == nil {
		t.Fatal("expected length mismatch error")
	}
}
