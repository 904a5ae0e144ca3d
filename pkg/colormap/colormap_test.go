package colormap

import (
	"image/color"
	"testing"
)

func TestViridisEndpoints(t *testing.T) {
	t.Parallel()

	c0, ok := Viridis.At(-1).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA below range")
	}
	if c0 != (color.RGBA{R: 68, G: 1, B: 84, A: 255}) {
		t.Fatalf("unexpected Viridis.At(-1): %#v", c0)
	}

	c1 := Viridis.At(2).(color.RGBA)
	if c1 != (color.RGBA{R: 253, G: 231, B: 37, A: 255}) {
		t.Fatalf("unexpected Viridis.At(2): %#v", c1)
	}

	mid := Viridis.At(0.5).(color.RGBA)
	if mid != (color.RGBA{R: 32, G: 144, B: 140, A: 255}) {
		t.Fatalf("unexpected Viridis.At(0.5): %#v", mid)
	}
}

func TestCategoricalWraps(t *testing.T) {
	t.Parallel()

	n := Categorical.Len()
	if Categorical.AtIndex(3) != Categorical.AtIndex(3+n) {
		t.Fatal("expected AtIndex to wrap")
	}
	if Categorical.AtIndex(-1) != Categorical.AtIndex(n-1) {
		t.Fatal("expected negative index to wrap")
	}
}

func TestCellColorsSpread(t *testing.T) {
	t.Parallel()

	if Cell(7) != Cell(7) {
		t.Fatal("cell color must be stable")
	}
	seen := make(map[color.Color]bool)
	for c := uint32(0); c < 200; c++ {
		seen[Cell(c)] = true
	}
	if len(seen) < Categorical.Len()/2 {
		t.Fatalf("expected cell colors to cover the palette, got %d colors", len(seen))
	}
}
