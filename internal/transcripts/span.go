package transcripts

import "math"

// Span is the coordinate bounding box of a set of transcripts.
type Span struct {
	MinX, MaxX float32
	MinY, MaxY float32
	MinZ, MaxZ float32
}

// XSpan returns the width of the box.
func (s Span) XSpan() float32 { return s.MaxX - s.MinX }

// YSpan returns the height of the box.
func (s Span) YSpan() float32 { return s.MaxY - s.MinY }

// CoordinateSpan returns the bounding box of ts. An empty input yields a zero span.
func CoordinateSpan(ts []Transcript) Span {
	if len(ts) == 0 {
		return Span{}
	}

	s := Span{
		MinX: math.MaxFloat32, MaxX: -math.MaxFloat32,
		MinY: math.MaxFloat32, MaxY: -math.MaxFloat32,
		MinZ: math.MaxFloat32, MaxZ: -math.MaxFloat32,
	}
	for _, t := range ts {
		s.MinX = min(s.MinX, t.X)
		s.MaxX = max(s.MaxX, t.X)
		s.MinY = min(s.MinY, t.Y)
		s.MaxY = max(s.MaxY, t.Y)
		s.MinZ = min(s.MinZ, t.Z)
		s.MaxZ = max(s.MaxZ, t.Z)
	}
	return s
}

// EstimateFullArea estimates the modeled tissue area as the total area of
// square bins of side binSize that contain at least one transcript.
func EstimateFullArea(ts []Transcript, binSize float32) float32 {
	if len(ts) == 0 || binSize <= 0 {
		return 0
	}

	span := CoordinateSpan(ts)
	xbins := int(span.XSpan()/binSize) + 1
	ybins := int(span.YSpan()/binSize) + 1

	occupied := make([]bool, xbins*ybins)
	count := 0
	for _, t := range ts {
		xbin := min(int((t.X-span.MinX)/binSize), xbins-1)
		ybin := min(int((t.Y-span.MinY)/binSize), ybins-1)
		idx := ybin*xbins + xbin
		if !occupied[idx] {
			occupied[idx] = true
			count++
		}
	}

	return float32(count) * binSize * binSize
}
