// Package render draws segmentation states as PNG tiles and previews using
// fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"
)

// MaxZoom bounds tile requests.
const MaxZoom = 20

// Config contains renderer configuration.
type Config struct {
	TileSize    int
	PointRadius float64
}

// TileRenderer renders tiles of a Scene.
type TileRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewTileRenderer creates a new tile renderer.
func NewTileRenderer(cfg Config) *TileRenderer {
	if cfg.PointRadius <= 0 {
		cfg.PointRadius = 1.5
	}
	return &TileRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.TileSize, cfg.TileSize)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// TileSize returns the tile edge in pixels.
func (r *TileRenderer) TileSize() int { return r.config.TileSize }

// RenderTile renders tile (x, y) at zoom z of the viewport.
func (r *TileRenderer) RenderTile(scene *Scene, index *Index, vp Viewport, z, x, y int, mode ColorMode) ([]byte, error) {
	if z < 0 || z > MaxZoom {
		return nil, fmt.Errorf("zoom out of range: %d", z)
	}
	if n := vp.TileCount(z); x < 0 || y < 0 || x >= n || y >= n {
		return nil, fmt.Errorf("tile out of range: %d/%d/%d", z, x, y)
	}

	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.Transparent)
	dc.Clear()

	minX, minY, size := vp.Tile(z, x, y)
	tileSize := float64(r.config.TileSize)
	scale := tileSize / size
	radius := r.config.PointRadius
	pad := radius / scale

	index.Query(minX-pad, minY-pad, minX+size+pad, minY+size+pad, func(i int) {
		t := scene.Transcripts[i]
		dc.SetColor(scene.Color(i, mode))
		dc.DrawPoint((float64(t.X)-minX)*scale, (float64(t.Y)-minY)*scale, radius)
		dc.Fill()
	})

	return r.encodeContext(dc)
}

// RenderPreview renders the whole viewport into a width-pixel square image
// on a white background.
func (r *TileRenderer) RenderPreview(scene *Scene, vp Viewport, width int, mode ColorMode) ([]byte, error) {
	if width <= 0 {
		return nil, fmt.Errorf("invalid preview width: %d", width)
	}
	dc := gg.NewContext(width, width)
	dc.SetColor(color.White)
	dc.Clear()

	scale := float64(width) / vp.Size
	radius := math.Max(0.5, r.config.PointRadius*float64(width)/4096)
	for i, t := range scene.Transcripts {
		dc.SetColor(scene.Color(i, mode))
		dc.DrawPoint((float64(t.X)-vp.MinX)*scale, (float64(t.Y)-vp.MinY)*scale, radius)
		dc.Fill()
	}
	return r.encodeContext(dc)
}

func (r *TileRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
