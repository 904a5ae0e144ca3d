package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/atlasmap-sc/hexseg/internal/cache"
	"github.com/atlasmap-sc/hexseg/internal/hull"
	"github.com/atlasmap-sc/hexseg/internal/render"
	"github.com/atlasmap-sc/hexseg/internal/sampler"
	"github.com/atlasmap-sc/hexseg/internal/tracestore"
	"github.com/atlasmap-sc/hexseg/internal/transcripts"
)

var (
	ErrNoSnapshot    = errors.New("no snapshot published yet")
	ErrCellNotFound  = errors.New("cell not found")
	ErrTraceDisabled = errors.New("run tracing is disabled")
)

// ServiceConfig contains monitor service configuration.
type ServiceConfig struct {
	Catalog   *transcripts.Catalog
	Publisher *Publisher
	Cache     *cache.Manager
	Renderer  *render.TileRenderer
	Logger    *zap.Logger

	// Trace and RunID are optional.
	Trace *tracestore.Store
	RunID string
}

// Service answers monitor queries against the latest snapshot.
type Service struct {
	catalog   *transcripts.Catalog
	publisher *Publisher
	cache     *cache.Manager
	renderer  *render.TileRenderer
	logger    *zap.Logger
	trace     *tracestore.Store
	runID     string

	index    *render.Index
	viewport render.Viewport
}

// NewService creates a monitor service. Transcript coordinates never change
// during a run, so the spatial index is built once.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ts := cfg.Catalog.Transcripts
	return &Service{
		catalog:   cfg.Catalog,
		publisher: cfg.Publisher,
		cache:     cfg.Cache,
		renderer:  cfg.Renderer,
		logger:    logger,
		trace:     cfg.Trace,
		runID:     cfg.RunID,
		index:     render.NewIndex(ts),
		viewport:  render.ViewportOf(transcripts.CoordinateSpan(ts)),
	}
}

// Viewport returns the world extent of zoom level 0.
func (s *Service) Viewport() render.Viewport { return s.viewport }

// MoveStats is the per-kind proposal summary of one iteration.
type MoveStats struct {
	Kind           string  `json:"kind"`
	Proposed       uint64  `json:"proposed"`
	Accepted       uint64  `json:"accepted"`
	AcceptanceRate float64 `json:"acceptance_rate"`
}

// Status is the JSON body of the status endpoint.
type Status struct {
	RunID         string          `json:"run_id,omitempty"`
	Done          bool            `json:"done"`
	Version       int64           `json:"version"`
	Iteration     int             `json:"iteration"`
	Stage         int             `json:"stage"`
	Grid          string          `json:"grid"`
	ChunkSize     float32         `json:"chunk_size"`
	Chunks        int             `json:"chunks"`
	LogLikelihood float64         `json:"loglik"`
	Unassigned    int             `json:"unassigned"`
	Transcripts   int             `json:"transcripts"`
	Cells         int             `json:"cells"`
	Genes         int             `json:"genes"`
	Background    float64         `json:"background"`
	Weights       []float64       `json:"weights"`
	Moves         []MoveStats     `json:"moves"`
	ElapsedMS     int64           `json:"elapsed_ms"`
	PublishedAt   time.Time       `json:"published_at"`
	Viewport      render.Viewport `json:"viewport"`
	TileSize      int             `json:"tile_size"`
}

// GeneCount is one nonzero entry of a cell's count vector.
type GeneCount struct {
	Gene  string `json:"gene"`
	Count int    `json:"count"`
}

// CellDetail is the JSON body of the cell endpoint.
type CellDetail struct {
	Cell       int         `json:"cell"`
	Version    int64       `json:"version"`
	Component  uint32      `json:"component"`
	Population int32       `json:"population"`
	Area       float32     `json:"area"`
	HullArea   float64     `json:"hull_area"`
	Bounds     *orb.Bound  `json:"bounds,omitempty"`
	Genes      []GeneCount `json:"genes"`
}

func (s *Service) latest() (*Snapshot, error) {
	snap := s.publisher.Latest()
	if snap == nil {
		return nil, ErrNoSnapshot
	}
	return snap, nil
}

// Status returns the JSON status of the latest snapshot.
func (s *Service) Status() ([]byte, error) {
	snap, err := s.latest()
	if err != nil {
		return nil, err
	}
	done := s.publisher.Done()
	key := cache.QueryKey{Version: snap.Version, Kind: "status", ID: boolID(done)}
	if data, ok := s.cache.Query(key); ok {
		return data, nil
	}

	st := Status{
		RunID:         s.runID,
		Done:          done,
		Version:       snap.Version,
		Iteration:     snap.Iteration,
		Stage:         snap.Stage,
		Grid:          snap.Grid,
		ChunkSize:     snap.ChunkSize,
		Chunks:        snap.Chunks,
		LogLikelihood: snap.LogLikelihood,
		Unassigned:    snap.Unassigned,
		Transcripts:   s.catalog.Len(),
		Cells:         snap.NCells(),
		Genes:         s.catalog.NGenes(),
		Background:    snap.Background,
		Weights:       snap.Weights,
		ElapsedMS:     snap.Elapsed.Milliseconds(),
		PublishedAt:   snap.PublishedAt,
		Viewport:      s.viewport,
		TileSize:      s.renderer.TileSize(),
	}
	for k := sampler.MoveKind(0); k < sampler.NumMoveKinds; k++ {
		st.Moves = append(st.Moves, MoveStats{
			Kind:           k.String(),
			Proposed:       snap.Stats.Proposed[k],
			Accepted:       snap.Stats.Accepted[k],
			AcceptanceRate: snap.Stats.AcceptanceRate(k),
		})
	}

	data, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	s.cache.PutQuery(key, data)
	return data, nil
}

// Cell returns the JSON detail of cell c in the latest snapshot.
func (s *Service) Cell(c int) ([]byte, error) {
	snap, err := s.latest()
	if err != nil {
		return nil, err
	}
	if c < 0 || c >= snap.NCells() {
		return nil, fmt.Errorf("%w: %d", ErrCellNotFound, c)
	}
	key := cache.QueryKey{Version: snap.Version, Kind: "cell", ID: int64(c)}
	if data, ok := s.cache.Query(key); ok {
		return data, nil
	}

	members := snap.Cell(transcripts.CellIndex(c))
	detail := CellDetail{
		Cell:       c,
		Version:    snap.Version,
		Component:  snap.Scene.Components[c],
		Population: snap.Scene.Populations[c],
		Area:       snap.Areas[c],
		Genes:      []GeneCount{},
	}

	counts := make(map[uint32]int)
	pts := make([]orb.Point, 0, len(members))
	for _, i := range members {
		t := s.catalog.Transcripts[i]
		counts[t.Gene]++
		pts = append(pts, orb.Point{float64(t.X), float64(t.Y)})
	}
	if len(pts) > 0 {
		b := orb.MultiPoint(pts).Bound()
		detail.Bounds = &b
		detail.HullArea = hull.Area(hull.ConvexHull(pts))
	}
	for g, n := range counts {
		detail.Genes = append(detail.Genes, GeneCount{Gene: s.catalog.Names[g], Count: n})
	}
	sort.Slice(detail.Genes, func(a, b int) bool {
		if detail.Genes[a].Count != detail.Genes[b].Count {
			return detail.Genes[a].Count > detail.Genes[b].Count
		}
		return detail.Genes[a].Gene < detail.Genes[b].Gene
	})

	data, err := json.Marshal(detail)
	if err != nil {
		return nil, err
	}
	s.cache.PutQuery(key, data)
	return data, nil
}

// Tile returns PNG tile (z, x, y) of the latest snapshot.
func (s *Service) Tile(z, x, y int, mode render.ColorMode) ([]byte, error) {
	snap, err := s.latest()
	if err != nil {
		return nil, err
	}
	key := cache.TileKey{Version: snap.Version, Z: z, X: x, Y: y, Mode: string(mode)}
	if data, ok := s.cache.Tile(key); ok {
		return data, nil
	}

	data, err := s.renderer.RenderTile(snap.Scene, s.index, s.viewport, z, x, y, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to render tile: %w", err)
	}
	if err := s.cache.PutTile(key, data); err != nil {
		s.logger.Debug("tile not cached", zap.Stringer("key", key), zap.Error(err))
	}
	return data, nil
}

// Trace returns recorded iterations of the current run.
func (s *Service) Trace(offset, limit int) ([]*tracestore.Iteration, error) {
	if s.trace == nil || s.runID == "" {
		return nil, ErrTraceDisabled
	}
	return s.trace.ListIterations(s.runID, offset, limit)
}

func boolID(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
