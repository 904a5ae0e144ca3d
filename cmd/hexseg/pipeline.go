package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/atlasmap-sc/hexseg/internal/api"
	"github.com/atlasmap-sc/hexseg/internal/cache"
	"github.com/atlasmap-sc/hexseg/internal/chunk"
	"github.com/atlasmap-sc/hexseg/internal/config"
	"github.com/atlasmap-sc/hexseg/internal/export"
	"github.com/atlasmap-sc/hexseg/internal/graph"
	"github.com/atlasmap-sc/hexseg/internal/hull"
	"github.com/atlasmap-sc/hexseg/internal/metrics"
	"github.com/atlasmap-sc/hexseg/internal/model"
	"github.com/atlasmap-sc/hexseg/internal/monitor"
	"github.com/atlasmap-sc/hexseg/internal/render"
	"github.com/atlasmap-sc/hexseg/internal/sampler"
	"github.com/atlasmap-sc/hexseg/internal/storage"
	"github.com/atlasmap-sc/hexseg/internal/tracestore"
	"github.com/atlasmap-sc/hexseg/internal/transcripts"
)

const (
	previewWidth = 2048

	// Occupancy bins span this many average neighbor distances.
	occupancyBinEdges = 4
)

func runPipeline(ctx context.Context, cfg *config.Config, logger *zap.Logger) (err error) {
	if err := checkOutputs(cfg.Output); err != nil {
		return err
	}

	cols := transcripts.Columns{
		Transcript:      cfg.Input.TranscriptColumn,
		X:               cfg.Input.XColumn,
		Y:               cfg.Input.YColumn,
		Z:               cfg.Input.ZColumn,
		CellID:          cfg.Input.CellIDColumn,
		OverlapsNucleus: cfg.Input.OverlapsNucleusColumn,
		QV:              cfg.Input.QVColumn,
	}
	cat, err := transcripts.Read(cfg.Input.Path, cols, cfg.Input.MinQV)
	if err != nil {
		return err
	}
	logger.Info("read transcripts",
		zap.String("path", cfg.Input.Path),
		zap.Int("transcripts", cat.Len()),
		zap.Int("genes", cat.NGenes()),
		zap.Int("cells", cat.NCells()),
		zap.Int("filtered", cat.Filtered))

	workers := cfg.Sampler.NThreads
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	span := transcripts.CoordinateSpan(cat.Transcripts)
	chunkSize := chunk.SearchChunkSize(cat.NCells(), span.XSpan(), span.YSpan(),
		workers, cfg.Sampler.ChunkFactor, cfg.Sampler.MinCellsPerChunk)

	start := time.Now()
	g, err := graph.Build(ctx, cat.Transcripts, chunkSize/2, workers)
	if err != nil {
		return fmt.Errorf("failed to build neighborhood graph: %w", err)
	}
	logger.Info("built neighborhood graph",
		zap.Int("edges", g.EdgeCount()/2),
		zap.Float32("avg_edge_length", g.AvgEdgeLength()),
		zap.Duration("elapsed", time.Since(start)))

	fullArea := estimateFullArea(cfg.Sampler.AreaEstimator, cat.Transcripts, g.AvgEdgeLength())
	priors, err := model.CalibratePriors(g.AvgEdgeLength(), cat.Len(), cat.NCells(), cfg.Sampler.BackgroundProb)
	if err != nil {
		return err
	}
	params, err := model.NewParams(priors, cat, g.TranscriptAreas(), cfg.Sampler.NComponents, fullArea)
	if err != nil {
		return err
	}
	schedule, err := buildSchedule(cfg.Sampler)
	if err != nil {
		return err
	}
	logger.Info("initialized model",
		zap.Float64("full_area", fullArea),
		zap.Float32("min_cell_area", priors.MinCellArea),
		zap.Float32("chunk_size", chunkSize),
		zap.Int("workers", workers),
		zap.Int("stages", len(schedule)))

	collector := metrics.New()
	publisher := monitor.NewPublisher(cfg.Monitor.SnapshotEvery)
	observers := []sampler.Observer{collector, publisher}

	var (
		trace *tracestore.Store
		runID = strconv.FormatInt(time.Now().Unix(), 10)
	)
	if cfg.Trace.SQLitePath != "" {
		trace, err = tracestore.NewStore(cfg.Trace.SQLitePath)
		if err != nil {
			return err
		}
		defer trace.Close()

		if n, err := trace.MarkRunningAsFailed("interrupted"); err == nil && n > 0 {
			logger.Warn("marked interrupted runs as failed", zap.Int64("runs", n))
		}
		runID, err = trace.CreateRun(tracestore.RunParams{
			Input:          cfg.Input.Path,
			NTranscripts:   cat.Len(),
			NCells:         cat.NCells(),
			NGenes:         cat.NGenes(),
			NComponents:    cfg.Sampler.NComponents,
			BackgroundProb: cfg.Sampler.BackgroundProb,
			Seed:           cfg.Sampler.Seed,
			Workers:        workers,
			ChunkSize:      chunkSize,
			Schedule:       schedule,
		})
		if err != nil {
			return fmt.Errorf("failed to create run trace: %w", err)
		}
		defer func() {
			if ferr := trace.FinishRun(runID, err); ferr != nil {
				logger.Warn("failed to finish run trace", zap.Error(ferr))
			}
		}()
		observers = append(observers, tracestore.NewRecorder(trace, runID))
	}
	logger = logger.With(zap.String("run", runID))

	renderer := render.NewTileRenderer(render.Config{TileSize: cfg.Monitor.TileSize})
	if cfg.Monitor.MonitorEnabled() {
		shutdown, err := serveMonitor(cfg.Monitor, cat, publisher, renderer, collector, trace, runID, logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	err = sampler.Run(ctx, sampler.RunConfig{
		Graph:             g,
		Params:            params,
		BaseChunkSize:     chunkSize,
		OriginX:           span.MinX,
		OriginY:           span.MinY,
		Schedule:          schedule,
		LocalSteps:        cfg.Sampler.LocalStepsPerIter,
		ProposalsPerChunk: cfg.Sampler.ProposalsPerChunk,
		Workers:           workers,
		Seed:              cfg.Sampler.Seed,
		CheckInvariants:   cfg.Sampler.CheckInvariants,
		Logger:            logger.Named("sampler"),
		LogEvery:          cfg.Sampler.LogEvery,
	}, observers...)
	publisher.Finish()
	if err != nil {
		return fmt.Errorf("sampling failed: %w", err)
	}

	files, err := writeOutputs(cfg.Output, cat, params, renderer, span)
	if err != nil {
		return err
	}
	logger.Info("wrote outputs", zap.Strings("files", files), zap.Int("unassigned", params.NUnassigned()))

	if cfg.Storage.UploadEnabled() {
		up, err := storage.New(storage.Config{
			Endpoint:  cfg.Storage.Endpoint,
			Bucket:    cfg.Storage.Bucket,
			Prefix:    cfg.Storage.Prefix,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			UseSSL:    cfg.Storage.UseSSL,
		}, logger.Named("storage"))
		if err != nil {
			return err
		}
		if _, err := up.Upload(ctx, runID, files...); err != nil {
			return err
		}
	}
	return nil
}

// checkOutputs fails early on output paths that cannot be created. Files
// that did not exist before are removed again.
func checkOutputs(out config.OutputConfig) error {
	for _, path := range []string{out.Counts, out.Z, out.Assignments, out.Hulls, out.Preview} {
		if path == "" {
			continue
		}
		_, statErr := os.Stat(path)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("output not writable: %w", err)
		}
		f.Close()
		if os.IsNotExist(statErr) {
			os.Remove(path)
		}
	}
	return nil
}

func estimateFullArea(estimator string, ts []transcripts.Transcript, avgEdge float32) float64 {
	if estimator == config.AreaOccupancy {
		return float64(transcripts.EstimateFullArea(ts, occupancyBinEdges*max(avgEdge, 1e-3)))
	}
	return hull.ComputeFullArea(ts)
}

func buildSchedule(cfg config.SamplerConfig) ([]sampler.Stage, error) {
	if len(cfg.Schedule) == 0 {
		return sampler.DefaultSchedule(cfg.NIter), nil
	}
	stages := make([]sampler.Stage, len(cfg.Schedule))
	for i, sc := range cfg.Schedule {
		kind, err := chunk.ParseKind(sc.Grid)
		if err != nil {
			return nil, fmt.Errorf("schedule stage %d: %w", i, err)
		}
		stages[i] = sampler.Stage{Grid: kind, Scale: sc.Scale, Iterations: sc.Iterations}
	}
	return stages, nil
}

func writeOutputs(out config.OutputConfig, cat *transcripts.Catalog, params *model.Params, renderer *render.TileRenderer, span transcripts.Span) ([]string, error) {
	var files []string
	write := func(path string, fn func(io.Writer) error) error {
		if path == "" {
			return nil
		}
		if err := export.WriteFile(path, fn); err != nil {
			return err
		}
		files = append(files, path)
		return nil
	}

	assignments := params.Assignments()
	if err := write(out.Counts, func(w io.Writer) error {
		return export.WriteCounts(w, cat.Names, params)
	}); err != nil {
		return files, err
	}
	if err := write(out.Z, func(w io.Writer) error {
		return export.WriteComponents(w, params)
	}); err != nil {
		return files, err
	}
	if err := write(out.Assignments, func(w io.Writer) error {
		return export.WriteAssignments(w, cat, assignments)
	}); err != nil {
		return files, err
	}
	if err := write(out.Hulls, func(w io.Writer) error {
		props := func(c int) map[string]any {
			return map[string]any{
				"population": params.Population(c),
				"component":  params.Z[c],
				"area":       params.Area(c),
			}
		}
		return hull.WriteCellHulls(w, cat.Transcripts, assignments, params.NCells(), props)
	}); err != nil {
		return files, err
	}
	if err := write(out.Preview, func(w io.Writer) error {
		snap := monitor.NewSnapshot(0, params)
		data, err := renderer.RenderPreview(snap.Scene, render.ViewportOf(span), previewWidth, render.ColorCell)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}); err != nil {
		return files, err
	}
	return files, nil
}

func serveMonitor(
	cfg config.MonitorConfig,
	cat *transcripts.Catalog,
	publisher *monitor.Publisher,
	renderer *render.TileRenderer,
	collector *metrics.Collector,
	trace *tracestore.Store,
	runID string,
	logger *zap.Logger,
) (func(), error) {
	cacheManager, err := cache.NewManager(cache.Config{
		TileCacheSizeMB: cfg.TileCacheMB,
		TileTTL:         time.Duration(cfg.TileTTLMinutes) * time.Minute,
		QueryCacheSize:  1000,
	})
	if err != nil {
		return nil, err
	}

	svc := monitor.NewService(monitor.ServiceConfig{
		Catalog:   cat,
		Publisher: publisher,
		Cache:     cacheManager,
		Renderer:  renderer,
		Logger:    logger.Named("monitor"),
		Trace:     trace,
		RunID:     runID,
	})
	router := api.NewRouter(api.RouterConfig{
		Monitor:     svc,
		Metrics:     collector.Handler(),
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger.Named("http"),
	})

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("monitor listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("monitor server failed", zap.Error(err))
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("monitor forced to shutdown", zap.Error(err))
		}
		cacheManager.Close()
		logger.Info("monitor stopped")
	}, nil
}
