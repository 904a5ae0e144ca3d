// Package api provides the HTTP handlers of the live segmentation monitor.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/atlasmap-sc/hexseg/internal/monitor"
	"github.com/atlasmap-sc/hexseg/internal/render"
	"github.com/atlasmap-sc/hexseg/internal/tracestore"
)

// Monitor is the query surface served by the router.
type Monitor interface {
	Status() ([]byte, error)
	Cell(c int) ([]byte, error)
	Tile(z, x, y int, mode render.ColorMode) ([]byte, error)
	Trace(offset, limit int) ([]*tracestore.Iteration, error)
}

// RouterConfig contains router configuration.
type RouterConfig struct {
	Monitor     Monitor
	Metrics     http.Handler
	CORSOrigins []string
	Logger      *zap.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5, "application/json"))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Get("/tiles/{z}/{x}/{y}.png", tileHandler(cfg.Monitor))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", statusHandler(cfg.Monitor))
		r.Get("/trace", traceHandler(cfg.Monitor))
		r.Get("/cells/{cell}", cellHandler(cfg.Monitor))
	})

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

// writeError maps monitor errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, monitor.ErrNoSnapshot):
		status = http.StatusServiceUnavailable
	case errors.Is(err, monitor.ErrCellNotFound):
		status = http.StatusNotFound
	case errors.Is(err, monitor.ErrTraceDisabled):
		status = http.StatusNotImplemented
	}
	http.Error(w, err.Error(), status)
}

func writeJSONBytes(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(data)
}

func statusHandler(svc Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := svc.Status()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSONBytes(w, data)
	}
}

func cellHandler(svc Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cell, err := strconv.Atoi(chi.URLParam(r, "cell"))
		if err != nil {
			http.Error(w, "invalid cell", http.StatusBadRequest)
			return
		}
		data, err := svc.Cell(cell)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSONBytes(w, data)
	}
}

func traceHandler(svc Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if offset < 0 {
			offset = 0
		}
		if limit <= 0 || limit > 1000 {
			limit = 100
		}

		its, err := svc.Trace(offset, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if its == nil {
			its = []*tracestore.Iteration{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"offset":     offset,
			"limit":      limit,
			"iterations": its,
		})
	}
}

func tileHandler(svc Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		z, err := strconv.Atoi(chi.URLParam(r, "z"))
		if err != nil {
			http.Error(w, "invalid z", http.StatusBadRequest)
			return
		}
		x, err := strconv.Atoi(chi.URLParam(r, "x"))
		if err != nil {
			http.Error(w, "invalid x", http.StatusBadRequest)
			return
		}
		y, err := strconv.Atoi(chi.URLParam(r, "y"))
		if err != nil {
			http.Error(w, "invalid y", http.StatusBadRequest)
			return
		}
		mode, err := render.ParseColorMode(r.URL.Query().Get("color"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		data, err := svc.Tile(z, x, y, mode)
		if err != nil {
			if errors.Is(err, monitor.ErrNoSnapshot) {
				writeError(w, err)
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		// Tiles change every published iteration.
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	}
}
