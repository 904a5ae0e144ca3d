// Package tracestore persists segmentation runs and their per-iteration
// diagnostics in SQLite.
package tracestore

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/atlasmap-sc/hexseg/internal/sampler"
)

// RunStatus represents the current state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunParams describes the inputs of a run.
type RunParams struct {
	Input          string          `json:"input"`
	NTranscripts   int             `json:"ntranscripts"`
	NCells         int             `json:"ncells"`
	NGenes         int             `json:"ngenes"`
	NComponents    int             `json:"ncomponents"`
	BackgroundProb float64         `json:"background_prob"`
	Seed           uint64          `json:"seed"`
	Workers        int             `json:"workers"`
	ChunkSize      float32         `json:"chunk_size"`
	Schedule       []sampler.Stage `json:"schedule"`
}

// Run is a stored segmentation run.
type Run struct {
	ID            string     `json:"run_id"`
	Status        RunStatus  `json:"status"`
	Params        RunParams  `json:"params"`
	Iterations    int        `json:"iterations"`
	LogLikelihood float64    `json:"loglik"`
	Unassigned    int        `json:"unassigned"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Iteration is one recorded outer iteration.
type Iteration struct {
	Iteration      int     `json:"iteration"`
	Stage          int     `json:"stage"`
	StageIteration int     `json:"stage_iteration"`
	Grid           string  `json:"grid"`
	ChunkSize      float32 `json:"chunk_size"`
	Chunks         int     `json:"chunks"`
	LogLikelihood  float64 `json:"loglik"`
	Unassigned     int     `json:"unassigned"`
	Background     float64 `json:"background"`
	ElapsedMS      int64   `json:"elapsed_ms"`

	Proposed [sampler.NumMoveKinds]uint64 `json:"proposed"`
	Accepted [sampler.NumMoveKinds]uint64 `json:"accepted"`
}

// Store provides persistent storage for run traces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens or creates the database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		iterations INTEGER DEFAULT 0,
		loglik REAL DEFAULT 0,
		unassigned INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

	CREATE TABLE IF NOT EXISTS iterations (
		run_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		stage INTEGER NOT NULL,
		stage_iteration INTEGER NOT NULL,
		grid TEXT NOT NULL,
		chunk_size REAL NOT NULL,
		chunks INTEGER NOT NULL,
		loglik REAL NOT NULL,
		unassigned INTEGER NOT NULL,
		background REAL NOT NULL,
		elapsed_ms INTEGER NOT NULL,
		proposed_json TEXT NOT NULL,
		accepted_json TEXT NOT NULL,
		PRIMARY KEY (run_id, iteration),
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateRun inserts a new running run and returns its ID.
func (s *Store) CreateRun(params RunParams) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to marshal params: %w", err)
	}

	id := generateRunID()
	_, err = s.db.Exec(`
		INSERT INTO runs (run_id, status, params_json, created_at)
		VALUES (?, ?, ?, ?)
	`, id, string(RunStatusRunning), string(paramsJSON), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}
	return id, nil
}

// RecordIteration stores one iteration and updates the run summary.
func (s *Store) RecordIteration(runID string, it *Iteration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	proposed, err := json.Marshal(it.Proposed)
	if err != nil {
		return err
	}
	accepted, err := json.Marshal(it.Accepted)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO iterations (run_id, iteration, stage, stage_iteration, grid, chunk_size, chunks, loglik, unassigned, background, elapsed_ms, proposed_json, accepted_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		runID, it.Iteration, it.Stage, it.StageIteration, it.Grid,
		it.ChunkSize, it.Chunks, it.LogLikelihood, it.Unassigned,
		it.Background, it.ElapsedMS, string(proposed), string(accepted),
	)
	if err != nil {
		return fmt.Errorf("failed to insert iteration %d: %w", it.Iteration, err)
	}

	_, err = tx.Exec(`
		UPDATE runs SET iterations = iterations + 1, loglik = ?, unassigned = ?
		WHERE run_id = ?
	`, it.LogLikelihood, it.Unassigned, runID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// FinishRun marks a run completed, or failed if runErr is non-nil.
func (s *Store) FinishRun(runID string, runErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, msg := RunStatusCompleted, ""
	if runErr != nil {
		status, msg = RunStatusFailed, runErr.Error()
	}
	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?, finished_at = ?
		WHERE run_id = ?
	`, string(status), msg, time.Now().UTC().Format(time.RFC3339Nano), runID)
	return err
}

// GetRun retrieves a run by ID, or nil if it does not exist.
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, status, params_json, iterations, loglik, unassigned, error, created_at, finished_at
		FROM runs WHERE run_id = ?
	`, runID)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns() ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT run_id, status, params_json, iterations, loglik, unassigned, error, created_at, finished_at
		FROM runs ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListIterations returns the iterations of a run in order, starting at
// offset. A non-positive limit returns all remaining iterations.
func (s *Store) ListIterations(runID string, offset, limit int) ([]*Iteration, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT iteration, stage, stage_iteration, grid, chunk_size, chunks, loglik, unassigned, background, elapsed_ms, proposed_json, accepted_json
		FROM iterations WHERE run_id = ?
		ORDER BY iteration ASC
		LIMIT ? OFFSET ?
	`, runID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Iteration
	for rows.Next() {
		var it Iteration
		var proposed, accepted string
		err := rows.Scan(
			&it.Iteration, &it.Stage, &it.StageIteration, &it.Grid,
			&it.ChunkSize, &it.Chunks, &it.LogLikelihood, &it.Unassigned,
			&it.Background, &it.ElapsedMS, &proposed, &accepted,
		)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(proposed), &it.Proposed); err != nil {
			return nil, fmt.Errorf("failed to unmarshal proposals: %w", err)
		}
		if err := json.Unmarshal([]byte(accepted), &it.Accepted); err != nil {
			return nil, fmt.Errorf("failed to unmarshal acceptances: %w", err)
		}
		out = append(out, &it)
	}
	return out, rows.Err()
}

// MarkRunningAsFailed marks every run still marked running as failed. Runs
// interrupted by a crash are left in that state.
func (s *Store) MarkRunningAsFailed(errMsg string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(RunStatusFailed), errMsg, time.Now().UTC().Format(time.RFC3339Nano), string(RunStatusRunning))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteRun deletes a run and its iterations.
func (s *Store) DeleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM iterations WHERE run_id = ?", runID); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM runs WHERE run_id = ?", runID)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var paramsJSON, createdAtStr string
	var finishedAtStr sql.NullString

	err := row.Scan(
		&run.ID,
		&run.Status,
		&paramsJSON,
		&run.Iterations,
		&run.LogLikelihood,
		&run.Unassigned,
		&run.Error,
		&createdAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339Nano, finishedAtStr.String)
		run.FinishedAt = &t
	}
	return &run, nil
}

func generateRunID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Recorder records every sampler iteration of one run.
type Recorder struct {
	store *Store
	runID string
}

// NewRecorder returns an observer writing to runID.
func NewRecorder(store *Store, runID string) *Recorder {
	return &Recorder{store: store, runID: runID}
}

// RunID returns the run being recorded.
func (r *Recorder) RunID() string { return r.runID }

// ObserveIteration implements sampler.Observer.
func (r *Recorder) ObserveIteration(_ context.Context, rep *sampler.IterationReport) error {
	it := &Iteration{
		Iteration:      rep.Iteration,
		Stage:          rep.Stage,
		StageIteration: rep.StageIteration,
		Grid:           string(rep.Grid),
		ChunkSize:      rep.ChunkSize,
		Chunks:         rep.Chunks,
		LogLikelihood:  rep.LogLikelihood,
		Unassigned:     rep.Unassigned,
		ElapsedMS:      rep.Elapsed.Milliseconds(),
		Proposed:       rep.Stats.Proposed,
		Accepted:       rep.Stats.Accepted,
	}
	if rep.Params != nil {
		it.Background = rep.Params.Background
	}
	return r.store.RecordIteration(r.runID, it)
}
