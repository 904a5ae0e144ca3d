package main

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/atlasmap-sc/hexseg/internal/chunk"
	"github.com/atlasmap-sc/hexseg/internal/config"
	"github.com/atlasmap-sc/hexseg/internal/tracestore"
	"github.com/atlasmap-sc/hexseg/internal/transcripts"
)

const fourTranscripts = `transcript_id,cell_id,overlaps_nucleus,feature_name,x_location,y_location,qv
1,0,1,ACTB,0.0,0.0,30
2,1,1,CD3E,1.0,0.0,30
3,-1,0,ACTB,0.0,1.0,30
4,-1,0,CD3E,1.0,1.0,30
`

const allBackground = `transcript_id,cell_id,overlaps_nucleus,feature_name,x_location,y_location,qv
1,-1,0,ACTB,0.0,0.0,30
2,-1,0,CD3E,1.0,0.0,30
3,-1,1,ACTB,0.0,1.0,30
`

func testConfig(t *testing.T, input string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "transcripts.csv")
	if err := os.WriteFile(path, []byte(input), 0644); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Input.Path = path
	cfg.Sampler.NComponents = 1
	cfg.Sampler.NIter = 1
	cfg.Sampler.NThreads = 1
	cfg.Sampler.LocalStepsPerIter = 1
	cfg.Sampler.Seed = 1
	cfg.Sampler.CheckInvariants = true
	cfg.Output = config.OutputConfig{
		Counts:      filepath.Join(dir, "counts.csv.gz"),
		Z:           filepath.Join(dir, "z.csv.gz"),
		Assignments: filepath.Join(dir, "assignments.csv.gz"),
		Hulls:       filepath.Join(dir, "cells.geojson.gz"),
		Preview:     filepath.Join(dir, "preview.png"),
	}
	return cfg
}

func readTable(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip %s: %v", path, err)
	}
	cr := csv.NewReader(zr)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		t.Fatalf("csv %s: %v", path, err)
	}
	return rows
}

func TestRunPipeline_FourTranscripts(t *testing.T) {
	cfg := testConfig(t, fourTranscripts)
	cfg.Trace.SQLitePath = filepath.Join(t.TempDir(), "trace.db")

	if err := runPipeline(context.Background(), cfg, zap.NewNop()); err != nil {
		t.Fatalf("runPipeline: %v", err)
	}

	counts := readTable(t, cfg.Output.Counts)
	if len(counts) != 3 {
		t.Fatalf("expected header and 2 cell rows, got %v", counts)
	}
	if counts[0][0] != "ACTB" || counts[0][1] != "CD3E" {
		t.Fatalf("unexpected header %v", counts[0])
	}
	for g := range counts[0] {
		sum := 0
		for _, row := range counts[1:] {
			n, err := strconv.Atoi(row[g])
			if err != nil {
				t.Fatalf("bad count %q", row[g])
			}
			sum += n
		}
		if sum > 2 {
			t.Errorf("gene %s: expected at most 2 assigned transcripts, got %d", counts[0][g], sum)
		}
	}

	assignments := readTable(t, cfg.Output.Assignments)
	if len(assignments) != 5 {
		t.Fatalf("expected 4 assignment rows, got %d", len(assignments)-1)
	}
	unassigned := 0
	bg := strconv.FormatUint(uint64(transcripts.BackgroundCell), 10)
	for _, row := range assignments[1:] {
		if row[3] == bg {
			unassigned++
		}
	}
	if unassigned > 2 {
		t.Errorf("expected at most 2 background transcripts, got %d", unassigned)
	}

	if z := readTable(t, cfg.Output.Z); len(z) != 5 || z[0][0] != "z" {
		t.Errorf("unexpected z table %v", z)
	}
	for _, path := range []string{cfg.Output.Hulls, cfg.Output.Preview} {
		if st, err := os.Stat(path); err != nil || st.Size() == 0 {
			t.Errorf("expected non-empty %s: %v", path, err)
		}
	}

	store, err := tracestore.NewStore(cfg.Trace.SQLitePath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()
	runs, err := store.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != tracestore.RunStatusCompleted {
		t.Fatalf("expected one completed run, got %+v", runs)
	}
	its, err := store.ListIterations(runs[0].ID, 0, 0)
	if err != nil {
		t.Fatalf("ListIterations: %v", err)
	}
	if len(its) != 1 {
		t.Fatalf("expected 1 recorded iteration, got %d", len(its))
	}
}

func TestRunPipeline_AllBackground(t *testing.T) {
	cfg := testConfig(t, allBackground)
	cfg.Sampler.NIter = 4

	if err := runPipeline(context.Background(), cfg, zap.NewNop()); err != nil {
		t.Fatalf("runPipeline: %v", err)
	}
	counts := readTable(t, cfg.Output.Counts)
	if len(counts) != 1 {
		t.Fatalf("expected header only, got %v", counts)
	}
}

func TestRunPipeline_Errors(t *testing.T) {
	t.Run("missing column", func(t *testing.T) {
		cfg := testConfig(t, fourTranscripts)
		cfg.Input.ZColumn = "z_location"
		err := runPipeline(context.Background(), cfg, zap.NewNop())
		if !errors.Is(err, transcripts.ErrMissingColumn) {
			t.Fatalf("expected missing column error, got %v", err)
		}
		if _, err := os.Stat(cfg.Output.Counts); !os.IsNotExist(err) {
			t.Fatalf("expected no count table, got %v", err)
		}
	})

	t.Run("zero components", func(t *testing.T) {
		cfg := testConfig(t, fourTranscripts)
		cfg.Sampler.NComponents = 0
		if err := runPipeline(context.Background(), cfg, zap.NewNop()); err == nil {
			t.Fatal("expected error for zero components")
		}
	})

	t.Run("unwritable output", func(t *testing.T) {
		cfg := testConfig(t, fourTranscripts)
		cfg.Output.Counts = filepath.Join(t.TempDir(), "missing", "counts.csv.gz")
		if err := runPipeline(context.Background(), cfg, zap.NewNop()); err == nil {
			t.Fatal("expected error for unwritable output")
		}
		if _, err := os.Stat(cfg.Output.Z); !os.IsNotExist(err) {
			t.Fatalf("expected no z table, got %v", err)
		}
	})
}

func TestBuildSchedule(t *testing.T) {
	cfg := config.DefaultConfig().Sampler
	cfg.NIter = 8
	stages, err := buildSchedule(cfg)
	if err != nil {
		t.Fatalf("buildSchedule: %v", err)
	}
	total := 0
	for _, s := range stages {
		total += s.Iterations
	}
	if total != 8 {
		t.Fatalf("expected 8 iterations, got %d", total)
	}

	cfg.Schedule = []config.StageConfig{{Grid: "square", Scale: 2, Iterations: 3}}
	stages, err = buildSchedule(cfg)
	if err != nil {
		t.Fatalf("buildSchedule: %v", err)
	}
	if len(stages) != 1 || stages[0].Grid != chunk.Square || stages[0].Iterations != 3 {
		t.Fatalf("unexpected stages %+v", stages)
	}

	cfg.Schedule[0].Grid = "triangle"
	if _, err := buildSchedule(cfg); err == nil {
		t.Fatal("expected error for unknown grid")
	}
}
