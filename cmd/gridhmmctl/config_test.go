package main

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"

	"gridhmm/pkg/gridhmm"
)

func estimateFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("estimate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.String("run-id", "", "")
	fs.String("episodes", "", "")
	fs.Int("rows", 4, "")
	fs.Int("cols", 4, "")
	fs.String("topology", "", "")
	fs.String("init", "uniform", "")
	fs.Int("restarts", 1, "")
	fs.Int64("seed", 1, "")
	fs.Float64("threshold", 0.01, "")
	fs.Int("max-iterations", 10000, "")
	fs.Int("workers", 1, "")
	return fs
}

func TestLoadRequestUsesFlagDefaults(t *testing.T) {
	fs := estimateFlagSet()
	if err := fs.Parse([]string{"--episodes", "data.txt"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	var req gridhmm.EstimateRequest
	if err := loadRequest(fs, "", estimateKeys, &req); err != nil {
		t.Fatalf("load request: %v", err)
	}
	if req.EpisodesPath != "data.txt" || req.Rows != 4 || req.Cols != 4 || req.Init != "uniform" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.Seed != 1 || req.Threshold != 0.01 || req.MaxIterations != 10000 {
		t.Fatalf("unexpected numeric defaults: %+v", req)
	}
}

func TestLoadRequestFromYAMLWithFlagOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "estimate.yaml")
	config := `episodes: maze.txt
rows: 3
cols: 5
init: walls
restarts: 10
seed: 42
walls:
  - "0,0-0,1"
  - "1,1-2,1"
`
	if err := os.WriteFile(path, []byte(config), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	fs := estimateFlagSet()
	if err := fs.Parse([]string{"--restarts", "3"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	var req gridhmm.EstimateRequest
	if err := loadRequest(fs, path, estimateKeys, &req); err != nil {
		t.Fatalf("load request: %v", err)
	}
	if req.EpisodesPath != "maze.txt" || req.Rows != 3 || req.Cols != 5 || req.Init != "walls" || req.Seed != 42 {
		t.Fatalf("config values not applied: %+v", req)
	}
	if req.Restarts != 3 {
		t.Fatalf("explicit flag should override config restarts, got %d", req.Restarts)
	}
	if len(req.Walls) != 2 || req.Walls[1] != "1,1-2,1" {
		t.Fatalf("walls = %v", req.Walls)
	}
	if req.MaxIterations != 10000 {
		t.Fatalf("flag default not applied for unset key: %d", req.MaxIterations)
	}
}

func TestLoadRequestReadsEnvironment(t *testing.T) {
	t.Setenv("GRIDHMM_THRESHOLD", "0.5")
	t.Setenv("GRIDHMM_WORKERS", "4")

	path := filepath.Join(t.TempDir(), "estimate.json")
	if err := os.WriteFile(path, []byte(`{"episodes":"e.txt","workers":2}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	fs := estimateFlagSet()
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	var req gridhmm.EstimateRequest
	if err := loadRequest(fs, path, estimateKeys, &req); err != nil {
		t.Fatalf("load request: %v", err)
	}
	if req.Threshold != 0.5 {
		t.Fatalf("threshold = %v, want 0.5 from environment", req.Threshold)
	}
	if req.Workers != 4 {
		t.Fatalf("workers = %d, want environment to beat config", req.Workers)
	}
	if req.EpisodesPath != "e.txt" {
		t.Fatalf("episodes = %q", req.EpisodesPath)
	}
}

func TestLoadRequestMissingConfig(t *testing.T) {
	fs := estimateFlagSet()
	var req gridhmm.EstimateRequest
	if err := loadRequest(fs, filepath.Join(t.TempDir(), "missing.yaml"), estimateKeys, &req); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestWallListCollectsRepeatedFlags(t *testing.T) {
	fs := flag.NewFlagSet("walls", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var walls wallList
	fs.Var(&walls, "wall", "")
	if err := fs.Parse([]string{"--wall", "0,0-0,1", "--wall", " 1,0-1,1 "}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if len(walls) != 2 || walls[1] != "1,0-1,1" {
		t.Fatalf("walls = %v", walls)
	}
	if err := fs.Parse([]string{"--wall", " "}); err == nil {
		t.Fatal("expected error for empty wall")
	}
}
