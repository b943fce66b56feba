package gridhmm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gridhmm/internal/grid"
	"gridhmm/internal/hmm"
	"gridhmm/internal/platform"
	"gridhmm/internal/topology"
)

const hiddenEpisodes = "1\n0\n0\n-1\n\n0\n0\n1\n\n1\n1\n0\n-1\n0\n"

const observedEpisodes = "(0,0) 1\n(0,1) 0\n(1,1) -1\n\n(1,0) 0\n(0,0) 1\n"

func writeEpisodes(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "episodes.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write episodes: %v", err)
	}
	return path
}

func newTestClient(t *testing.T, runsDir string) *Client {
	t.Helper()
	client, err := New(Options{
		StoreKind:  "memory",
		RunsDir:    runsDir,
		ExportsDir: filepath.Join(t.TempDir(), "exports"),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestEstimateWritesArtifactsAndIndex(t *testing.T) {
	ctx := context.Background()
	runsDir := t.TempDir()
	client := newTestClient(t, runsDir)

	var iterations int
	client.progress.Iteration = func(int, hmm.Iteration) { iterations++ }

	summary, err := client.Estimate(ctx, EstimateRequest{
		RunID:        "uniform-1",
		EpisodesPath: writeEpisodes(t, hiddenEpisodes),
		Rows:         2,
		Cols:         2,
		Restarts:     5,
	})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if summary.Episodes != 3 || summary.Moves != 12 {
		t.Fatalf("episodes=%d moves=%d", summary.Episodes, summary.Moves)
	}
	if len(summary.Restarts) != 1 || summary.Selected != 1 || summary.Params == nil {
		t.Fatalf("uniform init should run once: %+v", summary)
	}
	if iterations != summary.Restarts[0].Iterations {
		t.Fatalf("progress saw %d iterations, summary %d", iterations, summary.Restarts[0].Iterations)
	}
	for _, name := range []string{"config.json", "likelihood_history.json", "parameters.json", "likelihood_series.csv"} {
		if _, err := os.Stat(filepath.Join(summary.ArtifactsDir, name)); err != nil {
			t.Fatalf("missing artifact %s: %v", name, err)
		}
	}

	runs, err := client.Runs(ctx, RunsRequest{})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "uniform-1" || runs[0].Status != "converged" || runs[0].Converged != 1 {
		t.Fatalf("runs = %+v", runs)
	}

	params, err := client.Parameters(ctx, RunRef{Latest: true})
	if err != nil {
		t.Fatalf("parameters: %v", err)
	}
	if params.Params.MaxDiff(summary.Params) != 0 {
		t.Fatal("stored parameters differ from the estimate")
	}
	history, err := client.LikelihoodHistory(ctx, LikelihoodRequest{RunRef: RunRef{RunID: "uniform-1"}})
	if err != nil {
		t.Fatalf("likelihood history: %v", err)
	}
	if len(history) != summary.Restarts[0].Iterations {
		t.Fatalf("history length = %d", len(history))
	}
}

func TestReadsFallBackToArtifacts(t *testing.T) {
	ctx := context.Background()
	runsDir := t.TempDir()
	first := newTestClient(t, runsDir)
	summary, err := first.Estimate(ctx, EstimateRequest{
		RunID:        "persisted",
		EpisodesPath: writeEpisodes(t, hiddenEpisodes),
		Rows:         2,
		Cols:         2,
	})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}

	second := newTestClient(t, runsDir)
	params, err := second.Parameters(ctx, RunRef{RunID: "persisted"})
	if err != nil {
		t.Fatalf("parameters from artifacts: %v", err)
	}
	if diff := params.Params.MaxDiff(summary.Params); diff > 1e-12 {
		t.Fatalf("artifact parameters differ by %g", diff)
	}
	if params.Estimate.Restart != 1 || params.Estimate.Iterations != summary.Restarts[0].Iterations {
		t.Fatalf("estimate = %+v", params.Estimate)
	}
	history, err := second.LikelihoodHistory(ctx, LikelihoodRequest{RunRef: RunRef{RunID: "persisted"}, Limit: 2})
	if err != nil {
		t.Fatalf("likelihood history from artifacts: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("limited history length = %d", len(history))
	}
}

func TestEstimateRejectsInvalidRequest(t *testing.T) {
	client := newTestClient(t, t.TempDir())
	cases := []EstimateRequest{
		{Rows: 2, Cols: 2},
		{EpisodesPath: "x", Rows: 0, Cols: 2},
		{EpisodesPath: "x", Rows: 2, Cols: 2, Init: "bogus"},
		{EpisodesPath: "x", Rows: 2, Cols: 2, Topology: "hex"},
		{EpisodesPath: "x", Rows: 2, Cols: 2, Workers: -1},
	}
	for _, req := range cases {
		_, err := client.Estimate(context.Background(), req)
		if err == nil || !strings.Contains(err.Error(), "invalid estimate request") {
			t.Fatalf("request %+v: expected validation error, got %v", req, err)
		}
	}
}

func TestEstimateReportsMalformedEpisodes(t *testing.T) {
	client := newTestClient(t, t.TempDir())
	_, err := client.Estimate(context.Background(), EstimateRequest{
		EpisodesPath: writeEpisodes(t, "1\n7\n"),
		Rows:         2,
		Cols:         2,
	})
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected malformed line error, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	walls, err := EstimateRequest{Init: platform.InitWalls}.Normalize()
	if err != nil {
		t.Fatalf("normalize walls: %v", err)
	}
	if walls.Topology != topology.AdjacencyName || len(walls.Walls) != len(topology.DefaultWalls()) {
		t.Fatalf("walls request = %+v", walls)
	}

	uniform, err := EstimateRequest{Restarts: 10}.Normalize()
	if err != nil {
		t.Fatalf("normalize uniform: %v", err)
	}
	if uniform.Init != platform.InitUniform || uniform.Restarts != 1 || uniform.Topology != topology.FullName {
		t.Fatalf("uniform request = %+v", uniform)
	}
	if uniform.Threshold != hmm.DefaultThreshold || uniform.MaxIterations != hmm.DefaultMaxIterations {
		t.Fatalf("defaults not applied: %+v", uniform)
	}

	random, err := EstimateRequest{Init: platform.InitRandom, Restarts: 10}.Normalize()
	if err != nil {
		t.Fatalf("normalize random: %v", err)
	}
	if random.Restarts != 10 {
		t.Fatalf("random restarts = %d", random.Restarts)
	}

	if _, err := (EstimateRequest{Init: platform.InitWalls, Topology: topology.FullName}).Normalize(); err == nil {
		t.Fatal("expected error for walls init on the full topology")
	}
}

func TestEstimateWallsUsesDefaultLayout(t *testing.T) {
	client := newTestClient(t, t.TempDir())
	summary, err := client.Estimate(context.Background(), EstimateRequest{
		EpisodesPath: writeEpisodes(t, hiddenEpisodes),
		Rows:         4,
		Cols:         4,
		Init:         platform.InitWalls,
		Restarts:     2,
		Seed:         5,
	})
	if err != nil && !errors.Is(err, platform.ErrNoConvergedRestart) {
		t.Fatalf("estimate: %v", err)
	}
	if !strings.HasPrefix(summary.RunID, "run-") {
		t.Fatalf("generated run id = %q", summary.RunID)
	}
	if len(summary.Restarts) != 2 || summary.Restarts[1].Seed != 6 {
		t.Fatalf("restarts = %+v", summary.Restarts)
	}
	if summary.Params == nil {
		return
	}
	g := summary.Params.Grid()
	for _, w := range topology.DefaultWalls() {
		if v := summary.Params.Transition(g.Index(w.A), g.Index(w.B)); v != 0 {
			t.Fatalf("transition through wall %s = %v", w, v)
		}
	}
}

func TestCountWritesParameters(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, t.TempDir())
	summary, err := client.Count(ctx, CountRequest{
		RunID:        "count-1",
		EpisodesPath: writeEpisodes(t, observedEpisodes),
		Rows:         2,
		Cols:         2,
	})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if summary.Summary.Episodes != 2 || summary.Summary.Moves != 5 {
		t.Fatalf("summary = %+v", summary.Summary)
	}
	if got := summary.Params.Initial(0); got != 0.5 {
		t.Fatalf("P(H1=(0,0)) = %v", got)
	}
	if got := summary.Params.Emission(0, grid.RewardPositive); got != 1 {
		t.Fatalf("P(V=1|(0,0)) = %v", got)
	}

	params, err := client.Parameters(ctx, RunRef{RunID: "count-1"})
	if err != nil {
		t.Fatalf("parameters: %v", err)
	}
	if params.Estimate.Mode != platform.ModeCount {
		t.Fatalf("mode = %q", params.Estimate.Mode)
	}
}

func TestCountRejectsHiddenEpisodes(t *testing.T) {
	client := newTestClient(t, t.TempDir())
	_, err := client.Count(context.Background(), CountRequest{
		EpisodesPath: writeEpisodes(t, hiddenEpisodes),
		Rows:         2,
		Cols:         2,
	})
	if !errors.Is(err, hmm.ErrHiddenMove) {
		t.Fatalf("expected ErrHiddenMove, got %v", err)
	}
}

func TestExportAndPlot(t *testing.T) {
	ctx := context.Background()
	runsDir := t.TempDir()
	client := newTestClient(t, runsDir)
	if _, err := client.Estimate(ctx, EstimateRequest{
		RunID:        "plotted",
		EpisodesPath: writeEpisodes(t, hiddenEpisodes),
		Rows:         2,
		Cols:         2,
		Init:         platform.InitRandom,
		Restarts:     2,
	}); err != nil && !errors.Is(err, platform.ErrNoConvergedRestart) {
		t.Fatalf("estimate: %v", err)
	}

	png, err := client.Plot(ctx, PlotRequest{RunRef: RunRef{Latest: true}})
	if err != nil {
		t.Fatalf("plot png: %v", err)
	}
	if png.Path != filepath.Join(runsDir, "plotted", "likelihood.png") {
		t.Fatalf("default plot path = %s", png.Path)
	}
	html, err := client.Plot(ctx, PlotRequest{RunRef: RunRef{RunID: "plotted"}, Out: filepath.Join(runsDir, "plotted", "likelihood.html")})
	if err != nil {
		t.Fatalf("plot html: %v", err)
	}
	data, err := os.ReadFile(html.Path)
	if err != nil {
		t.Fatalf("read chart: %v", err)
	}
	if !strings.Contains(string(data), "restart 1") {
		t.Fatal("chart does not name the restarts")
	}

	exported, err := client.Export(ctx, ExportRequest{RunRef: RunRef{Latest: true}})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	for _, name := range []string{"config.json", "likelihood_history.json", "likelihood.png", "likelihood.html"} {
		if _, err := os.Stat(filepath.Join(exported.Directory, name)); err != nil {
			t.Fatalf("missing exported %s: %v", name, err)
		}
	}
}

func TestRunRefResolution(t *testing.T) {
	client := newTestClient(t, t.TempDir())
	ctx := context.Background()
	if _, err := client.Export(ctx, ExportRequest{RunRef: RunRef{RunID: "a", Latest: true}}); err == nil {
		t.Fatal("expected error for run id plus latest")
	}
	if _, err := client.Parameters(ctx, RunRef{}); err == nil {
		t.Fatal("expected error without run id")
	}
	if _, err := client.Plot(ctx, PlotRequest{RunRef: RunRef{Latest: true}}); err == nil || !strings.Contains(err.Error(), "no runs") {
		t.Fatalf("expected no runs error, got %v", err)
	}
	if _, err := client.Parameters(ctx, RunRef{RunID: "missing"}); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestStopRunCancelsActiveEstimate(t *testing.T) {
	ctx := context.Background()
	runsDir := t.TempDir()
	client := newTestClient(t, runsDir)

	var active []string
	client.progress.Iteration = func(_ int, it hmm.Iteration) {
		if it.Index != 1 {
			return
		}
		ids, err := client.ActiveRuns(ctx)
		if err != nil {
			t.Errorf("active runs: %v", err)
		}
		active = ids
		if err := client.StopRun(ctx, "stop-me"); err != nil {
			t.Errorf("stop run: %v", err)
		}
	}

	_, err := client.Estimate(ctx, EstimateRequest{
		RunID:        "stop-me",
		EpisodesPath: writeEpisodes(t, hiddenEpisodes),
		Rows:         2,
		Cols:         2,
		Init:         platform.InitRandom,
		Threshold:    1e-12,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(active) != 1 || active[0] != "stop-me" {
		t.Fatalf("active runs = %v", active)
	}
	ids, err := client.ActiveRuns(ctx)
	if err != nil || len(ids) != 0 {
		t.Fatalf("active runs after stop = %v, err=%v", ids, err)
	}
	if err := client.StopRun(ctx, "stop-me"); err == nil {
		t.Fatal("expected error stopping a finished run")
	}
}
