package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"gridhmm/internal/grid"
	"gridhmm/internal/hmm"
	"gridhmm/internal/topology"
)

func TestParametersListsNonZeroTransitions(t *testing.T) {
	g, err := grid.New(1, 2)
	if err != nil {
		t.Fatalf("new grid: %v", err)
	}
	params := grid.Uniform(g, topology.NewAdjacency(g, topology.WallSet{}))

	var buf bytes.Buffer
	NewPrinter(&buf, false).Parameters(params)
	out := buf.String()
	for _, want := range []string{
		"-- cell (0,0) --",
		"P(H1 = (0,0)) = 0.500000",
		"P(Vt = -1 | Ht = (0,1)) = 0.333333",
		"P(Ht+1 = (0,1) | Ht = (0,0)) = 1.000000",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "P(Ht+1 = (0,0) | Ht = (0,0))") {
		t.Fatalf("zero self transition should be omitted:\n%s", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("colour codes written with colour disabled: %q", out)
	}
}

func TestProgressAndOutcome(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)
	p.Progress(hmm.Iteration{Index: 2, LogLikelihood: -10.5, Delta: 1.25})
	p.Outcome(hmm.Result{
		Status:  hmm.Converged,
		History: []hmm.Iteration{{Index: 1, LogLikelihood: -11}, {Index: 2, LogLikelihood: -10.5}},
		Elapsed: 1500 * time.Millisecond,
	})
	p.Outcome(hmm.Result{Status: hmm.Diverged, History: make([]hmm.Iteration, 1200)})

	out := buf.String()
	for _, want := range []string{
		"EM iteration 2, Log likelihood = -10.500000, (Diff: 1.250)",
		"converged after 2 iterations",
		"Took 1500 ms",
		"diverged after 1,200 iterations",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in:\n%s", want, out)
		}
	}
}

func TestHeatmapAndNotes(t *testing.T) {
	g, _ := grid.New(2, 2)
	params := grid.NewParams(g)
	params.SetInitial(3, 1)

	var buf bytes.Buffer
	p := NewPrinter(&buf, false)
	p.Heatmap(params)
	p.Banner("estimate", 2, 10)
	p.Summary(3, 1234, g)
	p.CountNotes(hmm.CountSummary{Unvisited: []grid.Cell{{Row: 1, Col: 0}}, Terminal: []grid.Cell{{Row: 0, Col: 1}}})

	lines := strings.Split(buf.String(), "\n")
	if len(lines) < 2 || strings.Count(lines[0], "|") != 2 || !strings.Contains(lines[1], "1.0000") {
		t.Fatalf("unexpected heatmap:\n%s", buf.String())
	}
	for _, want := range []string{
		"******* ESTIMATE RUN 2/10 *******",
		"loaded 1,234 moves across 3 episodes on a 2x2 grid",
		"assumed zero",
		"never visited: (1,0)",
		"never left: (0,1)",
	} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("expected %q in:\n%s", want, buf.String())
		}
	}
}
