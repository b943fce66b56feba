package stats

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"gridhmm/internal/model"
)

func TestMeanSeries(t *testing.T) {
	got := MeanSeries([][]float64{{-10, -6, -5}, {-8, -4}})
	if !reflect.DeepEqual(got, []float64{-9, -5, -5}) {
		t.Fatalf("mean = %v", got)
	}
	if MeanSeries(nil) != nil {
		t.Fatal("expected nil mean for no lists")
	}
}

func TestSeriesFromRestarts(t *testing.T) {
	series := SeriesFromRestarts([]model.RestartRecord{
		{Restart: 1, Status: "converged", History: []float64{-4, -3}},
		{Restart: 2, Status: "diverged"},
		{Restart: 3, Status: "converged", History: []float64{-6, -2}},
	})
	if len(series) != 3 {
		t.Fatalf("expected two restarts and a mean, got %d", len(series))
	}
	if series[0].Name != "restart 1 (converged)" || series[2].Name != "mean" {
		t.Fatalf("names = %q, %q", series[0].Name, series[2].Name)
	}
}

func TestWriteLikelihoodPlot(t *testing.T) {
	dir := t.TempDir()
	series := []Series{{Name: "restart 1", Values: []float64{-12, -9, -8.5, -8.49}}}
	for _, name := range []string{"likelihood.png", "likelihood.svg"} {
		path := filepath.Join(dir, name)
		if err := WriteLikelihoodPlot(path, series); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat %s: %v", name, err)
		}
		if info.Size() == 0 {
			t.Fatalf("%s is empty", name)
		}
	}
	if err := WriteLikelihoodPlot(filepath.Join(dir, "likelihood"), series); err == nil {
		t.Fatal("expected missing extension error")
	}
}

func TestWriteLikelihoodChart(t *testing.T) {
	var buf bytes.Buffer
	series := []Series{
		{Name: "restart 1", Values: []float64{-12, -9}},
		{Name: "restart 2", Values: []float64{-11, -10, -9.995}},
	}
	if err := WriteLikelihoodChart(&buf, "run-1", series); err != nil {
		t.Fatalf("write chart: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"<html", "restart 2", "run-1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in chart output", want)
		}
	}
}
