package stats

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/hashicorp/go-multierror"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"gridhmm/internal/model"
)

// Series is one named likelihood trace, indexed by iteration from 1.
type Series struct {
	Name   string
	Values []float64
}

// SeriesFromRestarts names each restart trace and appends the step-wise
// mean when there is more than one restart.
func SeriesFromRestarts(restarts []model.RestartRecord) []Series {
	out := make([]Series, 0, len(restarts)+1)
	lists := make([][]float64, 0, len(restarts))
	for _, r := range restarts {
		if len(r.History) == 0 {
			continue
		}
		out = append(out, Series{Name: fmt.Sprintf("restart %d (%s)", r.Restart, r.Status), Values: r.History})
		lists = append(lists, r.History)
	}
	if len(lists) > 1 {
		out = append(out, Series{Name: "mean", Values: MeanSeries(lists)})
	}
	return out
}

// MeanSeries averages the traces step by step over those still running at
// that step.
func MeanSeries(lists [][]float64) []float64 {
	var out []float64
	for step := 0; ; step++ {
		var sum float64
		count := 0
		for _, list := range lists {
			if step < len(list) {
				sum += list[step]
				count++
			}
		}
		if count == 0 {
			return out
		}
		out = append(out, sum/float64(count))
	}
}

// WriteLikelihoodPlot renders the series with gonum/plot. The image format
// follows the file extension (png, svg, pdf, ...).
func WriteLikelihoodPlot(path string, series []Series) error {
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if format == "" {
		return fmt.Errorf("plot path %s has no extension", path)
	}
	p, err := likelihoodPlot(series)
	if err != nil {
		return err
	}
	output, err := os.Create(path)
	if err != nil {
		return err
	}
	return writeClosePlot(p, 8*vg.Inch, 5*vg.Inch, output, format)
}

func likelihoodPlot(series []Series) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "EM log likelihood"
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "log likelihood"
	for i, s := range series {
		points := make(plotter.XYs, len(s.Values))
		for j, v := range s.Values {
			points[j].X = float64(j + 1)
			points[j].Y = v
		}
		line, err := plotter.NewLine(points)
		if err != nil {
			return nil, fmt.Errorf("series %s: %w", s.Name, err)
		}
		line.Color = plotutil.Color(i)
		line.Dashes = plotutil.Dashes(i)
		p.Add(line)
		p.Legend.Add(s.Name, line)
	}
	p.Legend.Top = false
	p.Add(plotter.NewGrid())
	return p, nil
}

func writeClosePlot(p *plot.Plot, width, height vg.Length, output io.WriteCloser, format string) (err error) {
	defer func() {
		if e := output.Close(); e != nil {
			err = combineErrors(err, e)
		}
	}()
	w, err := p.WriterTo(width, height, format)
	if err != nil {
		return err
	}
	_, err = w.WriteTo(output)
	return err
}

func combineErrors(errs ...error) (err error) {
	for _, e := range errs {
		switch {
		case e == nil:
		case err == nil:
			err = e
		default:
			err = multierror.Append(err, e)
		}
	}
	return err
}

// WriteLikelihoodChart renders the series as an interactive HTML page.
func WriteLikelihoodChart(w io.Writer, title string, series []Series) error {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: "EM log likelihood by iteration"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "iteration"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "log likelihood"}),
	)

	steps := 0
	for _, s := range series {
		steps = max(steps, len(s.Values))
	}
	axis := make([]string, steps)
	for i := range axis {
		axis[i] = fmt.Sprintf("%d", i+1)
	}
	line = line.SetXAxis(axis)
	for _, s := range series {
		items := make([]opts.LineData, 0, len(s.Values))
		for _, v := range s.Values {
			items = append(items, opts.LineData{Value: v})
		}
		line.AddSeries(s.Name, items)
	}

	page := components.NewPage()
	page.AddCharts(line)
	return page.Render(w)
}
