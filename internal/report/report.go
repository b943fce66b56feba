// Package report renders parameters and progress for a terminal.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/logrusorgru/aurora"
	"github.com/mattn/go-isatty"

	"gridhmm/internal/grid"
	"gridhmm/internal/hmm"
)

// ColorEnabled reports whether f is an interactive terminal and NO_COLOR is
// unset.
func ColorEnabled(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type Printer struct {
	w  io.Writer
	au aurora.Aurora
}

func NewPrinter(w io.Writer, color bool) *Printer {
	return &Printer{w: w, au: aurora.NewAurora(color)}
}

// Summary describes the loaded data.
func (p *Printer) Summary(episodes, moves int, g grid.Grid) {
	fmt.Fprintf(p.w, "loaded %s moves across %s episodes on a %s grid\n",
		humanize.Comma(int64(moves)), humanize.Comma(int64(episodes)), g)
}

// Banner separates restarts.
func (p *Printer) Banner(label string, run, total int) {
	fmt.Fprintln(p.w, p.au.Bold(fmt.Sprintf("\t ******* %s RUN %d/%d *******", strings.ToUpper(label), run, total)))
}

func (p *Printer) Progress(it hmm.Iteration) {
	fmt.Fprintf(p.w, "EM iteration %d, Log likelihood = %f, (Diff: %.3f)\n", it.Index, it.LogLikelihood, it.Delta)
}

// Outcome prints the terminal line of one estimation.
func (p *Printer) Outcome(result hmm.Result) {
	iterations := humanize.Comma(int64(result.Iterations()))
	switch result.Status {
	case hmm.Converged:
		fmt.Fprintln(p.w, p.au.Green(fmt.Sprintf("converged after %s iterations, log likelihood %f", iterations, result.LogLikelihood())))
		fmt.Fprintf(p.w, "Took %d ms\n", result.Elapsed.Milliseconds())
	case hmm.Diverged:
		fmt.Fprintln(p.w, p.au.Red(fmt.Sprintf("diverged after %s iterations: the parameters became undefined, run again with a different seed", iterations)))
	case hmm.Exhausted:
		fmt.Fprintln(p.w, p.au.Yellow(fmt.Sprintf("stopped after %s iterations without converging", iterations)))
	default:
		fmt.Fprintln(p.w, p.au.Yellow(fmt.Sprintf("interrupted after %s iterations", iterations)))
	}
}

// Parameters lists every cell in row-major order: its initial probability,
// its reward distribution and its non-zero transitions.
func (p *Printer) Parameters(params *grid.Params) {
	g := params.Grid()
	for i, cell := range g.Cells() {
		fmt.Fprintln(p.w, p.au.Bold(fmt.Sprintf("-- cell %s --", cell)))
		fmt.Fprintf(p.w, "P(H1 = %s) = %f\n", cell, params.Initial(i))
		for _, r := range grid.Rewards {
			fmt.Fprintf(p.w, "P(Vt = %d | Ht = %s) = %f\n", r, cell, params.Emission(i, r))
		}
		for j, v := range params.TransitionRow(i) {
			if v == 0 {
				continue
			}
			fmt.Fprintf(p.w, "P(Ht+1 = %s | Ht = %s) = %f\n", g.Cell(j), cell, v)
		}
	}
}

// Heatmap lays the initial distribution out as the grid. The most likely
// start cell is highlighted.
func (p *Printer) Heatmap(params *grid.Params) {
	g := params.Grid()
	best := 0
	for i := range params.InitialDistribution() {
		if params.Initial(i) > params.Initial(best) {
			best = i
		}
	}
	for r := 0; r < g.Rows(); r++ {
		for c := 0; c < g.Cols(); c++ {
			i := g.Index(grid.Cell{Row: r, Col: c})
			cell := fmt.Sprintf("%7.4f ", params.Initial(i))
			if i == best {
				fmt.Fprint(p.w, p.au.Green(cell))
			} else {
				fmt.Fprint(p.w, p.au.Blue(cell))
			}
			fmt.Fprint(p.w, "|")
		}
		fmt.Fprintln(p.w)
	}
}

// CountNotes explains the zero rows of a counted estimate.
func (p *Printer) CountNotes(summary hmm.CountSummary) {
	fmt.Fprintln(p.w, "Any parameters missing from the data are assumed zero.")
	if len(summary.Unvisited) > 0 {
		fmt.Fprintf(p.w, "never visited: %s\n", joinCells(summary.Unvisited))
	}
	if len(summary.Terminal) > 0 {
		fmt.Fprintf(p.w, "never left: %s\n", joinCells(summary.Terminal))
	}
}

func joinCells(cells []grid.Cell) string {
	parts := make([]string, len(cells))
	for i, c := range cells {
		parts[i] = c.String()
	}
	return strings.Join(parts, " ")
}
