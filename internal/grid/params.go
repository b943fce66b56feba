package grid

import (
	"fmt"
	"math"

	"github.com/hashicorp/go-multierror"
)

// DefaultTolerance bounds how far a distribution may drift from 1.
const DefaultTolerance = 1e-9

// Reachability reports which states a state may move to.
type Reachability interface {
	Reachable(i int) []int
}

// Params is one snapshot of the model: initial distribution, transition
// matrix and emission matrix. A snapshot is built once and then only read;
// re-estimation produces a new one.
type Params struct {
	grid       Grid
	initial    []float64
	transition []float64
	emission   []float64
}

// NewParams returns an all-zero snapshot for g.
func NewParams(g Grid) *Params {
	n := g.Size()
	return &Params{
		grid:       g,
		initial:    make([]float64, n),
		transition: make([]float64, n*n),
		emission:   make([]float64, n*NumRewards),
	}
}

func (p *Params) Grid() Grid { return p.grid }

func (p *Params) Initial(i int) float64 { return p.initial[i] }

func (p *Params) Transition(from, to int) float64 {
	return p.transition[from*p.grid.Size()+to]
}

func (p *Params) Emission(i int, r Reward) float64 {
	return p.emission[i*NumRewards+r.Index()]
}

func (p *Params) SetInitial(i int, v float64) { p.initial[i] = v }

func (p *Params) SetTransition(from, to int, v float64) {
	p.transition[from*p.grid.Size()+to] = v
}

func (p *Params) SetEmission(i int, r Reward, v float64) {
	p.emission[i*NumRewards+r.Index()] = v
}

// TransitionRow is the outgoing distribution of state from. The slice
// aliases the snapshot and must not be modified.
func (p *Params) TransitionRow(from int) []float64 {
	n := p.grid.Size()
	return p.transition[from*n : (from+1)*n]
}

// EmissionRow is the reward distribution of state i, aliasing the snapshot.
func (p *Params) EmissionRow(i int) []float64 {
	return p.emission[i*NumRewards : (i+1)*NumRewards]
}

func (p *Params) InitialDistribution() []float64 { return p.initial }

func (p *Params) Clone() *Params {
	out := NewParams(p.grid)
	copy(out.initial, p.initial)
	copy(out.transition, p.transition)
	copy(out.emission, p.emission)
	return out
}

// MaxDiff is the largest absolute difference between matching entries.
func (p *Params) MaxDiff(other *Params) float64 {
	var worst float64
	for _, pair := range [][2][]float64{
		{p.initial, other.initial},
		{p.transition, other.transition},
		{p.emission, other.emission},
	} {
		for i := range pair[0] {
			if d := math.Abs(pair[0][i] - pair[1][i]); d > worst || math.IsNaN(d) {
				worst = d
			}
		}
	}
	return worst
}

// Validate checks that every entry is a probability, that every distribution
// sums to one within tol and that transitions outside reach are exactly zero.
// A state with no reachable successor must have an all-zero row.
func (p *Params) Validate(reach Reachability, tol float64) error {
	var result *multierror.Error
	n := p.grid.Size()

	if err := checkDistribution("initial", p.initial, tol); err != nil {
		result = multierror.Append(result, err)
	}
	for i := 0; i < n; i++ {
		cell := p.grid.Cell(i)
		if err := checkDistribution("emission "+cell.String(), p.EmissionRow(i), tol); err != nil {
			result = multierror.Append(result, err)
		}

		row := p.TransitionRow(i)
		allowed := make(map[int]struct{})
		for _, j := range reach.Reachable(i) {
			allowed[j] = struct{}{}
		}
		for j, v := range row {
			if _, ok := allowed[j]; !ok && v != 0 {
				result = multierror.Append(result, fmt.Errorf("transition %s -> %s: unreachable target has probability %g", cell, p.grid.Cell(j), v))
			}
		}
		if len(allowed) == 0 {
			continue
		}
		if err := checkDistribution("transition "+cell.String(), row, tol); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func checkDistribution(name string, values []float64, tol float64) error {
	var sum float64
	for _, v := range values {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%s: %g is not a probability", name, v)
		}
		sum += v
	}
	if math.Abs(sum-1) > tol {
		return fmt.Errorf("%s: sums to %g", name, sum)
	}
	return nil
}
