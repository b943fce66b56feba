package hmm

import (
	"gonum.org/v1/gonum/floats"

	"gridhmm/internal/episode"
	"gridhmm/internal/grid"
	"gridhmm/internal/topology"
)

// Lattice holds the forward and backward tables of one episode under one
// parameter snapshot. Time steps are zero based: t runs over [0, Len()).
type Lattice struct {
	params  *grid.Params
	topo    topology.Topology
	rewards []grid.Reward
	n       int

	alpha []float64 // row t holds α(t, ·)
	beta  []float64

	// norm[t] = Σ_s α(t,s)β(t,s); jointNorm[t] sums the unnormalised joint
	// posterior of steps t and t+1 over every reachable pair.
	norm      []float64
	jointNorm []float64
}

// ForwardBackward runs both recursions for ep under p, iterating only the
// transitions topo allows. The episode must not be empty.
func ForwardBackward(p *grid.Params, topo topology.Topology, ep episode.Episode) *Lattice {
	n := p.Grid().Size()
	steps := ep.Len()
	l := &Lattice{
		params:    p,
		topo:      topo,
		rewards:   ep.Rewards(),
		n:         n,
		alpha:     make([]float64, steps*n),
		beta:      make([]float64, steps*n),
		norm:      make([]float64, steps),
		jointNorm: make([]float64, max(steps-1, 0)),
	}
	l.forward()
	l.backward()
	for t := 0; t < steps; t++ {
		l.norm[t] = floats.Dot(l.alphaRow(t), l.betaRow(t))
	}
	for t := 0; t < steps-1; t++ {
		var sum float64
		for s := 0; s < n; s++ {
			for _, next := range topo.Reachable(s) {
				sum += l.jointTerm(t, s, next)
			}
		}
		l.jointNorm[t] = sum
	}
	return l
}

func (l *Lattice) forward() {
	first := l.alphaRow(0)
	for s := range first {
		first[s] = l.params.Initial(s) * l.params.Emission(s, l.rewards[0])
	}
	for t := 1; t < len(l.rewards); t++ {
		prev := l.alphaRow(t - 1)
		cur := l.alphaRow(t)
		r := l.rewards[t]
		for s := range cur {
			var sum float64
			for _, from := range l.topo.Predecessors(s) {
				sum += prev[from] * l.params.Transition(from, s)
			}
			cur[s] = sum * l.params.Emission(s, r)
		}
	}
}

func (l *Lattice) backward() {
	last := len(l.rewards) - 1
	end := l.betaRow(last)
	for s := range end {
		end[s] = 1
	}
	for t := last - 1; t >= 0; t-- {
		next := l.betaRow(t + 1)
		cur := l.betaRow(t)
		r := l.rewards[t+1]
		for s := range cur {
			var sum float64
			for _, to := range l.topo.Reachable(s) {
				sum += l.params.Transition(s, to) * l.params.Emission(to, r) * next[to]
			}
			cur[s] = sum
		}
	}
}

func (l *Lattice) alphaRow(t int) []float64 { return l.alpha[t*l.n : (t+1)*l.n] }
func (l *Lattice) betaRow(t int) []float64  { return l.beta[t*l.n : (t+1)*l.n] }

func (l *Lattice) jointTerm(t, s, next int) float64 {
	return l.alpha[t*l.n+s] *
		l.params.Transition(s, next) *
		l.params.Emission(next, l.rewards[t+1]) *
		l.beta[(t+1)*l.n+next]
}

func (l *Lattice) Len() int { return len(l.rewards) }

func (l *Lattice) Alpha(t, s int) float64 { return l.alpha[t*l.n+s] }
func (l *Lattice) Beta(t, s int) float64  { return l.beta[t*l.n+s] }

// Likelihood is P(rewards | params), the sum of the last forward row.
func (l *Lattice) Likelihood() float64 {
	return floats.Sum(l.alphaRow(l.Len() - 1))
}

// Evidence is Σ_s α(t,s)β(t,s). It equals Likelihood at every t up to
// rounding.
func (l *Lattice) Evidence(t int) float64 { return l.norm[t] }

// Marginal is γ(t,s), the posterior of being in s at step t. A zero
// evidence yields NaN.
func (l *Lattice) Marginal(t, s int) float64 {
	return l.alpha[t*l.n+s] * l.beta[t*l.n+s] / l.norm[t]
}

// Joint is ξ(t,s,next), the posterior of being in s at t and next at t+1,
// for t in [0, Len()-1). Pairs outside the topology are zero.
func (l *Lattice) Joint(t, s, next int) float64 {
	return l.jointTerm(t, s, next) / l.jointNorm[t]
}
