package hmm

import (
	"gonum.org/v1/gonum/floats"

	"gridhmm/internal/grid"
	"gridhmm/internal/topology"
)

// Statistics accumulates expected counts over episodes. Each distribution
// keeps its own denominator: emissions divide by occupancy over every step,
// transitions by occupancy over every step but the last, and the initial
// distribution by the number of episodes.
type Statistics struct {
	n        int
	episodes int

	initial    []float64 // Σ γ(0,s)
	occupancy  []float64 // Σ_t γ(t,s)
	departures []float64 // Σ_{t<T-1} γ(t,s)
	emission   []float64 // n × NumRewards
	transition []float64 // n × n
}

func NewStatistics(n int) *Statistics {
	return &Statistics{
		n:          n,
		initial:    make([]float64, n),
		occupancy:  make([]float64, n),
		departures: make([]float64, n),
		emission:   make([]float64, n*grid.NumRewards),
		transition: make([]float64, n*n),
	}
}

func (st *Statistics) Episodes() int { return st.episodes }

// Add folds the posteriors of one lattice into the counts.
func (st *Statistics) Add(l *Lattice) {
	st.episodes++
	steps := l.Len()
	for s := 0; s < st.n; s++ {
		st.initial[s] += l.Marginal(0, s)
	}
	for t := 0; t < steps; t++ {
		k := l.rewards[t].Index()
		for s := 0; s < st.n; s++ {
			g := l.Marginal(t, s)
			st.occupancy[s] += g
			st.emission[s*grid.NumRewards+k] += g
			if t < steps-1 {
				st.departures[s] += g
			}
		}
	}
	for t := 0; t < steps-1; t++ {
		for s := 0; s < st.n; s++ {
			row := st.transition[s*st.n : (s+1)*st.n]
			for _, next := range l.topo.Reachable(s) {
				row[next] += l.Joint(t, s, next)
			}
		}
	}
}

// Merge adds other's counts into st.
func (st *Statistics) Merge(other *Statistics) {
	st.episodes += other.episodes
	floats.Add(st.initial, other.initial)
	floats.Add(st.occupancy, other.occupancy)
	floats.Add(st.departures, other.departures)
	floats.Add(st.emission, other.emission)
	floats.Add(st.transition, other.transition)
}

// Reestimate normalises the counts into a new snapshot. prev is only read:
// a state never visited keeps its previous emission row, and a state never
// left keeps its previous transition row.
func (st *Statistics) Reestimate(prev *grid.Params, topo topology.Topology) *grid.Params {
	next := grid.NewParams(prev.Grid())
	episodes := float64(st.episodes)
	for s := 0; s < st.n; s++ {
		next.SetInitial(s, st.initial[s]/episodes)

		occupancy := st.occupancy[s]
		for _, r := range grid.Rewards {
			if occupancy == 0 {
				next.SetEmission(s, r, prev.Emission(s, r))
				continue
			}
			next.SetEmission(s, r, st.emission[s*grid.NumRewards+r.Index()]/occupancy)
		}

		departures := st.departures[s]
		for _, to := range topo.Reachable(s) {
			if departures == 0 {
				next.SetTransition(s, to, prev.Transition(s, to))
				continue
			}
			next.SetTransition(s, to, st.transition[s*st.n+to]/departures)
		}
	}
	return next
}
