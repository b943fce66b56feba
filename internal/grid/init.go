package grid

import "math/rand"

// Uniform spreads every distribution evenly: 1/n over initial states, 1/3
// over rewards and 1/k over the k reachable successors of each state.
func Uniform(g Grid, reach Reachability) *Params {
	p := NewParams(g)
	n := g.Size()
	for i := 0; i < n; i++ {
		p.SetInitial(i, 1/float64(n))
		for _, r := range Rewards {
			p.SetEmission(i, r, 1.0/NumRewards)
		}
		targets := reach.Reachable(i)
		for _, j := range targets {
			p.SetTransition(i, j, 1/float64(len(targets)))
		}
	}
	return p
}

// Random draws integer weights in [0,100) for every entry and normalises
// them. Transitions are drawn only over reachable successors, so the rest of
// each row stays exactly zero. A draw that is all zero falls back to uniform.
func Random(g Grid, reach Reachability, rng *rand.Rand) *Params {
	p := NewParams(g)
	n := g.Size()

	initial := drawWeights(rng, n)
	for i, w := range initial {
		p.SetInitial(i, w)
	}
	for i := 0; i < n; i++ {
		for k, w := range drawWeights(rng, NumRewards) {
			p.SetEmission(i, Rewards[k], w)
		}
		targets := reach.Reachable(i)
		for k, w := range drawWeights(rng, len(targets)) {
			p.SetTransition(i, targets[k], w)
		}
	}
	return p
}

func drawWeights(rng *rand.Rand, k int) []float64 {
	out := make([]float64, k)
	var total float64
	for i := range out {
		out[i] = float64(rng.Intn(100))
		total += out[i]
	}
	for i := range out {
		if total == 0 {
			out[i] = 1 / float64(k)
			continue
		}
		out[i] /= total
	}
	return out
}
