package hmm

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"gridhmm/internal/episode"
	"gridhmm/internal/grid"
)

var ErrHiddenMove = errors.New("counting needs every move to carry its cell")

// CountSummary describes the data behind a counted estimate. Cells listed in
// Unvisited never appear, so their emission and transition rows stay zero;
// cells in Terminal appear only as the last move of an episode, so their
// transition rows stay zero.
type CountSummary struct {
	Episodes  int
	Moves     int
	Unvisited []grid.Cell
	Terminal  []grid.Cell
}

// Count estimates parameters directly from fully observed episodes in a
// single pass. Every move contributes its emission, every episode its first
// cell, and every consecutive pair one transition. Counts are normalised
// once at the end; entries never observed are zero.
func Count(g grid.Grid, episodes []episode.Episode) (*grid.Params, CountSummary, error) {
	if len(episodes) == 0 {
		return nil, CountSummary{}, ErrNoEpisodes
	}
	n := g.Size()
	initial := make([]float64, n)
	emission := make([]float64, n*grid.NumRewards)
	transition := make([]float64, n*n)
	summary := CountSummary{Episodes: len(episodes)}

	for e, ep := range episodes {
		prev := -1
		for t, m := range ep.Moves {
			cell, ok := m.Cell()
			if !ok {
				return nil, CountSummary{}, fmt.Errorf("episode %d move %d: %w", e+1, t+1, ErrHiddenMove)
			}
			i := g.Index(cell)
			if t == 0 {
				initial[i]++
			} else {
				transition[prev*n+i]++
			}
			emission[i*grid.NumRewards+m.Reward().Index()]++
			prev = i
			summary.Moves++
		}
	}

	p := grid.NewParams(g)
	for i := 0; i < n; i++ {
		p.SetInitial(i, initial[i]/float64(len(episodes)))

		row := emission[i*grid.NumRewards : (i+1)*grid.NumRewards]
		visits := floats.Sum(row)
		if visits == 0 {
			summary.Unvisited = append(summary.Unvisited, g.Cell(i))
			continue
		}
		for _, r := range grid.Rewards {
			p.SetEmission(i, r, row[r.Index()]/visits)
		}

		out := transition[i*n : (i+1)*n]
		total := floats.Sum(out)
		if total == 0 {
			summary.Terminal = append(summary.Terminal, g.Cell(i))
			continue
		}
		for j, c := range out {
			if c > 0 {
				p.SetTransition(i, j, c/total)
			}
		}
	}
	return p, summary, nil
}
