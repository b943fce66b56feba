package episode

import "gridhmm/internal/grid"

// Move is one step of an episode: the reward is always visible, the cell
// only when the state sequence was recorded.
type Move struct {
	reward   grid.Reward
	cell     grid.Cell
	observed bool
}

func Observed(c grid.Cell, r grid.Reward) Move {
	return Move{reward: r, cell: c, observed: true}
}

func Hidden(r grid.Reward) Move {
	return Move{reward: r}
}

func (m Move) Reward() grid.Reward { return m.reward }

func (m Move) Cell() (grid.Cell, bool) {
	return m.cell, m.observed
}

// Episode is an ordered, non-empty run of moves.
type Episode struct {
	Moves []Move
}

func (e Episode) Len() int { return len(e.Moves) }

func (e Episode) Rewards() []grid.Reward {
	out := make([]grid.Reward, len(e.Moves))
	for i, m := range e.Moves {
		out[i] = m.reward
	}
	return out
}

// FullyObserved reports whether every move carries its cell.
func (e Episode) FullyObserved() bool {
	for _, m := range e.Moves {
		if !m.observed {
			return false
		}
	}
	return true
}

// TotalMoves counts moves across episodes.
func TotalMoves(episodes []Episode) int {
	total := 0
	for _, e := range episodes {
		total += e.Len()
	}
	return total
}
