package grid

import (
	"errors"
	"fmt"
)

var ErrInvalidDimensions = errors.New("grid dimensions must be positive")

// Cell is a grid coordinate. Rows and columns are zero based.
type Cell struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

func (c Cell) String() string {
	return fmt.Sprintf("(%d,%d)", c.Row, c.Col)
}

// Grid is a rectangular state space. Cell (r, c) has linear index r*cols+c,
// and every table in Params is addressed by that index.
type Grid struct {
	rows int
	cols int
}

func New(rows, cols int) (Grid, error) {
	if rows <= 0 || cols <= 0 {
		return Grid{}, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, rows, cols)
	}
	return Grid{rows: rows, cols: cols}, nil
}

func (g Grid) Rows() int { return g.rows }
func (g Grid) Cols() int { return g.cols }
func (g Grid) Size() int { return g.rows * g.cols }

func (g Grid) Contains(c Cell) bool {
	return c.Row >= 0 && c.Row < g.rows && c.Col >= 0 && c.Col < g.cols
}

func (g Grid) Index(c Cell) int {
	return c.Row*g.cols + c.Col
}

func (g Grid) Cell(i int) Cell {
	return Cell{Row: i / g.cols, Col: i % g.cols}
}

// Cells lists every cell in row-major order.
func (g Grid) Cells() []Cell {
	out := make([]Cell, 0, g.Size())
	for i := 0; i < g.Size(); i++ {
		out = append(out, g.Cell(i))
	}
	return out
}

func (g Grid) String() string {
	return fmt.Sprintf("%dx%d", g.rows, g.cols)
}

// Reward is the visible observation attached to every move.
type Reward int

const (
	RewardNegative Reward = -1
	RewardNone     Reward = 0
	RewardPositive Reward = 1
)

// NumRewards is the width of an emission row.
const NumRewards = 3

// Rewards lists the reward alphabet in emission column order.
var Rewards = [NumRewards]Reward{RewardNegative, RewardNone, RewardPositive}

func (r Reward) Valid() bool {
	return r >= RewardNegative && r <= RewardPositive
}

// Index is the emission column of r.
func (r Reward) Index() int {
	return int(r) + 1
}
