package topology

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"

	"gridhmm/internal/grid"
)

const (
	FullName      = "full"
	AdjacencyName = "adjacency"
)

// Topology fixes which transitions the engine may iterate. Reachable and
// Predecessors return shared slices that callers must not modify.
type Topology interface {
	Name() string
	Grid() grid.Grid
	// Reachable lists the successors of state i in ascending order.
	Reachable(i int) []int
	// Predecessors lists the states that may move into state i.
	Predecessors(i int) []int
}

// Full allows every state to move to every state, itself included.
type Full struct {
	g   grid.Grid
	all []int
}

func NewFull(g grid.Grid) *Full {
	all := make([]int, g.Size())
	for i := range all {
		all[i] = i
	}
	return &Full{g: g, all: all}
}

func (f *Full) Name() string           { return FullName }
func (f *Full) Grid() grid.Grid        { return f.g }
func (f *Full) Reachable(int) []int    { return f.all }
func (f *Full) Predecessors(int) []int { return f.all }

// Adjacency allows moves to the four orthogonal neighbours that are not
// separated by a wall. Walls block both directions, so the relation is
// symmetric and predecessors equal successors.
type Adjacency struct {
	g         grid.Grid
	walls     WallSet
	neighbors [][]int
}

func NewAdjacency(g grid.Grid, walls WallSet) *Adjacency {
	a := &Adjacency{g: g, walls: walls, neighbors: make([][]int, g.Size())}
	for i := range a.neighbors {
		c := g.Cell(i)
		var out []int
		for _, step := range [][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
			next := grid.Cell{Row: c.Row + step[0], Col: c.Col + step[1]}
			if !g.Contains(next) {
				continue
			}
			j := g.Index(next)
			if walls.Blocks(i, j) {
				continue
			}
			out = append(out, j)
		}
		sort.Ints(out)
		a.neighbors[i] = out
	}
	return a
}

func (a *Adjacency) Name() string             { return AdjacencyName }
func (a *Adjacency) Grid() grid.Grid          { return a.g }
func (a *Adjacency) Walls() WallSet           { return a.walls }
func (a *Adjacency) Reachable(i int) []int    { return a.neighbors[i] }
func (a *Adjacency) Predecessors(i int) []int { return a.neighbors[i] }

// Isolated lists the cells with no open neighbour. An episode can never
// leave such a cell, so any episode of two or more moves scores zero.
func (a *Adjacency) Isolated() []grid.Cell {
	var cells []grid.Cell
	for i, out := range a.neighbors {
		if len(out) == 0 {
			cells = append(cells, a.g.Cell(i))
		}
	}
	return cells
}

// New builds a topology by name. Walls only apply to adjacency, and an
// adjacency topology must leave every cell at least one open neighbour.
func New(name string, g grid.Grid, walls WallSet) (Topology, error) {
	switch name {
	case "", FullName:
		if walls.Len() > 0 {
			return nil, fmt.Errorf("walls require the %s topology", AdjacencyName)
		}
		return NewFull(g), nil
	case AdjacencyName:
		adj := NewAdjacency(g, walls)
		var result *multierror.Error
		for _, c := range adj.Isolated() {
			result = multierror.Append(result, fmt.Errorf("cell %s has no open neighbour", c))
		}
		if err := result.ErrorOrNil(); err != nil {
			return nil, err
		}
		return adj, nil
	default:
		return nil, fmt.Errorf("unsupported topology: %s", name)
	}
}
