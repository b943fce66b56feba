package topology

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"gridhmm/internal/grid"
)

// Wall separates two orthogonally adjacent cells.
type Wall struct {
	A grid.Cell `json:"a"`
	B grid.Cell `json:"b"`
}

func (w Wall) String() string {
	return fmt.Sprintf("%d,%d-%d,%d", w.A.Row, w.A.Col, w.B.Row, w.B.Col)
}

// DefaultWalls is the six-wall layout used on the 4x4 maze.
func DefaultWalls() []Wall {
	return []Wall{
		{A: grid.Cell{Row: 0, Col: 2}, B: grid.Cell{Row: 1, Col: 2}},
		{A: grid.Cell{Row: 0, Col: 1}, B: grid.Cell{Row: 1, Col: 1}},
		{A: grid.Cell{Row: 1, Col: 3}, B: grid.Cell{Row: 2, Col: 3}},
		{A: grid.Cell{Row: 1, Col: 2}, B: grid.Cell{Row: 2, Col: 2}},
		{A: grid.Cell{Row: 1, Col: 0}, B: grid.Cell{Row: 2, Col: 0}},
		{A: grid.Cell{Row: 3, Col: 2}, B: grid.Cell{Row: 3, Col: 1}},
	}
}

type wallKey struct{ lo, hi int }

// WallSet stores walls as unordered pairs of linear indices. The zero value
// is an empty set.
type WallSet struct {
	keys  map[wallKey]struct{}
	walls []Wall
}

func key(i, j int) wallKey {
	if i > j {
		i, j = j, i
	}
	return wallKey{lo: i, hi: j}
}

// NewWallSet validates that every wall joins two in-grid neighbours.
// Duplicates, in either orientation, collapse to one entry.
func NewWallSet(g grid.Grid, walls ...Wall) (WallSet, error) {
	set := WallSet{keys: make(map[wallKey]struct{}, len(walls))}
	var result *multierror.Error
	for _, w := range walls {
		if !g.Contains(w.A) || !g.Contains(w.B) {
			result = multierror.Append(result, fmt.Errorf("wall %s: cell outside %s grid", w, g))
			continue
		}
		if abs(w.A.Row-w.B.Row)+abs(w.A.Col-w.B.Col) != 1 {
			result = multierror.Append(result, fmt.Errorf("wall %s: cells are not adjacent", w))
			continue
		}
		k := key(g.Index(w.A), g.Index(w.B))
		if _, ok := set.keys[k]; ok {
			continue
		}
		set.keys[k] = struct{}{}
		set.walls = append(set.walls, w)
	}
	if err := result.ErrorOrNil(); err != nil {
		return WallSet{}, err
	}
	return set, nil
}

// Blocks reports whether a wall separates states i and j.
func (s WallSet) Blocks(i, j int) bool {
	_, ok := s.keys[key(i, j)]
	return ok
}

func (s WallSet) Len() int { return len(s.keys) }

func (s WallSet) Walls() []Wall {
	return append([]Wall(nil), s.walls...)
}

// ParseWall reads the "r1,c1-r2,c2" form produced by Wall.String.
func ParseWall(raw string) (Wall, error) {
	ends := strings.Split(strings.TrimSpace(raw), "-")
	if len(ends) != 2 {
		return Wall{}, fmt.Errorf("wall %q: expected r1,c1-r2,c2", raw)
	}
	a, err := parseCell(ends[0])
	if err != nil {
		return Wall{}, fmt.Errorf("wall %q: %w", raw, err)
	}
	b, err := parseCell(ends[1])
	if err != nil {
		return Wall{}, fmt.Errorf("wall %q: %w", raw, err)
	}
	return Wall{A: a, B: b}, nil
}

// ParseWalls parses each entry and collects every failure.
func ParseWalls(raw []string) ([]Wall, error) {
	var result *multierror.Error
	out := make([]Wall, 0, len(raw))
	for _, item := range raw {
		if strings.TrimSpace(item) == "" {
			continue
		}
		w, err := ParseWall(item)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		out = append(out, w)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseCell(raw string) (grid.Cell, error) {
	parts := strings.Split(strings.TrimSpace(raw), ",")
	if len(parts) != 2 {
		return grid.Cell{}, fmt.Errorf("cell %q: expected row,col", raw)
	}
	row, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return grid.Cell{}, fmt.Errorf("cell %q: %w", raw, err)
	}
	col, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return grid.Cell{}, fmt.Errorf("cell %q: %w", raw, err)
	}
	return grid.Cell{Row: row, Col: col}, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
