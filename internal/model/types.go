package model

import (
	"fmt"
	"math"

	"gridhmm/internal/grid"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Estimate is the published parameter set of a finished run.
type Estimate struct {
	VersionedRecord
	RunID         string           `json:"run_id"`
	Mode          string           `json:"mode"`
	Rows          int              `json:"rows"`
	Cols          int              `json:"cols"`
	Topology      string           `json:"topology"`
	Walls         []string         `json:"walls,omitempty"`
	Restart       int              `json:"restart,omitempty"`
	LogLikelihood float64          `json:"log_likelihood"`
	Iterations    int              `json:"iterations"`
	Cells         []CellParameters `json:"cells"`
}

// CellParameters holds the rows of one state. Emission is ordered by reward
// -1, 0, 1; only non-zero transitions are listed.
type CellParameters struct {
	Row         int          `json:"row"`
	Col         int          `json:"col"`
	Initial     float64      `json:"initial"`
	Emission    []float64    `json:"emission"`
	Transitions []Transition `json:"transitions,omitempty"`
}

type Transition struct {
	Row         int     `json:"row"`
	Col         int     `json:"col"`
	Probability float64 `json:"probability"`
}

// RestartRecord summarises one EM restart. History holds the defined prefix
// of the likelihood trace; a diverged restart ends before its undefined
// value.
type RestartRecord struct {
	VersionedRecord
	Restart    int       `json:"restart"`
	Seed       int64     `json:"seed"`
	Status     string    `json:"status"`
	Iterations int       `json:"iterations"`
	ElapsedMS  int64     `json:"elapsed_ms"`
	History    []float64 `json:"history"`
}

// CellsFromParams flattens a snapshot in row-major order.
func CellsFromParams(p *grid.Params) []CellParameters {
	g := p.Grid()
	out := make([]CellParameters, 0, g.Size())
	for i, cell := range g.Cells() {
		cp := CellParameters{
			Row:      cell.Row,
			Col:      cell.Col,
			Initial:  p.Initial(i),
			Emission: append([]float64(nil), p.EmissionRow(i)...),
		}
		for j, v := range p.TransitionRow(i) {
			if v == 0 {
				continue
			}
			to := g.Cell(j)
			cp.Transitions = append(cp.Transitions, Transition{Row: to.Row, Col: to.Col, Probability: v})
		}
		out = append(out, cp)
	}
	return out
}

// ParamsFromCells rebuilds a snapshot for g.
func ParamsFromCells(g grid.Grid, cells []CellParameters) (*grid.Params, error) {
	p := grid.NewParams(g)
	for _, cp := range cells {
		from := grid.Cell{Row: cp.Row, Col: cp.Col}
		if !g.Contains(from) {
			return nil, fmt.Errorf("cell %s outside %s grid", from, g)
		}
		if len(cp.Emission) != grid.NumRewards {
			return nil, fmt.Errorf("cell %s: expected %d emission entries, got %d", from, grid.NumRewards, len(cp.Emission))
		}
		i := g.Index(from)
		p.SetInitial(i, cp.Initial)
		for k, v := range cp.Emission {
			p.SetEmission(i, grid.Rewards[k], v)
		}
		for _, tr := range cp.Transitions {
			to := grid.Cell{Row: tr.Row, Col: tr.Col}
			if !g.Contains(to) {
				return nil, fmt.Errorf("transition %s -> %s outside %s grid", from, to, g)
			}
			p.SetTransition(i, g.Index(to), tr.Probability)
		}
	}
	return p, nil
}

// DefinedPrefix truncates values at the first NaN or infinity.
func DefinedPrefix(values []float64) []float64 {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return append([]float64(nil), values[:i]...)
		}
	}
	return append([]float64(nil), values...)
}
