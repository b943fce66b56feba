package episode

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"gridhmm/internal/grid"
)

var ErrMalformed = errors.New("malformed move")

var (
	observedLine = regexp.MustCompile(`^\(\s*(\d+)\s*,\s*(\d+)\s*\)\s+(-?\d+)$`)
	hiddenLine   = regexp.MustCompile(`^(-?\d+)$`)
)

// Parse reads episodes separated by blank lines. Each line is either
// "(row,col) reward" or a bare reward. Every malformed line is reported and
// no episodes are returned if any line fails.
func Parse(r io.Reader, g grid.Grid) ([]Episode, error) {
	var (
		episodes []Episode
		current  []Move
		result   *multierror.Error
	)
	flush := func() {
		if len(current) > 0 {
			episodes = append(episodes, Episode{Moves: current})
			current = nil
		}
	}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			flush()
			continue
		}
		move, err := parseMove(line, g)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("line %d: %w", lineNo, err))
			continue
		}
		current = append(current, move)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read episodes: %w", err)
	}
	flush()

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return episodes, nil
}

// ReadFile parses the episode file at path.
func ReadFile(path string, g grid.Grid) ([]Episode, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	episodes, err := Parse(f, g)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return episodes, nil
}

func parseMove(line string, g grid.Grid) (Move, error) {
	if m := observedLine.FindStringSubmatch(line); m != nil {
		row, err := strconv.Atoi(m[1])
		if err != nil {
			return Move{}, fmt.Errorf("%w: row %s: %v", ErrMalformed, m[1], err)
		}
		col, err := strconv.Atoi(m[2])
		if err != nil {
			return Move{}, fmt.Errorf("%w: column %s: %v", ErrMalformed, m[2], err)
		}
		cell := grid.Cell{Row: row, Col: col}
		if !g.Contains(cell) {
			return Move{}, fmt.Errorf("%w: cell %s outside %s grid", ErrMalformed, cell, g)
		}
		r, err := parseReward(m[3])
		if err != nil {
			return Move{}, err
		}
		return Observed(cell, r), nil
	}
	if m := hiddenLine.FindStringSubmatch(line); m != nil {
		r, err := parseReward(m[1])
		if err != nil {
			return Move{}, err
		}
		return Hidden(r), nil
	}
	return Move{}, fmt.Errorf("%w: %q", ErrMalformed, line)
}

func parseReward(raw string) (grid.Reward, error) {
	v, err := strconv.Atoi(raw)
	if err != nil || !grid.Reward(v).Valid() {
		return 0, fmt.Errorf("%w: reward %s not in {-1,0,1}", ErrMalformed, raw)
	}
	return grid.Reward(v), nil
}
