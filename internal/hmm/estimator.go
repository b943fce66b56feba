package hmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/sourcegraph/conc/pool"
	"gonum.org/v1/gonum/floats"

	"gridhmm/internal/episode"
	"gridhmm/internal/grid"
	"gridhmm/internal/logging"
	"gridhmm/internal/topology"
)

const (
	DefaultThreshold     = 0.01
	DefaultMaxIterations = 10000
)

var (
	ErrNoEpisodes     = errors.New("no episodes to estimate from")
	ErrDiverged       = errors.New("log likelihood became undefined")
	ErrIterationLimit = errors.New("iteration limit reached before convergence")
)

type Status int

const (
	Running Status = iota
	Converged
	Diverged
	Exhausted
)

func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case Converged:
		return "converged"
	case Diverged:
		return "diverged"
	case Exhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Iteration is one likelihood evaluation of the driver loop.
type Iteration struct {
	Index         int     `json:"index"`
	LogLikelihood float64 `json:"log_likelihood"`
	Delta         float64 `json:"delta"`
}

type Config struct {
	Topology topology.Topology
	// Threshold is the absolute log-likelihood change that ends the loop.
	Threshold     float64
	MaxIterations int
	// Workers > 1 runs episodes concurrently.
	Workers  int
	Logger   *slog.Logger
	Observer func(Iteration)
}

// Result is the terminal state of one estimation. Params is set only when
// Status is Converged.
type Result struct {
	Status  Status
	Params  *grid.Params
	History []Iteration
	Elapsed time.Duration
}

func (r Result) Iterations() int { return len(r.History) }

func (r Result) LogLikelihood() float64 {
	if len(r.History) == 0 {
		return math.NaN()
	}
	return r.History[len(r.History)-1].LogLikelihood
}

// Estimator runs Baum-Welch over a fixed set of episodes.
type Estimator struct {
	cfg      Config
	episodes []episode.Episode
	logger   *slog.Logger
}

func NewEstimator(episodes []episode.Episode, cfg Config) (*Estimator, error) {
	if cfg.Topology == nil {
		return nil, errors.New("estimator topology is required")
	}
	if len(episodes) == 0 {
		return nil, ErrNoEpisodes
	}
	for i, ep := range episodes {
		if ep.Len() == 0 {
			return nil, fmt.Errorf("episode %d is empty", i)
		}
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Estimator{cfg: cfg, episodes: episodes, logger: logger}, nil
}

// Run iterates from initial until the log likelihood settles, becomes
// undefined or the iteration cap is hit. initial is never modified.
func (e *Estimator) Run(ctx context.Context, initial *grid.Params) (Result, error) {
	start := time.Now()
	result := Result{Status: Running}
	finish := func(status Status) Result {
		result.Status = status
		result.Elapsed = time.Since(start)
		return result
	}

	active := initial
	prev := 0.0
	for index := 1; ; index++ {
		if err := ctx.Err(); err != nil {
			return finish(Running), err
		}
		if index > e.cfg.MaxIterations {
			e.logger.Warn("estimation exhausted", "iterations", e.cfg.MaxIterations)
			return finish(Exhausted), fmt.Errorf("%w: %d iterations", ErrIterationLimit, e.cfg.MaxIterations)
		}

		lattices, err := e.forwardBackward(ctx, active)
		if err != nil {
			return finish(Running), err
		}
		ll := logLikelihood(lattices)
		it := Iteration{Index: index, LogLikelihood: ll, Delta: ll - prev}
		result.History = append(result.History, it)
		e.logger.Debug("em iteration", "iteration", it.Index, "log_likelihood", it.LogLikelihood, "delta", it.Delta)
		if e.cfg.Observer != nil {
			e.cfg.Observer(it)
		}

		if math.IsNaN(ll) || math.IsInf(ll, 0) {
			e.logger.Warn("estimation diverged", "iteration", index)
			return finish(Diverged), ErrDiverged
		}
		if math.Abs(ll-prev) < e.cfg.Threshold {
			result.Params = active
			out := finish(Converged)
			e.logger.Info("estimation converged", "iterations", index, "log_likelihood", ll, "elapsed", out.Elapsed)
			return out, nil
		}

		stats, err := e.accumulate(ctx, lattices)
		if err != nil {
			return finish(Running), err
		}
		active = stats.Reestimate(active, e.cfg.Topology)
		prev = ll
	}
}

// Improve runs one expectation-maximisation pass from p and returns the new
// snapshot together with the log likelihood of p.
func (e *Estimator) Improve(ctx context.Context, p *grid.Params) (*grid.Params, float64, error) {
	lattices, err := e.forwardBackward(ctx, p)
	if err != nil {
		return nil, 0, err
	}
	stats, err := e.accumulate(ctx, lattices)
	if err != nil {
		return nil, 0, err
	}
	return stats.Reestimate(p, e.cfg.Topology), logLikelihood(lattices), nil
}

func (e *Estimator) forwardBackward(ctx context.Context, p *grid.Params) ([]*Lattice, error) {
	lattices := make([]*Lattice, len(e.episodes))
	err := e.eachChunk(ctx, func(_ int, lo, hi int) {
		for i := lo; i < hi; i++ {
			lattices[i] = ForwardBackward(p, e.cfg.Topology, e.episodes[i])
		}
	})
	if err != nil {
		return nil, err
	}
	return lattices, nil
}

func (e *Estimator) accumulate(ctx context.Context, lattices []*Lattice) (*Statistics, error) {
	n := e.cfg.Topology.Grid().Size()
	bounds := chunks(len(lattices), e.cfg.Workers)
	partials := make([]*Statistics, len(bounds))
	err := e.eachChunk(ctx, func(c int, lo, hi int) {
		st := NewStatistics(n)
		for i := lo; i < hi; i++ {
			st.Add(lattices[i])
		}
		partials[c] = st
	})
	if err != nil {
		return nil, err
	}
	total := partials[0]
	for _, st := range partials[1:] {
		total.Merge(st)
	}
	return total, nil
}

// eachChunk splits the episodes into contiguous chunks, one per worker, and
// runs fn on each. Chunk c only writes state owned by chunk c.
func (e *Estimator) eachChunk(ctx context.Context, fn func(c, lo, hi int)) error {
	bounds := chunks(len(e.episodes), e.cfg.Workers)
	if len(bounds) == 1 {
		fn(0, bounds[0][0], bounds[0][1])
		return ctx.Err()
	}
	p := pool.New().WithContext(ctx).WithMaxGoroutines(len(bounds))
	for c, b := range bounds {
		p.Go(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			fn(c, b[0], b[1])
			return nil
		})
	}
	return p.Wait()
}

func chunks(total, workers int) [][2]int {
	if workers > total {
		workers = total
	}
	if workers < 1 {
		workers = 1
	}
	out := make([][2]int, 0, workers)
	size := total / workers
	extra := total % workers
	lo := 0
	for c := 0; c < workers; c++ {
		hi := lo + size
		if c < extra {
			hi++
		}
		out = append(out, [2]int{lo, hi})
		lo = hi
	}
	return out
}

func logLikelihood(lattices []*Lattice) float64 {
	logs := make([]float64, len(lattices))
	for i, l := range lattices {
		logs[i] = math.Log(l.Likelihood())
	}
	return floats.Sum(logs)
}
