// Package platform runs counting and Baum-Welch estimation jobs against a run
// store. StopRun and ActiveRuns let a long-lived caller driving several runs
// cancel one by id; gridhmmctl runs one job per process and cancels through
// its context instead.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"

	"gridhmm/internal/episode"
	"gridhmm/internal/grid"
	"gridhmm/internal/hmm"
	"gridhmm/internal/logging"
	"gridhmm/internal/metrics"
	"gridhmm/internal/model"
	"gridhmm/internal/storage"
	"gridhmm/internal/topology"
)

const (
	InitUniform = "uniform"
	InitRandom  = "random"
	InitWalls   = "walls"

	ModeEstimate = "estimate"
	ModeCount    = "count"
)

var ErrNoConvergedRestart = errors.New("no restart converged")

type Config struct {
	Store   storage.Store
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

type EstimationConfig struct {
	RunID         string
	Topology      topology.Topology
	Episodes      []episode.Episode
	Init          string
	Restarts      int
	Seed          int64
	Threshold     float64
	MaxIterations int
	Workers       int

	OnRestart   func(restart, total int)
	OnIteration func(restart int, it hmm.Iteration)
	OnOutcome   func(restart int, result hmm.Result)
}

type RestartOutcome struct {
	Restart int
	Seed    int64
	Result  hmm.Result
	Err     error
}

// EstimationResult lists every restart. Best is the converged restart with
// the highest final log likelihood, or nil.
type EstimationResult struct {
	RunID    string
	Restarts []RestartOutcome
	Best     *RestartOutcome
}

func (r EstimationResult) Converged() int {
	n := 0
	for _, o := range r.Restarts {
		if o.Result.Status == hmm.Converged {
			n++
		}
	}
	return n
}

type CountConfig struct {
	RunID    string
	Grid     grid.Grid
	Episodes []episode.Episode
}

type CountResult struct {
	Params  *grid.Params
	Summary hmm.CountSummary
}

// Lab owns the run store and the cancel functions of active runs.
type Lab struct {
	store   storage.Store
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu      sync.RWMutex
	started bool
	runs    map[string]context.CancelFunc
}

func NewLab(cfg Config) *Lab {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Lab{
		store:   cfg.Store,
		logger:  logger,
		metrics: cfg.Metrics,
		runs:    make(map[string]context.CancelFunc),
	}
}

func (l *Lab) Init(ctx context.Context) error {
	if l.store == nil {
		return fmt.Errorf("store is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}
	if err := l.store.Init(ctx); err != nil {
		return err
	}
	l.started = true
	return nil
}

func (l *Lab) Started() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.started
}

// InitialParams builds the starting snapshot for an init mode. Random modes
// draw from seed; the walls mode is random initialisation over a walled
// adjacency topology.
func InitialParams(mode string, topo topology.Topology, seed int64) (*grid.Params, error) {
	switch mode {
	case "", InitUniform:
		return grid.Uniform(topo.Grid(), topo), nil
	case InitRandom:
		return grid.Random(topo.Grid(), topo, rand.New(rand.NewSource(seed))), nil
	case InitWalls:
		if topo.Name() != topology.AdjacencyName {
			return nil, fmt.Errorf("init %s requires the %s topology", InitWalls, topology.AdjacencyName)
		}
		return grid.Random(topo.Grid(), topo, rand.New(rand.NewSource(seed))), nil
	default:
		return nil, fmt.Errorf("unsupported init mode: %s", mode)
	}
}

// RunEstimation runs Baum-Welch once per restart, seeding restart i with
// Seed+i-1, and persists the restart summaries plus the best converged
// estimate. When no restart converges the summaries are still stored and
// ErrNoConvergedRestart is returned with the result.
func (l *Lab) RunEstimation(ctx context.Context, cfg EstimationConfig) (EstimationResult, error) {
	if cfg.RunID == "" {
		return EstimationResult{}, fmt.Errorf("run id is required")
	}
	if cfg.Topology == nil {
		return EstimationResult{}, fmt.Errorf("topology is required")
	}
	if cfg.Restarts <= 0 {
		cfg.Restarts = 1
	}
	if _, err := InitialParams(cfg.Init, cfg.Topology, cfg.Seed); err != nil {
		return EstimationResult{}, err
	}

	ctx, err := l.registerRun(ctx, cfg.RunID)
	if err != nil {
		return EstimationResult{}, err
	}
	defer l.unregisterRun(cfg.RunID)

	topoName := cfg.Topology.Name()
	logger := l.logger.With("run_id", cfg.RunID, "topology", topoName)
	result := EstimationResult{RunID: cfg.RunID}
	for restart := 1; restart <= cfg.Restarts; restart++ {
		seed := cfg.Seed + int64(restart-1)
		if cfg.OnRestart != nil {
			cfg.OnRestart(restart, cfg.Restarts)
		}

		estimator, err := hmm.NewEstimator(cfg.Episodes, hmm.Config{
			Topology:      cfg.Topology,
			Threshold:     cfg.Threshold,
			MaxIterations: cfg.MaxIterations,
			Workers:       cfg.Workers,
			Logger:        logger.With("restart", restart),
			Observer: func(it hmm.Iteration) {
				if l.metrics != nil {
					l.metrics.ObserveIteration(topoName, it.LogLikelihood)
				}
				if cfg.OnIteration != nil {
					cfg.OnIteration(restart, it)
				}
			},
		})
		if err != nil {
			return EstimationResult{}, err
		}
		initial, err := InitialParams(cfg.Init, cfg.Topology, seed)
		if err != nil {
			return EstimationResult{}, err
		}

		run, runErr := estimator.Run(ctx, initial)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		outcome := RestartOutcome{Restart: restart, Seed: seed, Result: run, Err: runErr}
		result.Restarts = append(result.Restarts, outcome)
		if l.metrics != nil {
			l.metrics.ObserveOutcome(topoName, run.Status.String(), run.Elapsed)
		}
		if cfg.OnOutcome != nil {
			cfg.OnOutcome(restart, run)
		}
	}

	result.Best = bestRestart(result.Restarts)
	if err := l.persistEstimation(ctx, cfg, result); err != nil {
		return result, err
	}
	if result.Best == nil {
		return result, fmt.Errorf("%w: %d restarts", ErrNoConvergedRestart, cfg.Restarts)
	}
	return result, nil
}

func bestRestart(outcomes []RestartOutcome) *RestartOutcome {
	var best *RestartOutcome
	for i := range outcomes {
		o := &outcomes[i]
		if o.Result.Status != hmm.Converged {
			continue
		}
		if best == nil || o.Result.LogLikelihood() > best.Result.LogLikelihood() {
			best = o
		}
	}
	return best
}

func (l *Lab) persistEstimation(ctx context.Context, cfg EstimationConfig, result EstimationResult) error {
	if err := l.store.SaveRestarts(ctx, cfg.RunID, RestartRecords(result.Restarts)); err != nil {
		return fmt.Errorf("save restarts: %w", err)
	}
	if result.Best == nil {
		return nil
	}
	best := result.Best.Result
	g := cfg.Topology.Grid()
	estimate := model.Estimate{
		VersionedRecord: storage.Versioned(),
		RunID:           cfg.RunID,
		Mode:            ModeEstimate,
		Rows:            g.Rows(),
		Cols:            g.Cols(),
		Topology:        cfg.Topology.Name(),
		Walls:           WallStrings(cfg.Topology),
		Restart:         result.Best.Restart,
		LogLikelihood:   best.LogLikelihood(),
		Iterations:      best.Iterations(),
		Cells:           model.CellsFromParams(best.Params),
	}
	if err := l.store.SaveEstimate(ctx, estimate); err != nil {
		return fmt.Errorf("save estimate: %w", err)
	}
	if err := l.store.SaveLikelihoodHistory(ctx, cfg.RunID, likelihoods(best.History)); err != nil {
		return fmt.Errorf("save likelihood history: %w", err)
	}
	return nil
}

// RunCount estimates parameters by frequency counting and persists them.
func (l *Lab) RunCount(ctx context.Context, cfg CountConfig) (CountResult, error) {
	if cfg.RunID == "" {
		return CountResult{}, fmt.Errorf("run id is required")
	}
	if !l.Started() {
		return CountResult{}, fmt.Errorf("lab is not initialized")
	}
	params, summary, err := hmm.Count(cfg.Grid, cfg.Episodes)
	if err != nil {
		return CountResult{}, err
	}
	estimate := model.Estimate{
		VersionedRecord: storage.Versioned(),
		RunID:           cfg.RunID,
		Mode:            ModeCount,
		Rows:            cfg.Grid.Rows(),
		Cols:            cfg.Grid.Cols(),
		Topology:        topology.FullName,
		Cells:           model.CellsFromParams(params),
	}
	if err := l.store.SaveEstimate(ctx, estimate); err != nil {
		return CountResult{}, fmt.Errorf("save estimate: %w", err)
	}
	l.logger.Info("counted parameters", "run_id", cfg.RunID, "episodes", summary.Episodes, "moves", summary.Moves, "unvisited", len(summary.Unvisited))
	return CountResult{Params: params, Summary: summary}, nil
}

// StopRun cancels an active run. The run returns context.Canceled.
func (l *Lab) StopRun(runID string) error {
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	l.mu.RLock()
	cancel, ok := l.runs[runID]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("run not active: %s", runID)
	}
	cancel()
	return nil
}

func (l *Lab) ActiveRuns() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.runs))
	for id := range l.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l *Lab) registerRun(ctx context.Context, runID string) (context.Context, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return nil, fmt.Errorf("lab is not initialized")
	}
	if _, exists := l.runs[runID]; exists {
		return nil, fmt.Errorf("run already active: %s", runID)
	}
	ctx, cancel := context.WithCancel(ctx)
	l.runs[runID] = cancel
	return ctx, nil
}

func (l *Lab) unregisterRun(runID string) {
	l.mu.Lock()
	cancel, ok := l.runs[runID]
	delete(l.runs, runID)
	l.mu.Unlock()
	if ok {
		cancel()
	}
}

// RestartRecords converts outcomes to their persisted form.
func RestartRecords(outcomes []RestartOutcome) []model.RestartRecord {
	out := make([]model.RestartRecord, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, model.RestartRecord{
			VersionedRecord: storage.Versioned(),
			Restart:         o.Restart,
			Seed:            o.Seed,
			Status:          o.Result.Status.String(),
			Iterations:      o.Result.Iterations(),
			ElapsedMS:       o.Result.Elapsed.Milliseconds(),
			History:         model.DefinedPrefix(likelihoods(o.Result.History)),
		})
	}
	return out
}

// WallStrings lists the walls of an adjacency topology in r1,c1-r2,c2 form.
func WallStrings(topo topology.Topology) []string {
	adj, ok := topo.(*topology.Adjacency)
	if !ok {
		return nil
	}
	walls := adj.Walls().Walls()
	if len(walls) == 0 {
		return nil
	}
	out := make([]string, len(walls))
	for i, w := range walls {
		out[i] = w.String()
	}
	return out
}

func likelihoods(history []hmm.Iteration) []float64 {
	out := make([]float64, len(history))
	for i, it := range history {
		out[i] = it.LogLikelihood
	}
	return out
}
