// Package gridhmm is the programmatic entry point used by gridhmmctl: it
// parses episode files, runs counting or Baum-Welch estimation through the
// lab, and keeps the on-disk run artifacts in step with the store.
package gridhmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"gridhmm/internal/episode"
	"gridhmm/internal/grid"
	"gridhmm/internal/hmm"
	"gridhmm/internal/logging"
	"gridhmm/internal/metrics"
	"gridhmm/internal/model"
	"gridhmm/internal/platform"
	"gridhmm/internal/stats"
	"gridhmm/internal/storage"
	"gridhmm/internal/topology"
)

const (
	defaultRunsDir    = "runs"
	defaultExportsDir = "exports"
	defaultDBPath     = "gridhmm.db"
)

// Progress receives estimation events as they happen. Any field may be nil.
type Progress struct {
	Restart   func(restart, total int)
	Iteration func(restart int, it hmm.Iteration)
	Outcome   func(restart int, result hmm.Result)
}

type Options struct {
	StoreKind  string
	DBPath     string
	RunsDir    string
	ExportsDir string
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	Progress   Progress
}

type Client struct {
	store    storage.Store
	lab      *platform.Lab
	logger   *slog.Logger
	metrics  *metrics.Recorder
	progress Progress
	validate *validator.Validate

	runsDir    string
	exportsDir string
}

type EstimateRequest struct {
	RunID         string   `mapstructure:"run_id"`
	EpisodesPath  string   `mapstructure:"episodes" validate:"required"`
	Rows          int      `mapstructure:"rows" validate:"gt=0"`
	Cols          int      `mapstructure:"cols" validate:"gt=0"`
	Topology      string   `mapstructure:"topology" validate:"omitempty,oneof=full adjacency"`
	Init          string   `mapstructure:"init" validate:"omitempty,oneof=uniform random walls"`
	Walls         []string `mapstructure:"walls" validate:"dive,required"`
	Restarts      int      `mapstructure:"restarts" validate:"gte=0"`
	Seed          int64    `mapstructure:"seed"`
	Threshold     float64  `mapstructure:"threshold" validate:"gte=0"`
	MaxIterations int      `mapstructure:"max_iterations" validate:"gte=0"`
	Workers       int      `mapstructure:"workers" validate:"gte=0"`
}

type CountRequest struct {
	RunID        string `mapstructure:"run_id"`
	EpisodesPath string `mapstructure:"episodes" validate:"required"`
	Rows         int    `mapstructure:"rows" validate:"gt=0"`
	Cols         int    `mapstructure:"cols" validate:"gt=0"`
}

type RestartSummary struct {
	Restart       int
	Seed          int64
	Status        string
	Iterations    int
	LogLikelihood float64
	Elapsed       time.Duration
}

type EstimateSummary struct {
	RunID         string
	ArtifactsDir  string
	Episodes      int
	Moves         int
	Restarts      []RestartSummary
	Selected      int
	LogLikelihood float64
	// Params is nil when no restart converged.
	Params *grid.Params
}

type CountSummary struct {
	RunID        string
	ArtifactsDir string
	Params       *grid.Params
	Summary      hmm.CountSummary
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID              string
	CreatedAtUTC       string
	Mode               string
	Topology           string
	Init               string
	Rows               int
	Cols               int
	Restarts           int
	Converged          int
	Status             string
	FinalLogLikelihood float64
}

type RunRef struct {
	RunID  string
	Latest bool
}

type ParametersResult struct {
	RunID    string
	Estimate model.Estimate
	Params   *grid.Params
}

type LikelihoodRequest struct {
	RunRef
	Limit int
}

type ExportRequest struct {
	RunRef
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

// PlotRequest renders the likelihood traces of a run. The format follows
// the extension of Out: .html for an interactive chart, anything gonum/plot
// understands (png, svg, pdf) otherwise.
type PlotRequest struct {
	RunRef
	Out string
}

type PlotSummary struct {
	RunID string
	Path  string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:      store,
		logger:     logger,
		metrics:    opts.Metrics,
		progress:   opts.Progress,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		runsDir:    runsDir,
		exportsDir: exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	_, err := c.ensureLab(ctx)
	return err
}

// Normalize fills defaults and resolves the init mode against topology and
// walls: walls init implies the adjacency topology and the default wall
// layout when none is given, and uniform init has a single restart.
func (r EstimateRequest) Normalize() (EstimateRequest, error) {
	if r.Init == "" {
		r.Init = platform.InitUniform
	}
	switch r.Init {
	case platform.InitWalls:
		if r.Topology == "" {
			r.Topology = topology.AdjacencyName
		}
		if r.Topology != topology.AdjacencyName {
			return r, fmt.Errorf("init %s requires topology %s", platform.InitWalls, topology.AdjacencyName)
		}
		if len(r.Walls) == 0 {
			for _, w := range topology.DefaultWalls() {
				r.Walls = append(r.Walls, w.String())
			}
		}
	case platform.InitUniform:
		r.Restarts = 1
	}
	if r.Topology == "" {
		r.Topology = topology.FullName
	}
	if r.Restarts <= 0 {
		r.Restarts = 1
	}
	if r.Threshold == 0 {
		r.Threshold = hmm.DefaultThreshold
	}
	if r.MaxIterations == 0 {
		r.MaxIterations = hmm.DefaultMaxIterations
	}
	if r.Workers == 0 {
		r.Workers = 1
	}
	return r, nil
}

func (c *Client) Estimate(ctx context.Context, req EstimateRequest) (EstimateSummary, error) {
	if err := c.validate.Struct(req); err != nil {
		return EstimateSummary{}, fmt.Errorf("invalid estimate request: %w", err)
	}
	req, err := req.Normalize()
	if err != nil {
		return EstimateSummary{}, err
	}
	lab, err := c.ensureLab(ctx)
	if err != nil {
		return EstimateSummary{}, err
	}

	g, err := grid.New(req.Rows, req.Cols)
	if err != nil {
		return EstimateSummary{}, err
	}
	walls, err := topology.ParseWalls(req.Walls)
	if err != nil {
		return EstimateSummary{}, err
	}
	wallSet, err := topology.NewWallSet(g, walls...)
	if err != nil {
		return EstimateSummary{}, err
	}
	topo, err := topology.New(req.Topology, g, wallSet)
	if err != nil {
		return EstimateSummary{}, err
	}
	episodes, err := episode.ReadFile(req.EpisodesPath, g)
	if err != nil {
		return EstimateSummary{}, err
	}

	runID := req.RunID
	if runID == "" {
		runID = newRunID()
	}
	now := time.Now().UTC()
	result, runErr := lab.RunEstimation(ctx, platform.EstimationConfig{
		RunID:         runID,
		Topology:      topo,
		Episodes:      episodes,
		Init:          req.Init,
		Restarts:      req.Restarts,
		Seed:          req.Seed,
		Threshold:     req.Threshold,
		MaxIterations: req.MaxIterations,
		Workers:       req.Workers,
		OnRestart:     c.progress.Restart,
		OnIteration:   c.progress.Iteration,
		OnOutcome:     c.progress.Outcome,
	})
	if runErr != nil && !errors.Is(runErr, platform.ErrNoConvergedRestart) {
		return EstimateSummary{}, runErr
	}

	summary := EstimateSummary{
		RunID:    runID,
		Episodes: len(episodes),
		Moves:    episode.TotalMoves(episodes),
	}
	for _, o := range result.Restarts {
		summary.Restarts = append(summary.Restarts, RestartSummary{
			Restart:       o.Restart,
			Seed:          o.Seed,
			Status:        o.Result.Status.String(),
			Iterations:    o.Result.Iterations(),
			LogLikelihood: o.Result.LogLikelihood(),
			Elapsed:       o.Result.Elapsed,
		})
	}
	status := statusOf(result)
	likelihood := stats.LikelihoodArtifacts{Restarts: platform.RestartRecords(result.Restarts)}
	var cells []model.CellParameters
	if result.Best != nil {
		summary.Selected = result.Best.Restart
		summary.LogLikelihood = result.Best.Result.LogLikelihood()
		summary.Params = result.Best.Result.Params
		likelihood.Selected = summary.Selected
		likelihood.FinalLogLikelihood = summary.LogLikelihood
		cells = model.CellsFromParams(summary.Params)
	}

	runDir, err := stats.WriteRunArtifacts(c.runsDir, stats.RunArtifacts{
		Config: stats.RunConfig{
			RunID:         runID,
			Mode:          platform.ModeEstimate,
			EpisodesPath:  req.EpisodesPath,
			Rows:          req.Rows,
			Cols:          req.Cols,
			Topology:      req.Topology,
			Init:          req.Init,
			Walls:         platform.WallStrings(topo),
			Restarts:      req.Restarts,
			Seed:          req.Seed,
			Threshold:     req.Threshold,
			MaxIterations: req.MaxIterations,
			Workers:       req.Workers,
		},
		Likelihood: likelihood,
		Parameters: cells,
	})
	if err != nil {
		return EstimateSummary{}, err
	}
	if err := stats.AppendRunIndex(c.runsDir, stats.RunIndexEntry{
		RunID:              runID,
		Mode:               platform.ModeEstimate,
		Topology:           req.Topology,
		Init:               req.Init,
		Rows:               req.Rows,
		Cols:               req.Cols,
		Restarts:           req.Restarts,
		Converged:          result.Converged(),
		Status:             status,
		FinalLogLikelihood: summary.LogLikelihood,
		CreatedAtUTC:       now.Format(time.RFC3339Nano),
	}); err != nil {
		return EstimateSummary{}, err
	}
	summary.ArtifactsDir = filepath.Clean(runDir)
	c.logger.Info("estimation finished", "run_id", runID, "status", status, "restarts", req.Restarts, "converged", result.Converged())
	return summary, runErr
}

// statusOf reports converged when any restart converged, otherwise the
// status of the last restart.
func statusOf(result platform.EstimationResult) string {
	if result.Best != nil {
		return hmm.Converged.String()
	}
	if n := len(result.Restarts); n > 0 {
		return result.Restarts[n-1].Result.Status.String()
	}
	return hmm.Running.String()
}

func (c *Client) Count(ctx context.Context, req CountRequest) (CountSummary, error) {
	if err := c.validate.Struct(req); err != nil {
		return CountSummary{}, fmt.Errorf("invalid count request: %w", err)
	}
	lab, err := c.ensureLab(ctx)
	if err != nil {
		return CountSummary{}, err
	}
	g, err := grid.New(req.Rows, req.Cols)
	if err != nil {
		return CountSummary{}, err
	}
	episodes, err := episode.ReadFile(req.EpisodesPath, g)
	if err != nil {
		return CountSummary{}, err
	}

	runID := req.RunID
	if runID == "" {
		runID = newRunID()
	}
	now := time.Now().UTC()
	result, err := lab.RunCount(ctx, platform.CountConfig{RunID: runID, Grid: g, Episodes: episodes})
	if err != nil {
		return CountSummary{}, err
	}

	runDir, err := stats.WriteRunArtifacts(c.runsDir, stats.RunArtifacts{
		Config: stats.RunConfig{
			RunID:        runID,
			Mode:         platform.ModeCount,
			EpisodesPath: req.EpisodesPath,
			Rows:         req.Rows,
			Cols:         req.Cols,
		},
		Parameters: model.CellsFromParams(result.Params),
	})
	if err != nil {
		return CountSummary{}, err
	}
	if err := stats.AppendRunIndex(c.runsDir, stats.RunIndexEntry{
		RunID:        runID,
		Mode:         platform.ModeCount,
		Rows:         req.Rows,
		Cols:         req.Cols,
		Status:       "counted",
		CreatedAtUTC: now.Format(time.RFC3339Nano),
	}); err != nil {
		return CountSummary{}, err
	}
	return CountSummary{
		RunID:        runID,
		ArtifactsDir: filepath.Clean(runDir),
		Params:       result.Params,
		Summary:      result.Summary,
	}, nil
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:              e.RunID,
			CreatedAtUTC:       e.CreatedAtUTC,
			Mode:               e.Mode,
			Topology:           e.Topology,
			Init:               e.Init,
			Rows:               e.Rows,
			Cols:               e.Cols,
			Restarts:           e.Restarts,
			Converged:          e.Converged,
			Status:             e.Status,
			FinalLogLikelihood: e.FinalLogLikelihood,
		})
	}
	return out, nil
}

// Parameters returns the published parameters of a run, from the store when
// it holds the run and from the run artifacts otherwise.
func (c *Client) Parameters(ctx context.Context, ref RunRef) (ParametersResult, error) {
	runID, err := c.resolveRunID(ref, "parameters")
	if err != nil {
		return ParametersResult{}, err
	}
	if _, err := c.ensureLab(ctx); err != nil {
		return ParametersResult{}, err
	}

	estimate, ok, err := c.store.GetEstimate(ctx, runID)
	if err != nil {
		return ParametersResult{}, err
	}
	if !ok {
		estimate, ok, err = c.estimateFromArtifacts(runID)
		if err != nil {
			return ParametersResult{}, err
		}
		if !ok {
			return ParametersResult{}, fmt.Errorf("parameters not found for run id: %s", runID)
		}
	}

	g, err := grid.New(estimate.Rows, estimate.Cols)
	if err != nil {
		return ParametersResult{}, err
	}
	params, err := model.ParamsFromCells(g, estimate.Cells)
	if err != nil {
		return ParametersResult{}, err
	}
	return ParametersResult{RunID: runID, Estimate: estimate, Params: params}, nil
}

func (c *Client) estimateFromArtifacts(runID string) (model.Estimate, bool, error) {
	cfg, ok, err := stats.ReadRunConfig(c.runsDir, runID)
	if err != nil || !ok {
		return model.Estimate{}, false, err
	}
	cells, ok, err := stats.ReadParameters(c.runsDir, runID)
	if err != nil || !ok {
		return model.Estimate{}, false, err
	}
	estimate := model.Estimate{
		VersionedRecord: storage.Versioned(),
		RunID:           runID,
		Mode:            cfg.Mode,
		Rows:            cfg.Rows,
		Cols:            cfg.Cols,
		Topology:        cfg.Topology,
		Walls:           cfg.Walls,
		Cells:           cells,
	}
	likelihood, ok, err := stats.ReadLikelihoodArtifacts(c.runsDir, runID)
	if err != nil {
		return model.Estimate{}, false, err
	}
	if ok {
		estimate.Restart = likelihood.Selected
		estimate.LogLikelihood = likelihood.FinalLogLikelihood
		estimate.Iterations = len(likelihood.SelectedHistory())
	}
	return estimate, true, nil
}

// LikelihoodHistory returns the likelihood trace of the published restart.
func (c *Client) LikelihoodHistory(ctx context.Context, req LikelihoodRequest) ([]float64, error) {
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	runID, err := c.resolveRunID(req.RunRef, "likelihood history")
	if err != nil {
		return nil, err
	}
	if _, err := c.ensureLab(ctx); err != nil {
		return nil, err
	}

	history, ok, err := c.store.GetLikelihoodHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		history, ok, err = stats.ReadLikelihoodSeries(c.runsDir, runID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("likelihood history not found for run id: %s", runID)
		}
	}
	if req.Limit > 0 && len(history) > req.Limit {
		history = history[:req.Limit]
	}
	return append([]float64(nil), history...), nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	runID, err := c.resolveRunID(req.RunRef, "export")
	if err != nil {
		return ExportSummary{}, err
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	exportedDir, err := stats.ExportRunArtifacts(c.runsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

func (c *Client) Plot(_ context.Context, req PlotRequest) (PlotSummary, error) {
	runID, err := c.resolveRunID(req.RunRef, "plot")
	if err != nil {
		return PlotSummary{}, err
	}
	likelihood, ok, err := stats.ReadLikelihoodArtifacts(c.runsDir, runID)
	if err != nil {
		return PlotSummary{}, err
	}
	if !ok {
		return PlotSummary{}, fmt.Errorf("likelihood history not found for run id: %s", runID)
	}
	series := stats.SeriesFromRestarts(likelihood.Restarts)
	if len(series) == 0 {
		return PlotSummary{}, fmt.Errorf("run %s has no likelihood values to plot", runID)
	}

	out := req.Out
	if out == "" {
		out = filepath.Join(c.runsDir, runID, "likelihood.png")
	}
	if dir := filepath.Dir(out); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return PlotSummary{}, err
		}
	}

	if strings.EqualFold(filepath.Ext(out), ".html") {
		if err := writeChartFile(out, runID, series); err != nil {
			return PlotSummary{}, err
		}
	} else if err := stats.WriteLikelihoodPlot(out, series); err != nil {
		return PlotSummary{}, err
	}
	return PlotSummary{RunID: runID, Path: filepath.Clean(out)}, nil
}

func writeChartFile(path, runID string, series []stats.Series) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return stats.WriteLikelihoodChart(f, "Log likelihood, run "+runID, series)
}

// StopRun cancels an estimation started by another goroutine on this client.
func (c *Client) StopRun(ctx context.Context, runID string) error {
	lab, err := c.ensureLab(ctx)
	if err != nil {
		return err
	}
	return lab.StopRun(runID)
}

func (c *Client) ActiveRuns(ctx context.Context) ([]string, error) {
	lab, err := c.ensureLab(ctx)
	if err != nil {
		return nil, err
	}
	return lab.ActiveRuns(), nil
}

func (c *Client) resolveRunID(ref RunRef, action string) (string, error) {
	if ref.RunID != "" && ref.Latest {
		return "", errors.New("use either run id or latest")
	}
	if !ref.Latest {
		if ref.RunID == "" {
			return "", fmt.Errorf("%s requires run id or latest", action)
		}
		return ref.RunID, nil
	}
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs available")
	}
	return entries[0].RunID, nil
}

func (c *Client) ensureLab(ctx context.Context) (*platform.Lab, error) {
	if c.lab != nil {
		return c.lab, nil
	}
	lab := platform.NewLab(platform.Config{Store: c.store, Logger: c.logger, Metrics: c.metrics})
	if err := lab.Init(ctx); err != nil {
		return nil, err
	}
	c.lab = lab
	return c.lab, nil
}

func newRunID() string {
	return "run-" + uuid.NewString()
}
