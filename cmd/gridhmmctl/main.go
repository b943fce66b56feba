package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"gridhmm/internal/hmm"
	"gridhmm/internal/logging"
	"gridhmm/internal/metrics"
	"gridhmm/internal/model"
	"gridhmm/internal/platform"
	"gridhmm/internal/report"
	"gridhmm/internal/storage"
	"gridhmm/pkg/gridhmm"
)

const (
	runsDir    = "runs"
	exportsDir = "exports"
)

var stdout io.Writer = os.Stdout

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "count":
		return runCount(ctx, args[1:])
	case "estimate":
		return runEstimate(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "params":
		return runParams(ctx, args[1:])
	case "likelihood":
		return runLikelihood(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	case "plot":
		return runPlot(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	storeKind *string
	dbPath    *string
	runsDir   *string
	logLevel  *string
	logFormat *string
	logFile   *string
	noColor   *bool
}

func registerCommon(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		storeKind: fs.String("store", storage.DefaultStoreKind, "store backend: memory|sqlite"),
		dbPath:    fs.String("db-path", "gridhmm.db", "sqlite database path"),
		runsDir:   fs.String("runs-dir", runsDir, "run artifacts directory"),
		logLevel:  fs.String("log-level", "warn", "log level: debug|info|warn|error"),
		logFormat: fs.String("log-format", "text", "log format: text|json"),
		logFile:   fs.String("log-file", "", "write logs to a rotating file instead of stderr"),
		noColor:   fs.Bool("no-color", false, "disable coloured output"),
	}
}

type session struct {
	client  *gridhmm.Client
	printer *report.Printer
	logger  *slog.Logger
	closers []io.Closer
}

func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i].Close()
	}
}

func openSession(c commonFlags, rec *metrics.Recorder, progress func(*report.Printer) gridhmm.Progress) (*session, error) {
	logger, logCloser, err := logging.New(logging.Config{
		Module:     "gridhmmctl",
		Level:      *c.logLevel,
		Format:     *c.logFormat,
		File:       *c.logFile,
		MaxSize:    10,
		MaxBackups: 3,
	})
	if err != nil {
		return nil, err
	}
	color := !*c.noColor
	if f, ok := stdout.(*os.File); ok {
		color = color && report.ColorEnabled(f)
	} else {
		color = false
	}
	printer := report.NewPrinter(stdout, color)

	opts := gridhmm.Options{
		StoreKind: *c.storeKind,
		DBPath:    *c.dbPath,
		RunsDir:   *c.runsDir,
		Logger:    logger,
		Metrics:   rec,
	}
	if progress != nil {
		opts.Progress = progress(printer)
	}
	client, err := gridhmm.New(opts)
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}
	return &session{
		client:  client,
		printer: printer,
		logger:  logger,
		closers: []io.Closer{logCloser, client},
	}, nil
}

func runCount(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("count", flag.ContinueOnError)
	common := registerCommon(fs)
	configPath := fs.String("config", "", "optional request config (json|yaml|toml)")
	fs.String("run-id", "", "explicit run id (optional)")
	fs.String("episodes", "", "episode file path")
	fs.Int("rows", 4, "grid rows")
	fs.Int("cols", 4, "grid cols")
	jsonOut := fs.Bool("json", false, "emit parameters as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var req gridhmm.CountRequest
	if err := loadRequest(fs, *configPath, countKeys, &req); err != nil {
		return err
	}

	s, err := openSession(common, nil, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	summary, err := s.client.Count(ctx, req)
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(model.CellsFromParams(summary.Params))
	}
	s.printer.Summary(summary.Summary.Episodes, summary.Summary.Moves, summary.Params.Grid())
	s.printer.Parameters(summary.Params)
	s.printer.CountNotes(summary.Summary)
	s.printer.Heatmap(summary.Params)
	fmt.Fprintf(stdout, "run_id=%s artifacts=%s\n", summary.RunID, summary.ArtifactsDir)
	return nil
}

func runEstimate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("estimate", flag.ContinueOnError)
	common := registerCommon(fs)
	configPath := fs.String("config", "", "optional request config (json|yaml|toml)")
	fs.String("run-id", "", "explicit run id (optional)")
	fs.String("episodes", "", "episode file path")
	fs.Int("rows", 4, "grid rows")
	fs.Int("cols", 4, "grid cols")
	fs.String("topology", "", "transition topology: full|adjacency (walls init defaults to adjacency)")
	fs.String("init", platform.InitUniform, "initialisation: uniform|random|walls")
	var walls wallList
	fs.Var(&walls, "wall", "wall between two adjacent cells as r1,c1-r2,c2 (repeatable; walls init defaults to the 4x4 maze)")
	fs.Int("restarts", 1, "independent restarts for random and walls init")
	fs.Int64("seed", 1, "rng seed; restart i uses seed+i-1")
	fs.Float64("threshold", hmm.DefaultThreshold, "log likelihood change that ends the loop")
	fs.Int("max-iterations", hmm.DefaultMaxIterations, "iteration cap per restart")
	fs.Int("workers", 1, "episodes processed concurrently")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	quiet := fs.Bool("quiet", false, "suppress per-iteration progress")
	jsonOut := fs.Bool("json", false, "emit the run summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var req gridhmm.EstimateRequest
	if err := loadRequest(fs, *configPath, estimateKeys, &req); err != nil {
		return err
	}
	if len(walls) > 0 {
		req.Walls = walls
	}

	var rec *metrics.Recorder
	if *metricsAddr != "" {
		rec = metrics.NewRecorder()
	}
	label := req.Init
	if label == "" {
		label = platform.InitUniform
	}
	progress := func(p *report.Printer) gridhmm.Progress {
		if *jsonOut {
			return gridhmm.Progress{}
		}
		out := gridhmm.Progress{
			Restart: func(restart, total int) { p.Banner(label, restart, total) },
			Outcome: func(_ int, result hmm.Result) { p.Outcome(result) },
		}
		if !*quiet {
			out.Iteration = func(_ int, it hmm.Iteration) { p.Progress(it) }
		}
		return out
	}

	s, err := openSession(common, rec, progress)
	if err != nil {
		return err
	}
	defer s.Close()
	if rec != nil {
		stopMetrics := rec.Serve(*metricsAddr, s.logger)
		defer stopMetrics()
	}

	summary, runErr := s.client.Estimate(ctx, req)
	if runErr != nil && !errors.Is(runErr, platform.ErrNoConvergedRestart) {
		return runErr
	}
	if *jsonOut {
		if err := writeJSON(estimateJSON(summary)); err != nil {
			return err
		}
		return runErr
	}

	if summary.Params != nil {
		s.printer.Summary(summary.Episodes, summary.Moves, summary.Params.Grid())
		fmt.Fprintf(stdout, "selected restart %d of %d, log likelihood %f\n", summary.Selected, len(summary.Restarts), summary.LogLikelihood)
		s.printer.Parameters(summary.Params)
		s.printer.Heatmap(summary.Params)
	}
	fmt.Fprintf(stdout, "run_id=%s artifacts=%s\n", summary.RunID, summary.ArtifactsDir)
	return runErr
}

type restartJSON struct {
	Restart       int      `json:"restart"`
	Seed          int64    `json:"seed"`
	Status        string   `json:"status"`
	Iterations    int      `json:"iterations"`
	LogLikelihood *float64 `json:"log_likelihood,omitempty"`
	ElapsedMS     int64    `json:"elapsed_ms"`
}

type estimateOutput struct {
	RunID         string                 `json:"run_id"`
	ArtifactsDir  string                 `json:"artifacts_dir"`
	Episodes      int                    `json:"episodes"`
	Moves         int                    `json:"moves"`
	Selected      int                    `json:"selected"`
	LogLikelihood float64                `json:"log_likelihood"`
	Restarts      []restartJSON          `json:"restarts"`
	Parameters    []model.CellParameters `json:"parameters,omitempty"`
}

func estimateJSON(summary gridhmm.EstimateSummary) estimateOutput {
	out := estimateOutput{
		RunID:         summary.RunID,
		ArtifactsDir:  summary.ArtifactsDir,
		Episodes:      summary.Episodes,
		Moves:         summary.Moves,
		Selected:      summary.Selected,
		LogLikelihood: summary.LogLikelihood,
	}
	for _, r := range summary.Restarts {
		item := restartJSON{
			Restart:    r.Restart,
			Seed:       r.Seed,
			Status:     r.Status,
			Iterations: r.Iterations,
			ElapsedMS:  r.Elapsed.Milliseconds(),
		}
		if defined := model.DefinedPrefix([]float64{r.LogLikelihood}); len(defined) == 1 {
			item.LogLikelihood = &defined[0]
		}
		out.Restarts = append(out.Restarts, item)
	}
	if summary.Params != nil {
		out.Parameters = model.CellsFromParams(summary.Params)
	}
	return out
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	common := registerCommon(fs)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	s, err := openSession(common, nil, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	items, err := s.client.Runs(ctx, gridhmm.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(items)
	}
	if len(items) == 0 {
		fmt.Fprintln(stdout, "no runs found")
		return nil
	}
	for _, e := range items {
		fmt.Fprintf(stdout, "run_id=%s created_at=%s mode=%s grid=%dx%d topology=%s init=%s restarts=%d converged=%d status=%s final_log_likelihood=%.6f\n",
			e.RunID,
			e.CreatedAtUTC,
			e.Mode,
			e.Rows,
			e.Cols,
			orNA(e.Topology),
			orNA(e.Init),
			e.Restarts,
			e.Converged,
			e.Status,
			e.FinalLogLikelihood,
		)
	}
	return nil
}

func runParams(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("params", flag.ContinueOnError)
	common := registerCommon(fs)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "use the most recent run from run index")
	jsonOut := fs.Bool("json", false, "emit parameters as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openSession(common, nil, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	result, err := s.client.Parameters(ctx, gridhmm.RunRef{RunID: *runID, Latest: *latest})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(result.Estimate)
	}
	fmt.Fprintf(stdout, "run_id=%s mode=%s topology=%s restart=%d iterations=%d log_likelihood=%.6f\n",
		result.RunID, result.Estimate.Mode, orNA(result.Estimate.Topology), result.Estimate.Restart, result.Estimate.Iterations, result.Estimate.LogLikelihood)
	if len(result.Estimate.Walls) > 0 {
		fmt.Fprintf(stdout, "walls=%s\n", strings.Join(result.Estimate.Walls, " "))
	}
	s.printer.Parameters(result.Params)
	s.printer.Heatmap(result.Params)
	return nil
}

func runLikelihood(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("likelihood", flag.ContinueOnError)
	common := registerCommon(fs)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "use the most recent run from run index")
	limit := fs.Int("limit", 0, "max iterations to show (0 = all)")
	jsonOut := fs.Bool("json", false, "emit history as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openSession(common, nil, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	history, err := s.client.LikelihoodHistory(ctx, gridhmm.LikelihoodRequest{
		RunRef: gridhmm.RunRef{RunID: *runID, Latest: *latest},
		Limit:  *limit,
	})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(history)
	}
	prev := 0.0
	for i, ll := range history {
		s.printer.Progress(hmm.Iteration{Index: i + 1, LogLikelihood: ll, Delta: ll - prev})
		prev = ll
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	common := registerCommon(fs)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from run index")
	outDir := fs.String("out", exportsDir, "export output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}

	s, err := openSession(common, nil, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	exported, err := s.client.Export(ctx, gridhmm.ExportRequest{
		RunRef: gridhmm.RunRef{RunID: *runID, Latest: *latest},
		OutDir: *outDir,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "exported run_id=%s to=%s\n", exported.RunID, exported.Directory)
	return nil
}

func runPlot(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("plot", flag.ContinueOnError)
	common := registerCommon(fs)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "plot the most recent run from run index")
	out := fs.String("out", "", "output file; .html renders an interactive chart (default <runs-dir>/<run-id>/likelihood.png)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openSession(common, nil, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	plotted, err := s.client.Plot(ctx, gridhmm.PlotRequest{
		RunRef: gridhmm.RunRef{RunID: *runID, Latest: *latest},
		Out:    *out,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "plotted run_id=%s to=%s\n", plotted.RunID, plotted.Path)
	return nil
}

func writeJSON(value any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func orNA(v string) string {
	if v == "" {
		return "n/a"
	}
	return v
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: gridhmmctl <count|estimate|runs|params|likelihood|export|plot> [flags]", msg)
}
