package stats

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"gridhmm/internal/model"
)

const (
	runIndexFile      = "run_index.json"
	configFile        = "config.json"
	historyFile       = "likelihood_history.json"
	parametersFile    = "parameters.json"
	likelihoodCSVFile = "likelihood_series.csv"
)

type RunConfig struct {
	RunID         string   `json:"run_id"`
	Mode          string   `json:"mode"`
	EpisodesPath  string   `json:"episodes_path"`
	Rows          int      `json:"rows"`
	Cols          int      `json:"cols"`
	Topology      string   `json:"topology,omitempty"`
	Init          string   `json:"init,omitempty"`
	Walls         []string `json:"walls,omitempty"`
	Restarts      int      `json:"restarts,omitempty"`
	Seed          int64    `json:"seed"`
	Threshold     float64  `json:"threshold,omitempty"`
	MaxIterations int      `json:"max_iterations,omitempty"`
	Workers       int      `json:"workers,omitempty"`
}

// LikelihoodArtifacts is the content of likelihood_history.json. Selected is
// the 1-based restart whose parameters were published, or 0.
type LikelihoodArtifacts struct {
	Restarts           []model.RestartRecord `json:"restarts"`
	Selected           int                   `json:"selected"`
	FinalLogLikelihood float64               `json:"final_log_likelihood"`
}

type RunArtifacts struct {
	Config     RunConfig              `json:"config"`
	Likelihood LikelihoodArtifacts    `json:"likelihood"`
	Parameters []model.CellParameters `json:"parameters,omitempty"`
}

type RunIndexEntry struct {
	RunID              string  `json:"run_id"`
	Mode               string  `json:"mode"`
	Topology           string  `json:"topology,omitempty"`
	Init               string  `json:"init,omitempty"`
	Rows               int     `json:"rows"`
	Cols               int     `json:"cols"`
	Restarts           int     `json:"restarts"`
	Converged          int     `json:"converged"`
	Status             string  `json:"status"`
	FinalLogLikelihood float64 `json:"final_log_likelihood"`
	CreatedAtUTC       string  `json:"created_at_utc"`
}

// SelectedHistory is the likelihood trace of the published restart.
func (l LikelihoodArtifacts) SelectedHistory() []float64 {
	for _, r := range l.Restarts {
		if r.Restart == l.Selected {
			return r.History
		}
	}
	return nil
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, historyFile), artifacts.Likelihood); err != nil {
		return "", err
	}
	if artifacts.Parameters != nil {
		if err := writeJSON(filepath.Join(runDir, parametersFile), artifacts.Parameters); err != nil {
			return "", err
		}
	}
	if history := artifacts.Likelihood.SelectedHistory(); len(history) > 0 {
		if err := WriteLikelihoodSeries(runDir, history); err != nil {
			return "", err
		}
	}
	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := readRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns the index newest first. Entries with equal
// timestamps are ordered by append position, latest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	entries, err := readRunIndex(baseDir)
	if err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry   RunIndexEntry
		created time.Time
		idx     int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		created, err := time.Parse(time.RFC3339Nano, entries[i].CreatedAtUTC)
		if err != nil {
			return nil, fmt.Errorf("run index entry %s: %w", entries[i].RunID, err)
		}
		indexed[i] = indexedEntry{entry: entries[i], created: created, idx: i}
	}
	sort.SliceStable(indexed, func(i, j int) bool {
		if indexed[i].created.Equal(indexed[j].created) {
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].created.After(indexed[j].created)
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// readRunIndex returns the index in append order.
func readRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ExportRunArtifacts copies a run directory's known files to outDir/runID.
// config.json and likelihood_history.json are required; the rest are
// copied when present.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, historyFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	optional := []string{parametersFile, likelihoodCSVFile, "likelihood.png", "likelihood.svg", "likelihood.html"}
	for _, file := range optional {
		err := copyFile(filepath.Join(src, file), filepath.Join(dst, file))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	return cfg, ok, err
}

func ReadLikelihoodArtifacts(baseDir, runID string) (LikelihoodArtifacts, bool, error) {
	var out LikelihoodArtifacts
	ok, err := readJSON(filepath.Join(baseDir, runID, historyFile), &out)
	return out, ok, err
}

func ReadParameters(baseDir, runID string) ([]model.CellParameters, bool, error) {
	var cells []model.CellParameters
	ok, err := readJSON(filepath.Join(baseDir, runID, parametersFile), &cells)
	return cells, ok, err
}

func WriteLikelihoodSeries(runDir string, history []float64) error {
	file, err := os.Create(filepath.Join(runDir, likelihoodCSVFile))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"iteration", "log_likelihood"}); err != nil {
		return err
	}
	for i, ll := range history {
		if err := writer.Write([]string{
			strconv.Itoa(i + 1),
			strconv.FormatFloat(ll, 'f', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadLikelihoodSeries(baseDir, runID string) ([]float64, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, likelihoodCSVFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []float64{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 2 {
		return nil, false, fmt.Errorf("likelihood series header must have at least 2 columns")
	}

	series := make([]float64, 0, 64)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		if len(record) < 2 {
			return nil, false, fmt.Errorf("likelihood series row must have at least 2 columns")
		}
		value, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, false, err
		}
		series = append(series, value)
	}
	return series, true, nil
}

func readJSON(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
