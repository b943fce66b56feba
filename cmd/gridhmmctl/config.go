package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "GRIDHMM"

// Flag names mapped to request keys.
var (
	estimateKeys = map[string]string{
		"run-id":         "run_id",
		"episodes":       "episodes",
		"rows":           "rows",
		"cols":           "cols",
		"topology":       "topology",
		"init":           "init",
		"restarts":       "restarts",
		"seed":           "seed",
		"threshold":      "threshold",
		"max-iterations": "max_iterations",
		"workers":        "workers",
	}
	countKeys = map[string]string{
		"run-id":   "run_id",
		"episodes": "episodes",
		"rows":     "rows",
		"cols":     "cols",
	}
)

// loadRequest decodes a request into out. Later sources win: flag defaults,
// the config file, GRIDHMM_* environment variables, explicitly set flags.
func loadRequest(fs *flag.FlagSet, configPath string, keys map[string]string, out any) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	for name, key := range keys {
		if f := fs.Lookup(name); f != nil {
			v.SetDefault(key, f.DefValue)
		}
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configPath, err)
		}
	}
	overrideFromFlags(v, fs, keys)
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func overrideFromFlags(v *viper.Viper, fs *flag.FlagSet, keys map[string]string) {
	fs.Visit(func(f *flag.Flag) {
		if key, ok := keys[f.Name]; ok {
			v.Set(key, f.Value.String())
		}
	})
}

// wallList collects repeated --wall flags.
type wallList []string

func (w *wallList) String() string { return strings.Join(*w, " ") }

func (w *wallList) Set(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("empty wall")
	}
	*w = append(*w, raw)
	return nil
}
