// Package config holds every tunable of the consolidation monitor. It is loaded
// once at startup and passed explicitly to the components that need it.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	ScorerTagGroups    = "tag_groups"
	ScorerDistribution = "distribution"

	SimilarityLexical   = "lexical"
	SimilarityEmbedding = "embedding"
)

type Config struct {
	FragmentationThreshold          float64 `yaml:"fragmentation_threshold" toml:"fragmentation_threshold"`
	MinClusterSize                  int     `yaml:"min_cluster_size" toml:"min_cluster_size"`
	SimilarityThreshold             float64 `yaml:"similarity_threshold" toml:"similarity_threshold"`
	CycleIntervalSeconds            int     `yaml:"cycle_interval_seconds" toml:"cycle_interval_seconds"`
	MinConsolidationIntervalSeconds int     `yaml:"min_consolidation_interval_seconds" toml:"min_consolidation_interval_seconds"`
	MaxRecordsPerPass               int     `yaml:"max_records_per_pass" toml:"max_records_per_pass"`
	SummarizeTimeoutSeconds         int     `yaml:"summarize_timeout_seconds" toml:"summarize_timeout_seconds"`
	Scorer                          string  `yaml:"scorer" toml:"scorer"`
	Similarity                      string  `yaml:"similarity" toml:"similarity"`
	StatsHistoryLimit               int     `yaml:"stats_history_limit" toml:"stats_history_limit"`

	// LoadTriggerThreshold starts a pass below the fragmentation threshold
	// when the host load per CPU exceeds it. Zero disables the trigger.
	LoadTriggerThreshold float64 `yaml:"load_trigger_threshold" toml:"load_trigger_threshold"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		FragmentationThreshold:          0.8,
		MinClusterSize:                  2,
		SimilarityThreshold:             0.25,
		CycleIntervalSeconds:            60,
		MinConsolidationIntervalSeconds: 0,
		MaxRecordsPerPass:               20,
		SummarizeTimeoutSeconds:         120,
		Scorer:                          ScorerTagGroups,
		Similarity:                      SimilarityLexical,
		StatsHistoryLimit:               100,
	}
}

// Load reads a YAML or TOML file on top of the defaults. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read config file", goerr.V("path", path))
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, goerr.Wrap(err, "failed to parse YAML config", goerr.V("path", path))
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, goerr.Wrap(err, "failed to parse TOML config", goerr.V("path", path))
		}
	default:
		return nil, goerr.New("unsupported config file extension", goerr.V("path", path))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (x *Config) Validate() error {
	if x.FragmentationThreshold < 0 || x.FragmentationThreshold > 1 {
		return goerr.New("fragmentation_threshold must be in [0, 1]", goerr.V("value", x.FragmentationThreshold))
	}
	if x.MinClusterSize < 2 {
		return goerr.New("min_cluster_size must be at least 2", goerr.V("value", x.MinClusterSize))
	}
	// similarity must exceed the threshold, so 1 would never merge anything
	if x.SimilarityThreshold < 0 || x.SimilarityThreshold >= 1 {
		return goerr.New("similarity_threshold must be in [0, 1)", goerr.V("value", x.SimilarityThreshold))
	}
	if x.CycleIntervalSeconds <= 0 {
		return goerr.New("cycle_interval_seconds must be positive", goerr.V("value", x.CycleIntervalSeconds))
	}
	if x.MinConsolidationIntervalSeconds < 0 {
		return goerr.New("min_consolidation_interval_seconds must not be negative", goerr.V("value", x.MinConsolidationIntervalSeconds))
	}
	if x.MaxRecordsPerPass < 2 {
		return goerr.New("max_records_per_pass must be at least 2", goerr.V("value", x.MaxRecordsPerPass))
	}
	if x.SummarizeTimeoutSeconds <= 0 {
		return goerr.New("summarize_timeout_seconds must be positive", goerr.V("value", x.SummarizeTimeoutSeconds))
	}
	switch x.Scorer {
	case ScorerTagGroups, ScorerDistribution:
	default:
		return goerr.New("unknown scorer", goerr.V("scorer", x.Scorer))
	}
	switch x.Similarity {
	case SimilarityLexical, SimilarityEmbedding:
	default:
		return goerr.New("unknown similarity", goerr.V("similarity", x.Similarity))
	}
	if x.StatsHistoryLimit <= 0 {
		return goerr.New("stats_history_limit must be positive", goerr.V("value", x.StatsHistoryLimit))
	}
	if x.LoadTriggerThreshold < 0 || x.LoadTriggerThreshold > 1 {
		return goerr.New("load_trigger_threshold must be in [0, 1]", goerr.V("value", x.LoadTriggerThreshold))
	}
	return nil
}

func (x *Config) CycleInterval() time.Duration {
	return time.Duration(x.CycleIntervalSeconds) * time.Second
}

func (x *Config) MinConsolidationInterval() time.Duration {
	return time.Duration(x.MinConsolidationIntervalSeconds) * time.Second
}

func (x *Config) SummarizeTimeout() time.Duration {
	return time.Duration(x.SummarizeTimeoutSeconds) * time.Second
}
