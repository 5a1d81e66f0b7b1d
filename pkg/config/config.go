// Package config provides configuration loading for training runs.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"sakt/pkg/model"
)

// Config represents the complete run configuration
type Config struct {
	Model    ModelConfig   `yaml:"model"`
	Train    TrainConfig   `yaml:"train"`
	Data     DataConfig    `yaml:"data"`
	Metrics  MetricsConfig `yaml:"metrics"`
	LogLevel string        `yaml:"log_level"`
}

// ModelConfig configures the model architecture
type ModelConfig struct {
	// NSkill is the number of distinct questions
	NSkill int `yaml:"n_skill"`
	// MaxSeq is the window length; sequences have MaxSeq-1 positions
	MaxSeq           int `yaml:"max_seq"`
	EmbedDim         int `yaml:"embed_dim"`
	NumHeads         int `yaml:"num_heads"`
	NumLayers        int `yaml:"num_layers"`
	ForwardExpansion int `yaml:"forward_expansion"`
	// Dropout is a pointer so that an explicit 0 survives Merge
	Dropout *float64 `yaml:"dropout,omitempty"`
	// TagsNum is the number of tags; it is also the tag padding index
	TagsNum    int `yaml:"tags_num"`
	MaxTagsLen int `yaml:"max_tags_len"`
}

// TrainConfig configures optimization
type TrainConfig struct {
	Epochs    int `yaml:"epochs"`
	BatchSize int `yaml:"batch_size"`
	// LR is the peak learning rate of the schedule
	LR          float64 `yaml:"lr"`
	WeightDecay float64 `yaml:"weight_decay"`
	// Scheduler is "one_cycle" or "constant"
	Scheduler string  `yaml:"scheduler"`
	PctStart  float64 `yaml:"pct_start"`
	// ClipNorm bounds the global gradient norm (0 = no clipping)
	ClipNorm float64 `yaml:"clip_norm"`
	// Seed 0 keeps the layer below
	Seed int64 `yaml:"seed"`
}

// DataConfig configures the input files
type DataConfig struct {
	TrainPath string `yaml:"train_path"`
	ValidPath string `yaml:"valid_path"`
	// TagsPath points to the pretrained tag table (.pt or .json); empty = random table
	TagsPath string `yaml:"tags_path"`
	// Shuffle is a pointer so that an explicit false survives Merge
	Shuffle *bool           `yaml:"shuffle,omitempty"`
	Synth   SyntheticConfig `yaml:"synthetic"`
}

// ShuffleEnabled reports whether training batches are reshuffled every epoch.
// Unset means enabled.
func (d DataConfig) ShuffleEnabled() bool {
	return d.Shuffle == nil || *d.Shuffle
}

// SyntheticConfig sizes the generated data set used without input files
type SyntheticConfig struct {
	Samples int `yaml:"samples"`
	MinLen  int `yaml:"min_len"`
	MaxLen  int `yaml:"max_len"`
}

// MetricsConfig configures the prometheus endpoint
type MetricsConfig struct {
	// Addr is the listen address (empty = disabled)
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with the reference hyperparameters
func DefaultConfig() *Config {
	m := model.DefaultConfig(13523)
	return &Config{
		Model: ModelConfig{
			NSkill:           m.NSkill,
			MaxSeq:           m.MaxSeq,
			EmbedDim:         m.EmbedDim,
			NumHeads:         m.NumHeads,
			NumLayers:        m.NumLayers,
			ForwardExpansion: m.ForwardExpansion,
			Dropout:          floatPtr(m.Dropout),
			TagsNum:          m.TagsNum,
			MaxTagsLen:       m.MaxTagsLen,
		},
		Train: TrainConfig{
			Epochs:    10,
			BatchSize: 64,
			LR:        1e-3,
			Scheduler: "one_cycle",
			PctStart:  0.3,
			Seed:      42,
		},
		Data: DataConfig{
			Shuffle: boolPtr(true),
			Synth: SyntheticConfig{
				Samples: 512,
				MinLen:  10,
				MaxLen:  250,
			},
		},
		LogLevel: "info",
	}
}

// ModelParams returns the model package view of the architecture settings
func (c *Config) ModelParams() model.Config {
	m := c.Model
	var dropout float64
	if m.Dropout != nil {
		dropout = *m.Dropout
	}
	return model.Config{
		NSkill:           m.NSkill,
		MaxSeq:           m.MaxSeq,
		EmbedDim:         m.EmbedDim,
		NumHeads:         m.NumHeads,
		NumLayers:        m.NumLayers,
		ForwardExpansion: m.ForwardExpansion,
		Dropout:          dropout,
		TagsNum:          m.TagsNum,
		MaxTagsLen:       m.MaxTagsLen,
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if err := c.ModelParams().Validate(); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if c.Train.Epochs <= 0 {
		return fmt.Errorf("train.epochs must be positive")
	}
	if c.Train.BatchSize <= 0 {
		return fmt.Errorf("train.batch_size must be positive")
	}
	if c.Train.LR <= 0 {
		return fmt.Errorf("train.lr must be positive")
	}
	switch c.Train.Scheduler {
	case "one_cycle", "constant":
	default:
		return fmt.Errorf("train.scheduler must be one_cycle or constant, got %q", c.Train.Scheduler)
	}
	if c.Train.PctStart < 0 || c.Train.PctStart > 1 {
		return fmt.Errorf("train.pct_start must be between 0 and 1")
	}
	if c.Train.ClipNorm < 0 {
		return fmt.Errorf("train.clip_norm must not be negative")
	}
	if s := c.Data.Synth; s.MinLen <= 0 || s.MaxLen < s.MinLen {
		return fmt.Errorf("data.synthetic length range [%d, %d] is invalid", s.MinLen, s.MaxLen)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a log_level value to a slog level
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q: %w", s, err)
	}
	return level, nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values,
// and for pointer fields that are set)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Model
	mergeInt(&c.Model.NSkill, other.Model.NSkill)
	mergeInt(&c.Model.MaxSeq, other.Model.MaxSeq)
	mergeInt(&c.Model.EmbedDim, other.Model.EmbedDim)
	mergeInt(&c.Model.NumHeads, other.Model.NumHeads)
	mergeInt(&c.Model.NumLayers, other.Model.NumLayers)
	mergeInt(&c.Model.ForwardExpansion, other.Model.ForwardExpansion)
	if other.Model.Dropout != nil {
		dropout := *other.Model.Dropout
		c.Model.Dropout = &dropout
	}
	mergeInt(&c.Model.TagsNum, other.Model.TagsNum)
	mergeInt(&c.Model.MaxTagsLen, other.Model.MaxTagsLen)

	// Train
	mergeInt(&c.Train.Epochs, other.Train.Epochs)
	mergeInt(&c.Train.BatchSize, other.Train.BatchSize)
	mergeFloat(&c.Train.LR, other.Train.LR)
	mergeFloat(&c.Train.WeightDecay, other.Train.WeightDecay)
	mergeString(&c.Train.Scheduler, other.Train.Scheduler)
	mergeFloat(&c.Train.PctStart, other.Train.PctStart)
	mergeFloat(&c.Train.ClipNorm, other.Train.ClipNorm)
	if other.Train.Seed != 0 {
		c.Train.Seed = other.Train.Seed
	}

	// Data
	mergeString(&c.Data.TrainPath, other.Data.TrainPath)
	mergeString(&c.Data.ValidPath, other.Data.ValidPath)
	mergeString(&c.Data.TagsPath, other.Data.TagsPath)
	if other.Data.Shuffle != nil {
		shuffle := *other.Data.Shuffle
		c.Data.Shuffle = &shuffle
	}
	mergeInt(&c.Data.Synth.Samples, other.Data.Synth.Samples)
	mergeInt(&c.Data.Synth.MinLen, other.Data.Synth.MinLen)
	mergeInt(&c.Data.Synth.MaxLen, other.Data.Synth.MaxLen)

	// Metrics
	mergeString(&c.Metrics.Addr, other.Metrics.Addr)

	mergeString(&c.LogLevel, other.LogLevel)
}

func mergeInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func mergeFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func boolPtr(v bool) *bool { return &v }

func floatPtr(v float64) *float64 { return &v }
