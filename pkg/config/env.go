package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Environment overrides. Each variable, when set, replaces the value loaded
// from the file:
//
//	SAKT_EPOCHS         train.epochs
//	SAKT_BATCH_SIZE     train.batch_size
//	SAKT_LR             train.lr
//	SAKT_SEED           train.seed
//	SAKT_TRAIN_PATH     data.train_path
//	SAKT_VALID_PATH     data.valid_path
//	SAKT_TAGS_PATH      data.tags_path
//	SAKT_METRICS_ADDR   metrics.addr
//	SAKT_LOG_LEVEL      log_level
//	SAKT_DEBUG          1/true forces debug logging
var (
	Epochs      = Int("SAKT_EPOCHS")
	BatchSize   = Int("SAKT_BATCH_SIZE")
	LR          = Float("SAKT_LR")
	Seed        = Int("SAKT_SEED")
	TrainPath   = String("SAKT_TRAIN_PATH")
	ValidPath   = String("SAKT_VALID_PATH")
	TagsPath    = String("SAKT_TAGS_PATH")
	MetricsAddr = String("SAKT_METRICS_ADDR")
	Level       = String("SAKT_LOG_LEVEL")
	Debug       = Bool("SAKT_DEBUG")
)

// ApplyEnv overrides c with every SAKT_* variable that is set.
func (c *Config) ApplyEnv() {
	if v, ok := Epochs(); ok {
		c.Train.Epochs = v
	}
	if v, ok := BatchSize(); ok {
		c.Train.BatchSize = v
	}
	if v, ok := LR(); ok {
		c.Train.LR = v
	}
	if v, ok := Seed(); ok {
		c.Train.Seed = int64(v)
	}
	if v := TrainPath(); v != "" {
		c.Data.TrainPath = v
	}
	if v := ValidPath(); v != "" {
		c.Data.ValidPath = v
	}
	if v := TagsPath(); v != "" {
		c.Data.TagsPath = v
	}
	if v := MetricsAddr(); v != "" {
		c.Metrics.Addr = v
	}
	if v := Level(); v != "" {
		c.LogLevel = v
	}
	if Debug() {
		c.LogLevel = slog.LevelDebug.String()
	}
}

// Var returns an environment variable stripped of surrounding quotes and spaces
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// String returns a getter for a string variable
func String(key string) func() string {
	return func() string {
		return Var(key)
	}
}

// Bool returns a getter that is true when the variable parses as true
func Bool(key string) func() bool {
	return func() bool {
		if s := Var(key); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return false
	}
}

// Int returns a getter for an integer variable; ok is false when the
// variable is unset or invalid
func Int(key string) func() (int, bool) {
	return func() (int, bool) {
		s := Var(key)
		if s == "" {
			return 0, false
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			slog.Warn("invalid environment variable, ignoring", "key", key, "value", s)
			return 0, false
		}
		return n, true
	}
}

// Float returns a getter for a float variable; ok is false when the
// variable is unset or invalid
func Float(key string) func() (float64, bool) {
	return func() (float64, bool) {
		s := Var(key)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			slog.Warn("invalid environment variable, ignoring", "key", key, "value", s)
			return 0, false
		}
		return f, true
	}
}
