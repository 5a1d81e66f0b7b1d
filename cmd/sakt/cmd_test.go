package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sakt/pkg/config"
)

func smallRunConfig() *config.Config {
	cfg := config.DefaultConfig()
	dropout := 0.1
	cfg.Model = config.ModelConfig{
		NSkill:           5,
		MaxSeq:           6,
		EmbedDim:         8,
		NumHeads:         2,
		NumLayers:        1,
		ForwardExpansion: 1,
		Dropout:          &dropout,
		TagsNum:          10,
		MaxTagsLen:       3,
	}
	cfg.Train.Epochs = 2
	cfg.Train.BatchSize = 8
	cfg.Train.LR = 1e-2
	cfg.Data.Synth = config.SyntheticConfig{Samples: 40, MinLen: 3, MaxLen: 8}
	cfg.LogLevel = "warn"
	return cfg
}

func TestRun_Synthetic(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reports, err := run(context.Background(), smallRunConfig(), logger)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	for _, r := range reports {
		require.NotNil(t, r.Valid)
		assert.Positive(t, r.Train.Positions)
		assert.Positive(t, r.Valid.Positions)
		assert.GreaterOrEqual(t, r.Train.AUC, 0.0)
		assert.LessOrEqual(t, r.Train.AUC, 1.0)
	}
	assert.Greater(t, reports[0].LR, reports[1].LR, "one-cycle should anneal by the last epoch")
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := run(ctx, smallRunConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.ErrorIs(t, err, context.Canceled)
}

func TestTrainCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, smallRunConfig().SaveToFile(path))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"train", "--config", path, "--synthetic", "--epochs", "1"})
	require.NoError(t, root.Execute())

	text := out.String()
	assert.Contains(t, text, "TRAIN AUC")
	assert.Contains(t, text, "VALID AUC")
	// Header, separator and one epoch row.
	assert.Len(t, strings.Split(strings.TrimSpace(text), "\n"), 3, text)
}

func TestConfigCommand(t *testing.T) {
	t.Setenv("SAKT_EPOCHS", "7")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"config"})
	require.NoError(t, root.Execute())

	assert.Contains(t, out.String(), "n_skill: 13523")
	assert.Contains(t, out.String(), "epochs: 7")
}

func TestConfigCommand_FileLayer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model:\n  dropout: 0\ntrain:\n  epochs: 3\ndata:\n  shuffle: false\n"), 0o644))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "--config", path})
	require.NoError(t, root.Execute())

	text := out.String()
	assert.Contains(t, text, "dropout: 0\n")
	assert.Contains(t, text, "epochs: 3")
	assert.Contains(t, text, "shuffle: false")
	assert.Contains(t, text, "n_skill: 13523", "unset keys keep the defaults")
}

func TestConfigCommand_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("train:\n  scheduler: step\n"), 0o644))

	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetArgs([]string{"config", "--config", path})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler")
}
