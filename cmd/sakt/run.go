package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/sync/errgroup"

	"sakt/pkg/config"
	"sakt/pkg/data"
	"sakt/pkg/metrics"
	"sakt/pkg/model"
	"sakt/pkg/tensor"
	"sakt/pkg/train"
)

// validFraction of generated samples is held out when no files are given.
const validFraction = 0.2

// run trains a model as described by cfg. The metrics endpoint, if
// configured, is served until training ends.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]train.EpochReport, error) {
	runID := uuid.NewString()
	logger = logger.With("run", runID)
	tensor.Seed(cfg.Train.Seed)

	recorder := metrics.NewRecorder(runID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			logger.Info("serving metrics", "addr", cfg.Metrics.Addr)
			return recorder.Serve(gctx, cfg.Metrics.Addr)
		})
	}

	var reports []train.EpochReport
	g.Go(func() error {
		defer cancel()
		var err error
		reports, err = fit(gctx, cfg, recorder, logger)
		return err
	})

	err := g.Wait()
	return reports, err
}

func fit(ctx context.Context, cfg *config.Config, recorder *metrics.Recorder, logger *slog.Logger) ([]train.EpochReport, error) {
	params := cfg.ModelParams()

	trainSamples, validSamples, err := loadSamples(cfg, logger)
	if err != nil {
		return nil, err
	}
	tags, err := loadTags(cfg)
	if err != nil {
		return nil, err
	}

	m, err := model.NewSAKTModel(params, tags, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build model: %w", err)
	}
	logger.Info("model ready", "parameters", m.NumParameters(), "seq_len", params.SeqLen())

	trainLoader, err := newLoader(cfg, trainSamples, cfg.Data.ShuffleEnabled())
	if err != nil {
		return nil, fmt.Errorf("train data: %w", err)
	}
	var validLoader data.Loader
	if len(validSamples) > 0 {
		if validLoader, err = newLoader(cfg, validSamples, false); err != nil {
			return nil, fmt.Errorf("valid data: %w", err)
		}
	}

	adamConfig := train.DefaultAdamConfig(cfg.Train.LR)
	adamConfig.WeightDecay = cfg.Train.WeightDecay
	opt, err := train.NewAdam(m.Parameters(), adamConfig)
	if err != nil {
		return nil, err
	}
	sched, err := newScheduler(cfg, opt, cfg.Train.Epochs*trainLoader.Len())
	if err != nil {
		return nil, err
	}

	trainer := &train.Trainer{
		Model:     m,
		Optimizer: opt,
		Scheduler: sched,
		ClipNorm:  cfg.Train.ClipNorm,
		Logger:    logger,
	}

	last := time.Now()
	return trainer.Fit(ctx, cfg.Train.Epochs, trainLoader, validLoader, func(r train.EpochReport) error {
		now := time.Now()
		recorder.ObserveEpoch(r, now.Sub(last))
		last = now
		return nil
	})
}

func loadSamples(cfg *config.Config, logger *slog.Logger) (trainSet, validSet []data.Sample, err error) {
	if cfg.Data.TrainPath != "" {
		if trainSet, err = data.LoadJSONL(cfg.Data.TrainPath); err != nil {
			return nil, nil, err
		}
		if cfg.Data.ValidPath != "" {
			if validSet, err = data.LoadJSONL(cfg.Data.ValidPath); err != nil {
				return nil, nil, err
			}
		}
		logger.Info("loaded samples", "train", len(trainSet), "valid", len(validSet))
		return trainSet, validSet, nil
	}

	samples, err := data.Synthetic(data.SyntheticConfig{
		NSkill:     cfg.Model.NSkill,
		TagsNum:    cfg.Model.TagsNum,
		MaxTagsLen: cfg.Model.MaxTagsLen,
		NumSamples: cfg.Data.Synth.Samples,
		MinLen:     cfg.Data.Synth.MinLen,
		MaxLen:     cfg.Data.Synth.MaxLen,
		Seed:       cfg.Train.Seed,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate samples: %w", err)
	}
	split := len(samples) - int(float64(len(samples))*validFraction)
	logger.Info("generated synthetic samples", "train", split, "valid", len(samples)-split)
	return samples[:split], samples[split:], nil
}

func loadTags(cfg *config.Config) (*tensor.Tensor, error) {
	if cfg.Data.TagsPath == "" {
		return data.RandomTagTable(cfg.Model.TagsNum, cfg.Model.EmbedDim), nil
	}
	return data.LoadTagTable(cfg.Data.TagsPath)
}

func newLoader(cfg *config.Config, samples []data.Sample, shuffle bool) (data.Loader, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("no samples")
	}
	params := cfg.ModelParams()
	batches, err := data.Collate(samples, cfg.Train.BatchSize, params.SeqLen(), params.MaxTagsLen, params.TagsNum)
	if err != nil {
		return nil, err
	}
	if shuffle {
		return data.NewShuffledLoader(batches, cfg.Train.Seed), nil
	}
	return data.NewSliceLoader(batches), nil
}

func newScheduler(cfg *config.Config, opt *train.Adam, totalSteps int) (train.Scheduler, error) {
	switch cfg.Train.Scheduler {
	case "constant":
		return train.NewConstantLR(opt, cfg.Train.LR), nil
	default:
		return train.NewOneCycle(opt, train.OneCycleConfig{
			MaxLR:      cfg.Train.LR,
			TotalSteps: totalSteps,
			PctStart:   cfg.Train.PctStart,
		})
	}
}

func renderReports(w io.Writer, reports []train.EpochReport) {
	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		row := []string{
			strconv.Itoa(r.Epoch),
			formatFloat(r.Train.Loss), formatFloat(r.Train.Accuracy), formatFloat(r.Train.AUC),
			"-", "-", "-",
			strconv.FormatFloat(r.LR, 'e', 2, 64),
		}
		if v := r.Valid; v != nil {
			row[4], row[5], row[6] = formatFloat(v.Loss), formatFloat(v.Accuracy), formatFloat(v.AUC)
		}
		rows = append(rows, row)
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"EPOCH", "TRAIN LOSS", "TRAIN ACC", "TRAIN AUC", "VALID LOSS", "VALID ACC", "VALID AUC", "LR"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.AppendBulk(rows)
	table.Render()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
