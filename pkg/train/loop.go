// Package train runs training and validation epochs of the knowledge-tracing
// model and computes masked loss, accuracy and epoch-level AUC.
package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"sakt/pkg/autograd"
	"sakt/pkg/data"
	"sakt/pkg/model"
)

// Mode selects between the two phases of the loop.
type Mode int

const (
	// ModeTrain records gradients, updates parameters and batch-norm statistics.
	ModeTrain Mode = iota
	// ModeEval runs forward only with frozen parameters and statistics.
	ModeEval
)

func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeEval:
		return "valid"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Criterion maps the selected logits and labels to a scalar loss.
type Criterion func(tp *autograd.Tape, logits *autograd.Var, labels []float64) (*autograd.Var, error)

// BCEWithLogits is the default criterion: mean binary cross-entropy on logits.
func BCEWithLogits(tp *autograd.Tape, logits *autograd.Var, labels []float64) (*autograd.Var, error) {
	return tp.BCEWithLogits(logits, labels)
}

// Trainer owns the model and the optimization state shared across epochs.
type Trainer struct {
	Model     *model.SAKTModel
	Optimizer Optimizer // required for ModeTrain
	Scheduler Scheduler // optional, stepped after every optimizer step
	Criterion Criterion // nil uses BCEWithLogits
	ClipNorm  float64   // 0 disables gradient clipping
	Logger    *slog.Logger
}

func (t *Trainer) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.Default()
	}
	return t.Logger
}

// Train runs one training epoch over loader.
func (t *Trainer) Train(ctx context.Context, loader data.Loader) (Result, error) {
	return t.RunEpoch(ctx, ModeTrain, loader)
}

// Validate runs one evaluation epoch over loader.
func (t *Trainer) Validate(ctx context.Context, loader data.Loader) (Result, error) {
	return t.RunEpoch(ctx, ModeEval, loader)
}

// RunEpoch runs every batch of loader in the given mode.
//
// Per batch:
//  1. Valid positions are those with target_id != 0
//  2. Forward pass, then selection of the valid logits and labels
//  3. Criterion on the selection
//  4. In ModeTrain: backward, optional clipping, optimizer and scheduler step
//
// The loader is reset before the epoch starts. Batches without a valid
// position are skipped. Context cancellation is checked between batches.
func (t *Trainer) RunEpoch(ctx context.Context, mode Mode, loader data.Loader) (Result, error) {
	training := mode == ModeTrain
	if training && t.Optimizer == nil {
		return Result{}, fmt.Errorf("training requires an optimizer")
	}
	criterion := t.Criterion
	if criterion == nil {
		criterion = BCEWithLogits
	}
	log := t.logger().With("mode", mode.String())

	if err := loader.Reset(); err != nil {
		return Result{}, fmt.Errorf("failed to reset loader: %w", err)
	}
	t.Model.SetTraining(training)
	params := t.Model.Parameters()
	seqLen := t.Model.Config.SeqLen()

	var acc Accumulator
	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		batch, err := loader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("failed to load batch %d: %w", step, err)
		}
		if err := batch.Validate(seqLen, batchTags(batch)); err != nil {
			return Result{}, fmt.Errorf("batch %d: %w", step, err)
		}

		idx, labels := SelectValid(batch)
		if len(idx) == 0 {
			log.Debug("skipping batch without valid positions", "batch", step)
			continue
		}

		if training {
			t.Optimizer.ZeroGrad()
		}

		tp := autograd.NewTape(training)
		out, err := t.Model.Forward(tp, batch.Input())
		if err != nil {
			return Result{}, fmt.Errorf("batch %d: %w", step, err)
		}
		logits, err := tp.Gather(out.Logits, idx)
		if err != nil {
			return Result{}, fmt.Errorf("batch %d: failed to select valid positions: %w", step, err)
		}
		loss, err := criterion(tp, logits, labels)
		if err != nil {
			return Result{}, fmt.Errorf("batch %d: failed to compute loss: %w", step, err)
		}

		if training {
			if err := tp.Backward(loss); err != nil {
				return Result{}, fmt.Errorf("batch %d: backward failed: %w", step, err)
			}
			if t.ClipNorm > 0 {
				ClipGradNorm(params, t.ClipNorm)
			}
			t.Optimizer.Step()
			if t.Scheduler != nil {
				t.Scheduler.Step()
			}
		}

		acc.Add(loss.Value.Data[0], logits.Value.Data, labels)
		log.Debug("batch done", "batch", step, "loss", loss.Value.Data[0], "positions", len(idx))
	}

	result, err := acc.Result()
	if err != nil {
		return Result{}, fmt.Errorf("%s epoch: %w", mode, err)
	}
	log.Info("epoch done", "loss", result.Loss, "acc", result.Accuracy, "auc", result.AUC,
		"batches", result.Batches, "positions", result.Positions)
	return result, nil
}

// SelectValid returns the flat (row*seq + pos) indices of positions with a
// non-zero target id, and their labels.
func SelectValid(b *data.Batch) ([]int, []float64) {
	var idx []int
	var labels []float64
	for r, row := range b.TargetID {
		seqLen := len(row)
		for s, id := range row {
			if id != 0 {
				idx = append(idx, r*seqLen+s)
				labels = append(labels, b.Label[r][s])
			}
		}
	}
	return idx, labels
}

func batchTags(b *data.Batch) int {
	if len(b.Tags) == 0 || len(b.Tags[0]) == 0 {
		return 0
	}
	return len(b.Tags[0][0])
}
