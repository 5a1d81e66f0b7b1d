package train

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"

	"sakt/pkg/tensor"
)

var (
	// ErrSingleClass is returned when AUC is requested over labels of one class.
	ErrSingleClass = errors.New("AUC is undefined when only one class is present")

	// ErrEmptyEpoch is returned when an epoch has no valid positions.
	ErrEmptyEpoch = errors.New("epoch contained no valid positions")
)

// Result summarizes one epoch.
type Result struct {
	Loss      float64 // mean of per-batch losses
	Accuracy  float64 // correct / total over valid positions
	AUC       float64 // over every valid position of the epoch
	Batches   int
	Positions int
}

// Accumulator collects per-batch outputs over an epoch.
//
// AUC does not decompose over batches, so labels and scores are kept for
// the whole epoch and the AUC is computed once in Result.
type Accumulator struct {
	losses  []float64
	correct int
	total   int
	labels  []float64
	scores  []float64
}

// Add records one batch: its loss and the logits and labels of its valid positions.
func (a *Accumulator) Add(loss float64, logits, labels []float64) {
	a.losses = append(a.losses, loss)
	for i, z := range logits {
		pred := 0.0
		if tensor.Sigmoid(z) >= 0.5 {
			pred = 1
		}
		if pred == labels[i] {
			a.correct++
		}
	}
	a.total += len(labels)
	a.labels = append(a.labels, labels...)
	a.scores = append(a.scores, logits...)
}

// Correct returns the number of correct predictions so far.
func (a *Accumulator) Correct() int { return a.correct }

// Total returns the number of valid positions so far.
func (a *Accumulator) Total() int { return a.total }

// Result computes the epoch summary.
func (a *Accumulator) Result() (Result, error) {
	if a.total == 0 {
		return Result{}, ErrEmptyEpoch
	}
	auc, err := AUC(a.labels, a.scores)
	if err != nil {
		return Result{}, fmt.Errorf("failed to compute epoch AUC: %w", err)
	}
	return Result{
		Loss:      stat.Mean(a.losses, nil),
		Accuracy:  float64(a.correct) / float64(a.total),
		AUC:       auc,
		Batches:   len(a.losses),
		Positions: a.total,
	}, nil
}

// AUC returns the area under the ROC curve of scores against binary labels.
// Tied scores contribute a diagonal segment, matching the usual trapezoidal
// definition.
func AUC(labels, scores []float64) (float64, error) {
	if len(labels) != len(scores) {
		return 0, fmt.Errorf("labels (%d) and scores (%d) differ in length", len(labels), len(scores))
	}
	if len(labels) == 0 {
		return 0, ErrEmptyEpoch
	}

	y := append([]float64(nil), scores...)
	classes := make([]bool, len(labels))
	positives := 0
	for i, l := range labels {
		classes[i] = l >= 0.5
		if classes[i] {
			positives++
		}
	}
	if positives == 0 || positives == len(labels) {
		return 0, ErrSingleClass
	}

	stat.SortWeightedLabeled(y, classes, nil)
	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	if floats.HasNaN(tpr) || floats.HasNaN(fpr) {
		return 0, fmt.Errorf("ROC curve is undefined for the given scores")
	}
	return integrate.Trapezoidal(fpr, tpr), nil
}
