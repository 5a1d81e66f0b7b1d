package train

import (
	"context"
	"fmt"

	"sakt/pkg/data"
)

// EpochReport is the outcome of one Fit epoch.
type EpochReport struct {
	Epoch int
	Train Result
	Valid *Result // nil without a validation loader
	LR    float64 // learning rate after the epoch, 0 without a scheduler
}

// Fit alternates training and validation epochs. onEpoch, if non-nil, is
// called after every epoch; returning an error stops the run.
func (t *Trainer) Fit(ctx context.Context, epochs int, trainLoader, validLoader data.Loader, onEpoch func(EpochReport) error) ([]EpochReport, error) {
	if epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", epochs)
	}

	reports := make([]EpochReport, 0, epochs)
	for epoch := 1; epoch <= epochs; epoch++ {
		report := EpochReport{Epoch: epoch}

		res, err := t.Train(ctx, trainLoader)
		if err != nil {
			return reports, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		report.Train = res

		if validLoader != nil {
			res, err := t.Validate(ctx, validLoader)
			if err != nil {
				return reports, fmt.Errorf("epoch %d: %w", epoch, err)
			}
			report.Valid = &res
		}
		if t.Scheduler != nil {
			report.LR = t.Scheduler.LR()
		}

		reports = append(reports, report)
		if onEpoch != nil {
			if err := onEpoch(report); err != nil {
				return reports, err
			}
		}
	}
	return reports, nil
}
