// Package metrics exports epoch results as prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sakt/pkg/train"
)

// Recorder holds the collectors of one training run.
type Recorder struct {
	registry *prometheus.Registry

	loss      *prometheus.GaugeVec
	accuracy  *prometheus.GaugeVec
	auc       *prometheus.GaugeVec
	positions *prometheus.CounterVec
	duration  prometheus.Histogram
	epochs    prometheus.Counter
	lr        prometheus.Gauge
}

// NewRecorder creates collectors labelled with runID on a private registry.
func NewRecorder(runID string) *Recorder {
	labels := prometheus.Labels{"run_id": runID}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		loss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sakt", Name: "epoch_loss", Help: "Mean loss of the last epoch.", ConstLabels: labels,
		}, []string{"mode"}),
		accuracy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sakt", Name: "epoch_accuracy", Help: "Accuracy of the last epoch.", ConstLabels: labels,
		}, []string{"mode"}),
		auc: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sakt", Name: "epoch_auc", Help: "AUC of the last epoch.", ConstLabels: labels,
		}, []string{"mode"}),
		positions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sakt", Name: "positions_total", Help: "Valid positions processed.", ConstLabels: labels,
		}, []string{"mode"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sakt", Name: "epoch_duration_seconds", Help: "Wall time per epoch, validation included.", ConstLabels: labels,
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		epochs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sakt", Name: "epochs_total", Help: "Completed training epochs.", ConstLabels: labels,
		}),
		lr: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sakt", Name: "learning_rate", Help: "Current learning rate.", ConstLabels: labels,
		}),
	}
	r.registry.MustRegister(r.loss, r.accuracy, r.auc, r.positions, r.duration, r.epochs, r.lr)
	return r
}

// Registry returns the registry holding the collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveEpoch records one Fit epoch and the time it took.
func (r *Recorder) ObserveEpoch(report train.EpochReport, took time.Duration) {
	r.observe(train.ModeTrain, report.Train)
	if report.Valid != nil {
		r.observe(train.ModeEval, *report.Valid)
	}
	r.epochs.Inc()
	r.duration.Observe(took.Seconds())
	if report.LR > 0 {
		r.lr.Set(report.LR)
	}
}

func (r *Recorder) observe(mode train.Mode, res train.Result) {
	m := mode.String()
	r.loss.WithLabelValues(m).Set(res.Loss)
	r.accuracy.WithLabelValues(m).Set(res.Accuracy)
	r.auc.WithLabelValues(m).Set(res.AUC)
	r.positions.WithLabelValues(m).Add(float64(res.Positions))
}

// Handler serves the registry in the prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
