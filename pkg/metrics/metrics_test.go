package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sakt/pkg/train"
)

func TestRecorder_ObserveEpoch(t *testing.T) {
	r := NewRecorder("run-1")

	r.ObserveEpoch(train.EpochReport{
		Epoch: 1,
		Train: train.Result{Loss: 0.6, Accuracy: 0.7, AUC: 0.75, Positions: 100},
		Valid: &train.Result{Loss: 0.65, Accuracy: 0.68, AUC: 0.72, Positions: 40},
		LR:    1e-3,
	}, 2*time.Second)
	r.ObserveEpoch(train.EpochReport{
		Epoch: 2,
		Train: train.Result{Loss: 0.5, Accuracy: 0.72, AUC: 0.78, Positions: 100},
	}, 3*time.Second)

	assert.InDelta(t, 0.5, testutil.ToFloat64(r.loss.WithLabelValues("train")), 1e-12)
	assert.InDelta(t, 0.72, testutil.ToFloat64(r.auc.WithLabelValues("valid")), 1e-12)
	assert.InDelta(t, 200, testutil.ToFloat64(r.positions.WithLabelValues("train")), 1e-12)
	assert.InDelta(t, 40, testutil.ToFloat64(r.positions.WithLabelValues("valid")), 1e-12)
	assert.InDelta(t, 2, testutil.ToFloat64(r.epochs), 1e-12)
	// A report without a scheduler keeps the last learning rate.
	assert.InDelta(t, 1e-3, testutil.ToFloat64(r.lr), 1e-15)
}

func TestRecorder_Handler(t *testing.T) {
	r := NewRecorder("run-2")
	r.ObserveEpoch(train.EpochReport{Epoch: 1, Train: train.Result{AUC: 0.8, Positions: 3}}, time.Millisecond)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.Contains(text, `sakt_epoch_auc{mode="train",run_id="run-2"} 0.8`), text)
	assert.True(t, strings.Contains(text, "sakt_epoch_duration_seconds_bucket"), text)
}

func TestRecorder_Collectors(t *testing.T) {
	r := NewRecorder("run-3")
	r.ObserveEpoch(train.EpochReport{Epoch: 1}, time.Second)

	n, err := testutil.GatherAndCount(r.Registry(), "sakt_epochs_total", "sakt_learning_rate")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
