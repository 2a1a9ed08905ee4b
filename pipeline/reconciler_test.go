package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/cashback-engine/ledger"
)

func corruptSafe(t *testing.T, h *harness, volume string) {
	t.Helper()
	ctx := context.Background()
	err := h.store.WithTx(ctx, func(s ledger.Store) error {
		sf, err := s.GetSafe(ctx, safe)
		if err != nil {
			return err
		}
		sf.NetUSDVolume = decimal.RequireFromString(volume)
		return s.PutSafe(ctx, sf)
	})
	require.NoError(t, err)
}

func TestReconciler_CorrectsDrift(t *testing.T) {
	// GIVEN: A safe whose stored volume no longer matches its transactions
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.proc.Process(ctx, spend(1, blockWeek1, "80"))
	require.NoError(t, err)
	_, err = h.proc.Process(ctx, refund(2, blockWeek1b, "30"))
	require.NoError(t, err)
	corruptSafe(t, h, "999")

	log, hook := test.NewNullLogger()
	metrics := NewMetrics(prometheus.NewRegistry())
	r := NewReconciler(h.store, log, metrics)

	// WHEN
	report := r.RunOnce(ctx)

	// THEN: The safe is repaired, counted and logged
	assert.Equal(t, ReconcileReport{Checked: 1, Corrected: 1}, report)
	s, err := h.store.GetSafe(ctx, safe)
	require.NoError(t, err)
	assert.Equal(t, "50", s.NetUSDVolume.String())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.drift))

	var warned bool
	for _, e := range hook.AllEntries() {
		warned = warned || e.Level == logrus.WarnLevel
	}
	assert.True(t, warned)

	// AND: A second pass finds nothing to do
	assert.Equal(t, ReconcileReport{Checked: 1}, r.RunOnce(ctx))
}

func TestReconciler_LeavesConsistentSafesAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.proc.Process(ctx, spend(1, blockWeek1, "80"))
	require.NoError(t, err)
	before, err := h.store.GetSafe(ctx, safe)
	require.NoError(t, err)

	report := NewReconciler(h.store, quietLogger(), nil).RunOnce(ctx)

	assert.Equal(t, 0, report.Corrected)
	after, err := h.store.GetSafe(ctx, safe)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestReconciler_StartRunsImmediatelyAndStops(t *testing.T) {
	// GIVEN: A drifted safe and a reconciler with a long interval
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.proc.Process(ctx, spend(1, blockWeek1, "80"))
	require.NoError(t, err)
	corruptSafe(t, h, "1")

	r := NewReconciler(h.store, quietLogger(), nil)
	r.CheckInterval = time.Hour

	// WHEN: Started, the first pass runs without waiting for a tick
	r.Start()
	r.Start()
	defer r.Stop()

	// THEN
	assert.Eventually(t, func() bool {
		s, err := h.store.GetSafe(ctx, safe)
		return err == nil && s.NetUSDVolume.Equal(decimal.NewFromInt(80))
	}, 2*time.Second, 10*time.Millisecond)

	r.Stop()
	r.Stop()
}

func TestReconciler_DisabledDoesNotStart(t *testing.T) {
	h := newHarness(t)
	_, err := h.proc.Process(context.Background(), spend(1, blockWeek1, "80"))
	require.NoError(t, err)
	corruptSafe(t, h, "1")

	r := NewReconciler(h.store, quietLogger(), nil)
	r.Enabled = false
	r.Start()
	defer r.Stop()

	time.Sleep(20 * time.Millisecond)
	s, err := h.store.GetSafe(context.Background(), safe)
	require.NoError(t, err)
	assert.Equal(t, "1", s.NetUSDVolume.String())
}
