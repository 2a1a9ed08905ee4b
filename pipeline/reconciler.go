/*
reconciler.go - Periodic safe volume reconciliation

PURPOSE:
  The writer recomputes a safe's lifetime net volume on every write, so the
  stored value should always equal the signed sum of the safe's transactions.
  The reconciler checks that on a schedule and repairs any safe where it does
  not hold (restored backups, manual edits, writes from older builds).

DESIGN:
  - Background goroutine driven by a ticker, plus one pass at start
  - Each safe is checked and repaired inside its own WithTx scope
  - Only NetUSDVolume is touched; week rewards are historical records

USAGE:
  r := NewReconciler(store, logger, metrics)
  r.Start()
  defer r.Stop()
*/
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/warp/cashback-engine/ledger"
)

// ReconcileReport summarises one pass.
type ReconcileReport struct {
	Checked   int
	Corrected int
	Failed    int
}

// Reconciler repairs drifted safe aggregates.
type Reconciler struct {
	Store         ledger.TxStore
	CheckInterval time.Duration
	Enabled       bool

	log     logrus.FieldLogger
	metrics *Metrics

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewReconciler(store ledger.TxStore, log logrus.FieldLogger, metrics *Metrics) *Reconciler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reconciler{
		Store:         store,
		CheckInterval: time.Hour,
		Enabled:       true,
		log:           log.WithField("component", "reconciler"),
		metrics:       metrics,
	}
}

// Start launches the background loop. Calling Start twice is a no-op.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.Enabled {
		r.log.Info("reconciler disabled, not starting")
		return
	}
	if r.ticker != nil {
		return
	}

	r.ticker = time.NewTicker(r.CheckInterval)
	r.stop = make(chan struct{})
	r.wg.Add(1)
	go r.run()

	r.log.WithField("interval", r.CheckInterval.String()).Info("reconciler started")
}

// Stop ends the loop and waits for an in-flight pass to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ticker == nil {
		return
	}
	r.ticker.Stop()
	close(r.stop)
	r.wg.Wait()
	r.ticker = nil
	r.log.Info("reconciler stopped")
}

func (r *Reconciler) run() {
	defer r.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-r.stop
		cancel()
	}()

	r.RunOnce(ctx)
	for {
		select {
		case <-r.ticker.C:
			r.RunOnce(ctx)
		case <-r.stop:
			return
		}
	}
}

// RunOnce checks every safe and returns what it found.
func (r *Reconciler) RunOnce(ctx context.Context) ReconcileReport {
	var report ReconcileReport

	safes, err := r.Store.ListSafes(ctx)
	if err != nil {
		r.log.WithError(err).Error("list safes")
		return report
	}

	for _, addr := range safes {
		if ctx.Err() != nil {
			break
		}
		report.Checked++

		corrected, err := r.reconcileSafe(ctx, addr)
		switch {
		case err != nil:
			report.Failed++
			r.log.WithField("safe", addr.Hex()).WithError(err).Error("reconcile safe")
		case corrected:
			report.Corrected++
		}
	}

	if report.Corrected > 0 || report.Failed > 0 {
		r.log.WithFields(logrus.Fields{
			"checked":   report.Checked,
			"corrected": report.Corrected,
			"failed":    report.Failed,
		}).Info("reconcile pass finished")
	}
	return report
}

func (r *Reconciler) reconcileSafe(ctx context.Context, addr common.Address) (bool, error) {
	corrected := false
	err := r.Store.WithTx(ctx, func(s ledger.Store) error {
		safe, err := s.GetSafe(ctx, addr)
		if err != nil {
			return err
		}
		txs, err := s.SafeTransactions(ctx, safe.Address)
		if err != nil {
			return err
		}

		want := ledger.NetUSDVolume(txs)
		if want.Equal(safe.NetUSDVolume) {
			return nil
		}

		r.log.WithFields(logrus.Fields{
			"safe":   safe.Address.Hex(),
			"stored": safe.NetUSDVolume.String(),
			"actual": want.String(),
		}).Warn("safe net volume drifted, correcting")

		safe.NetUSDVolume = want
		if err := s.PutSafe(ctx, safe); err != nil {
			return err
		}
		corrected = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if corrected {
		r.metrics.driftCorrected()
	}
	return corrected, nil
}
