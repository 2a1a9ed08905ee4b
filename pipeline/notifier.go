package pipeline

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Notifier is told about every committed event, after commit. It is the
// boundary to the real-time push layer; a failing notifier never undoes a
// write.
type Notifier interface {
	Notify(ctx context.Context, result Result) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, result Result) error

func (f NotifierFunc) Notify(ctx context.Context, result Result) error {
	return f(ctx, result)
}

// LogNotifier writes each update to a logger at debug level.
type LogNotifier struct {
	Log logrus.FieldLogger
}

func (n LogNotifier) Notify(_ context.Context, r Result) error {
	n.Log.WithFields(logrus.Fields{
		"tx_hash":          r.Transaction.Hash.Hex(),
		"safe":             r.Safe.Address.Hex(),
		"week":             r.WeekReward.Week,
		"week_net_usd":     r.WeekReward.NetUSDVolume.String(),
		"estimated_reward": r.WeekReward.EstimatedReward.String(),
		"week_tx_count":    len(r.WeekMetrics.Transactions),
	}).Debug("ledger updated")
	return nil
}
