package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/cashback-engine/ledger"
	"github.com/warp/cashback-engine/rewards"
	"github.com/warp/cashback-engine/tokens"
)

// Config carries the processor's collaborators. Store, Chain, Registry and
// Calculator are required.
type Config struct {
	Store      ledger.TxStore
	Chain      Chain
	Registry   *tokens.Registry
	Calculator *rewards.Calculator

	Logger   logrus.FieldLogger
	Metrics  *Metrics
	Notifier Notifier
}

// Processor is the entry point for raw events.
type Processor struct {
	guard    *Guard
	enricher *Enricher
	writer   *Writer
	notifier Notifier
	metrics  *Metrics
	log      logrus.FieldLogger
}

func NewProcessor(cfg Config) (*Processor, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("pipeline: store required")
	case cfg.Chain == nil:
		return nil, errors.New("pipeline: chain required")
	case cfg.Registry == nil:
		return nil, errors.New("pipeline: token registry required")
	case cfg.Calculator == nil:
		return nil, errors.New("pipeline: reward calculator required")
	}

	log := cfg.Logger
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}

	return &Processor{
		guard:    NewGuard(cfg.Store),
		enricher: NewEnricher(cfg.Chain, cfg.Registry),
		writer:   NewWriter(cfg.Store, cfg.Calculator),
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		log:      log.WithField("component", "pipeline"),
	}, nil
}

// ProcessSpendEvent posts a card spend. An unset Kind is treated as spend.
func (p *Processor) ProcessSpendEvent(ctx context.Context, ev Event) (Result, error) {
	if ev.Kind == "" {
		ev.Kind = ledger.KindSpend
	}
	if ev.Kind != ledger.KindSpend {
		return Result{}, ledger.NewEventError(ev.TxHash, ledger.StageValidate,
			fmt.Errorf("%w: %s event sent to spend entry point", ErrInvalidEvent, ev.Kind))
	}
	return p.Process(ctx, ev)
}

// ProcessRefundEvent posts a refund into a safe. An unset Kind is treated as
// refund.
func (p *Processor) ProcessRefundEvent(ctx context.Context, ev Event) (Result, error) {
	if ev.Kind == "" {
		ev.Kind = ledger.KindRefund
	}
	if ev.Kind != ledger.KindRefund {
		return Result{}, ledger.NewEventError(ev.TxHash, ledger.StageValidate,
			fmt.Errorf("%w: %s event sent to refund entry point", ErrInvalidEvent, ev.Kind))
	}
	return p.Process(ctx, ev)
}

// Process runs guard, enricher and writer for one event. Every error is a
// *ledger.EventError; duplicates satisfy ledger.IsDuplicate.
func (p *Processor) Process(ctx context.Context, ev Event) (Result, error) {
	start := time.Now()
	result, err := p.process(ctx, ev)
	p.metrics.observe(ev.Kind, err, time.Since(start))

	log := p.log.WithFields(logrus.Fields{
		"tx_hash": ev.TxHash.Hex(),
		"kind":    ev.Kind,
		"block":   ev.BlockNumber,
	})
	switch {
	case err == nil:
		log.WithFields(logrus.Fields{
			"safe":             result.Safe.Address.Hex(),
			"week":             result.WeekReward.Week,
			"amount_usd":       result.Transaction.AmountUSD.String(),
			"estimated_reward": result.WeekReward.EstimatedReward.String(),
		}).Info("event processed")
	case ledger.IsDuplicate(err):
		log.Debug("duplicate event ignored")
	default:
		log.WithFields(logrus.Fields{
			"stage":     ledger.StageOf(err),
			"retryable": ledger.IsRetryable(err),
		}).WithError(err).Warn("event failed")
	}
	return result, err
}

func (p *Processor) process(ctx context.Context, ev Event) (Result, error) {
	if err := ev.validate(); err != nil {
		return Result{}, ledger.NewEventError(ev.TxHash, ledger.StageValidate, err)
	}

	if err := p.guard.Check(ctx, ev.TxHash); err != nil {
		return Result{}, ledger.NewEventError(ev.TxHash, ledger.StageGuard, err)
	}

	enriched, err := p.enricher.Enrich(ctx, ev)
	if err != nil {
		return Result{}, err
	}

	result, err := p.writer.Write(ctx, enriched)
	if err != nil {
		return Result{}, ledger.NewEventError(ev.TxHash, ledger.StageWrite, err)
	}

	if p.notifier != nil {
		if nerr := p.notifier.Notify(ctx, result); nerr != nil {
			p.log.WithField("tx_hash", ev.TxHash.Hex()).WithError(nerr).Warn("notifier failed")
		}
	}
	return result, nil
}
