// internal/service/ingest/dispatcher.go
package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"duka-service/internal/domain/payment"
	"duka-service/internal/metrics"
	xerrors "duka-service/internal/pkg/errors"
	"duka-service/internal/repository"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

type Applier interface {
	Apply(ctx context.Context, externalID string) (*payment.ApplyResult, error)
}

// PendingConfirmer re-sends provider confirmations that never landed.
type PendingConfirmer interface {
	ConfirmPending(ctx context.Context, appliedBefore time.Time, limit int) (int, error)
}

type DispatcherConfig struct {
	Workers        int
	QueueSize      int
	ApplyTimeout   time.Duration
	ReplayInterval time.Duration
	ReplayAfter    time.Duration
	ReplayBatch    int
}

// Dispatcher feeds recorded events to the reconciler on a bounded worker pool.
// A full queue drops the submission; the replay loop picks the event up later
// because it is still PENDING on disk.
type Dispatcher struct {
	applier   Applier
	store     repository.Queries
	confirmer PendingConfirmer
	cfg       DispatcherConfig
	logger    *zap.Logger
	now       func() time.Time

	queue  chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(applier Applier, store repository.Queries, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 30 * time.Second
	}
	if cfg.ReplayBatch <= 0 {
		cfg.ReplayBatch = 100
	}
	return &Dispatcher{
		applier: applier,
		store:   store,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		queue:   make(chan string, cfg.QueueSize),
	}
}

// WithConfirmer makes the replay loop also retry unconfirmed checkout payments.
func (d *Dispatcher) WithConfirmer(c PendingConfirmer) *Dispatcher {
	d.confirmer = c
	return d
}

// Start launches the workers and, when ReplayInterval is set, the replay loop.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	p := pool.New().WithMaxGoroutines(d.cfg.Workers)
	for i := 0; i < d.cfg.Workers; i++ {
		p.Go(func() { d.work(ctx) })
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		p.Wait()
	}()

	if d.cfg.ReplayInterval > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.replayLoop(ctx)
		}()
	}

	d.logger.Info("payment dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Int("queue", d.cfg.QueueSize),
		zap.Duration("replay_interval", d.cfg.ReplayInterval),
	)
}

// Stop cancels the workers and waits for in-flight applies to return.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Submit queues externalID without blocking.
func (d *Dispatcher) Submit(externalID string) bool {
	select {
	case d.queue <- externalID:
		metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
		return true
	default:
		d.logger.Warn("dispatch queue full, leaving event for replay",
			zap.String("external_id", externalID),
		)
		return false
	}
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.queue:
			metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
			d.process(ctx, id)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, externalID string) {
	applyCtx, cancel := context.WithTimeout(ctx, d.cfg.ApplyTimeout)
	defer cancel()

	res, err := d.applier.Apply(applyCtx, externalID)
	if err != nil {
		d.logger.Error("failed to reconcile payment event",
			zap.String("external_id", externalID),
			zap.Error(err),
		)
		return
	}

	switch outcome := res.Err(); {
	case errors.Is(outcome, xerrors.ErrDuplicateEvent):
		d.logger.Debug("payment event already applied", zap.String("external_id", externalID))
	case errors.Is(outcome, xerrors.ErrUnmatchedReference):
		d.logger.Info("payment event queued for operator",
			zap.String("external_id", externalID),
			zap.String("reason", res.Reason),
		)
	}
}

func (d *Dispatcher) replayLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ReplayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := d.Replay(ctx); err != nil {
				d.logger.Error("payment replay failed", zap.Error(err))
			} else if n > 0 {
				d.logger.Info("replayed pending payment events", zap.Int("count", n))
			}
			d.Reconfirm(ctx)
		}
	}
}

// Replay resubmits events still PENDING after ReplayAfter. It covers a crash
// between the durable insert and processing, and submissions a full queue dropped.
// The events are only queued, so the workers must be running.
func (d *Dispatcher) Replay(ctx context.Context) (int, error) {
	events, err := d.stalePending(ctx)
	if err != nil {
		return 0, err
	}

	submitted := 0
	for _, ev := range events {
		if !d.Submit(ev.ExternalID) {
			break
		}
		submitted++
	}
	return submitted, nil
}

// Reconfirm retries provider confirmations for events applied more than
// ReplayAfter ago. It is a no-op without a confirmer.
func (d *Dispatcher) Reconfirm(ctx context.Context) int {
	if d.confirmer == nil {
		return 0
	}
	n, err := d.confirmer.ConfirmPending(ctx, d.now().Add(-d.cfg.ReplayAfter), d.cfg.ReplayBatch)
	if err != nil {
		d.logger.Error("checkout re-confirmation pass failed", zap.Error(err))
	} else if n > 0 {
		d.logger.Info("re-confirmed checkout payments", zap.Int("count", n))
	}
	return n
}

// ReplayReport summarises a synchronous replay.
type ReplayReport struct {
	Found       int               `json:"found"`
	Processed   int               `json:"processed"`
	Failed      int               `json:"failed"`
	Reconfirmed int               `json:"reconfirmed"`
	Outcomes    map[string]string `json:"outcomes"`
}

// ReplayNow reconciles stale PENDING events on the calling goroutine, without
// the worker pool, then runs the re-confirmation pass. The ops CLI uses it
// since it never starts workers.
func (d *Dispatcher) ReplayNow(ctx context.Context) (*ReplayReport, error) {
	events, err := d.stalePending(ctx)
	if err != nil {
		return nil, err
	}

	report := &ReplayReport{Found: len(events), Outcomes: make(map[string]string, len(events))}
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		applyCtx, cancel := context.WithTimeout(ctx, d.cfg.ApplyTimeout)
		res, err := d.applier.Apply(applyCtx, ev.ExternalID)
		cancel()
		if err != nil {
			report.Failed++
			report.Outcomes[ev.ExternalID] = err.Error()
			d.logger.Error("replay apply failed", zap.String("external_id", ev.ExternalID), zap.Error(err))
			continue
		}
		report.Processed++
		report.Outcomes[ev.ExternalID] = string(res.Outcome)
	}
	report.Reconfirmed = d.Reconfirm(ctx)
	return report, nil
}

func (d *Dispatcher) stalePending(ctx context.Context) ([]payment.PaymentEvent, error) {
	cutoff := d.now().Add(-d.cfg.ReplayAfter)
	events, _, err := d.store.ListPaymentEventsByStatus(ctx,
		[]payment.MatchStatus{payment.MatchPending}, cutoff, 0, d.cfg.ReplayBatch)
	return events, err
}

// ApplyNow reconciles synchronously. Admin grants use it so the operator sees
// the result in the response.
func (d *Dispatcher) ApplyNow(ctx context.Context, externalID string) (*payment.ApplyResult, error) {
	return d.applier.Apply(ctx, externalID)
}
