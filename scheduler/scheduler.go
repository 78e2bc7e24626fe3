// Package scheduler runs the wall-clock passes over the order book: flagging
// overdue remainders at risk, then freezing deposit-paid orders at the lock
// date. Every mutation goes through the state machine, whose one-shot guards
// make repeated ticks harmless.
package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Tinglum/tinglumgard-sub003/config"
	"github.com/Tinglum/tinglumgard-sub003/models"
)

type OrderStore interface {
	ListAtRiskCandidates(ctx context.Context, line models.ProductLine) ([]models.Order, error)
	ListLockCandidates(ctx context.Context, line models.ProductLine) ([]models.Order, error)
}

type Transitions interface {
	MarkAtRisk(ctx context.Context, order *models.Order) error
	Lock(ctx context.Context, order *models.Order, at time.Time) (bool, error)
}

type Scheduler struct {
	orders    OrderStore
	engine    Transitions
	schedules map[models.ProductLine]config.LineSchedule
	interval  time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func New(orders OrderStore, engine Transitions, schedules map[models.ProductLine]config.LineSchedule, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		orders:    orders,
		engine:    engine,
		schedules: schedules,
		interval:  interval,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run ticks until the context is cancelled. One pass runs immediately so a
// restart does not wait a full interval to catch up with the calendar.
func (s *Scheduler) Run(ctx context.Context) {
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes the at-risk and lock passes for every product line whose
// deadline has passed.
func (s *Scheduler) RunOnce(ctx context.Context) {
	ctx, span := otel.Tracer("payment-engine").Start(ctx, "SchedulerTick")
	defer span.End()

	now := s.now()
	for line, schedule := range s.schedules {
		if !now.Before(schedule.RemainderCutoff) {
			s.atRiskPass(ctx, line)
		}
		if !now.Before(schedule.LockDate) {
			s.lockPass(ctx, line, now)
		}
	}
	span.SetAttributes(attribute.String("tick.at", now.Format(time.RFC3339)))
}

func (s *Scheduler) atRiskPass(ctx context.Context, line models.ProductLine) {
	orders, err := s.orders.ListAtRiskCandidates(ctx, line)
	if err != nil {
		s.logger.Error("At-risk pass failed to list candidates",
			zap.String("product_line", string(line)), zap.Error(err))
		return
	}

	for i := range orders {
		if err := s.engine.MarkAtRisk(ctx, &orders[i]); err != nil {
			s.logger.Error("Failed to mark order at risk",
				zap.Int("order_id", orders[i].ID), zap.Error(err))
		}
	}
	if len(orders) > 0 {
		s.logger.Info("At-risk pass completed",
			zap.String("product_line", string(line)),
			zap.Int("flagged", len(orders)))
	}
}

func (s *Scheduler) lockPass(ctx context.Context, line models.ProductLine, at time.Time) {
	orders, err := s.orders.ListLockCandidates(ctx, line)
	if err != nil {
		s.logger.Error("Lock pass failed to list candidates",
			zap.String("product_line", string(line)), zap.Error(err))
		return
	}

	locked := 0
	for i := range orders {
		ok, err := s.engine.Lock(ctx, &orders[i], at)
		if err != nil {
			s.logger.Error("Failed to lock order",
				zap.Int("order_id", orders[i].ID), zap.Error(err))
			continue
		}
		if ok {
			locked++
		}
	}
	if locked > 0 {
		s.logger.Info("Lock pass completed",
			zap.String("product_line", string(line)),
			zap.Int("locked", locked))
	}
}
