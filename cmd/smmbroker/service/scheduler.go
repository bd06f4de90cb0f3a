package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// StartOrderStatusWorker polls the provider for open orders every interval
// until ctx is done. Runs never overlap; a slow run pushes the next one back.
func (s *OrderService) StartOrderStatusWorker(ctx context.Context, interval time.Duration, clock clockwork.Clock) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler(gocron.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := s.RefreshStatuses(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("order status refresh failed", zap.Error(err))
			}
		}),
		gocron.WithName("order-status-refresh"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, fmt.Errorf("schedule order status refresh: %w", err)
	}
	sched.Start()
	go func() {
		<-ctx.Done()
		if err := sched.Shutdown(); err != nil {
			s.logger.Warn("scheduler shutdown", zap.Error(err))
		}
		s.logger.Info("order status worker stopped")
	}()
	return sched, nil
}
