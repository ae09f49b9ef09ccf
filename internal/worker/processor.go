package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// process runs one task, converting a panic into an error so that one
// region cannot take the others down.
func (p *Pool) process(ctx context.Context, task Task, logger *zap.Logger) (err error) {
	start := time.Now()
	p.track(1)
	defer p.track(-1)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", task.Name, r)
			logger.Error("Task panicked", zap.String("task", task.Name), zap.Any("panic", r))
		}
	}()

	logger.Info("Task started", zap.String("task", task.Name))
	if err := task.Run(ctx); err != nil {
		logger.Warn("Task failed",
			zap.String("task", task.Name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return fmt.Errorf("%s: %w", task.Name, err)
	}
	logger.Info("Task completed",
		zap.String("task", task.Name),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (p *Pool) track(delta int) {
	p.mu.Lock()
	p.inflight += delta
	n := p.inflight
	p.mu.Unlock()
	if p.gauge != nil {
		p.gauge.SetInflight(n)
	}
}
