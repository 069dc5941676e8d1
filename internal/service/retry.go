package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"townin/internal/infrastructure/lock"
	"townin/internal/metrics"
	"townin/internal/repository"
)

func isConflict(err error) bool {
	return errors.Is(err, repository.ErrOptimisticLock) ||
		errors.Is(err, repository.ErrFlyerStatusConflict) ||
		errors.Is(err, lock.ErrLockFailed)
}

// withConflictRetry 冲突类错误按指数退避重试，其余错误原样返回
// 重试耗尽后返回 ErrConcurrentConflict
func withConflictRetry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	wait := backoff
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !isConflict(err) {
			return err
		}
		metrics.LedgerConflicts.Inc()
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return fmt.Errorf("%w: %v", ErrConcurrentConflict, err)
}
