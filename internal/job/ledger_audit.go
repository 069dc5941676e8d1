package job

import (
	"context"
	"time"

	"townin/internal/config"
	"townin/internal/metrics"
	"townin/internal/repository"
	"townin/internal/service"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// LedgerAuditJob 对账：用流水重放结果校验账户缓存
// 每次处理一批账户，扫完一轮后从头开始
type LedgerAuditJob struct {
	ledger      *service.LedgerService
	accountRepo *repository.PointAccountRepository
	log         *zap.Logger
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
	lastID      int64
	drift       int
}

func NewLedgerAuditJob(db *gorm.DB, ledger *service.LedgerService, cfg *config.Config, log *zap.Logger) *LedgerAuditJob {
	return &LedgerAuditJob{
		ledger:      ledger,
		accountRepo: repository.NewPointAccountRepository(db),
		log:         log.Named("job.ledger_audit"),
		stopCh:      make(chan struct{}),
		interval:    time.Duration(cfg.Jobs.LedgerAuditIntervalSeconds) * time.Second,
		batchSize:   cfg.Jobs.BatchSize,
	}
}

func (j *LedgerAuditJob) Start(ctx context.Context) {
	j.log.Info("对账任务启动", zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.log.Info("任务停止")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *LedgerAuditJob) Stop() {
	close(j.stopCh)
}

// RunOnce 校验一批账户，返回本批不一致的账户ID
func (j *LedgerAuditJob) RunOnce(ctx context.Context) []int64 {
	ids, err := j.accountRepo.ListAccountIDs(ctx, j.lastID, j.batchSize)
	if err != nil {
		metrics.JobRuns.WithLabelValues("ledger_audit", metrics.ResultError).Inc()
		j.log.Error("查询账户失败", zap.Error(err))
		return nil
	}
	if j.lastID == 0 {
		j.drift = 0
	}

	var drifted []int64
	for _, id := range ids {
		result, err := j.ledger.Verify(ctx, id)
		if err != nil {
			j.log.Error("对账失败", zap.Int64("account_id", id), zap.Error(err))
			continue
		}
		if !result.Consistent {
			drifted = append(drifted, id)
			j.log.Error("账户余额与流水不一致",
				zap.Int64("account_id", id),
				zap.Int64("cached_total", result.Cached.TotalPoints),
				zap.Int64("replayed_total", result.Replayed.TotalPoints),
				zap.Int64("cached_spent", result.Cached.LifetimeSpent),
				zap.Int64("replayed_spent", result.Replayed.LifetimeSpent),
				zap.Int64("first_mismatch_id", result.Replayed.FirstMismatchID),
			)
		}
	}

	j.drift += len(drifted)
	if len(ids) < j.batchSize {
		// 一轮结束
		metrics.LedgerDrift.Set(float64(j.drift))
		j.lastID = 0
	} else {
		j.lastID = ids[len(ids)-1]
	}
	metrics.JobRuns.WithLabelValues("ledger_audit", metrics.ResultOK).Inc()
	return drifted
}
