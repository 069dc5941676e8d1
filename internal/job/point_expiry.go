package job

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"townin/internal/config"
	"townin/internal/metrics"
	"townin/internal/repository"
	"townin/internal/service"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const pointExpiryCursorKey = "job:point_expiry:cursor"

// PointExpiryJob 到期的 earned 积分生成 expired 流水
// 扫描位置保存在 Redis，重启后从上次的位置继续
type PointExpiryJob struct {
	ledger          *service.LedgerService
	transactionRepo *repository.PointTransactionRepository
	redisClient     *redis.Client
	log             *zap.Logger
	stopCh          chan struct{}
	interval        time.Duration
	batchSize       int
	now             func() time.Time
}

func NewPointExpiryJob(db *gorm.DB, redisClient *redis.Client, ledger *service.LedgerService, cfg *config.Config, log *zap.Logger) *PointExpiryJob {
	return &PointExpiryJob{
		ledger:          ledger,
		transactionRepo: repository.NewPointTransactionRepository(db),
		redisClient:     redisClient,
		log:             log.Named("job.point_expiry"),
		stopCh:          make(chan struct{}),
		interval:        time.Duration(cfg.Jobs.PointExpiryIntervalSeconds) * time.Second,
		batchSize:       cfg.Jobs.BatchSize,
		now:             time.Now,
	}
}

func (j *PointExpiryJob) Start(ctx context.Context) {
	j.log.Info("积分过期任务启动", zap.Duration("interval", j.interval))

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

func (j *PointExpiryJob) Stop() {
	close(j.stopCh)
}

func (j *PointExpiryJob) loadCursor(ctx context.Context) (repository.ExpiryCursor, error) {
	var cursor repository.ExpiryCursor
	body, err := j.redisClient.Get(ctx, pointExpiryCursorKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return cursor, nil
		}
		return cursor, err
	}
	err = json.Unmarshal(body, &cursor)
	return cursor, err
}

func (j *PointExpiryJob) saveCursor(ctx context.Context, cursor repository.ExpiryCursor) error {
	body, err := json.Marshal(cursor)
	if err != nil {
		return err
	}
	return j.redisClient.Set(ctx, pointExpiryCursorKey, body, 0).Err()
}

// RunOnce 处理一批到期流水，返回生成的 expired 流水条数
// 某条处理失败时游标停在它之前，下次重试
func (j *PointExpiryJob) RunOnce(ctx context.Context) int {
	cursor, err := j.loadCursor(ctx)
	if err != nil {
		metrics.JobRuns.WithLabelValues("point_expiry", metrics.ResultError).Inc()
		j.log.Error("读取游标失败", zap.Error(err))
		return 0
	}

	due, err := j.transactionRepo.FindExpirable(ctx, j.now(), cursor, j.batchSize)
	if err != nil {
		metrics.JobRuns.WithLabelValues("point_expiry", metrics.ResultError).Inc()
		j.log.Error("查询到期积分失败", zap.Error(err))
		return 0
	}

	expired := 0
	var runErr error
	for _, earned := range due {
		trans, err := j.ledger.ExpireEarned(ctx, earned)
		if err != nil {
			runErr = err
			j.log.Error("积分过期失败",
				zap.Int64("transaction_id", earned.ID),
				zap.Int64("account_id", earned.AccountID),
				zap.Error(err),
			)
			break
		}
		if trans != nil {
			expired++
		}
		cursor = repository.ExpiryCursor{ExpiresAt: *earned.ExpiresAt, ID: earned.ID}
	}

	if len(due) > 0 {
		if err := j.saveCursor(ctx, cursor); err != nil {
			runErr = err
			j.log.Error("保存游标失败", zap.Error(err))
		}
	}
	metrics.JobRuns.WithLabelValues("point_expiry", metrics.Result(runErr)).Inc()
	if expired > 0 {
		j.log.Info("本次过期积分流水", zap.Int("count", expired))
	}
	return expired
}
