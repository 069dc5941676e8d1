package job

import (
	"context"
	"time"

	"townin/internal/config"
	"townin/internal/metrics"
	"townin/internal/service"

	"go.uber.org/zap"
)

// FlyerExpireJob 调度器：把结束时间已过的传单置为过期
type FlyerExpireJob struct {
	flyerService *service.FlyerService
	log          *zap.Logger
	stopCh       chan struct{}
	interval     time.Duration
	batchSize    int
	now          func() time.Time
}

func NewFlyerExpireJob(flyerService *service.FlyerService, cfg *config.Config, log *zap.Logger) *FlyerExpireJob {
	return &FlyerExpireJob{
		flyerService: flyerService,
		log:          log.Named("job.flyer_expire"),
		stopCh:       make(chan struct{}),
		interval:     time.Duration(cfg.Jobs.FlyerExpireIntervalSeconds) * time.Second,
		batchSize:    cfg.Jobs.BatchSize,
		now:          time.Now,
	}
}

func (j *FlyerExpireJob) Start(ctx context.Context) {
	j.log.Info("传单过期任务启动", zap.Duration("interval", j.interval))

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

func (j *FlyerExpireJob) Stop() {
	close(j.stopCh)
}

// RunOnce 处理一批到期传单，返回成功过期的数量
func (j *FlyerExpireJob) RunOnce(ctx context.Context) int {
	expired, err := j.flyerService.ExpireDue(ctx, j.now(), j.batchSize)
	metrics.JobRuns.WithLabelValues("flyer_expire", metrics.Result(err)).Inc()
	if err != nil {
		j.log.Error("查询到期传单失败", zap.Error(err))
		return 0
	}
	if expired > 0 {
		j.log.Info("本次过期传单", zap.Int("count", expired))
	}
	return expired
}
