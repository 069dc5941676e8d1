package job

import (
	"context"
	"time"

	"townin/internal/config"
	"townin/internal/metrics"
	"townin/internal/model"
	"townin/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Publisher 消息投递，mq.Producer 实现
type Publisher interface {
	SendMessage(topic, key, eventType, value string) error
}

// OutboxSender 把 outbox 中的待发送消息投递到 Kafka，至少一次
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  Publisher
	log        *zap.Logger
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	maxRetry   int
}

func NewOutboxSender(db *gorm.DB, publisher Publisher, cfg *config.Config, log *zap.Logger) *OutboxSender {
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		log:        log.Named("job.outbox_sender"),
		stopCh:     make(chan struct{}),
		interval:   time.Duration(cfg.Jobs.OutboxIntervalMs) * time.Millisecond,
		batchSize:  cfg.Jobs.BatchSize,
		maxRetry:   cfg.Business.MaxRetryCount,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.Info("消息发送任务启动", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.log.Info("任务停止")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// RunOnce 发送一批消息，返回发送成功的条数
func (s *OutboxSender) RunOnce(ctx context.Context) int {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	metrics.JobRuns.WithLabelValues("outbox_sender", metrics.Result(err)).Inc()
	if err != nil {
		s.log.Error("查询消息失败", zap.Error(err))
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.send(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) send(ctx context.Context, msg *model.OutboxMessage) bool {
	err := s.publisher.SendMessage(msg.Topic, msg.MessageKey, msg.EventType, msg.Payload)
	metrics.OutboxDelivered.WithLabelValues(metrics.Result(err)).Inc()

	if err == nil {
		if updateErr := s.outboxRepo.MarkSent(ctx, msg.ID); updateErr != nil {
			s.log.Error("更新消息状态失败", zap.Int64("id", msg.ID), zap.Error(updateErr))
			return false
		}
		s.log.Debug("消息发送成功",
			zap.Int64("id", msg.ID),
			zap.String("topic", msg.Topic),
			zap.String("key", msg.MessageKey),
		)
		return true
	}

	s.log.Warn("消息发送失败", zap.Int64("id", msg.ID), zap.Int("retry_count", msg.RetryCount), zap.Error(err))

	if err := s.outboxRepo.RecordFailure(ctx, msg.ID, msg.RetryCount, s.maxRetry); err != nil {
		s.log.Error("记录发送失败次数失败", zap.Int64("id", msg.ID), zap.Error(err))
		return false
	}
	if msg.RetryCount+1 >= s.maxRetry {
		s.log.Error("消息超过最大重试次数，标记为失败",
			zap.Int64("id", msg.ID),
			zap.String("event_type", msg.EventType),
			zap.String("aggregate_id", msg.AggregateID),
		)
	}
	return false
}
