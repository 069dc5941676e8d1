package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"townin/internal/model"
	"townin/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PointEvent 积分变动事件
type PointEvent struct {
	EventType     string    `json:"event_type"`
	TransactionID int64     `json:"transaction_id"`
	TransactionNo string    `json:"transaction_no"`
	AccountID     int64     `json:"account_id"`
	Type          string    `json:"type"`
	Amount        int64     `json:"amount"`
	BalanceAfter  int64     `json:"balance_after"`
	Reason        string    `json:"reason"`
	ReferenceType string    `json:"reference_type,omitempty"`
	ReferenceID   string    `json:"reference_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// FlyerChangedEvent 传单状态变更 / 投放事件
type FlyerChangedEvent struct {
	EventType  string            `json:"event_type"`
	FlyerID    int64             `json:"flyer_id"`
	MerchantID int64             `json:"merchant_id"`
	Event      model.FlyerEvent  `json:"event,omitempty"`
	From       model.FlyerStatus `json:"from,omitempty"`
	To         model.FlyerStatus `json:"to"`
	GuardID    int64             `json:"guard_id,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Cells      []string          `json:"cells,omitempty"`
	TotalCost  int64             `json:"total_cost,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

func newOutboxMessage(topic, eventType, aggregateType string, aggregateID int64, payload interface{}) (*model.OutboxMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化事件失败: %w", err)
	}
	key := fmt.Sprintf("%s:%d", aggregateType, aggregateID)
	return &model.OutboxMessage{
		MessageKey:    key,
		Topic:         topic,
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   fmt.Sprintf("%d", aggregateID),
		Payload:       string(body),
		Status:        model.OutboxStatusPending,
	}, nil
}

// OutboxService 运维入口：按聚合查看投递记录，重新投递失败消息
type OutboxService struct {
	outboxRepo *repository.OutboxRepository
	log        *zap.Logger
}

func NewOutboxService(db *gorm.DB, log *zap.Logger) *OutboxService {
	return &OutboxService{
		outboxRepo: repository.NewOutboxRepository(db),
		log:        log.Named("outbox.service"),
	}
}

func (s *OutboxService) ByAggregate(ctx context.Context, aggregateType string, aggregateID int64) ([]*model.OutboxMessage, error) {
	switch aggregateType {
	case model.AggregatePointAccount, model.AggregateFlyer:
	default:
		return nil, newErrorf(KindInvalidArgument, "未知的聚合类型: %s", aggregateType)
	}
	return s.outboxRepo.ListByAggregate(ctx, aggregateType, strconv.FormatInt(aggregateID, 10))
}

// Requeue 把 FAILED 消息放回队列，由 OutboxSender 重新投递
func (s *OutboxService) Requeue(ctx context.Context, limit int) (int64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	n, err := s.outboxRepo.RequeueFailed(ctx, limit)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("失败消息已重新入队", zap.Int64("count", n))
	}
	return n, nil
}
