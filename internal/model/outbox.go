package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// 事件类型
const (
	EventPointEarned     = "point.earned"
	EventPointSpent      = "point.spent"
	EventPointExpired    = "point.expired"
	EventPointRefunded   = "point.refunded"
	EventTargetPurchased = "flyer.targeting_purchased"
	EventFlyerTransition = "flyer.status_changed"
)

// 聚合类型，同一聚合的消息使用相同的 message key 以保证分区内有序
const (
	AggregatePointAccount = "point_account"
	AggregateFlyer        = "flyer"
)

// OutboxMessage 与业务数据同事务写入，由 OutboxSender 投递到 Kafka
type OutboxMessage struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey    string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic         string    `gorm:"type:varchar(64);not null" json:"topic"`
	EventType     string    `gorm:"type:varchar(64);not null" json:"event_type"`
	AggregateType string    `gorm:"type:varchar(32);not null" json:"aggregate_type"`
	AggregateID   string    `gorm:"type:varchar(64);index;not null" json:"aggregate_id"`
	Payload       string    `gorm:"type:text;not null" json:"payload"`
	Status        string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount    int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// AllModels AutoMigrate 使用的完整表列表
func AllModels() []interface{} {
	return []interface{}{
		&Region{},
		&GridCell{},
		&PointAccount{},
		&PointTransaction{},
		&Flyer{},
		&TargetArea{},
		&FlyerAudit{},
		&OutboxMessage{},
	}
}
