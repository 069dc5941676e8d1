package model

import (
	"time"
)

// PointAccount 用户积分账户
// 缓存投影：total_points 必须等于 lifetime_earned - lifetime_spent，且永远不小于 0
// 真实来源是 point_transactions 流水
type PointAccount struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID      int64     `gorm:"uniqueIndex;not null" json:"account_id"` // 用户ID，首次记账时惰性创建
	TotalPoints    int64     `gorm:"not null;default:0" json:"total_points"`
	LifetimeEarned int64     `gorm:"not null;default:0" json:"lifetime_earned"`
	LifetimeSpent  int64     `gorm:"not null;default:0" json:"lifetime_spent"`
	Version        int       `gorm:"not null;default:0" json:"version"` // 乐观锁版本号
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime;index" json:"updated_at"`
}

func (PointAccount) TableName() string {
	return "point_accounts"
}
