package model

import (
	"time"

	"gorm.io/datatypes"
)

// FlyerAudit 审核留痕，只追加
type FlyerAudit struct {
	ID         int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	FlyerID    int64          `gorm:"index;not null" json:"flyer_id"`
	Event      FlyerEvent     `gorm:"type:varchar(20);not null" json:"event"`
	FromStatus FlyerStatus    `gorm:"type:varchar(20);not null" json:"from_status"`
	ToStatus   FlyerStatus    `gorm:"type:varchar(20);not null" json:"to_status"`
	GuardID    int64          `gorm:"index;not null" json:"guard_id"`
	Reason     string         `gorm:"type:varchar(512)" json:"reason,omitempty"`
	Metadata   datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

func (FlyerAudit) TableName() string {
	return "flyer_audits"
}
