package model

import (
	"time"
)

// TargetArea 传单与网格的投放关系
// 只能和引用该传单的 spent 积分流水在同一个事务中创建；传单过期后保留用于统计
type TargetArea struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	FlyerID        int64     `gorm:"uniqueIndex:ux_target_area_flyer_cell,priority:1;not null" json:"flyer_id"`
	GridCellID     int64     `gorm:"uniqueIndex:ux_target_area_flyer_cell,priority:2;not null" json:"grid_cell_id"`
	CellIndex      string    `gorm:"type:varchar(20);index;not null" json:"cell_index"`
	H3Resolution   int       `gorm:"not null" json:"h3_resolution"`
	EstimatedReach int64     `gorm:"not null;default:0" json:"estimated_reach"`
	CostPerCell    int64     `gorm:"not null" json:"cost_per_cell"`
	TransactionID  int64     `gorm:"index;not null" json:"transaction_id"` // 对应的 spent 流水
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (TargetArea) TableName() string {
	return "target_areas"
}
