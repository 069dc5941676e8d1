package model

import (
	"time"

	"gorm.io/datatypes"
)

// GridCell 固定分辨率的六边形网格，定价与投放的最小单位
// user_count / flyer_count 只允许通过原子增减修改
type GridCell struct {
	ID             int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	CellIndex      string         `gorm:"type:varchar(20);uniqueIndex;not null" json:"cell_index"` // H3 索引
	Resolution     int            `gorm:"not null" json:"resolution"`
	RegionID       int64          `gorm:"index;not null" json:"region_id"`
	Boundary       datatypes.JSON `json:"boundary,omitempty"`
	CenterLat      float64        `json:"center_lat"`
	CenterLng      float64        `json:"center_lng"`
	UserCount      int64          `gorm:"not null;default:0" json:"user_count"`
	FlyerCount     int64          `gorm:"not null;default:0" json:"flyer_count"`
	LastActivityAt *time.Time     `gorm:"index" json:"last_activity_at,omitempty"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

func (GridCell) TableName() string {
	return "grid_cells"
}
