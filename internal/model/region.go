package model

import (
	"time"

	"gorm.io/datatypes"
)

type RegionLevel string

const (
	RegionLevelCity         RegionLevel = "city"
	RegionLevelDistrict     RegionLevel = "district"
	RegionLevelNeighborhood RegionLevel = "neighborhood"
)

// ParentLevel 返回上一级（更粗粒度）的层级，city 没有上级
func (l RegionLevel) ParentLevel() (RegionLevel, bool) {
	switch l {
	case RegionLevelDistrict:
		return RegionLevelCity, true
	case RegionLevelNeighborhood:
		return RegionLevelDistrict, true
	default:
		return "", false
	}
}

func (l RegionLevel) Valid() bool {
	switch l {
	case RegionLevelCity, RegionLevelDistrict, RegionLevelNeighborhood:
		return true
	}
	return false
}

// Region 行政区（市 -> 区 -> 洞），由外部同步任务维护，核心只读
type Region struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Code      string         `gorm:"type:varchar(20);uniqueIndex;not null" json:"code"` // 行政区划代码
	Name      string         `gorm:"type:varchar(100);not null" json:"name"`
	NameEn    string         `gorm:"type:varchar(100)" json:"name_en,omitempty"`
	Level     RegionLevel    `gorm:"type:varchar(20);index;not null" json:"level"`
	ParentID  *int64         `gorm:"index" json:"parent_id,omitempty"`
	Boundary  datatypes.JSON `json:"boundary,omitempty"`
	CenterLat float64        `json:"center_lat"`
	CenterLng float64        `json:"center_lng"`
	// 外环包围盒，写入时由 boundary 计算，Locate 先用它在库里粗筛
	MinLat    float64        `gorm:"index:idx_region_bbox,priority:1" json:"-"`
	MaxLat    float64        `gorm:"index:idx_region_bbox,priority:2" json:"-"`
	MinLng    float64        `json:"-"`
	MaxLng    float64        `json:"-"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Region) TableName() string {
	return "regions"
}

// SetBoundary 写入边界并同步包围盒与中心点（中心点未设置时取包围盒中心）
func (r *Region) SetBoundary(p Polygon) {
	r.Boundary = p.JSON()
	box := p.BBox()
	r.MinLng, r.MinLat, r.MaxLng, r.MaxLat = box[0], box[1], box[2], box[3]
	if r.CenterLat == 0 && r.CenterLng == 0 {
		r.CenterLng = (box[0] + box[2]) / 2
		r.CenterLat = (box[1] + box[3]) / 2
	}
}
