package repository

import (
	"context"

	"townin/internal/model"

	"gorm.io/gorm"
)

// CellPopularity 网格被投放的次数
type CellPopularity struct {
	CellIndex  string `json:"cell_index"`
	FlyerCount int64  `json:"flyer_count"`
	TotalReach int64  `json:"total_reach"`
}

// FlyerReach 单个传单投放汇总
type FlyerReach struct {
	Cells     int64 `json:"cells"`
	Reach     int64 `json:"reach"`
	TotalCost int64 `json:"total_cost"`
}

type TargetAreaRepository struct {
	db *gorm.DB
}

func NewTargetAreaRepository(db *gorm.DB) *TargetAreaRepository {
	return &TargetAreaRepository{db: db}
}

func (r *TargetAreaRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

// CreateBatch 必须与对应的 spent 流水在同一事务中调用
func (r *TargetAreaRepository) CreateBatch(ctx context.Context, tx *gorm.DB, areas []*model.TargetArea) error {
	if len(areas) == 0 {
		return nil
	}
	return r.conn(tx).WithContext(ctx).Create(&areas).Error
}

func (r *TargetAreaRepository) ListByFlyer(ctx context.Context, tx *gorm.DB, flyerID int64) ([]*model.TargetArea, error) {
	var areas []*model.TargetArea
	err := r.conn(tx).WithContext(ctx).
		Where("flyer_id = ?", flyerID).
		Order("id ASC").
		Find(&areas).Error
	return areas, err
}

func (r *TargetAreaRepository) CountByFlyer(ctx context.Context, tx *gorm.DB, flyerID int64) (int64, error) {
	var count int64
	err := r.conn(tx).WithContext(ctx).
		Model(&model.TargetArea{}).
		Where("flyer_id = ?", flyerID).
		Count(&count).Error
	return count, err
}

// ExistingCellIDs 传单已经买过的网格
func (r *TargetAreaRepository) ExistingCellIDs(ctx context.Context, tx *gorm.DB, flyerID int64, cellIDs []int64) ([]int64, error) {
	var ids []int64
	if len(cellIDs) == 0 {
		return ids, nil
	}
	err := r.conn(tx).WithContext(ctx).
		Model(&model.TargetArea{}).
		Where("flyer_id = ? AND grid_cell_id IN ?", flyerID, cellIDs).
		Pluck("grid_cell_id", &ids).Error
	return ids, err
}

func (r *TargetAreaRepository) Summary(ctx context.Context, flyerID int64) (*FlyerReach, error) {
	var out FlyerReach
	err := r.db.WithContext(ctx).
		Model(&model.TargetArea{}).
		Select("COUNT(*) AS cells, COALESCE(SUM(estimated_reach), 0) AS reach, COALESCE(SUM(cost_per_cell), 0) AS total_cost").
		Where("flyer_id = ?", flyerID).
		Scan(&out).Error
	return &out, err
}

// Popular 被最多传单投放的网格
func (r *TargetAreaRepository) Popular(ctx context.Context, limit int) ([]*CellPopularity, error) {
	var out []*CellPopularity
	err := r.db.WithContext(ctx).
		Model(&model.TargetArea{}).
		Select("cell_index, COUNT(*) AS flyer_count, COALESCE(SUM(estimated_reach), 0) AS total_reach").
		Group("cell_index").
		Order("flyer_count DESC").
		Order("cell_index ASC").
		Limit(limit).
		Scan(&out).Error
	return out, err
}
