package repository

import (
	"context"
	"errors"
	"time"

	"townin/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrCellNotFound     = errors.New("网格不存在")
	ErrCounterUnderflow = errors.New("计数器不能小于 0")
)

type GridCellRepository struct {
	db *gorm.DB
}

func NewGridCellRepository(db *gorm.DB) *GridCellRepository {
	return &GridCellRepository{db: db}
}

func (r *GridCellRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

// Upsert 同步任务写入网格几何，只覆盖几何字段，计数器保持不变
func (r *GridCellRepository) Upsert(ctx context.Context, cell *model.GridCell) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cell_index"}},
		DoUpdates: clause.AssignmentColumns([]string{"resolution", "region_id", "boundary", "center_lat", "center_lng"}),
	}).Create(cell).Error
}

func (r *GridCellRepository) GetByIndex(ctx context.Context, cellIndex string) (*model.GridCell, error) {
	var cell model.GridCell
	err := r.db.WithContext(ctx).Where("cell_index = ?", cellIndex).First(&cell).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCellNotFound
		}
		return nil, err
	}
	return &cell, nil
}

// GetByIndexes 批量查询，不存在的索引直接缺席，由调用方比对
func (r *GridCellRepository) GetByIndexes(ctx context.Context, tx *gorm.DB, indexes []string) ([]*model.GridCell, error) {
	var cells []*model.GridCell
	if len(indexes) == 0 {
		return cells, nil
	}
	err := r.conn(tx).WithContext(ctx).
		Where("cell_index IN ?", indexes).
		Find(&cells).Error
	return cells, err
}

// IncrementUserCount 原子增减用户数：UPDATE ... SET user_count = user_count + ?
func (r *GridCellRepository) IncrementUserCount(ctx context.Context, tx *gorm.DB, cellIndex string, delta int64) error {
	return r.increment(ctx, tx, "user_count", cellIndex, delta)
}

// IncrementFlyerCount 原子增减传单数
func (r *GridCellRepository) IncrementFlyerCount(ctx context.Context, tx *gorm.DB, cellIndex string, delta int64) error {
	return r.increment(ctx, tx, "flyer_count", cellIndex, delta)
}

func (r *GridCellRepository) increment(ctx context.Context, tx *gorm.DB, column, cellIndex string, delta int64) error {
	db := r.conn(tx).WithContext(ctx)

	result := db.Model(&model.GridCell{}).
		Where("cell_index = ? AND "+column+" + ? >= 0", cellIndex, delta).
		Updates(map[string]interface{}{
			column:             gorm.Expr(column+" + ?", delta),
			"last_activity_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := db.Model(&model.GridCell{}).Where("cell_index = ?", cellIndex).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrCellNotFound
		}
		return ErrCounterUnderflow
	}
	return nil
}

// IncrementFlyerCountByIDs 购买投放时在同一事务内给一批网格 flyer_count + 1
func (r *GridCellRepository) IncrementFlyerCountByIDs(ctx context.Context, tx *gorm.DB, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	result := r.conn(tx).WithContext(ctx).
		Model(&model.GridCell{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"flyer_count":      gorm.Expr("flyer_count + 1"),
			"last_activity_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected != int64(len(ids)) {
		return ErrCellNotFound
	}
	return nil
}

func (r *GridCellRepository) ListByRegion(ctx context.Context, regionID int64) ([]*model.GridCell, error) {
	var cells []*model.GridCell
	err := r.db.WithContext(ctx).
		Where("region_id = ?", regionID).
		Order("cell_index ASC").
		Find(&cells).Error
	return cells, err
}

// ListActive 最近有活动的网格，regionID 为 0 时不限区域
func (r *GridCellRepository) ListActive(ctx context.Context, regionID int64, since time.Time, limit int) ([]*model.GridCell, error) {
	var cells []*model.GridCell
	query := r.db.WithContext(ctx).Where("last_activity_at >= ?", since)
	if regionID > 0 {
		query = query.Where("region_id = ?", regionID)
	}
	err := query.
		Order("last_activity_at DESC").
		Limit(limit).
		Find(&cells).Error
	return cells, err
}
