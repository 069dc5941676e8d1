package repository

import (
	"context"
	"errors"

	"townin/internal/model"

	"gorm.io/gorm"
)

var ErrRegionNotFound = errors.New("行政区不存在")

type RegionRepository struct {
	db *gorm.DB
}

func NewRegionRepository(db *gorm.DB) *RegionRepository {
	return &RegionRepository{db: db}
}

// Save ID 为 0 时插入，否则整行覆盖
func (r *RegionRepository) Save(ctx context.Context, region *model.Region) error {
	return r.db.WithContext(ctx).Save(region).Error
}

func (r *RegionRepository) GetByID(ctx context.Context, id int64) (*model.Region, error) {
	var region model.Region
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&region).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRegionNotFound
		}
		return nil, err
	}
	return &region, nil
}

func (r *RegionRepository) GetByCode(ctx context.Context, code string) (*model.Region, error) {
	var region model.Region
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&region).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRegionNotFound
		}
		return nil, err
	}
	return &region, nil
}

func (r *RegionRepository) ListChildren(ctx context.Context, parentID int64) ([]*model.Region, error) {
	var regions []*model.Region
	err := r.db.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Order("code ASC").
		Find(&regions).Error
	return regions, err
}

// ListByBBox 包围盒粗筛，精确判定由调用方做
func (r *RegionRepository) ListByBBox(ctx context.Context, lat, lng float64) ([]*model.Region, error) {
	var regions []*model.Region
	err := r.db.WithContext(ctx).
		Where("min_lat <= ? AND max_lat >= ? AND min_lng <= ? AND max_lng >= ?", lat, lat, lng, lng).
		Find(&regions).Error
	return regions, err
}
