package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"townin/internal/config"
	"townin/internal/model"
	"townin/internal/repository"

	"gorm.io/gorm"
)

type UpsertCellRequest struct {
	CellIndex  string        `json:"cell_index" binding:"required"`
	RegionCode string        `json:"region_code" binding:"required"`
	Boundary   model.Polygon `json:"boundary"`
	CenterLat  float64       `json:"center_lat"`
	CenterLng  float64       `json:"center_lng"`
}

// GridService 网格读路径与计数器原子增减
type GridService struct {
	cfg        *config.Config
	cellRepo   *repository.GridCellRepository
	regionRepo *repository.RegionRepository
}

func NewGridService(db *gorm.DB, cfg *config.Config) *GridService {
	return &GridService{
		cfg:        cfg,
		cellRepo:   repository.NewGridCellRepository(db),
		regionRepo: repository.NewRegionRepository(db),
	}
}

// UpsertCell 同步任务写入网格几何，计数器不会被覆盖
func (s *GridService) UpsertCell(ctx context.Context, req *UpsertCellRequest) (*model.GridCell, error) {
	if req.CellIndex == "" {
		return nil, newErrorf(KindInvalidCell, "网格索引不能为空")
	}
	region, err := s.regionRepo.GetByCode(ctx, req.RegionCode)
	if err != nil {
		if errors.Is(err, repository.ErrRegionNotFound) {
			return nil, newErrorf(KindNotFound, "行政区 %s 不存在", req.RegionCode)
		}
		return nil, err
	}

	cell := &model.GridCell{
		CellIndex:  req.CellIndex,
		Resolution: s.cfg.Business.H3Resolution,
		RegionID:   region.ID,
		CenterLat:  req.CenterLat,
		CenterLng:  req.CenterLng,
	}
	if len(req.Boundary) > 0 {
		cell.Boundary = req.Boundary.JSON()
	}
	if err := s.cellRepo.Upsert(ctx, cell); err != nil {
		return nil, fmt.Errorf("保存网格失败: %w", err)
	}
	return s.cellRepo.GetByIndex(ctx, req.CellIndex)
}

func (s *GridService) GetCells(ctx context.Context, indexes []string) ([]*model.GridCell, error) {
	return s.cellRepo.GetByIndexes(ctx, nil, indexes)
}

func (s *GridService) ListByRegion(ctx context.Context, regionID int64) ([]*model.GridCell, error) {
	return s.cellRepo.ListByRegion(ctx, regionID)
}

// ActiveCells window 内有活动的网格，regionID 为 0 时不限区域
func (s *GridService) ActiveCells(ctx context.Context, regionID int64, window time.Duration, limit int) ([]*model.GridCell, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.cellRepo.ListActive(ctx, regionID, time.Now().Add(-window), limit)
}

func (s *GridService) IncrementUsers(ctx context.Context, cellIndex string, delta int64) error {
	return s.mapCounterErr(cellIndex, s.cellRepo.IncrementUserCount(ctx, nil, cellIndex, delta))
}

func (s *GridService) IncrementFlyers(ctx context.Context, cellIndex string, delta int64) error {
	return s.mapCounterErr(cellIndex, s.cellRepo.IncrementFlyerCount(ctx, nil, cellIndex, delta))
}

func (s *GridService) mapCounterErr(cellIndex string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrCellNotFound):
		return newErrorf(KindInvalidCell, "网格 %s 不存在", cellIndex)
	case errors.Is(err, repository.ErrCounterUnderflow):
		return newErrorf(KindInvalidArgument, "网格 %s 计数器不能小于 0", cellIndex)
	default:
		return err
	}
}
