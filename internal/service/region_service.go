package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"townin/internal/model"
	"townin/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 父链最大深度，超过视为成环
const maxRegionDepth = 8

type UpsertRegionRequest struct {
	Code       string            `json:"code" binding:"required"`
	Name       string            `json:"name" binding:"required"`
	NameEn     string            `json:"name_en"`
	Level      model.RegionLevel `json:"level" binding:"required"`
	ParentCode string            `json:"parent_code"`
	Boundary   model.Polygon     `json:"boundary"`
	CenterLat  float64           `json:"center_lat"`
	CenterLng  float64           `json:"center_lng"`
}

// RegionService 行政区只读数据 + 同步任务写入时的校验
type RegionService struct {
	regionRepo *repository.RegionRepository
	log        *zap.Logger
}

func NewRegionService(db *gorm.DB, log *zap.Logger) *RegionService {
	return &RegionService{
		regionRepo: repository.NewRegionRepository(db),
		log:        log.Named("region.service"),
	}
}

// Upsert 按 code 写入，校验层级与父级一致、父链无环
func (s *RegionService) Upsert(ctx context.Context, req *UpsertRegionRequest) (*model.Region, error) {
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return nil, newErrorf(KindInvalidArgument, "行政区代码不能为空")
	}
	if !req.Level.Valid() {
		return nil, newErrorf(KindRegionLevel, "未知的层级: %s", req.Level)
	}

	region, err := s.regionRepo.GetByCode(ctx, code)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrRegionNotFound):
		region = &model.Region{Code: code}
	default:
		return nil, err
	}

	// 已有下级的行政区不能改层级，否则下级的父级层级不再相邻
	if region.ID != 0 && region.Level != req.Level {
		children, err := s.regionRepo.ListChildren(ctx, region.ID)
		if err != nil {
			return nil, err
		}
		if len(children) > 0 {
			return nil, newErrorf(KindRegionLevel, "行政区 %s 有 %d 个下级，不能从 %s 改为 %s",
				code, len(children), region.Level, req.Level)
		}
	}

	region.Name = req.Name
	region.NameEn = req.NameEn
	region.Level = req.Level
	region.CenterLat = req.CenterLat
	region.CenterLng = req.CenterLng

	parentLevel, needParent := req.Level.ParentLevel()
	switch {
	case !needParent && req.ParentCode != "":
		return nil, newErrorf(KindRegionLevel, "%s 级行政区不能有上级", req.Level)
	case needParent && req.ParentCode == "":
		return nil, newErrorf(KindRegionLevel, "%s 级行政区必须有上级", req.Level)
	case needParent:
		parent, err := s.regionRepo.GetByCode(ctx, req.ParentCode)
		if err != nil {
			if errors.Is(err, repository.ErrRegionNotFound) {
				return nil, newErrorf(KindNotFound, "上级行政区 %s 不存在", req.ParentCode)
			}
			return nil, err
		}
		if parent.Level != parentLevel {
			return nil, newErrorf(KindRegionLevel, "%s 的上级必须是 %s，实际为 %s", req.Level, parentLevel, parent.Level)
		}
		if err := s.checkCycle(ctx, region.ID, parent); err != nil {
			return nil, err
		}
		region.ParentID = &parent.ID
	default:
		region.ParentID = nil
	}

	if len(req.Boundary) > 0 {
		region.SetBoundary(req.Boundary)
	}

	if err := s.regionRepo.Save(ctx, region); err != nil {
		return nil, fmt.Errorf("保存行政区失败: %w", err)
	}
	s.log.Debug("行政区已同步", zap.String("code", region.Code), zap.String("level", string(region.Level)))
	return region, nil
}

// checkCycle 从 parent 向上走，遇到自己或超过最大深度即成环
func (s *RegionService) checkCycle(ctx context.Context, selfID int64, parent *model.Region) error {
	current := parent
	for depth := 0; ; depth++ {
		if selfID != 0 && current.ID == selfID {
			return newErrorf(KindRegionCycle, "行政区 %d 的父链成环", selfID)
		}
		if depth >= maxRegionDepth {
			return newErrorf(KindRegionCycle, "行政区父链超过 %d 层", maxRegionDepth)
		}
		if current.ParentID == nil {
			return nil
		}
		next, err := s.regionRepo.GetByID(ctx, *current.ParentID)
		if err != nil {
			if errors.Is(err, repository.ErrRegionNotFound) {
				return nil
			}
			return err
		}
		current = next
	}
}

func (s *RegionService) Get(ctx context.Context, id int64) (*model.Region, error) {
	region, err := s.regionRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrRegionNotFound) {
			return nil, newErrorf(KindNotFound, "行政区 %d 不存在", id)
		}
		return nil, err
	}
	return region, nil
}

func (s *RegionService) GetByCode(ctx context.Context, code string) (*model.Region, error) {
	region, err := s.regionRepo.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrRegionNotFound) {
			return nil, newErrorf(KindNotFound, "行政区 %s 不存在", code)
		}
		return nil, err
	}
	return region, nil
}

func (s *RegionService) Children(ctx context.Context, id int64) ([]*model.Region, error) {
	return s.regionRepo.ListChildren(ctx, id)
}

// Ancestors 从直接上级一直到市
func (s *RegionService) Ancestors(ctx context.Context, id int64) ([]*model.Region, error) {
	region, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []*model.Region
	for depth := 0; region.ParentID != nil; depth++ {
		if depth >= maxRegionDepth {
			return nil, newErrorf(KindRegionCycle, "行政区 %d 的父链成环", id)
		}
		parent, err := s.Get(ctx, *region.ParentID)
		if err != nil {
			return nil, err
		}
		out = append(out, parent)
		region = parent
	}
	return out, nil
}

var levelRank = map[model.RegionLevel]int{
	model.RegionLevelCity:         1,
	model.RegionLevelDistrict:     2,
	model.RegionLevelNeighborhood: 3,
}

// Locate 返回包含该点的最细一级行政区
func (s *RegionService) Locate(ctx context.Context, lat, lng float64) (*model.Region, error) {
	candidates, err := s.regionRepo.ListByBBox(ctx, lat, lng)
	if err != nil {
		return nil, err
	}

	var best *model.Region
	for _, r := range candidates {
		poly, err := model.ParsePolygon(r.Boundary)
		if err != nil {
			continue
		}
		if !poly.Contains(lat, lng) {
			continue
		}
		if best == nil || levelRank[r.Level] > levelRank[best.Level] {
			best = r
		}
	}
	if best == nil {
		return nil, newErrorf(KindNotFound, "坐标 (%f, %f) 不在任何行政区内", lat, lng)
	}
	return best, nil
}
