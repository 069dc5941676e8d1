package handler

import (
	"strconv"
	"strings"
	"time"

	"townin/internal/model"
	"townin/internal/service"
	"townin/pkg/response"

	"github.com/gin-gonic/gin"
)

// ============================================================
// 参考数据接口（行政区 / 网格）
// ============================================================

// UpsertRegion 同步任务写入行政区
// POST /api/v1/regions
func (h *Handler) UpsertRegion(c *gin.Context) {
	var req service.UpsertRegionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	region, err := h.regions.Upsert(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, region)
}

// GetRegion 按代码查询行政区及其上级链
// GET /api/v1/regions/:code
func (h *Handler) GetRegion(c *gin.Context) {
	region, err := h.regions.GetByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ancestors, err := h.regions.Ancestors(c.Request.Context(), region.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	children, err := h.regions.Children(c.Request.Context(), region.ID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"region":    region,
		"ancestors": ancestors,
		"children":  children,
	})
}

// LocateRegion 坐标所在的最细一级行政区
// GET /api/v1/regions/locate?lat=xx&lng=xx
func (h *Handler) LocateRegion(c *gin.Context) {
	var req struct {
		Lat *float64 `form:"lat" binding:"required"`
		Lng *float64 `form:"lng" binding:"required"`
	}
	if err := c.ShouldBindQuery(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	region, err := h.regions.Locate(c.Request.Context(), *req.Lat, *req.Lng)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, region)
}

// UpsertCell 同步任务写入网格
// POST /api/v1/cells
func (h *Handler) UpsertCell(c *gin.Context) {
	var req service.UpsertCellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	cell, err := h.grid.UpsertCell(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, cell)
}

// GetCells 批量查询网格，或列出某个行政区下的全部网格
// GET /api/v1/cells?indexes=a,b,c
// GET /api/v1/cells?region_id=xxx
func (h *Handler) GetCells(c *gin.Context) {
	var (
		cells []*model.GridCell
		err   error
	)
	raw := strings.TrimSpace(c.Query("indexes"))
	switch {
	case raw != "":
		cells, err = h.grid.GetCells(c.Request.Context(), strings.Split(raw, ","))
	case c.Query("region_id") != "":
		regionID, ok := queryInt64(c, "region_id")
		if !ok {
			return
		}
		cells, err = h.grid.ListByRegion(c.Request.Context(), regionID)
	default:
		response.ParamError(c, "indexes 或 region_id 参数必填")
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, cells)
}

type CounterRequest struct {
	Delta int64 `json:"delta" binding:"required"`
}

// AdjustCellUsers 原子增减网格用户数
// POST /api/v1/cells/:index/users
func (h *Handler) AdjustCellUsers(c *gin.Context) {
	var req CounterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.grid.IncrementUsers(c.Request.Context(), c.Param("index"), req.Delta); err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, nil)
}

// AdjustCellFlyers 手工修正网格传单数
// POST /api/v1/cells/:index/flyers
func (h *Handler) AdjustCellFlyers(c *gin.Context) {
	var req CounterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.grid.IncrementFlyers(c.Request.Context(), c.Param("index"), req.Delta); err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, nil)
}

// ActiveCells 最近有活动的网格
// GET /api/v1/cells/active?region_id=0&hours=24&limit=100
func (h *Handler) ActiveCells(c *gin.Context) {
	var req struct {
		RegionID int64 `form:"region_id"`
		Hours    int   `form:"hours"`
		Limit    int   `form:"limit"`
	}
	if err := c.ShouldBindQuery(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if req.Hours <= 0 {
		req.Hours = 24
	}

	cells, err := h.grid.ActiveCells(c.Request.Context(), req.RegionID, time.Duration(req.Hours)*time.Hour, req.Limit)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, cells)
}

// ============================================================
// 运维接口
// ============================================================

// ListOutbox 按聚合查看事件投递记录
// GET /api/v1/admin/outbox?aggregate_type=flyer&aggregate_id=xxx
func (h *Handler) ListOutbox(c *gin.Context) {
	aggregateID, ok := queryInt64(c, "aggregate_id")
	if !ok {
		return
	}

	list, err := h.outbox.ByAggregate(c.Request.Context(), c.Query("aggregate_type"), aggregateID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, list)
}

// RequeueOutbox 重新投递失败消息
// POST /api/v1/admin/outbox/requeue?limit=100
func (h *Handler) RequeueOutbox(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	n, err := h.outbox.Requeue(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{"requeued": n})
}
