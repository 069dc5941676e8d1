package handler

import (
	"context"

	"townin/internal/service"
	"townin/pkg/response"

	"github.com/gin-gonic/gin"
)

// ============================================================
// 传单相关接口（商户 / 审核 / 调度）
// ============================================================

// CreateFlyer 创建草稿
// POST /api/v1/flyers
func (h *Handler) CreateFlyer(c *gin.Context) {
	var req service.CreateFlyerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	flyer, err := h.flyers.Create(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, flyer)
}

// GetFlyer 传单详情
// GET /api/v1/flyers/:id
func (h *Handler) GetFlyer(c *gin.Context) {
	flyerID, ok := paramInt64(c, "id")
	if !ok {
		return
	}

	flyer, err := h.flyers.Get(c.Request.Context(), flyerID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, flyer)
}

// ListPending 审核队列
// GET /api/v1/flyers/pending?page=1&page_size=20
func (h *Handler) ListPending(c *gin.Context) {
	page, pageSize := pageParams(c)

	list, total, err := h.flyers.PendingQueue(c.Request.Context(), page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      list,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// SubmitFlyer 提交审核，未购买投放会返回 NoTargetingPurchased
// POST /api/v1/flyers/:id/submit
func (h *Handler) SubmitFlyer(c *gin.Context) {
	flyerID, ok := paramInt64(c, "id")
	if !ok {
		return
	}

	flyer, err := h.flyers.Submit(c.Request.Context(), flyerID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, flyer)
}

type GuardRequest struct {
	GuardID int64  `json:"guard_id" binding:"required"`
	Reason  string `json:"reason"`
}

// ApproveFlyer 审核通过
// POST /api/v1/flyers/:id/approve
func (h *Handler) ApproveFlyer(c *gin.Context) {
	flyerID, ok := paramInt64(c, "id")
	if !ok {
		return
	}
	var req GuardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	flyer, err := h.flyers.Approve(c.Request.Context(), flyerID, req.GuardID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, flyer)
}

// RejectFlyer 驳回，reason 必填
// POST /api/v1/flyers/:id/reject
func (h *Handler) RejectFlyer(c *gin.Context) {
	flyerID, ok := paramInt64(c, "id")
	if !ok {
		return
	}
	var req GuardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	flyer, err := h.flyers.Reject(c.Request.Context(), flyerID, req.GuardID, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, flyer)
}

// ExpireFlyer 调度器调用
// POST /api/v1/flyers/:id/expire
func (h *Handler) ExpireFlyer(c *gin.Context) {
	flyerID, ok := paramInt64(c, "id")
	if !ok {
		return
	}

	flyer, err := h.flyers.Expire(c.Request.Context(), flyerID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, flyer)
}

type MerchantRequest struct {
	MerchantID int64 `json:"merchant_id" binding:"required"`
}

// CancelFlyer 商户取消
// POST /api/v1/flyers/:id/cancel
func (h *Handler) CancelFlyer(c *gin.Context) {
	flyerID, ok := paramInt64(c, "id")
	if !ok {
		return
	}
	var req MerchantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	flyer, err := h.flyers.Cancel(c.Request.Context(), flyerID, req.MerchantID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, flyer)
}

// DeleteFlyer 软删除
// DELETE /api/v1/flyers/:id?merchant_id=xxx
func (h *Handler) DeleteFlyer(c *gin.Context) {
	flyerID, ok := paramInt64(c, "id")
	if !ok {
		return
	}
	merchantID, ok := queryInt64(c, "merchant_id")
	if !ok {
		return
	}

	if err := h.flyers.SoftDelete(c.Request.Context(), flyerID, merchantID); err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{"message": "已删除"})
}

// FlyerAudits 审核记录
// GET /api/v1/flyers/:id/audits
func (h *Handler) FlyerAudits(c *gin.Context) {
	flyerID, ok := paramInt64(c, "id")
	if !ok {
		return
	}

	audits, err := h.flyers.Audits(c.Request.Context(), flyerID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, audits)
}

type InteractionRequest struct {
	ViewerID int64 `json:"viewer_id"`
}

// RecordView 浏览
// POST /api/v1/flyers/:id/view
func (h *Handler) RecordView(c *gin.Context) {
	h.interaction(c, h.flyers.RecordView)
}

// RecordClick 点击
// POST /api/v1/flyers/:id/click
func (h *Handler) RecordClick(c *gin.Context) {
	h.interaction(c, h.flyers.RecordClick)
}

// RecordShare 分享
// POST /api/v1/flyers/:id/share
func (h *Handler) RecordShare(c *gin.Context) {
	flyerID, ok := paramInt64(c, "id")
	if !ok {
		return
	}
	if err := h.flyers.RecordShare(c.Request.Context(), flyerID); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, nil)
}

func (h *Handler) interaction(c *gin.Context, record func(ctx context.Context, flyerID, viewerID int64) error) {
	flyerID, ok := paramInt64(c, "id")
	if !ok {
		return
	}
	var req InteractionRequest
	// body 可以为空
	_ = c.ShouldBindJSON(&req)

	if err := record(c.Request.Context(), flyerID, req.ViewerID); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, nil)
}
