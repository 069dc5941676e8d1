package handler

import (
	"strconv"

	"townin/internal/service"
	"townin/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	ledger    *service.LedgerService
	targeting *service.TargetingService
	flyers    *service.FlyerService
	regions   *service.RegionService
	grid      *service.GridService
	outbox    *service.OutboxService
	log       *zap.Logger
}

// NewHandler 创建处理器实例
func NewHandler(
	ledger *service.LedgerService,
	targeting *service.TargetingService,
	flyers *service.FlyerService,
	regions *service.RegionService,
	grid *service.GridService,
	outbox *service.OutboxService,
	log *zap.Logger,
) *Handler {
	return &Handler{
		ledger:    ledger,
		targeting: targeting,
		flyers:    flyers,
		regions:   regions,
		grid:      grid,
		outbox:    outbox,
		log:       log.Named("handler"),
	}
}

// 错误类型 -> 业务码
var kindCodes = map[service.Kind]int{
	service.KindInsufficientFunds:    response.CodeInsufficientFunds,
	service.KindInvalidCell:          response.CodeInvalidCell,
	service.KindInvalidTransition:    response.CodeInvalidTransition,
	service.KindNoTargetingPurchased: response.CodeNoTargetingPurchased,
	service.KindAlreadyRefunded:      response.CodeAlreadyRefunded,
	service.KindConcurrentConflict:   response.CodeConcurrentConflict,
	service.KindNotFound:             response.CodeNotFound,
	service.KindInvalidArgument:      response.CodeParamError,
	service.KindInvalidAmount:        response.CodeParamError,
	service.KindInvalidReason:        response.CodeParamError,
	service.KindEmptyRejectReason:    response.CodeParamError,
	service.KindRegionLevel:          response.CodeParamError,
	service.KindRegionCycle:          response.CodeConflict,
	service.KindCellAlreadyTargeted:  response.CodeConflict,
}

// fail 业务错误原样返回错误类型，其他错误只记录日志
func (h *Handler) fail(c *gin.Context, err error) {
	kind := service.KindOf(err)
	code, ok := kindCodes[kind]
	if !ok {
		h.log.Error("请求处理失败",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString("request_id")),
			zap.Error(err),
		)
		response.ServerError(c, "服务器内部错误")
		return
	}
	response.KindError(c, code, string(kind), err.Error())
}

func queryInt64(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Query(name), 10, 64)
	if err != nil || v <= 0 {
		response.ParamError(c, name+" 参数错误")
		return 0, false
	}
	return v, true
}

func paramInt64(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || v <= 0 {
		response.ParamError(c, name+" 参数错误")
		return 0, false
	}
	return v, true
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	return page, pageSize
}

// ============================================================
// 积分相关接口
// ============================================================

// GetBalance 查询积分余额
// GET /api/v1/points/balance?account_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	accountID, ok := queryInt64(c, "account_id")
	if !ok {
		return
	}

	balance, err := h.ledger.Balance(c.Request.Context(), accountID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"account_id":   accountID,
		"total_points": balance,
	})
}

// GetSummary 余额、累计获取/消费和最近 10 条流水
// GET /api/v1/points/summary?account_id=xxx
func (h *Handler) GetSummary(c *gin.Context) {
	accountID, ok := queryInt64(c, "account_id")
	if !ok {
		return
	}

	summary, err := h.ledger.Summary(c.Request.Context(), accountID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, summary)
}

// GetHistory 积分流水分页
// GET /api/v1/points/history?account_id=xxx&page=1&page_size=20
func (h *Handler) GetHistory(c *gin.Context) {
	accountID, ok := queryInt64(c, "account_id")
	if !ok {
		return
	}
	page, pageSize := pageParams(c)

	list, total, err := h.ledger.History(c.Request.Context(), accountID, page, pageSize)
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

// VerifyAccount 用流水重放校验账户
// GET /api/v1/points/verify?account_id=xxx
func (h *Handler) VerifyAccount(c *gin.Context) {
	accountID, ok := queryInt64(c, "account_id")
	if !ok {
		return
	}

	result, err := h.ledger.Verify(c.Request.Context(), accountID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, result)
}

// ListByReference 引用某个业务对象的流水
// GET /api/v1/points/by-reference?type=flyer&id=xxx
func (h *Handler) ListByReference(c *gin.Context) {
	var ref service.Reference
	ref.Type = c.Query("type")
	ref.ID = c.Query("id")

	list, err := h.ledger.ByReference(c.Request.Context(), ref)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, list)
}

// Earn 获取积分
// POST /api/v1/points/earn
func (h *Handler) Earn(c *gin.Context) {
	var req service.EarnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	trans, err := h.ledger.Earn(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, trans)
}

// Spend 消费积分
// POST /api/v1/points/spend
//
// 余额不足时整笔拒绝，不会部分扣减
func (h *Handler) Spend(c *gin.Context) {
	var req service.SpendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	trans, err := h.ledger.Spend(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, trans)
}

// RefundRequest 退款请求
type RefundRequest struct {
	TransactionID int64 `json:"transaction_id" binding:"required"`
}

// Refund 退回一笔消费
// POST /api/v1/points/refund
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	trans, err := h.ledger.Refund(c.Request.Context(), req.TransactionID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, trans)
}

// ============================================================
// 投放相关接口
// ============================================================

// QuoteRequest 报价请求
type QuoteRequest struct {
	CellIndexes []string `json:"cell_indexes" binding:"required"`
}

// Quote 网格报价
// POST /api/v1/targeting/quote
func (h *Handler) Quote(c *gin.Context) {
	var req QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	quote, err := h.targeting.PriceSelection(c.Request.Context(), req.CellIndexes)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, quote)
}

// Purchase 购买投放
// POST /api/v1/targeting/purchase
//
// 执行时重新定价；扣积分与写投放区域同成功同失败
func (h *Handler) Purchase(c *gin.Context) {
	var req service.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.targeting.PurchaseTargeting(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, result)
}

// TargetAreas 传单的投放区域与汇总
// GET /api/v1/targeting/areas?flyer_id=xxx
func (h *Handler) TargetAreas(c *gin.Context) {
	flyerID, ok := queryInt64(c, "flyer_id")
	if !ok {
		return
	}

	areas, err := h.targeting.TargetAreas(c.Request.Context(), flyerID)
	if err != nil {
		h.fail(c, err)
		return
	}
	reach, err := h.targeting.FlyerReach(c.Request.Context(), flyerID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"areas":   areas,
		"summary": reach,
	})
}

// PopularCells 被投放最多的网格
// GET /api/v1/targeting/popular?limit=20
func (h *Handler) PopularCells(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	cells, err := h.targeting.PopularCells(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, cells)
}
