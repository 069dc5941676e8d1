package handler

import (
	"townin/internal/metrics"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, log *zap.Logger, mode string) *gin.Engine {
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)

	r := gin.New()

	// 注册中间件
	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log))
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		// 积分账本
		points := api.Group("/points")
		{
			points.GET("/balance", h.GetBalance)
			points.GET("/summary", h.GetSummary)
			points.GET("/history", h.GetHistory)
			points.GET("/verify", h.VerifyAccount)
			points.GET("/by-reference", h.ListByReference)
			points.POST("/earn", h.Earn)
			points.POST("/spend", h.Spend)
			points.POST("/refund", h.Refund)
		}

		// 投放
		targeting := api.Group("/targeting")
		{
			targeting.POST("/quote", h.Quote)
			targeting.POST("/purchase", h.Purchase)
			targeting.GET("/areas", h.TargetAreas)
			targeting.GET("/popular", h.PopularCells)
		}

		// 传单生命周期
		flyers := api.Group("/flyers")
		{
			flyers.POST("", h.CreateFlyer)
			flyers.GET("/pending", h.ListPending)
			flyers.GET("/:id", h.GetFlyer)
			flyers.DELETE("/:id", h.DeleteFlyer)
			flyers.GET("/:id/audits", h.FlyerAudits)
			flyers.POST("/:id/submit", h.SubmitFlyer)
			flyers.POST("/:id/approve", h.ApproveFlyer)
			flyers.POST("/:id/reject", h.RejectFlyer)
			flyers.POST("/:id/expire", h.ExpireFlyer)
			flyers.POST("/:id/cancel", h.CancelFlyer)
			flyers.POST("/:id/view", h.RecordView)
			flyers.POST("/:id/click", h.RecordClick)
			flyers.POST("/:id/share", h.RecordShare)
		}

		// 行政区
		regions := api.Group("/regions")
		{
			regions.POST("", h.UpsertRegion)
			regions.GET("/locate", h.LocateRegion)
			regions.GET("/:code", h.GetRegion)
		}

		// 网格
		cells := api.Group("/cells")
		{
			cells.GET("", h.GetCells)
			cells.POST("", h.UpsertCell)
			cells.GET("/active", h.ActiveCells)
			cells.POST("/:index/users", h.AdjustCellUsers)
			cells.POST("/:index/flyers", h.AdjustCellFlyers)
		}

		// 运维
		admin := api.Group("/admin")
		{
			admin.GET("/outbox", h.ListOutbox)
			admin.POST("/outbox/requeue", h.RequeueOutbox)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	return r
}
