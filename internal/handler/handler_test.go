package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"townin/internal/config"
	"townin/internal/infrastructure/database"
	"townin/internal/service"
	"townin/pkg/response"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupRouter(t *testing.T) *gin.Engine {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := config.Default()
	cfg.Business.LockRetryIntervalMs = 1
	log := zap.NewNop()

	ledger := service.NewLedgerService(db, rdb, cfg, log)
	h := NewHandler(
		ledger,
		service.NewTargetingService(db, rdb, cfg, log, ledger),
		service.NewFlyerService(db, cfg, log, ledger),
		service.NewRegionService(db, log),
		service.NewGridService(db, cfg),
		service.NewOutboxService(db, log),
		log,
	)
	return SetupRouter(h, log, gin.TestMode)
}

type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Kind    string          `json:"kind"`
	Data    json.RawMessage `json:"data"`
}

func call(t *testing.T, r *gin.Engine, method, path string, body interface{}) apiResponse {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var resp apiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestPointsEndpoints(t *testing.T) {
	r := setupRouter(t)

	resp := call(t, r, http.MethodPost, "/api/v1/points/earn", gin.H{
		"account_id": 1, "amount": 500, "reason": "admin_grant",
	})
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)

	resp = call(t, r, http.MethodPost, "/api/v1/points/spend", gin.H{
		"account_id": 1, "amount": 300, "reason": "flyer_target_area",
		"reference": gin.H{"type": "flyer", "id": "9"},
	})
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)
	var spent struct {
		ID           int64 `json:"id"`
		BalanceAfter int64 `json:"balance_after"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &spent))
	assert.Equal(t, int64(200), spent.BalanceAfter)

	resp = call(t, r, http.MethodPost, "/api/v1/points/spend", gin.H{
		"account_id": 1, "amount": 250, "reason": "flyer_target_area",
	})
	assert.Equal(t, response.CodeInsufficientFunds, resp.Code)
	assert.Equal(t, "InsufficientFunds", resp.Kind)

	resp = call(t, r, http.MethodGet, "/api/v1/points/balance?account_id=1", nil)
	require.Equal(t, response.CodeSuccess, resp.Code)
	assert.JSONEq(t, `{"account_id":1,"total_points":200}`, string(resp.Data))

	resp = call(t, r, http.MethodPost, "/api/v1/points/refund", gin.H{"transaction_id": spent.ID})
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)
	resp = call(t, r, http.MethodPost, "/api/v1/points/refund", gin.H{"transaction_id": spent.ID})
	assert.Equal(t, response.CodeAlreadyRefunded, resp.Code)
	assert.Equal(t, "AlreadyRefunded", resp.Kind)

	resp = call(t, r, http.MethodGet, "/api/v1/points/verify?account_id=1", nil)
	require.Equal(t, response.CodeSuccess, resp.Code)
	var verify struct {
		Consistent bool `json:"consistent"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &verify))
	assert.True(t, verify.Consistent)

	resp = call(t, r, http.MethodGet, "/api/v1/points/history?account_id=1&page=1&page_size=2", nil)
	require.Equal(t, response.CodeSuccess, resp.Code)
	var history struct {
		List  []json.RawMessage `json:"list"`
		Total int64             `json:"total"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &history))
	assert.Len(t, history.List, 2)
	assert.Equal(t, int64(3), history.Total)
}

func TestParamErrors(t *testing.T) {
	r := setupRouter(t)

	resp := call(t, r, http.MethodGet, "/api/v1/points/balance?account_id=abc", nil)
	assert.Equal(t, response.CodeParamError, resp.Code)

	resp = call(t, r, http.MethodPost, "/api/v1/points/earn", gin.H{"amount": 5})
	assert.Equal(t, response.CodeParamError, resp.Code)

	resp = call(t, r, http.MethodPost, "/api/v1/points/earn", gin.H{
		"account_id": 1, "amount": 5, "reason": "lottery",
	})
	assert.Equal(t, response.CodeParamError, resp.Code)
	assert.Equal(t, "InvalidReason", resp.Kind)

	resp = call(t, r, http.MethodGet, "/api/v1/regions/locate?lat=37.5", nil)
	assert.Equal(t, response.CodeParamError, resp.Code)

	resp = call(t, r, http.MethodGet, "/api/v1/cells", nil)
	assert.Equal(t, response.CodeParamError, resp.Code)

	resp = call(t, r, http.MethodGet, "/api/v1/points/by-reference?type=flyer", nil)
	assert.Equal(t, "InvalidArgument", resp.Kind)
}

func TestFlyerLifecycleEndpoints(t *testing.T) {
	r := setupRouter(t)

	resp := call(t, r, http.MethodPost, "/api/v1/regions", gin.H{
		"code": "11", "name": "서울특별시", "level": "city",
		"boundary": [][][2]float64{{{126.7, 37.4}, {127.2, 37.4}, {127.2, 37.7}, {126.7, 37.7}, {126.7, 37.4}}},
	})
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)

	resp = call(t, r, http.MethodPost, "/api/v1/cells", gin.H{
		"cell_index": "8930e1d8a3bffff", "region_code": "11",
	})
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)

	resp = call(t, r, http.MethodPost, "/api/v1/cells/8930e1d8a3bffff/users", gin.H{"delta": 30})
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)

	resp = call(t, r, http.MethodPost, "/api/v1/points/earn", gin.H{
		"account_id": 77, "amount": 1000, "reason": "admin_grant",
	})
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)

	resp = call(t, r, http.MethodPost, "/api/v1/flyers", gin.H{"merchant_id": 77, "title": "오픈 기념"})
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)
	var flyer struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &flyer))
	assert.Equal(t, "draft", flyer.Status)
	base := fmt.Sprintf("/api/v1/flyers/%d", flyer.ID)

	resp = call(t, r, http.MethodPost, base+"/submit", nil)
	assert.Equal(t, response.CodeNoTargetingPurchased, resp.Code)
	assert.Equal(t, "NoTargetingPurchased", resp.Kind)

	resp = call(t, r, http.MethodPost, "/api/v1/targeting/quote", gin.H{"cell_indexes": []string{"8930e1d8a3bffff"}})
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)
	var quote struct {
		QuoteID   string `json:"quote_id"`
		TotalCost int64  `json:"total_cost"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &quote))
	// 100 + floor(300/100)*10
	assert.Equal(t, int64(130), quote.TotalCost)

	resp = call(t, r, http.MethodPost, "/api/v1/targeting/purchase", gin.H{
		"flyer_id": flyer.ID, "merchant_account_id": 77,
		"cell_indexes": []string{"8930e1d8a3bffff", "missing"},
	})
	assert.Equal(t, response.CodeInvalidCell, resp.Code)

	resp = call(t, r, http.MethodPost, "/api/v1/targeting/purchase", gin.H{
		"flyer_id": flyer.ID, "merchant_account_id": 77,
		"cell_indexes": []string{"8930e1d8a3bffff"}, "quote_id": quote.QuoteID,
	})
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)

	resp = call(t, r, http.MethodGet, fmt.Sprintf("/api/v1/targeting/areas?flyer_id=%d", flyer.ID), nil)
	require.Equal(t, response.CodeSuccess, resp.Code)

	resp = call(t, r, http.MethodPost, base+"/submit", nil)
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)

	resp = call(t, r, http.MethodGet, "/api/v1/flyers/pending", nil)
	require.Equal(t, response.CodeSuccess, resp.Code)

	resp = call(t, r, http.MethodPost, base+"/reject", gin.H{"guard_id": 5, "reason": ""})
	assert.Equal(t, "EmptyRejectReason", resp.Kind)

	resp = call(t, r, http.MethodPost, base+"/approve", gin.H{"guard_id": 5})
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)

	resp = call(t, r, http.MethodPost, base+"/view", gin.H{"viewer_id": 300})
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)

	resp = call(t, r, http.MethodGet, base, nil)
	require.Equal(t, response.CodeSuccess, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Data, &flyer))
	assert.Equal(t, "approved", flyer.Status)

	resp = call(t, r, http.MethodPost, base+"/submit", nil)
	assert.Equal(t, response.CodeInvalidTransition, resp.Code)

	resp = call(t, r, http.MethodGet, base+"/audits", nil)
	require.Equal(t, response.CodeSuccess, resp.Code)

	resp = call(t, r, http.MethodGet, fmt.Sprintf("/api/v1/points/by-reference?type=flyer&id=%d", flyer.ID), nil)
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)
	var related []struct {
		AccountID int64  `json:"account_id"`
		Type      string `json:"type"`
		Amount    int64  `json:"amount"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &related))
	// 投放扣款 + 浏览奖励，按 id 升序
	require.Len(t, related, 2)
	assert.Equal(t, "spent", related[0].Type)
	assert.Equal(t, int64(130), related[0].Amount)
	assert.Equal(t, int64(300), related[1].AccountID)
	assert.Equal(t, int64(1), related[1].Amount)

	resp = call(t, r, http.MethodGet, fmt.Sprintf("/api/v1/admin/outbox?aggregate_type=flyer&aggregate_id=%d", flyer.ID), nil)
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)
	var events []struct {
		EventType string `json:"event_type"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &events))
	// 投放 + 提交 + 通过
	assert.Len(t, events, 3)

	resp = call(t, r, http.MethodGet, "/api/v1/admin/outbox?aggregate_type=order&aggregate_id=1", nil)
	assert.Equal(t, "InvalidArgument", resp.Kind)

	resp = call(t, r, http.MethodPost, "/api/v1/admin/outbox/requeue", nil)
	require.Equal(t, response.CodeSuccess, resp.Code)
	assert.JSONEq(t, `{"requeued":0}`, string(resp.Data))

	resp = call(t, r, http.MethodGet, "/api/v1/cells?indexes=8930e1d8a3bffff", nil)
	require.Equal(t, response.CodeSuccess, resp.Code)
	var cells []struct {
		FlyerCount int64 `json:"flyer_count"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &cells))
	require.Len(t, cells, 1)
	assert.Equal(t, int64(1), cells[0].FlyerCount)

	resp = call(t, r, http.MethodPost, "/api/v1/cells/8930e1d8a3bffff/flyers", gin.H{"delta": -2})
	assert.Equal(t, response.CodeParamError, resp.Code)

	resp = call(t, r, http.MethodGet, "/api/v1/regions/locate?lat=37.5&lng=127.0", nil)
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)

	resp = call(t, r, http.MethodGet, "/api/v1/regions/11", nil)
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)

	resp = call(t, r, http.MethodGet, "/api/v1/flyers/99999", nil)
	assert.Equal(t, response.CodeNotFound, resp.Code)
	assert.Equal(t, "NotFound", resp.Kind)
}

func TestHealthAndMetrics(t *testing.T) {
	r := setupRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "townin_")
}
