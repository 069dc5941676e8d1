package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"townin/internal/config"
	"townin/internal/infrastructure/database"
	"townin/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type testEnv struct {
	db        *gorm.DB
	redis     *redis.Client
	mr        *miniredis.Miniredis
	cfg       *config.Config
	ledger    *LedgerService
	targeting *TargetingService
	flyers    *FlyerService
	regions   *RegionService
	grid      *GridService
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Business.LockRetryIntervalMs = 1
	cfg.Business.LockMaxRetries = 2000
	cfg.Business.ConflictBackoffMs = 1
	return cfg
}

func openTestDB(t *testing.T) *gorm.DB {
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
	// 单连接：内存库在连接关闭前一直存在，并发写也被串行化
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	env := &testEnv{
		db:    openTestDB(t),
		redis: redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		mr:    mr,
		cfg:   testConfig(),
	}
	log := zap.NewNop()
	env.ledger = NewLedgerService(env.db, env.redis, env.cfg, log)
	env.targeting = NewTargetingService(env.db, env.redis, env.cfg, log, env.ledger)
	env.flyers = NewFlyerService(env.db, env.cfg, log, env.ledger)
	env.regions = NewRegionService(env.db, log)
	env.grid = NewGridService(env.db, env.cfg)
	return env
}

func (e *testEnv) earn(t *testing.T, accountID, amount int64) *model.PointTransaction {
	t.Helper()
	trans, err := e.ledger.Earn(context.Background(), &EarnRequest{
		AccountID: accountID,
		Amount:    amount,
		Reason:    model.EarnReasonAdminGrant,
	})
	require.NoError(t, err)
	return trans
}

func (e *testEnv) balance(t *testing.T, accountID int64) int64 {
	t.Helper()
	b, err := e.ledger.Balance(context.Background(), accountID)
	require.NoError(t, err)
	return b
}

// seedCell 写入一个网格并设置计数器
func (e *testEnv) seedCell(t *testing.T, index string, users, flyers int64) *model.GridCell {
	t.Helper()
	cell := &model.GridCell{
		CellIndex:  index,
		Resolution: e.cfg.Business.H3Resolution,
		RegionID:   1,
		UserCount:  users,
		FlyerCount: flyers,
	}
	require.NoError(t, e.db.Create(cell).Error)
	return cell
}

func (e *testEnv) draftFlyer(t *testing.T, merchantID int64) *model.Flyer {
	t.Helper()
	flyer, err := e.flyers.Create(context.Background(), &CreateFlyerRequest{
		MerchantID: merchantID,
		Title:      "주말 세일",
	})
	require.NoError(t, err)
	return flyer
}

func square(minLng, minLat, maxLng, maxLat float64) model.Polygon {
	return model.Polygon{{
		{minLng, minLat},
		{maxLng, minLat},
		{maxLng, maxLat},
		{minLng, maxLat},
		{minLng, minLat},
	}}
}
