package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"townin/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestPriceCell(t *testing.T) {
	biz := testConfig().Business

	busy := PriceCell(biz, &model.GridCell{ID: 1, CellIndex: "8930e1d8a3bffff", UserCount: 25, FlyerCount: 2})
	assert.Equal(t, int64(250), busy.EstimatedReach)
	// 100 + floor(250/100)*10 + 2*5
	assert.Equal(t, int64(130), busy.Cost)

	empty := PriceCell(biz, &model.GridCell{ID: 2, CellIndex: "8930e1d8a37ffff"})
	assert.Equal(t, int64(0), empty.EstimatedReach)
	assert.Equal(t, biz.BaseCostPerCell, empty.Cost)

	// 同样的计数器得到同样的价格
	assert.Equal(t, busy, PriceCell(biz, &model.GridCell{ID: 1, CellIndex: "8930e1d8a3bffff", UserCount: 25, FlyerCount: 2}))
}

func TestPriceSelectionCachesQuote(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedCell(t, "cell-a", 25, 2)
	env.seedCell(t, "cell-b", 0, 0)

	quote, err := env.targeting.PriceSelection(ctx, []string{" cell-b", "cell-a", "cell-a", ""})
	require.NoError(t, err)
	require.Len(t, quote.Cells, 2)
	assert.Equal(t, "cell-a", quote.Cells[0].CellIndex)
	assert.Equal(t, int64(230), quote.TotalCost)
	assert.Equal(t, int64(250), quote.TotalReach)

	cached, err := env.targeting.GetQuote(ctx, quote.QuoteID)
	require.NoError(t, err)
	assert.Equal(t, quote.TotalCost, cached.TotalCost)

	env.mr.FastForward(env.cfg.Business.QuoteTTL() + time.Second)
	_, err = env.targeting.GetQuote(ctx, quote.QuoteID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPriceSelectionRejectsUnknownCells(t *testing.T) {
	env := newTestEnv(t)
	env.seedCell(t, "cell-a", 1, 0)

	_, err := env.targeting.PriceSelection(context.Background(), []string{"cell-a", "cell-x"})
	assert.ErrorIs(t, err, ErrInvalidCell)

	_, err = env.targeting.PriceSelection(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidCell)
}

func TestPurchaseTargeting(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const merchant = int64(9001)
	env.earn(t, merchant, 1000)
	a := env.seedCell(t, "cell-a", 25, 2)
	b := env.seedCell(t, "cell-b", 0, 0)
	flyer := env.draftFlyer(t, merchant)

	result, err := env.targeting.PurchaseTargeting(ctx, &PurchaseRequest{
		FlyerID:           flyer.ID,
		MerchantAccountID: merchant,
		CellIndexes:       []string{"cell-a", "cell-b"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(230), result.TotalCost)
	assert.False(t, result.PriceChanged)
	require.Len(t, result.Areas, 2)
	assert.Equal(t, model.TransactionTypeSpent, result.Transaction.Type)
	assert.Equal(t, model.SpendReasonFlyerTargetArea, result.Transaction.Reason)
	for _, area := range result.Areas {
		assert.Equal(t, result.Transaction.ID, area.TransactionID)
		assert.Equal(t, flyer.ID, area.FlyerID)
	}
	assert.Equal(t, int64(770), env.balance(t, merchant))

	var cellA, cellB model.GridCell
	require.NoError(t, env.db.First(&cellA, a.ID).Error)
	require.NoError(t, env.db.First(&cellB, b.ID).Error)
	assert.Equal(t, int64(3), cellA.FlyerCount)
	assert.Equal(t, int64(1), cellB.FlyerCount)
	assert.NotNil(t, cellA.LastActivityAt)

	reach, err := env.targeting.FlyerReach(ctx, flyer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), reach.Cells)
	assert.Equal(t, int64(250), reach.Reach)
	assert.Equal(t, int64(230), reach.TotalCost)

	// 同一网格不能重复购买
	_, err = env.targeting.PurchaseTargeting(ctx, &PurchaseRequest{
		FlyerID:           flyer.ID,
		MerchantAccountID: merchant,
		CellIndexes:       []string{"cell-a"},
	})
	assert.ErrorIs(t, err, ErrCellAlreadyTargeted)
	assert.Equal(t, int64(770), env.balance(t, merchant))

	popular, err := env.targeting.PopularCells(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, popular, 2)
}

func TestPurchaseInsufficientFundsLeavesNoAreas(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const merchant = int64(9002)
	env.earn(t, merchant, 50)
	cell := env.seedCell(t, "cell-a", 25, 2)
	flyer := env.draftFlyer(t, merchant)

	_, err := env.targeting.PurchaseTargeting(ctx, &PurchaseRequest{
		FlyerID:           flyer.ID,
		MerchantAccountID: merchant,
		CellIndexes:       []string{"cell-a"},
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	areas, err := env.targeting.TargetAreas(ctx, flyer.ID)
	require.NoError(t, err)
	assert.Empty(t, areas)
	assert.Equal(t, int64(50), env.balance(t, merchant))

	var reloaded model.GridCell
	require.NoError(t, env.db.First(&reloaded, cell.ID).Error)
	assert.Equal(t, int64(2), reloaded.FlyerCount)

	var events int64
	require.NoError(t, env.db.Model(&model.OutboxMessage{}).
		Where("event_type = ?", model.EventTargetPurchased).Count(&events).Error)
	assert.Zero(t, events)
}

// failCreatesOn 让指定表的 INSERT 在事务内失败
func failCreatesOn(t *testing.T, db *gorm.DB, table string) {
	t.Helper()
	require.NoError(t, db.Callback().Create().Before("gorm:create").
		Register("test:fail_"+table, func(tx *gorm.DB) {
			if tx.Statement.Table == table {
				_ = tx.AddError(errors.New("boom"))
			}
		}))
}

func TestPurchaseRollsBackWhenLaterWriteFails(t *testing.T) {
	for _, table := range []string{"target_areas", "outbox_message"} {
		t.Run(table, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			const merchant = int64(9010)
			env.earn(t, merchant, 1000)
			cell := env.seedCell(t, "cell-a", 25, 2)
			flyer := env.draftFlyer(t, merchant)

			var outboxBefore int64
			require.NoError(t, env.db.Model(&model.OutboxMessage{}).Count(&outboxBefore).Error)

			failCreatesOn(t, env.db, table)

			_, err := env.targeting.PurchaseTargeting(ctx, &PurchaseRequest{
				FlyerID:           flyer.ID,
				MerchantAccountID: merchant,
				CellIndexes:       []string{"cell-a"},
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "boom")

			assert.Equal(t, int64(1000), env.balance(t, merchant))

			var spends int64
			require.NoError(t, env.db.Model(&model.PointTransaction{}).
				Where("account_id = ? AND type = ?", merchant, model.TransactionTypeSpent).
				Count(&spends).Error)
			assert.Zero(t, spends)

			var areas int64
			require.NoError(t, env.db.Model(&model.TargetArea{}).
				Where("flyer_id = ?", flyer.ID).Count(&areas).Error)
			assert.Zero(t, areas)

			var reloaded model.GridCell
			require.NoError(t, env.db.First(&reloaded, cell.ID).Error)
			assert.Equal(t, int64(2), reloaded.FlyerCount)

			var outboxAfter int64
			require.NoError(t, env.db.Model(&model.OutboxMessage{}).Count(&outboxAfter).Error)
			assert.Equal(t, outboxBefore, outboxAfter)

			result, err := env.ledger.Verify(ctx, merchant)
			require.NoError(t, err)
			assert.True(t, result.Consistent)
		})
	}
}

func TestPurchaseAndSubmitSerialize(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const merchant = int64(9011)
	env.earn(t, merchant, 1000)
	env.seedCell(t, "cell-a", 1, 0)
	env.seedCell(t, "cell-b", 1, 0)
	flyer := env.draftFlyer(t, merchant)
	_, err := env.targeting.PurchaseTargeting(ctx, &PurchaseRequest{
		FlyerID:           flyer.ID,
		MerchantAccountID: merchant,
		CellIndexes:       []string{"cell-a"},
	})
	require.NoError(t, err)

	var (
		wg          sync.WaitGroup
		purchaseErr error
		submitErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, purchaseErr = env.targeting.PurchaseTargeting(ctx, &PurchaseRequest{
			FlyerID:           flyer.ID,
			MerchantAccountID: merchant,
			CellIndexes:       []string{"cell-b"},
		})
	}()
	go func() {
		defer wg.Done()
		_, submitErr = env.flyers.Submit(ctx, flyer.ID)
	}()
	wg.Wait()

	require.NoError(t, submitErr)
	stored, err := env.flyers.Get(ctx, flyer.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FlyerStatusPending, stored.Status)

	areas, err := env.targeting.TargetAreas(ctx, flyer.ID)
	require.NoError(t, err)
	spent := int64(1000) - env.balance(t, merchant)
	if purchaseErr == nil {
		// 购买先提交：两个网格都在
		assert.Len(t, areas, 2)
	} else {
		// 提交先完成：购买看到 pending，不扣费也不写网格
		assert.ErrorIs(t, purchaseErr, ErrInvalidTransition)
		assert.Len(t, areas, 1)
	}
	var cost int64
	for _, a := range areas {
		cost += a.CostPerCell
	}
	assert.Equal(t, cost, spent)
}

func TestPurchaseInvalidCellBeforeMutation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const merchant = int64(9003)
	env.earn(t, merchant, 1000)
	env.seedCell(t, "cell-a", 1, 0)
	flyer := env.draftFlyer(t, merchant)

	_, err := env.targeting.PurchaseTargeting(ctx, &PurchaseRequest{
		FlyerID:           flyer.ID,
		MerchantAccountID: merchant,
		CellIndexes:       []string{"cell-a", "cell-gone"},
	})
	assert.ErrorIs(t, err, ErrInvalidCell)
	assert.Equal(t, int64(1000), env.balance(t, merchant))

	var spends int64
	require.NoError(t, env.db.Model(&model.PointTransaction{}).
		Where("account_id = ? AND type = ?", merchant, model.TransactionTypeSpent).Count(&spends).Error)
	assert.Zero(t, spends)
}

func TestPurchaseChecksFlyer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const merchant = int64(9004)
	env.earn(t, merchant, 1000)
	env.seedCell(t, "cell-a", 1, 0)
	flyer := env.draftFlyer(t, merchant)

	_, err := env.targeting.PurchaseTargeting(ctx, &PurchaseRequest{
		FlyerID:           flyer.ID,
		MerchantAccountID: merchant + 1,
		CellIndexes:       []string{"cell-a"},
	})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.targeting.PurchaseTargeting(ctx, &PurchaseRequest{
		FlyerID:           flyer.ID + 100,
		MerchantAccountID: merchant,
		CellIndexes:       []string{"cell-a"},
	})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, env.db.Model(&model.Flyer{}).Where("id = ?", flyer.ID).
		Update("status", model.FlyerStatusApproved).Error)
	_, err = env.targeting.PurchaseTargeting(ctx, &PurchaseRequest{
		FlyerID:           flyer.ID,
		MerchantAccountID: merchant,
		CellIndexes:       []string{"cell-a"},
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, int64(1000), env.balance(t, merchant))
}

func TestPurchaseRepricesAtExecution(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const merchant = int64(9005)
	env.earn(t, merchant, 1000)
	env.seedCell(t, "cell-a", 25, 2)
	flyer := env.draftFlyer(t, merchant)

	quote, err := env.targeting.PriceSelection(ctx, []string{"cell-a"})
	require.NoError(t, err)
	assert.Equal(t, int64(130), quote.TotalCost)

	// 报价后网格用户增加：reach 350 -> 100 + 30 + 10
	require.NoError(t, env.grid.IncrementUsers(ctx, "cell-a", 10))

	result, err := env.targeting.PurchaseTargeting(ctx, &PurchaseRequest{
		FlyerID:           flyer.ID,
		MerchantAccountID: merchant,
		CellIndexes:       []string{"cell-a"},
		QuoteID:           quote.QuoteID,
	})
	require.NoError(t, err)
	assert.True(t, result.PriceChanged)
	assert.Equal(t, int64(140), result.TotalCost)
	assert.Equal(t, int64(860), env.balance(t, merchant))
}
