package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"townin/internal/infrastructure/lock"
	"townin/internal/model"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEarnSpendInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const acct = int64(1001)

	assert.Equal(t, int64(0), env.balance(t, acct))

	earned := env.earn(t, acct, 500)
	assert.Equal(t, int64(500), earned.BalanceAfter)
	assert.Equal(t, int64(500), env.balance(t, acct))

	spent, err := env.ledger.Spend(ctx, &SpendRequest{
		AccountID: acct,
		Amount:    300,
		Reason:    model.SpendReasonFlyerTargetArea,
		Reference: FlyerReference(77),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(200), spent.BalanceAfter)
	assert.Equal(t, model.ReferenceTypeFlyer, spent.ReferenceType)
	assert.Equal(t, "77", spent.ReferenceID)

	_, err = env.ledger.Spend(ctx, &SpendRequest{
		AccountID: acct,
		Amount:    250,
		Reason:    model.SpendReasonFlyerTargetArea,
		Reference: FlyerReference(77),
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, KindInsufficientFunds, KindOf(err))
	assert.Equal(t, int64(200), env.balance(t, acct))

	summary, err := env.ledger.Summary(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, int64(500), summary.LifetimeEarned)
	assert.Equal(t, int64(300), summary.LifetimeSpent)
	assert.Len(t, summary.Recent, 2)
}

func TestLedgerRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ledger.Earn(ctx, &EarnRequest{AccountID: 1, Amount: 0, Reason: model.EarnReasonEvent})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = env.ledger.Earn(ctx, &EarnRequest{AccountID: 1, Amount: 10, Reason: "lottery"})
	assert.ErrorIs(t, err, ErrInvalidReason)

	_, err = env.ledger.Spend(ctx, &SpendRequest{AccountID: 1, Amount: -5, Reason: model.SpendReasonGift})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = env.ledger.Spend(ctx, &SpendRequest{AccountID: 1, Amount: 5, Reason: model.EarnReasonEvent})
	assert.ErrorIs(t, err, ErrInvalidReason)

	// 校验失败不会惰性创建账户
	var count int64
	require.NoError(t, env.db.Model(&model.PointAccount{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestEarnSetsExpiryByReason(t *testing.T) {
	env := newTestEnv(t)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	env.ledger.now = func() time.Time { return fixed }

	trans, err := env.ledger.Earn(context.Background(), &EarnRequest{
		AccountID: 5,
		Amount:    10,
		Reason:    model.EarnReasonFlyerView,
	})
	require.NoError(t, err)
	require.NotNil(t, trans.ExpiresAt)
	assert.True(t, trans.ExpiresAt.Equal(fixed.AddDate(0, 0, 30)))

	grant := env.earn(t, 5, 10)
	assert.Nil(t, grant.ExpiresAt)
}

func TestConcurrentSpendsNeverOverdraw(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const acct = int64(2002)
	env.earn(t, acct, 1000)

	var (
		wg        sync.WaitGroup
		succeeded int64
		rejected  int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.ledger.Spend(ctx, &SpendRequest{
				AccountID: acct,
				Amount:    100,
				Reason:    model.SpendReasonPremiumFeature,
			})
			switch {
			case err == nil:
				atomic.AddInt64(&succeeded, 1)
			case errors.Is(err, ErrInsufficientFunds):
				atomic.AddInt64(&rejected, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), succeeded)
	assert.Equal(t, int64(10), rejected)
	assert.Equal(t, int64(0), env.balance(t, acct))

	result, err := env.ledger.Verify(ctx, acct)
	require.NoError(t, err)
	assert.True(t, result.Consistent)
	assert.Equal(t, 11, result.Replayed.Transactions)
}

func TestRefundOnlyOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const acct = int64(3003)
	earned := env.earn(t, acct, 400)

	spent, err := env.ledger.Spend(ctx, &SpendRequest{
		AccountID: acct,
		Amount:    150,
		Reason:    model.SpendReasonCouponRedemption,
	})
	require.NoError(t, err)

	refund, err := env.ledger.Refund(ctx, spent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionTypeRefunded, refund.Type)
	assert.Equal(t, int64(150), refund.Amount)
	assert.Equal(t, int64(400), refund.BalanceAfter)
	require.NotNil(t, refund.RefundOfID)
	assert.Equal(t, spent.ID, *refund.RefundOfID)
	assert.Equal(t, model.ReferenceTypeTransaction, refund.ReferenceType)
	assert.Equal(t, strconv.FormatInt(spent.ID, 10), refund.ReferenceID)

	_, err = env.ledger.Refund(ctx, spent.ID)
	assert.ErrorIs(t, err, ErrAlreadyRefunded)
	assert.Equal(t, int64(400), env.balance(t, acct))

	// 只能退消费流水
	_, err = env.ledger.Refund(ctx, earned.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.ledger.Refund(ctx, 999999)
	assert.ErrorIs(t, err, ErrNotFound)

	summary, err := env.ledger.Summary(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, int64(400), summary.LifetimeEarned)
	assert.Equal(t, int64(0), summary.LifetimeSpent)
}

func TestConcurrentRefundsProduceOneRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const acct = int64(3004)
	env.earn(t, acct, 100)
	spent, err := env.ledger.Spend(ctx, &SpendRequest{AccountID: acct, Amount: 60, Reason: model.SpendReasonGift})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var ok int64
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.ledger.Refund(ctx, spent.ID); err == nil {
				atomic.AddInt64(&ok, 1)
			} else if !errors.Is(err, ErrAlreadyRefunded) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), ok)
	assert.Equal(t, int64(100), env.balance(t, acct))
}

func TestExpireClampsToBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const acct = int64(4004)
	earned := env.earn(t, acct, 100)
	_, err := env.ledger.Spend(ctx, &SpendRequest{AccountID: acct, Amount: 70, Reason: model.SpendReasonGift})
	require.NoError(t, err)

	expired, err := env.ledger.ExpireEarned(ctx, earned)
	require.NoError(t, err)
	require.NotNil(t, expired)
	assert.Equal(t, int64(30), expired.Amount)
	assert.Equal(t, int64(0), expired.BalanceAfter)

	// 同一笔 earned 不会重复过期
	again, err := env.ledger.ExpireEarned(ctx, earned)
	require.NoError(t, err)
	assert.Nil(t, again)

	// 余额为 0 时没有可扣的积分
	none, err := env.ledger.Expire(ctx, &ExpireRequest{AccountID: acct, Amount: 10})
	require.NoError(t, err)
	assert.Nil(t, none)

	result, err := env.ledger.Verify(ctx, acct)
	require.NoError(t, err)
	assert.True(t, result.Consistent)
	assert.Equal(t, int64(100), result.Replayed.LifetimeSpent)
}

func TestLedgerWritesOutbox(t *testing.T) {
	env := newTestEnv(t)
	const acct = int64(5005)
	env.earn(t, acct, 10)

	var msgs []model.OutboxMessage
	require.NoError(t, env.db.Find(&msgs).Error)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.EventPointEarned, msgs[0].EventType)
	assert.Equal(t, env.cfg.Kafka.Topic.PointEvent, msgs[0].Topic)
	assert.Equal(t, "point_account:5005", msgs[0].MessageKey)
	assert.Equal(t, model.OutboxStatusPending, msgs[0].Status)
}

func TestVerifyDetectsDrift(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const acct = int64(6006)
	env.earn(t, acct, 50)

	require.NoError(t, env.db.Model(&model.PointAccount{}).
		Where("account_id = ?", acct).
		Update("total_points", 80).Error)

	result, err := env.ledger.Verify(ctx, acct)
	require.NoError(t, err)
	assert.False(t, result.Consistent)
	assert.Equal(t, int64(80), result.Cached.TotalPoints)
	assert.Equal(t, int64(50), result.Replayed.TotalPoints)
}

func TestVerifyHoldsAccountLock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const acct = int64(6007)
	env.earn(t, acct, 50)

	// 写入方持有账户锁时，对账不会读到写了一半的状态
	writer := lock.NewAccountLock(env.redis, acct, "writer", time.Minute)
	ok, err := writer.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	env.cfg.Business.LockMaxRetries = 2
	_, err = env.ledger.Verify(ctx, acct)
	assert.ErrorIs(t, err, ErrConcurrentConflict)

	require.NoError(t, writer.Unlock(ctx))
	result, err := env.ledger.Verify(ctx, acct)
	require.NoError(t, err)
	assert.True(t, result.Consistent)
	assert.Equal(t, int64(50), result.Cached.TotalPoints)
	assert.Equal(t, 1, result.Cached.Transactions)

	// 对账结束后锁已释放，记账照常进行
	env.earn(t, acct, 5)
	assert.Equal(t, int64(55), env.balance(t, acct))

	replayed, err := env.ledger.Replay(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, int64(55), replayed.TotalPoints)
}

func TestReplayTransactions(t *testing.T) {
	refundOf := int64(2)
	transactions := []*model.PointTransaction{
		{ID: 1, Type: model.TransactionTypeEarned, Amount: 500, BalanceAfter: 500},
		{ID: 2, Type: model.TransactionTypeSpent, Amount: 300, BalanceAfter: 200},
		{ID: 3, Type: model.TransactionTypeRefunded, Amount: 300, BalanceAfter: 500, RefundOfID: &refundOf},
		{ID: 4, Type: model.TransactionTypeExpired, Amount: 100, BalanceAfter: 400},
	}

	p := ReplayTransactions(transactions)
	assert.Equal(t, int64(400), p.TotalPoints)
	assert.Equal(t, int64(500), p.LifetimeEarned)
	assert.Equal(t, int64(100), p.LifetimeSpent)
	assert.Equal(t, 4, p.Transactions)
	assert.Zero(t, p.FirstMismatchID)

	transactions[3].BalanceAfter = 399
	assert.Equal(t, int64(4), ReplayTransactions(transactions).FirstMismatchID)
}

// 任意 earn / spend 序列：余额永不为负，且缓存投影与流水重放一致
func TestLedgerProperties(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var nextAccount int64 = 10000

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	parameters.MaxSize = 12
	properties := gopter.NewProperties(parameters)

	properties.Property("balance equals replay and never negative", prop.ForAll(
		func(ops []int64) bool {
			acct := atomic.AddInt64(&nextAccount, 1)
			var expected int64
			for _, op := range ops {
				var err error
				switch {
				case op > 0:
					_, err = env.ledger.Earn(ctx, &EarnRequest{AccountID: acct, Amount: op, Reason: model.EarnReasonEvent})
					if err == nil {
						expected += op
					}
				case op < 0:
					_, err = env.ledger.Spend(ctx, &SpendRequest{AccountID: acct, Amount: -op, Reason: model.SpendReasonGift})
					if err == nil {
						expected += op
					} else if errors.Is(err, ErrInsufficientFunds) && expected >= -op {
						return false
					} else if errors.Is(err, ErrInsufficientFunds) {
						err = nil
					}
				default:
					continue
				}
				if err != nil {
					return false
				}
			}

			balance, err := env.ledger.Balance(ctx, acct)
			if err != nil || balance != expected || balance < 0 {
				return false
			}
			result, err := env.ledger.Verify(ctx, acct)
			return err == nil && result.Consistent
		},
		gen.SliceOf(gen.Int64Range(-200, 200)),
	))

	properties.TestingRun(t)
}
