package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"townin/internal/config"
	"townin/internal/infrastructure/lock"
	"townin/internal/metrics"
	"townin/internal/model"
	"townin/internal/repository"
	"townin/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ============================================================================
// 积分账本
// ============================================================================
//
// point_transactions 是唯一真实来源，point_accounts 只是缓存投影：
//   total_points == lifetime_earned - lifetime_spent，且永远 >= 0
//
// 同一账户的写操作串行化：
//   1. Redis 账户锁（跨实例单写者）
//   2. 事务内 SELECT ... FOR UPDATE
//   3. 条件更新 WHERE version = ? AND total_points + delta >= 0
// 第 3 步未命中说明读到了旧数据，整个事务重试，耗尽后返回 ErrConcurrentConflict
//
// ============================================================================

// Reference 流水关联的业务对象
type Reference struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func FlyerReference(flyerID int64) Reference {
	return Reference{Type: model.ReferenceTypeFlyer, ID: strconv.FormatInt(flyerID, 10)}
}

func transactionReference(transactionID int64) Reference {
	return Reference{Type: model.ReferenceTypeTransaction, ID: strconv.FormatInt(transactionID, 10)}
}

type EarnRequest struct {
	AccountID   int64     `json:"account_id" binding:"required"`
	Amount      int64     `json:"amount"`
	Reason      string    `json:"reason" binding:"required"`
	Description string    `json:"description"`
	Reference   Reference `json:"reference"`
}

type SpendRequest struct {
	AccountID   int64     `json:"account_id" binding:"required"`
	Amount      int64     `json:"amount"`
	Reason      string    `json:"reason" binding:"required"`
	Description string    `json:"description"`
	Reference   Reference `json:"reference"`
}

// ExpireRequest 过期扣减，实际扣减额不超过当前余额
type ExpireRequest struct {
	AccountID   int64
	Amount      int64
	Reason      string
	Description string
	Reference   Reference
}

type AccountSummary struct {
	AccountID      int64                     `json:"account_id"`
	TotalPoints    int64                     `json:"total_points"`
	LifetimeEarned int64                     `json:"lifetime_earned"`
	LifetimeSpent  int64                     `json:"lifetime_spent"`
	Recent         []*model.PointTransaction `json:"recent"`
}

// LedgerProjection 账户三项汇总
type LedgerProjection struct {
	TotalPoints    int64 `json:"total_points"`
	LifetimeEarned int64 `json:"lifetime_earned"`
	LifetimeSpent  int64 `json:"lifetime_spent"`
	Transactions   int   `json:"transactions"`
	// 第一笔 balance_after 与重放结果不一致的流水，0 表示全部一致
	FirstMismatchID int64 `json:"first_mismatch_id,omitempty"`
}

type VerifyResult struct {
	AccountID  int64            `json:"account_id"`
	Cached     LedgerProjection `json:"cached"`
	Replayed   LedgerProjection `json:"replayed"`
	Consistent bool             `json:"consistent"`
}

type LedgerService struct {
	db              *gorm.DB
	redisClient     *redis.Client
	cfg             *config.Config
	log             *zap.Logger
	accountRepo     *repository.PointAccountRepository
	transactionRepo *repository.PointTransactionRepository
	outboxRepo      *repository.OutboxRepository
	now             func() time.Time
}

func NewLedgerService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config, log *zap.Logger) *LedgerService {
	return &LedgerService{
		db:              db,
		redisClient:     redisClient,
		cfg:             cfg,
		log:             log.Named("ledger.service"),
		accountRepo:     repository.NewPointAccountRepository(db),
		transactionRepo: repository.NewPointTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
		now:             time.Now,
	}
}

type ledgerEntry struct {
	accountID   int64
	txType      string
	amount      int64
	reason      string
	description string
	ref         Reference
	refundOfID  *int64
	expiresAt   *time.Time
	clamp       bool // 按当前余额截断
}

func (e *ledgerEntry) delta(amount int64) repository.AccountDelta {
	switch e.txType {
	case model.TransactionTypeEarned:
		return repository.AccountDelta{Total: amount, Earned: amount}
	case model.TransactionTypeRefunded:
		return repository.AccountDelta{Total: amount, Spent: -amount}
	default:
		return repository.AccountDelta{Total: -amount, Spent: amount}
	}
}

func (s *LedgerService) Earn(ctx context.Context, req *EarnRequest) (*model.PointTransaction, error) {
	if req.Amount <= 0 {
		return nil, newErrorf(KindInvalidAmount, "积分数量必须为正整数: %d", req.Amount)
	}
	if !model.IsEarnReason(req.Reason) {
		return nil, newErrorf(KindInvalidReason, "未知的获取原因: %s", req.Reason)
	}

	entry := &ledgerEntry{
		accountID:   req.AccountID,
		txType:      model.TransactionTypeEarned,
		amount:      req.Amount,
		reason:      req.Reason,
		description: req.Description,
		ref:         req.Reference,
	}
	if days := s.cfg.Business.EarnExpiryDays[req.Reason]; days > 0 {
		at := s.now().AddDate(0, 0, days)
		entry.expiresAt = &at
	}

	return s.record(ctx, "earn", entry)
}

func (s *LedgerService) Spend(ctx context.Context, req *SpendRequest) (*model.PointTransaction, error) {
	if err := validateSpend(req); err != nil {
		return nil, err
	}
	return s.record(ctx, "spend", spendEntry(req))
}

func validateSpend(req *SpendRequest) error {
	if req.Amount <= 0 {
		return newErrorf(KindInvalidAmount, "积分数量必须为正整数: %d", req.Amount)
	}
	if !model.IsSpendReason(req.Reason) {
		return newErrorf(KindInvalidReason, "未知的消费原因: %s", req.Reason)
	}
	return nil
}

func spendEntry(req *SpendRequest) *ledgerEntry {
	return &ledgerEntry{
		accountID:   req.AccountID,
		txType:      model.TransactionTypeSpent,
		amount:      req.Amount,
		reason:      req.Reason,
		description: req.Description,
		ref:         req.Reference,
	}
}

// Refund 退回一笔消费，每笔消费最多退一次
func (s *LedgerService) Refund(ctx context.Context, transactionID int64) (*model.PointTransaction, error) {
	original, err := s.transactionRepo.GetByID(ctx, nil, transactionID)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return nil, newErrorf(KindNotFound, "流水 %d 不存在", transactionID)
		}
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	if original.Type != model.TransactionTypeSpent {
		return nil, newErrorf(KindNotFound, "流水 %d 不是消费流水", transactionID)
	}

	refundOf := original.ID
	entry := &ledgerEntry{
		accountID:   original.AccountID,
		txType:      model.TransactionTypeRefunded,
		amount:      original.Amount,
		reason:      model.RefundReasonReversal,
		description: fmt.Sprintf("退款-%s", original.TransactionNo),
		ref:         transactionReference(original.ID),
		refundOfID:  &refundOf,
	}

	var trans *model.PointTransaction
	err = s.withAccount(ctx, original.AccountID, func(tx *gorm.DB) error {
		existing, err := s.transactionRepo.GetRefundOf(ctx, tx, original.ID)
		if err != nil {
			return fmt.Errorf("查询退款流水失败: %w", err)
		}
		if existing != nil {
			return newErrorf(KindAlreadyRefunded, "流水 %d 已退款（%s）", original.ID, existing.TransactionNo)
		}
		t, err := s.applyTx(ctx, tx, entry)
		trans = t
		return err
	})
	s.observe("refund", entry.accountID, trans, err)
	if err != nil {
		return nil, err
	}
	return trans, nil
}

// Expire 过期扣减，余额不足时只扣到 0；没有可扣的余额时返回 nil
// 引用某笔 earned 流水时保证幂等
func (s *LedgerService) Expire(ctx context.Context, req *ExpireRequest) (*model.PointTransaction, error) {
	if req.Amount <= 0 {
		return nil, newErrorf(KindInvalidAmount, "积分数量必须为正整数: %d", req.Amount)
	}
	reason := req.Reason
	if reason == "" {
		reason = model.ExpireReasonEarnExpired
	}

	entry := &ledgerEntry{
		accountID:   req.AccountID,
		txType:      model.TransactionTypeExpired,
		amount:      req.Amount,
		reason:      reason,
		description: req.Description,
		ref:         req.Reference,
		clamp:       true,
	}

	var trans *model.PointTransaction
	err := s.withAccount(ctx, req.AccountID, func(tx *gorm.DB) error {
		trans = nil
		if req.Reference.Type == model.ReferenceTypeTransaction {
			earnedID, err := strconv.ParseInt(req.Reference.ID, 10, 64)
			if err != nil {
				return newErrorf(KindInvalidArgument, "非法的流水引用: %s", req.Reference.ID)
			}
			done, err := s.transactionRepo.ExistsExpiryFor(ctx, tx, earnedID)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
		t, err := s.applyTx(ctx, tx, entry)
		trans = t
		return err
	})
	s.observe("expire", entry.accountID, trans, err)
	if err != nil {
		return nil, err
	}
	return trans, nil
}

// ExpireEarned 让一笔到期的 earned 流水失效
func (s *LedgerService) ExpireEarned(ctx context.Context, earned *model.PointTransaction) (*model.PointTransaction, error) {
	return s.Expire(ctx, &ExpireRequest{
		AccountID:   earned.AccountID,
		Amount:      earned.Amount,
		Reason:      model.ExpireReasonEarnExpired,
		Description: fmt.Sprintf("积分过期-%s", earned.TransactionNo),
		Reference:   transactionReference(earned.ID),
	})
}

// Balance 读缓存投影，账户不存在视为 0
func (s *LedgerService) Balance(ctx context.Context, accountID int64) (int64, error) {
	account, err := s.accountRepo.GetByAccountID(ctx, nil, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return account.TotalPoints, nil
}

func (s *LedgerService) History(ctx context.Context, accountID int64, page, pageSize int) ([]*model.PointTransaction, int64, error) {
	page, pageSize = normalizePage(page, pageSize)
	return s.transactionRepo.ListByAccount(ctx, accountID, page, pageSize)
}

func (s *LedgerService) Summary(ctx context.Context, accountID int64) (*AccountSummary, error) {
	summary := &AccountSummary{AccountID: accountID}

	account, err := s.accountRepo.GetByAccountID(ctx, nil, accountID)
	switch {
	case err == nil:
		summary.TotalPoints = account.TotalPoints
		summary.LifetimeEarned = account.LifetimeEarned
		summary.LifetimeSpent = account.LifetimeSpent
	case errors.Is(err, repository.ErrAccountNotFound):
	default:
		return nil, err
	}

	recent, err := s.transactionRepo.Recent(ctx, accountID, 10)
	if err != nil {
		return nil, err
	}
	summary.Recent = recent
	return summary, nil
}

// ByReference 引用某个业务对象的全部流水，例如一张传单的投放扣款
func (s *LedgerService) ByReference(ctx context.Context, ref Reference) ([]*model.PointTransaction, error) {
	if ref.Type == "" || ref.ID == "" {
		return nil, newErrorf(KindInvalidArgument, "引用类型和ID不能为空")
	}
	return s.transactionRepo.ListByReference(ctx, nil, ref.Type, ref.ID)
}

// Replay 从流水重新计算账户汇总
func (s *LedgerService) Replay(ctx context.Context, accountID int64) (*LedgerProjection, error) {
	return s.replay(ctx, nil, accountID)
}

func (s *LedgerService) replay(ctx context.Context, tx *gorm.DB, accountID int64) (*LedgerProjection, error) {
	transactions, err := s.transactionRepo.ListAllByAccount(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	projection := ReplayTransactions(transactions)
	return &projection, nil
}

// ReplayTransactions 按发生顺序重放流水
// earned 计入 earned；spent / expired 计入 spent；refunded 冲减 spent
func ReplayTransactions(transactions []*model.PointTransaction) LedgerProjection {
	var p LedgerProjection
	for _, t := range transactions {
		switch t.Type {
		case model.TransactionTypeEarned:
			p.LifetimeEarned += t.Amount
		case model.TransactionTypeSpent, model.TransactionTypeExpired:
			p.LifetimeSpent += t.Amount
		case model.TransactionTypeRefunded:
			p.LifetimeSpent -= t.Amount
		}
		p.TotalPoints = p.LifetimeEarned - p.LifetimeSpent
		p.Transactions++
		if p.FirstMismatchID == 0 && (t.BalanceAfter != p.TotalPoints || p.TotalPoints < 0) {
			p.FirstMismatchID = t.ID
		}
	}
	return p
}

// Verify 对比缓存投影与重放结果
// 持有账户锁并在同一事务内读取账户与流水，避免读到写入中途的状态
func (s *LedgerService) Verify(ctx context.Context, accountID int64) (*VerifyResult, error) {
	result := &VerifyResult{AccountID: accountID}

	err := s.withAccount(ctx, accountID, func(tx *gorm.DB) error {
		result.Cached = LedgerProjection{}
		account, err := s.accountRepo.GetByAccountID(ctx, tx, accountID)
		switch {
		case err == nil:
			result.Cached = LedgerProjection{
				TotalPoints:    account.TotalPoints,
				LifetimeEarned: account.LifetimeEarned,
				LifetimeSpent:  account.LifetimeSpent,
			}
		case errors.Is(err, repository.ErrAccountNotFound):
		default:
			return err
		}

		replayed, err := s.replay(ctx, tx, accountID)
		if err != nil {
			return err
		}
		result.Replayed = *replayed
		return nil
	})
	if err != nil {
		return nil, err
	}

	replayed := result.Replayed
	result.Cached.Transactions = replayed.Transactions
	result.Consistent = replayed.FirstMismatchID == 0 &&
		result.Cached.TotalPoints == replayed.TotalPoints &&
		result.Cached.LifetimeEarned == replayed.LifetimeEarned &&
		result.Cached.LifetimeSpent == replayed.LifetimeSpent &&
		result.Cached.TotalPoints == result.Cached.LifetimeEarned-result.Cached.LifetimeSpent
	return result, nil
}

func (s *LedgerService) record(ctx context.Context, op string, entry *ledgerEntry) (*model.PointTransaction, error) {
	var trans *model.PointTransaction
	err := s.withAccount(ctx, entry.accountID, func(tx *gorm.DB) error {
		t, err := s.applyTx(ctx, tx, entry)
		trans = t
		return err
	})
	s.observe(op, entry.accountID, trans, err)
	if err != nil {
		return nil, err
	}
	return trans, nil
}

// withAccount 持有账户锁执行事务，乐观锁冲突时整个事务重试
func (s *LedgerService) withAccount(ctx context.Context, accountID int64, fn func(tx *gorm.DB) error) error {
	biz := s.cfg.Business

	accountLock := lock.NewAccountLock(s.redisClient, accountID, uuid.NewString(), biz.LockTTL())
	if err := accountLock.Lock(ctx, biz.LockRetryInterval(), biz.LockMaxRetries); err != nil {
		if errors.Is(err, lock.ErrLockFailed) {
			metrics.LedgerConflicts.Inc()
			return fmt.Errorf("%w: 账户 %d 正在处理其他积分操作", ErrConcurrentConflict, accountID)
		}
		return fmt.Errorf("获取账户锁失败: %w", err)
	}
	defer func() {
		// 请求 ctx 可能已取消，释放锁不受影响
		if err := accountLock.Unlock(context.Background()); err != nil {
			s.log.Warn("释放账户锁失败", zap.Int64("account_id", accountID), zap.Error(err))
		}
	}()

	return withConflictRetry(ctx, biz.ConflictMaxRetries, biz.ConflictBackoff(), func() error {
		return s.db.WithContext(ctx).Transaction(fn)
	})
}

// applyTx 在调用方事务内完成：锁账户行 -> 校验余额 -> 条件更新 -> 追加流水 -> 写 outbox
func (s *LedgerService) applyTx(ctx context.Context, tx *gorm.DB, e *ledgerEntry) (*model.PointTransaction, error) {
	account, err := s.accountRepo.GetOrCreateForUpdate(ctx, tx, e.accountID)
	if err != nil {
		return nil, fmt.Errorf("获取积分账户失败: %w", err)
	}

	amount := e.amount
	if e.clamp && amount > account.TotalPoints {
		amount = account.TotalPoints
	}
	if amount <= 0 {
		return nil, nil
	}

	delta := e.delta(amount)
	if account.TotalPoints+delta.Total < 0 {
		return nil, newErrorf(KindInsufficientFunds, "余额 %d，需要 %d", account.TotalPoints, amount)
	}
	if err := s.accountRepo.ApplyDelta(ctx, tx, account, delta); err != nil {
		if errors.Is(err, repository.ErrBalanceNotEnough) {
			return nil, newErrorf(KindInsufficientFunds, "余额不足，需要 %d", amount)
		}
		return nil, err
	}

	trans := &model.PointTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		AccountID:     e.accountID,
		Type:          e.txType,
		Amount:        amount,
		BalanceAfter:  account.TotalPoints,
		Reason:        e.reason,
		Description:   e.description,
		ReferenceType: e.ref.Type,
		ReferenceID:   e.ref.ID,
		RefundOfID:    e.refundOfID,
		ExpiresAt:     e.expiresAt,
	}
	if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
		if e.refundOfID != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, newErrorf(KindAlreadyRefunded, "流水 %d 已退款", *e.refundOfID)
		}
		return nil, fmt.Errorf("记录积分流水失败: %w", err)
	}

	msg, err := newOutboxMessage(s.cfg.Kafka.Topic.PointEvent, pointEventType(trans.Type),
		model.AggregatePointAccount, trans.AccountID, &PointEvent{
			EventType:     pointEventType(trans.Type),
			TransactionID: trans.ID,
			TransactionNo: trans.TransactionNo,
			AccountID:     trans.AccountID,
			Type:          trans.Type,
			Amount:        trans.Amount,
			BalanceAfter:  trans.BalanceAfter,
			Reason:        trans.Reason,
			ReferenceType: trans.ReferenceType,
			ReferenceID:   trans.ReferenceID,
			OccurredAt:    trans.CreatedAt,
		})
	if err != nil {
		return nil, err
	}
	if err := s.outboxRepo.Create(ctx, tx, msg); err != nil {
		return nil, fmt.Errorf("写入消息失败: %w", err)
	}

	return trans, nil
}

func pointEventType(txType string) string {
	switch txType {
	case model.TransactionTypeEarned:
		return model.EventPointEarned
	case model.TransactionTypeSpent:
		return model.EventPointSpent
	case model.TransactionTypeExpired:
		return model.EventPointExpired
	default:
		return model.EventPointRefunded
	}
}

func (s *LedgerService) observe(op string, accountID int64, trans *model.PointTransaction, err error) {
	metrics.LedgerOperations.WithLabelValues(op, metrics.Result(err)).Inc()
	if err != nil {
		s.log.Warn("积分记账失败",
			zap.String("op", op),
			zap.Int64("account_id", accountID),
			zap.String("kind", string(KindOf(err))),
			zap.Error(err),
		)
		return
	}
	if trans == nil {
		return
	}
	metrics.LedgerPoints.WithLabelValues(trans.Type).Add(float64(trans.Amount))
	s.log.Info("积分记账成功",
		zap.String("op", op),
		zap.Int64("account_id", accountID),
		zap.String("transaction_no", trans.TransactionNo),
		zap.Int64("amount", trans.Amount),
		zap.Int64("balance_after", trans.BalanceAfter),
	)
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}
