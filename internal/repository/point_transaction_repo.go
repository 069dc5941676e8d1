package repository

import (
	"context"
	"errors"
	"strconv"
	"time"

	"townin/internal/model"

	"gorm.io/gorm"
)

var ErrTransactionNotFound = errors.New("积分流水不存在")

// ExpiryCursor 过期扫描游标，按 (expires_at, id) 单调前进
type ExpiryCursor struct {
	ExpiresAt time.Time `json:"expires_at"`
	ID        int64     `json:"id"`
}

type PointTransactionRepository struct {
	db *gorm.DB
}

func NewPointTransactionRepository(db *gorm.DB) *PointTransactionRepository {
	return &PointTransactionRepository{db: db}
}

func (r *PointTransactionRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *PointTransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.PointTransaction) error {
	return r.conn(tx).WithContext(ctx).Create(trans).Error
}

func (r *PointTransactionRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.PointTransaction, error) {
	var trans model.PointTransaction
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

// GetRefundOf 查询某笔消费的退款流水，没有退过返回 nil
func (r *PointTransactionRepository) GetRefundOf(ctx context.Context, tx *gorm.DB, spentID int64) (*model.PointTransaction, error) {
	var trans model.PointTransaction
	err := r.conn(tx).WithContext(ctx).
		Where("refund_of_id = ? AND type = ?", spentID, model.TransactionTypeRefunded).
		First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

func (r *PointTransactionRepository) ListByAccount(ctx context.Context, accountID int64, page, pageSize int) ([]*model.PointTransaction, int64, error) {
	var transactions []*model.PointTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.PointTransaction{}).Where("account_id = ?", accountID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}

// ListAllByAccount 按发生顺序返回账户全部流水，用于重放
func (r *PointTransactionRepository) ListAllByAccount(ctx context.Context, tx *gorm.DB, accountID int64) ([]*model.PointTransaction, error) {
	var transactions []*model.PointTransaction
	err := r.conn(tx).WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&transactions).Error
	return transactions, err
}

func (r *PointTransactionRepository) Recent(ctx context.Context, accountID int64, limit int) ([]*model.PointTransaction, error) {
	var transactions []*model.PointTransaction
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&transactions).Error
	return transactions, err
}

// ListByReference 查询引用某个业务对象的流水
func (r *PointTransactionRepository) ListByReference(ctx context.Context, tx *gorm.DB, refType, refID string) ([]*model.PointTransaction, error) {
	var transactions []*model.PointTransaction
	err := r.conn(tx).WithContext(ctx).
		Where("reference_type = ? AND reference_id = ?", refType, refID).
		Order("id ASC").
		Find(&transactions).Error
	return transactions, err
}

// FindExpirable 游标之后、已到期的 earned 流水
func (r *PointTransactionRepository) FindExpirable(ctx context.Context, now time.Time, cursor ExpiryCursor, limit int) ([]*model.PointTransaction, error) {
	var transactions []*model.PointTransaction
	err := r.db.WithContext(ctx).
		Where("type = ? AND expires_at IS NOT NULL AND expires_at <= ?", model.TransactionTypeEarned, now).
		Where("expires_at > ? OR (expires_at = ? AND id > ?)", cursor.ExpiresAt, cursor.ExpiresAt, cursor.ID).
		Order("expires_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&transactions).Error
	return transactions, err
}

// ExistsExpiryFor 某笔 earned 流水是否已经生成过 expired 流水
func (r *PointTransactionRepository) ExistsExpiryFor(ctx context.Context, tx *gorm.DB, earnedID int64) (bool, error) {
	var count int64
	err := r.conn(tx).WithContext(ctx).
		Model(&model.PointTransaction{}).
		Where("type = ? AND reference_type = ? AND reference_id = ?",
			model.TransactionTypeExpired, model.ReferenceTypeTransaction, strconv.FormatInt(earnedID, 10)).
		Count(&count).Error
	return count > 0, err
}
