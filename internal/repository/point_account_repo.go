package repository

import (
	"context"
	"errors"

	"townin/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound  = errors.New("积分账户不存在")
	ErrBalanceNotEnough = errors.New("积分余额不足")
	ErrOptimisticLock   = errors.New("乐观锁冲突，请重试")
)

// AccountDelta 一次记账对账户三个字段的增量
type AccountDelta struct {
	Total  int64
	Earned int64
	Spent  int64
}

type PointAccountRepository struct {
	db *gorm.DB
}

func NewPointAccountRepository(db *gorm.DB) *PointAccountRepository {
	return &PointAccountRepository{db: db}
}

func (r *PointAccountRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *PointAccountRepository) GetByAccountID(ctx context.Context, tx *gorm.DB, accountID int64) (*model.PointAccount, error) {
	var account model.PointAccount
	err := r.conn(tx).WithContext(ctx).Where("account_id = ?", accountID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetOrCreateForUpdate 惰性创建账户并加行锁（SELECT ... FOR UPDATE）
func (r *PointAccountRepository) GetOrCreateForUpdate(ctx context.Context, tx *gorm.DB, accountID int64) (*model.PointAccount, error) {
	db := r.conn(tx).WithContext(ctx)

	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoNothing: true,
	}).Create(&model.PointAccount{AccountID: accountID}).Error
	if err != nil {
		return nil, err
	}

	var account model.PointAccount
	err = db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// ApplyDelta 条件更新：版本号一致且更新后余额不为负才会生效
// 成功后同步更新传入的 account
func (r *PointAccountRepository) ApplyDelta(ctx context.Context, tx *gorm.DB, account *model.PointAccount, delta AccountDelta) error {
	db := r.conn(tx).WithContext(ctx)

	result := db.Model(&model.PointAccount{}).
		Where("id = ? AND version = ? AND total_points + ? >= 0", account.ID, account.Version, delta.Total).
		Updates(map[string]interface{}{
			"total_points":    gorm.Expr("total_points + ?", delta.Total),
			"lifetime_earned": gorm.Expr("lifetime_earned + ?", delta.Earned),
			"lifetime_spent":  gorm.Expr("lifetime_spent + ?", delta.Spent),
			"version":         gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		current, err := r.GetByAccountID(ctx, tx, account.AccountID)
		if err != nil {
			return err
		}
		if current.TotalPoints+delta.Total < 0 {
			return ErrBalanceNotEnough
		}
		return ErrOptimisticLock
	}

	account.TotalPoints += delta.Total
	account.LifetimeEarned += delta.Earned
	account.LifetimeSpent += delta.Spent
	account.Version++
	return nil
}

// ListAccountIDs 分页列出账户ID，对账任务使用
func (r *PointAccountRepository) ListAccountIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&model.PointAccount{}).
		Where("account_id > ?", afterID).
		Order("account_id ASC").
		Limit(limit).
		Pluck("account_id", &ids).Error
	return ids, err
}
