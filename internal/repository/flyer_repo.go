package repository

import (
	"context"
	"errors"
	"time"

	"townin/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrFlyerNotFound       = errors.New("传单不存在")
	ErrFlyerStatusConflict = errors.New("传单状态已被修改")
	ErrFlyerNotServing     = errors.New("传单未处于投放状态")
)

// FlyerCounter 可原子累加的互动计数列
type FlyerCounter string

const (
	FlyerCounterView  FlyerCounter = "view_count"
	FlyerCounterClick FlyerCounter = "click_count"
	FlyerCounterShare FlyerCounter = "share_count"
)

type FlyerRepository struct {
	db *gorm.DB
}

func NewFlyerRepository(db *gorm.DB) *FlyerRepository {
	return &FlyerRepository{db: db}
}

func (r *FlyerRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *FlyerRepository) Create(ctx context.Context, tx *gorm.DB, flyer *model.Flyer) error {
	return r.conn(tx).WithContext(ctx).Create(flyer).Error
}

func (r *FlyerRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Flyer, error) {
	var flyer model.Flyer
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&flyer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFlyerNotFound
		}
		return nil, err
	}
	return &flyer, nil
}

// GetByIDForUpdate 事务内锁定传单行，与状态 CAS 串行
func (r *FlyerRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.Flyer, error) {
	var flyer model.Flyer
	err := r.conn(tx).WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&flyer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFlyerNotFound
		}
		return nil, err
	}
	return &flyer, nil
}

// UpdateStatus CAS 更新状态：只有当前状态仍为 from 时才会生效
func (r *FlyerRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, from, to model.FlyerStatus, extra map[string]interface{}) error {
	updates := map[string]interface{}{
		"status": to,
	}
	for k, v := range extra {
		updates[k] = v
	}

	now := time.Now()
	switch to {
	case model.FlyerStatusPending:
		updates["submitted_at"] = &now
	case model.FlyerStatusApproved:
		updates["approved_at"] = &now
	case model.FlyerStatusRejected:
		updates["rejected_at"] = &now
	case model.FlyerStatusExpired:
		updates["expired_at"] = &now
	}

	result := r.conn(tx).WithContext(ctx).
		Model(&model.Flyer{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrFlyerStatusConflict
	}

	return nil
}

// ListByStatus 按创建时间正序分页，审核队列先进先出
func (r *FlyerRepository) ListByStatus(ctx context.Context, status model.FlyerStatus, page, pageSize int) ([]*model.Flyer, int64, error) {
	var flyers []*model.Flyer
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Flyer{}).Where("status = ?", status)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at ASC").
		Order("id ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&flyers).Error

	return flyers, total, err
}

// ListDue 结束时间已过、仍处于 pending/approved 的传单
func (r *FlyerRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Flyer, error) {
	var flyers []*model.Flyer
	err := r.db.WithContext(ctx).
		Where("status IN ? AND ends_at IS NOT NULL AND ends_at < ?",
			[]model.FlyerStatus{model.FlyerStatusPending, model.FlyerStatusApproved}, now).
		Order("ends_at ASC").
		Limit(limit).
		Find(&flyers).Error
	return flyers, err
}

// IncrementCounter 仅对 approved 传单累加互动计数
func (r *FlyerRepository) IncrementCounter(ctx context.Context, tx *gorm.DB, id int64, counter FlyerCounter) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.Flyer{}).
		Where("id = ? AND status = ?", id, model.FlyerStatusApproved).
		UpdateColumn(string(counter), gorm.Expr(string(counter)+" + 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrFlyerNotServing
	}
	return nil
}

// SoftDelete 软删除，只允许 draft / rejected / expired
func (r *FlyerRepository) SoftDelete(ctx context.Context, id, merchantID int64) error {
	result := r.db.WithContext(ctx).
		Where("id = ? AND merchant_id = ? AND status IN ?", id, merchantID,
			[]model.FlyerStatus{model.FlyerStatusDraft, model.FlyerStatusRejected, model.FlyerStatusExpired}).
		Delete(&model.Flyer{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrFlyerStatusConflict
	}
	return nil
}
