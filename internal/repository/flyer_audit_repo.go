package repository

import (
	"context"

	"townin/internal/model"

	"gorm.io/gorm"
)

type FlyerAuditRepository struct {
	db *gorm.DB
}

func NewFlyerAuditRepository(db *gorm.DB) *FlyerAuditRepository {
	return &FlyerAuditRepository{db: db}
}

func (r *FlyerAuditRepository) Create(ctx context.Context, tx *gorm.DB, audit *model.FlyerAudit) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(audit).Error
}

func (r *FlyerAuditRepository) ListByFlyer(ctx context.Context, flyerID int64) ([]*model.FlyerAudit, error) {
	var audits []*model.FlyerAudit
	err := r.db.WithContext(ctx).
		Where("flyer_id = ?", flyerID).
		Order("id ASC").
		Find(&audits).Error
	return audits, err
}
