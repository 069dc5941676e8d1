package model

import (
	"time"
)

const (
	TransactionTypeEarned   = "earned"
	TransactionTypeSpent    = "spent"
	TransactionTypeExpired  = "expired"
	TransactionTypeRefunded = "refunded"
)

// 获取积分的原因
const (
	EarnReasonFlyerView       = "flyer_view"
	EarnReasonFlyerClick      = "flyer_click"
	EarnReasonDailyLogin      = "daily_login"
	EarnReasonProfileComplete = "profile_complete"
	EarnReasonHubSetup        = "hub_setup"
	EarnReasonReferral        = "referral"
	EarnReasonEvent           = "event"
	EarnReasonAdminGrant      = "admin_grant"
)

// 消费积分的原因
const (
	SpendReasonFlyerTargetArea  = "flyer_target_area"
	SpendReasonPremiumFeature   = "premium_feature"
	SpendReasonCouponRedemption = "coupon_redemption"
	SpendReasonGift             = "gift"
	SpendReasonAdminDeduct      = "admin_deduct"
)

const (
	ExpireReasonEarnExpired = "earn_expired"
	RefundReasonReversal    = "refund"
)

// 流水引用的业务对象类型
const (
	ReferenceTypeFlyer       = "flyer"
	ReferenceTypeTransaction = "point_transaction"
)

var earnReasons = map[string]bool{
	EarnReasonFlyerView:       true,
	EarnReasonFlyerClick:      true,
	EarnReasonDailyLogin:      true,
	EarnReasonProfileComplete: true,
	EarnReasonHubSetup:        true,
	EarnReasonReferral:        true,
	EarnReasonEvent:           true,
	EarnReasonAdminGrant:      true,
}

var spendReasons = map[string]bool{
	SpendReasonFlyerTargetArea:  true,
	SpendReasonPremiumFeature:   true,
	SpendReasonCouponRedemption: true,
	SpendReasonGift:             true,
	SpendReasonAdminDeduct:      true,
}

func IsEarnReason(reason string) bool {
	return earnReasons[reason]
}

func IsSpendReason(reason string) bool {
	return spendReasons[reason]
}

// PointTransaction 积分流水
//
// 流水只追加，不修改，不删除：
// 1. amount 永远为正数，方向由 type 决定
// 2. balance_after 记录本笔流水后的余额快照
// 3. 退款流水通过 refund_of_id 指向被退的消费流水，唯一索引保证一笔消费最多退一次
type PointTransaction struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	AccountID     int64      `gorm:"index:idx_point_tx_account_created,priority:1;not null" json:"account_id"`
	Type          string     `gorm:"type:varchar(20);index;not null" json:"type"`
	Amount        int64      `gorm:"not null" json:"amount"`
	BalanceAfter  int64      `gorm:"not null" json:"balance_after"`
	Reason        string     `gorm:"type:varchar(32);not null" json:"reason"`
	Description   string     `gorm:"type:varchar(256)" json:"description,omitempty"`
	ReferenceType string     `gorm:"type:varchar(32);index:idx_point_tx_reference,priority:1" json:"reference_type,omitempty"`
	ReferenceID   string     `gorm:"type:varchar(64);index:idx_point_tx_reference,priority:2" json:"reference_id,omitempty"`
	RefundOfID    *int64     `gorm:"uniqueIndex" json:"refund_of_id,omitempty"`
	ExpiresAt     *time.Time `gorm:"index" json:"expires_at,omitempty"`
	CreatedAt     time.Time  `gorm:"index:idx_point_tx_account_created,priority:2" json:"created_at"`
}

func (PointTransaction) TableName() string {
	return "point_transactions"
}

// IsCredit 是否为入账流水
func (t *PointTransaction) IsCredit() bool {
	return t.Type == TransactionTypeEarned || t.Type == TransactionTypeRefunded
}
