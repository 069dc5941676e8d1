package model

import (
	"time"

	"gorm.io/gorm"
)

// FlyerStatus 传单状态，取值只能是下面五个常量
type FlyerStatus string

const (
	FlyerStatusDraft    FlyerStatus = "draft"
	FlyerStatusPending  FlyerStatus = "pending"
	FlyerStatusApproved FlyerStatus = "approved"
	FlyerStatusRejected FlyerStatus = "rejected"
	FlyerStatusExpired  FlyerStatus = "expired"
)

// FlyerEvent 驱动状态迁移的事件
type FlyerEvent string

const (
	FlyerEventSubmit  FlyerEvent = "submit"
	FlyerEventApprove FlyerEvent = "approve"
	FlyerEventReject  FlyerEvent = "reject"
	FlyerEventExpire  FlyerEvent = "expire"
)

var (
	AllFlyerStatuses = []FlyerStatus{
		FlyerStatusDraft,
		FlyerStatusPending,
		FlyerStatusApproved,
		FlyerStatusRejected,
		FlyerStatusExpired,
	}
	AllFlyerEvents = []FlyerEvent{
		FlyerEventSubmit,
		FlyerEventApprove,
		FlyerEventReject,
		FlyerEventExpire,
	}
)

// flyerTransitions 状态迁移表，未列出的 (状态, 事件) 组合一律非法
//
//	draft --submit--> pending --approve--> approved --expire--> expired
//	                     |--reject--> rejected
//	                     |--expire--> expired
var flyerTransitions = map[FlyerStatus]map[FlyerEvent]FlyerStatus{
	FlyerStatusDraft: {
		FlyerEventSubmit: FlyerStatusPending,
	},
	FlyerStatusPending: {
		FlyerEventApprove: FlyerStatusApproved,
		FlyerEventReject:  FlyerStatusRejected,
		FlyerEventExpire:  FlyerStatusExpired,
	},
	FlyerStatusApproved: {
		FlyerEventExpire: FlyerStatusExpired,
	},
}

// NextStatus 返回事件作用后的状态，ok=false 表示该迁移不存在
func NextStatus(current FlyerStatus, event FlyerEvent) (FlyerStatus, bool) {
	next, ok := flyerTransitions[current][event]
	return next, ok
}

func (s FlyerStatus) Valid() bool {
	switch s {
	case FlyerStatusDraft, FlyerStatusPending, FlyerStatusApproved, FlyerStatusRejected, FlyerStatusExpired:
		return true
	}
	return false
}

// IsTerminal rejected 与 expired 为终态
func (s FlyerStatus) IsTerminal() bool {
	return s == FlyerStatusRejected || s == FlyerStatusExpired
}

// Flyer 商户传单
type Flyer struct {
	ID          int64       `gorm:"primaryKey;autoIncrement" json:"id"`
	MerchantID  int64       `gorm:"index;not null" json:"merchant_id"`
	Title       string      `gorm:"type:varchar(200);not null" json:"title"`
	Description string      `gorm:"type:text" json:"description,omitempty"`
	ImageURL    string      `gorm:"type:varchar(512)" json:"image_url,omitempty"`
	Category    string      `gorm:"type:varchar(32);index;not null;default:other" json:"category"`
	Status      FlyerStatus `gorm:"type:varchar(20);index;not null" json:"status"`

	ViewCount  int64 `gorm:"not null;default:0" json:"view_count"`
	ClickCount int64 `gorm:"not null;default:0" json:"click_count"`
	ShareCount int64 `gorm:"not null;default:0" json:"share_count"`

	StartsAt     *time.Time `json:"starts_at,omitempty"`
	EndsAt       *time.Time `gorm:"index" json:"ends_at,omitempty"`
	SubmittedAt  *time.Time `json:"submitted_at,omitempty"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	RejectedAt   *time.Time `json:"rejected_at,omitempty"`
	ExpiredAt    *time.Time `json:"expired_at,omitempty"`
	RejectReason string     `gorm:"type:varchar(512)" json:"reject_reason,omitempty"`

	CreatedAt time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Flyer) TableName() string {
	return "flyers"
}
