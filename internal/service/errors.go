package service

import (
	"errors"
	"fmt"
)

// Kind 错误类型，接口层原样返回给前端
type Kind string

const (
	KindInsufficientFunds    Kind = "InsufficientFunds"
	KindInvalidCell          Kind = "InvalidCell"
	KindInvalidTransition    Kind = "InvalidTransition"
	KindNoTargetingPurchased Kind = "NoTargetingPurchased"
	KindAlreadyRefunded      Kind = "AlreadyRefunded"
	KindNotFound             Kind = "NotFound"
	KindInvalidArgument      Kind = "InvalidArgument"
	KindInvalidAmount        Kind = "InvalidAmount"
	KindInvalidReason        Kind = "InvalidReason"
	KindEmptyRejectReason    Kind = "EmptyRejectReason"
	KindRegionCycle          Kind = "RegionCycle"
	KindRegionLevel          Kind = "RegionLevel"
	KindCellAlreadyTargeted  Kind = "CellAlreadyTargeted"
	KindConcurrentConflict   Kind = "ConcurrentConflict"
)

// Error 业务错误，errors.Is 按 Kind 匹配
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Msg
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrInsufficientFunds    = &Error{Kind: KindInsufficientFunds}
	ErrInvalidCell          = &Error{Kind: KindInvalidCell}
	ErrInvalidTransition    = &Error{Kind: KindInvalidTransition}
	ErrNoTargetingPurchased = &Error{Kind: KindNoTargetingPurchased}
	ErrAlreadyRefunded      = &Error{Kind: KindAlreadyRefunded}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrInvalidArgument      = &Error{Kind: KindInvalidArgument}
	ErrInvalidAmount        = &Error{Kind: KindInvalidAmount}
	ErrInvalidReason        = &Error{Kind: KindInvalidReason}
	ErrEmptyRejectReason    = &Error{Kind: KindEmptyRejectReason}
	ErrRegionCycle          = &Error{Kind: KindRegionCycle}
	ErrRegionLevel          = &Error{Kind: KindRegionLevel}
	ErrCellAlreadyTargeted  = &Error{Kind: KindCellAlreadyTargeted}
	// ErrConcurrentConflict 锁竞争或 CAS 冲突重试耗尽，调用方可以安全重试
	ErrConcurrentConflict = &Error{Kind: KindConcurrentConflict}
)

func newErrorf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf 取出错误类型，非业务错误返回空串
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
