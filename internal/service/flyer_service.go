package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"townin/internal/config"
	"townin/internal/metrics"
	"townin/internal/model"
	"townin/internal/repository"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type CreateFlyerRequest struct {
	MerchantID  int64      `json:"merchant_id" binding:"required"`
	Title       string     `json:"title" binding:"required"`
	Description string     `json:"description"`
	ImageURL    string     `json:"image_url"`
	Category    string     `json:"category"`
	StartsAt    *time.Time `json:"starts_at"`
	EndsAt      *time.Time `json:"ends_at"`
}

type FlyerService struct {
	db         *gorm.DB
	cfg        *config.Config
	log        *zap.Logger
	ledger     *LedgerService
	flyerRepo  *repository.FlyerRepository
	areaRepo   *repository.TargetAreaRepository
	auditRepo  *repository.FlyerAuditRepository
	outboxRepo *repository.OutboxRepository
}

func NewFlyerService(db *gorm.DB, cfg *config.Config, log *zap.Logger, ledger *LedgerService) *FlyerService {
	return &FlyerService{
		db:         db,
		cfg:        cfg,
		log:        log.Named("flyer.service"),
		ledger:     ledger,
		flyerRepo:  repository.NewFlyerRepository(db),
		areaRepo:   repository.NewTargetAreaRepository(db),
		auditRepo:  repository.NewFlyerAuditRepository(db),
		outboxRepo: repository.NewOutboxRepository(db),
	}
}

func (s *FlyerService) Create(ctx context.Context, req *CreateFlyerRequest) (*model.Flyer, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, newErrorf(KindInvalidArgument, "标题不能为空")
	}
	if req.StartsAt != nil && req.EndsAt != nil && !req.EndsAt.After(*req.StartsAt) {
		return nil, newErrorf(KindInvalidArgument, "结束时间必须晚于开始时间")
	}
	category := req.Category
	if category == "" {
		category = "other"
	}

	flyer := &model.Flyer{
		MerchantID:  req.MerchantID,
		Title:       title,
		Description: req.Description,
		ImageURL:    req.ImageURL,
		Category:    category,
		Status:      model.FlyerStatusDraft,
		StartsAt:    req.StartsAt,
		EndsAt:      req.EndsAt,
	}
	if err := s.flyerRepo.Create(ctx, nil, flyer); err != nil {
		return nil, fmt.Errorf("创建传单失败: %w", err)
	}
	return flyer, nil
}

func (s *FlyerService) Get(ctx context.Context, flyerID int64) (*model.Flyer, error) {
	flyer, err := s.flyerRepo.GetByID(ctx, nil, flyerID)
	if err != nil {
		if errors.Is(err, repository.ErrFlyerNotFound) {
			return nil, newErrorf(KindNotFound, "传单 %d 不存在", flyerID)
		}
		return nil, err
	}
	return flyer, nil
}

// transitionInput 一次状态迁移
type transitionInput struct {
	flyerID int64
	event   model.FlyerEvent
	guardID int64
	reason  string
	// precheck 在迁移表校验通过之后、写入之前执行
	precheck func(ctx context.Context, tx *gorm.DB, flyer *model.Flyer) error
}

// transition 状态机核心：迁移表判定 + CAS 写入 + 审核留痕 + outbox
// CAS 失败说明并发修改，重新读取后重试
func (s *FlyerService) transition(ctx context.Context, in transitionInput) (*model.Flyer, error) {
	var out *model.Flyer
	biz := s.cfg.Business

	err := withConflictRetry(ctx, biz.ConflictMaxRetries, biz.ConflictBackoff(), func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			flyer, err := s.flyerRepo.GetByID(ctx, tx, in.flyerID)
			if err != nil {
				if errors.Is(err, repository.ErrFlyerNotFound) {
					return newErrorf(KindNotFound, "传单 %d 不存在", in.flyerID)
				}
				return err
			}

			from := flyer.Status
			next, ok := model.NextStatus(from, in.event)
			if !ok {
				return newErrorf(KindInvalidTransition, "%s 状态不允许 %s", from, in.event)
			}
			if in.precheck != nil {
				if err := in.precheck(ctx, tx, flyer); err != nil {
					return err
				}
			}

			var extra map[string]interface{}
			if in.event == model.FlyerEventReject {
				extra = map[string]interface{}{"reject_reason": in.reason}
			}
			if err := s.flyerRepo.UpdateStatus(ctx, tx, flyer.ID, from, next, extra); err != nil {
				return err
			}

			if in.event == model.FlyerEventApprove || in.event == model.FlyerEventReject {
				audit := &model.FlyerAudit{
					FlyerID:    flyer.ID,
					Event:      in.event,
					FromStatus: from,
					ToStatus:   next,
					GuardID:    in.guardID,
					Reason:     in.reason,
					Metadata:   auditMetadata(flyer),
				}
				if err := s.auditRepo.Create(ctx, tx, audit); err != nil {
					return fmt.Errorf("写入审核记录失败: %w", err)
				}
			}

			msg, err := newOutboxMessage(s.cfg.Kafka.Topic.FlyerEvent, model.EventFlyerTransition,
				model.AggregateFlyer, flyer.ID, &FlyerChangedEvent{
					EventType:  model.EventFlyerTransition,
					FlyerID:    flyer.ID,
					MerchantID: flyer.MerchantID,
					Event:      in.event,
					From:       from,
					To:         next,
					GuardID:    in.guardID,
					Reason:     in.reason,
					OccurredAt: time.Now(),
				})
			if err != nil {
				return err
			}
			if err := s.outboxRepo.Create(ctx, tx, msg); err != nil {
				return fmt.Errorf("写入消息失败: %w", err)
			}

			flyer.Status = next
			if in.event == model.FlyerEventReject {
				flyer.RejectReason = in.reason
			}
			out = flyer
			return nil
		})
	})

	metrics.FlyerTransitions.WithLabelValues(string(in.event), metrics.Result(err)).Inc()
	if err != nil {
		s.log.Warn("传单状态迁移失败",
			zap.Int64("flyer_id", in.flyerID),
			zap.String("event", string(in.event)),
			zap.String("kind", string(KindOf(err))),
			zap.Error(err),
		)
		return nil, err
	}
	s.log.Info("传单状态迁移成功",
		zap.Int64("flyer_id", in.flyerID),
		zap.String("event", string(in.event)),
		zap.String("status", string(out.Status)),
	)
	return out, nil
}

// auditMetadata 审核时的内容快照，被驳回的内容可追溯
func auditMetadata(flyer *model.Flyer) datatypes.JSON {
	body, _ := json.Marshal(map[string]interface{}{
		"title":       flyer.Title,
		"description": flyer.Description,
		"image_url":   flyer.ImageURL,
		"category":    flyer.Category,
		"merchant_id": flyer.MerchantID,
	})
	return datatypes.JSON(body)
}

// Submit 提交审核，必须先购买投放
func (s *FlyerService) Submit(ctx context.Context, flyerID int64) (*model.Flyer, error) {
	return s.transition(ctx, transitionInput{
		flyerID: flyerID,
		event:   model.FlyerEventSubmit,
		precheck: func(ctx context.Context, tx *gorm.DB, flyer *model.Flyer) error {
			count, err := s.areaRepo.CountByFlyer(ctx, tx, flyer.ID)
			if err != nil {
				return err
			}
			if count == 0 {
				return newErrorf(KindNoTargetingPurchased, "传单 %d 尚未购买投放区域", flyer.ID)
			}
			return nil
		},
	})
}

func (s *FlyerService) Approve(ctx context.Context, flyerID, guardID int64) (*model.Flyer, error) {
	if guardID <= 0 {
		return nil, newErrorf(KindInvalidArgument, "审核员ID不能为空")
	}
	return s.transition(ctx, transitionInput{
		flyerID: flyerID,
		event:   model.FlyerEventApprove,
		guardID: guardID,
	})
}

// Reject 驳回为终态，商户需要新建传单重新提交
func (s *FlyerService) Reject(ctx context.Context, flyerID, guardID int64, reason string) (*model.Flyer, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, newErrorf(KindEmptyRejectReason, "驳回原因不能为空")
	}
	if guardID <= 0 {
		return nil, newErrorf(KindInvalidArgument, "审核员ID不能为空")
	}
	return s.transition(ctx, transitionInput{
		flyerID: flyerID,
		event:   model.FlyerEventReject,
		guardID: guardID,
		reason:  reason,
	})
}

// Expire 到期或商户取消，投放区域保留用于统计
func (s *FlyerService) Expire(ctx context.Context, flyerID int64) (*model.Flyer, error) {
	return s.transition(ctx, transitionInput{
		flyerID: flyerID,
		event:   model.FlyerEventExpire,
	})
}

// Cancel 商户主动取消
func (s *FlyerService) Cancel(ctx context.Context, flyerID, merchantID int64) (*model.Flyer, error) {
	return s.transition(ctx, transitionInput{
		flyerID: flyerID,
		event:   model.FlyerEventExpire,
		reason:  "merchant_cancel",
		precheck: func(ctx context.Context, tx *gorm.DB, flyer *model.Flyer) error {
			if flyer.MerchantID != merchantID {
				return newErrorf(KindNotFound, "传单 %d 不存在", flyer.ID)
			}
			return nil
		},
	})
}

// PendingQueue 待审核队列，先提交先审核
func (s *FlyerService) PendingQueue(ctx context.Context, page, pageSize int) ([]*model.Flyer, int64, error) {
	page, pageSize = normalizePage(page, pageSize)
	return s.flyerRepo.ListByStatus(ctx, model.FlyerStatusPending, page, pageSize)
}

// ExpireDue 调度器入口：结束时间已过的 pending / approved 传单置为过期
func (s *FlyerService) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	flyers, err := s.flyerRepo.ListDue(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, flyer := range flyers {
		if _, err := s.Expire(ctx, flyer.ID); err != nil {
			// 已被其他实例处理
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			s.log.Error("传单过期失败", zap.Int64("flyer_id", flyer.ID), zap.Error(err))
			continue
		}
		expired++
	}
	return expired, nil
}

// RecordView 浏览计数 + 给浏览者发放积分
func (s *FlyerService) RecordView(ctx context.Context, flyerID, viewerID int64) error {
	return s.recordInteraction(ctx, flyerID, viewerID, repository.FlyerCounterView,
		model.EarnReasonFlyerView, s.cfg.Business.ViewRewardPoints)
}

func (s *FlyerService) RecordClick(ctx context.Context, flyerID, viewerID int64) error {
	return s.recordInteraction(ctx, flyerID, viewerID, repository.FlyerCounterClick,
		model.EarnReasonFlyerClick, s.cfg.Business.ClickRewardPoints)
}

func (s *FlyerService) RecordShare(ctx context.Context, flyerID int64) error {
	return s.recordInteraction(ctx, flyerID, 0, repository.FlyerCounterShare, "", 0)
}

func (s *FlyerService) recordInteraction(ctx context.Context, flyerID, viewerID int64, counter repository.FlyerCounter, reason string, reward int64) error {
	if err := s.flyerRepo.IncrementCounter(ctx, nil, flyerID, counter); err != nil {
		if errors.Is(err, repository.ErrFlyerNotServing) {
			return newErrorf(KindInvalidTransition, "传单 %d 未在投放中", flyerID)
		}
		return err
	}
	if viewerID <= 0 || reward <= 0 {
		return nil
	}
	// 奖励积分失败不影响计数
	if _, err := s.ledger.Earn(ctx, &EarnRequest{
		AccountID: viewerID,
		Amount:    reward,
		Reason:    reason,
		Reference: FlyerReference(flyerID),
	}); err != nil {
		s.log.Warn("发放互动积分失败",
			zap.Int64("flyer_id", flyerID),
			zap.Int64("viewer_id", viewerID),
			zap.Error(err),
		)
	}
	return nil
}

// SoftDelete 只允许删除 draft / rejected / expired 的传单
func (s *FlyerService) SoftDelete(ctx context.Context, flyerID, merchantID int64) error {
	flyer, err := s.Get(ctx, flyerID)
	if err != nil {
		return err
	}
	if flyer.MerchantID != merchantID {
		return newErrorf(KindNotFound, "传单 %d 不存在", flyerID)
	}
	if err := s.flyerRepo.SoftDelete(ctx, flyerID, merchantID); err != nil {
		if errors.Is(err, repository.ErrFlyerStatusConflict) {
			return newErrorf(KindInvalidTransition, "%s 状态的传单不能删除", flyer.Status)
		}
		return err
	}
	return nil
}

func (s *FlyerService) Audits(ctx context.Context, flyerID int64) ([]*model.FlyerAudit, error) {
	return s.auditRepo.ListByFlyer(ctx, flyerID)
}
