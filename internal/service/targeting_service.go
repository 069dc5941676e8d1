package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"townin/internal/config"
	"townin/internal/metrics"
	"townin/internal/model"
	"townin/internal/repository"
	"townin/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CellQuote 单个网格的报价
type CellQuote struct {
	CellIndex      string `json:"cell_index"`
	GridCellID     int64  `json:"grid_cell_id"`
	UserCount      int64  `json:"user_count"`
	FlyerCount     int64  `json:"flyer_count"`
	EstimatedReach int64  `json:"estimated_reach"`
	Cost           int64  `json:"cost"`
}

// Quote 一组网格的报价，同样的计数器得到同样的价格
type Quote struct {
	QuoteID    string      `json:"quote_id"`
	Cells      []CellQuote `json:"cells"`
	TotalReach int64       `json:"total_reach"`
	TotalCost  int64       `json:"total_cost"`
	QuotedAt   time.Time   `json:"quoted_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

type PurchaseRequest struct {
	FlyerID           int64    `json:"flyer_id" binding:"required"`
	MerchantAccountID int64    `json:"merchant_account_id" binding:"required"`
	CellIndexes       []string `json:"cell_indexes" binding:"required"`
	QuoteID           string   `json:"quote_id"`
}

type PurchaseResult struct {
	Transaction *model.PointTransaction `json:"transaction"`
	Areas       []*model.TargetArea     `json:"areas"`
	TotalCost   int64                   `json:"total_cost"`
	TotalReach  int64                   `json:"total_reach"`
	// 与报价时的总价不一致（计数器在报价后发生了变化）
	PriceChanged bool `json:"price_changed"`
}

type TargetingService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	log         *zap.Logger
	ledger      *LedgerService
	cellRepo    *repository.GridCellRepository
	flyerRepo   *repository.FlyerRepository
	areaRepo    *repository.TargetAreaRepository
	outboxRepo  *repository.OutboxRepository
}

func NewTargetingService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config, log *zap.Logger, ledger *LedgerService) *TargetingService {
	return &TargetingService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		log:         log.Named("targeting.service"),
		ledger:      ledger,
		cellRepo:    repository.NewGridCellRepository(db),
		flyerRepo:   repository.NewFlyerRepository(db),
		areaRepo:    repository.NewTargetAreaRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

func quoteKey(quoteID string) string {
	return "targeting:quote:" + quoteID
}

// normalizeCells 去空白、去重、排序
func (s *TargetingService) normalizeCells(indexes []string) ([]string, error) {
	seen := make(map[string]struct{}, len(indexes))
	out := make([]string, 0, len(indexes))
	for _, idx := range indexes {
		idx = strings.TrimSpace(idx)
		if idx == "" {
			continue
		}
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, idx)
	}
	if len(out) == 0 {
		return nil, newErrorf(KindInvalidCell, "没有选择任何网格")
	}
	if limit := s.cfg.Business.MaxCellsPerPurchase; limit > 0 && len(out) > limit {
		return nil, newErrorf(KindInvalidCell, "一次最多选择 %d 个网格", limit)
	}
	sort.Strings(out)
	return out, nil
}

// loadCells 任一网格不存在则整体失败
func (s *TargetingService) loadCells(ctx context.Context, tx *gorm.DB, indexes []string) ([]*model.GridCell, error) {
	cells, err := s.cellRepo.GetByIndexes(ctx, tx, indexes)
	if err != nil {
		return nil, fmt.Errorf("查询网格失败: %w", err)
	}
	found := make(map[string]*model.GridCell, len(cells))
	for _, c := range cells {
		found[c.CellIndex] = c
	}
	ordered := make([]*model.GridCell, 0, len(indexes))
	var missing []string
	for _, idx := range indexes {
		c, ok := found[idx]
		if !ok {
			missing = append(missing, idx)
			continue
		}
		ordered = append(ordered, c)
	}
	if len(missing) > 0 {
		return nil, newErrorf(KindInvalidCell, "网格不存在: %s", strings.Join(missing, ","))
	}
	return ordered, nil
}

// PriceCell 密度定价：
//
//	reach = user_count * reach_multiplier
//	cost  = base + floor(reach / reach_step) * reach_step_cost + flyer_count * flyer_count_cost
func PriceCell(biz config.BusinessConfig, cell *model.GridCell) CellQuote {
	reach := cell.UserCount * biz.ReachMultiplier
	cost := biz.BaseCostPerCell
	if biz.ReachStep > 0 {
		cost += reach / biz.ReachStep * biz.ReachStepCost
	}
	cost += cell.FlyerCount * biz.FlyerCountCost
	return CellQuote{
		CellIndex:      cell.CellIndex,
		GridCellID:     cell.ID,
		UserCount:      cell.UserCount,
		FlyerCount:     cell.FlyerCount,
		EstimatedReach: reach,
		Cost:           cost,
	}
}

func (s *TargetingService) price(cells []*model.GridCell) ([]CellQuote, int64, int64) {
	quotes := make([]CellQuote, 0, len(cells))
	var totalCost, totalReach int64
	for _, c := range cells {
		q := PriceCell(s.cfg.Business, c)
		quotes = append(quotes, q)
		totalCost += q.Cost
		totalReach += q.EstimatedReach
	}
	return quotes, totalCost, totalReach
}

// PriceSelection 报价，结果缓存在 Redis 中供购买时对比
func (s *TargetingService) PriceSelection(ctx context.Context, cellIndexes []string) (*Quote, error) {
	indexes, err := s.normalizeCells(cellIndexes)
	if err != nil {
		return nil, err
	}
	cells, err := s.loadCells(ctx, nil, indexes)
	if err != nil {
		return nil, err
	}

	quotes, totalCost, totalReach := s.price(cells)
	now := time.Now()
	quote := &Quote{
		QuoteID:    idgen.GenerateQuoteID(),
		Cells:      quotes,
		TotalReach: totalReach,
		TotalCost:  totalCost,
		QuotedAt:   now,
		ExpiresAt:  now.Add(s.cfg.Business.QuoteTTL()),
	}

	body, err := json.Marshal(quote)
	if err != nil {
		return nil, err
	}
	if err := s.redisClient.Set(ctx, quoteKey(quote.QuoteID), body, s.cfg.Business.QuoteTTL()).Err(); err != nil {
		// 报价缓存只用于对比，写失败不影响报价本身
		s.log.Warn("缓存报价失败", zap.String("quote_id", quote.QuoteID), zap.Error(err))
	}
	return quote, nil
}

// GetQuote 读取缓存的报价，过期或不存在返回 NotFound
func (s *TargetingService) GetQuote(ctx context.Context, quoteID string) (*Quote, error) {
	body, err := s.redisClient.Get(ctx, quoteKey(quoteID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, newErrorf(KindNotFound, "报价 %s 不存在或已过期", quoteID)
		}
		return nil, err
	}
	var quote Quote
	if err := json.Unmarshal(body, &quote); err != nil {
		return nil, fmt.Errorf("解析报价失败: %w", err)
	}
	return &quote, nil
}

// PurchaseTargeting 购买投放
//
// 先校验（传单、网格）再提交；扣积分、写 target_areas、网格 flyer_count + 1、写 outbox
// 在同一个事务里完成，任何一步失败全部回滚
func (s *TargetingService) PurchaseTargeting(ctx context.Context, req *PurchaseRequest) (*PurchaseResult, error) {
	result, err := s.purchase(ctx, req)
	metrics.TargetingPurchases.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		s.log.Warn("购买投放失败",
			zap.Int64("flyer_id", req.FlyerID),
			zap.Int64("merchant_id", req.MerchantAccountID),
			zap.String("kind", string(KindOf(err))),
			zap.Error(err),
		)
		return nil, err
	}
	metrics.CellsSold.Add(float64(len(result.Areas)))
	s.log.Info("购买投放成功",
		zap.Int64("flyer_id", req.FlyerID),
		zap.Int("cells", len(result.Areas)),
		zap.Int64("total_cost", result.TotalCost),
		zap.String("transaction_no", result.Transaction.TransactionNo),
	)
	return result, nil
}

func (s *TargetingService) purchase(ctx context.Context, req *PurchaseRequest) (*PurchaseResult, error) {
	indexes, err := s.normalizeCells(req.CellIndexes)
	if err != nil {
		return nil, err
	}

	flyer, err := s.flyerRepo.GetByID(ctx, nil, req.FlyerID)
	if err != nil {
		if errors.Is(err, repository.ErrFlyerNotFound) {
			return nil, newErrorf(KindNotFound, "传单 %d 不存在", req.FlyerID)
		}
		return nil, err
	}
	if flyer.MerchantID != req.MerchantAccountID {
		return nil, newErrorf(KindNotFound, "传单 %d 不存在", req.FlyerID)
	}
	if flyer.Status != model.FlyerStatusDraft {
		return nil, newErrorf(KindInvalidTransition, "传单状态为 %s，只有草稿可以购买投放", flyer.Status)
	}
	if _, err := s.loadCells(ctx, nil, indexes); err != nil {
		return nil, err
	}

	var quoted int64 = -1
	if req.QuoteID != "" {
		if q, err := s.GetQuote(ctx, req.QuoteID); err == nil {
			quoted = q.TotalCost
		}
	}

	result := &PurchaseResult{}
	err = s.ledger.withAccount(ctx, req.MerchantAccountID, func(tx *gorm.DB) error {
		// 锁住传单行，并发的 Submit 只能在购买提交后再做 CAS
		current, err := s.flyerRepo.GetByIDForUpdate(ctx, tx, req.FlyerID)
		if err != nil {
			return err
		}
		if current.Status != model.FlyerStatusDraft {
			return newErrorf(KindInvalidTransition, "传单状态为 %s，只有草稿可以购买投放", current.Status)
		}

		// 执行时重新定价
		cells, err := s.loadCells(ctx, tx, indexes)
		if err != nil {
			return err
		}
		cellIDs := make([]int64, 0, len(cells))
		for _, c := range cells {
			cellIDs = append(cellIDs, c.ID)
		}
		existing, err := s.areaRepo.ExistingCellIDs(ctx, tx, req.FlyerID, cellIDs)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return newErrorf(KindCellAlreadyTargeted, "传单 %d 已购买其中 %d 个网格", req.FlyerID, len(existing))
		}

		quotes, totalCost, totalReach := s.price(cells)
		if totalCost <= 0 {
			return newErrorf(KindInvalidAmount, "投放总价必须大于 0")
		}
		trans, err := s.ledger.applyTx(ctx, tx, spendEntry(&SpendRequest{
			AccountID:   req.MerchantAccountID,
			Amount:      totalCost,
			Reason:      model.SpendReasonFlyerTargetArea,
			Description: fmt.Sprintf("传单投放-%d个网格", len(cells)),
			Reference:   FlyerReference(req.FlyerID),
		}))
		if err != nil {
			return err
		}

		areas := make([]*model.TargetArea, 0, len(quotes))
		for _, q := range quotes {
			areas = append(areas, &model.TargetArea{
				FlyerID:        req.FlyerID,
				GridCellID:     q.GridCellID,
				CellIndex:      q.CellIndex,
				H3Resolution:   s.cfg.Business.H3Resolution,
				EstimatedReach: q.EstimatedReach,
				CostPerCell:    q.Cost,
				TransactionID:  trans.ID,
			})
		}
		if err := s.areaRepo.CreateBatch(ctx, tx, areas); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return newErrorf(KindCellAlreadyTargeted, "传单 %d 重复购买网格", req.FlyerID)
			}
			return fmt.Errorf("写入投放区域失败: %w", err)
		}
		if err := s.cellRepo.IncrementFlyerCountByIDs(ctx, tx, cellIDs); err != nil {
			if errors.Is(err, repository.ErrCellNotFound) {
				return newErrorf(KindInvalidCell, "网格在购买过程中被删除")
			}
			return fmt.Errorf("更新网格计数失败: %w", err)
		}

		msg, err := newOutboxMessage(s.cfg.Kafka.Topic.FlyerEvent, model.EventTargetPurchased,
			model.AggregateFlyer, req.FlyerID, &FlyerChangedEvent{
				EventType:  model.EventTargetPurchased,
				FlyerID:    req.FlyerID,
				MerchantID: req.MerchantAccountID,
				To:         current.Status,
				Cells:      indexes,
				TotalCost:  totalCost,
				OccurredAt: time.Now(),
			})
		if err != nil {
			return err
		}
		if err := s.outboxRepo.Create(ctx, tx, msg); err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}

		result.Transaction = trans
		result.Areas = areas
		result.TotalCost = totalCost
		result.TotalReach = totalReach
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.PriceChanged = quoted >= 0 && quoted != result.TotalCost
	return result, nil
}

func (s *TargetingService) TargetAreas(ctx context.Context, flyerID int64) ([]*model.TargetArea, error) {
	return s.areaRepo.ListByFlyer(ctx, nil, flyerID)
}

func (s *TargetingService) FlyerReach(ctx context.Context, flyerID int64) (*repository.FlyerReach, error) {
	return s.areaRepo.Summary(ctx, flyerID)
}

func (s *TargetingService) PopularCells(ctx context.Context, limit int) ([]*repository.CellPopularity, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.areaRepo.Popular(ctx, limit)
}
