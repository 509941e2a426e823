package mysql

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/pricepilot/pricepilot/internal/pipeline/domain"
)

// RunRepo 批次/目标仓储的 GORM 实现
type RunRepo struct {
	db *gorm.DB
}

// NewRunRepo 创建批次仓储
func NewRunRepo(db *gorm.DB) domain.RunRepository {
	return &RunRepo{db: db}
}

// WithTx 在事务中执行 fn
func (r *RunRepo) WithTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	return withTx(ctx, r.db, fn)
}

// CreateWithTargets 批次与目标原子创建
func (r *RunRepo) CreateWithTargets(ctx context.Context, run *domain.RuleRun, targets []domain.RuleTarget) error {
	return withTx(ctx, r.db, func(txCtx context.Context) error {
		tx := dbFrom(txCtx, r.db)
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		if len(targets) == 0 {
			return nil
		}
		return tx.CreateInBatches(targets, 500).Error
	})
}

func (r *RunRepo) Get(ctx context.Context, runID string) (*domain.RuleRun, error) {
	var run domain.RuleRun
	err := dbFrom(ctx, r.db).Where("run_id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *RunRepo) GetWithTargets(ctx context.Context, runID string) (*domain.RuleRun, error) {
	var run domain.RuleRun
	err := dbFrom(ctx, r.db).Where("run_id = ?", runID).Preload("Targets").First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// List 游标分页：按自增主键倒序，cursor 为上一页最后一条的主键
func (r *RunRepo) List(ctx context.Context, filter domain.RunFilter) ([]*domain.RuleRun, uint, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := dbFrom(ctx, r.db).Model(&domain.RuleRun{})
	if filter.TenantID != "" {
		query = query.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.RuleID != "" {
		query = query.Where("rule_id = ?", filter.RuleID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.Cursor > 0 {
		query = query.Where("id < ?", filter.Cursor)
	}

	var runs []*domain.RuleRun
	if err := query.Order("id DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, 0, err
	}

	var nextCursor uint
	if len(runs) == limit {
		nextCursor = runs[len(runs)-1].ID
	}
	return runs, nextCursor, nil
}

func (r *RunRepo) Update(ctx context.Context, run *domain.RuleRun) error {
	return dbFrom(ctx, r.db).Save(run).Error
}

func (r *RunRepo) ListTargets(ctx context.Context, runID string) ([]domain.RuleTarget, error) {
	var targets []domain.RuleTarget
	err := dbFrom(ctx, r.db).Where("run_id = ?", runID).Order("id ASC").Find(&targets).Error
	return targets, err
}

func (r *RunRepo) ListTargetsByStatus(ctx context.Context, runID string, status domain.TargetStatus) ([]domain.RuleTarget, error) {
	var targets []domain.RuleTarget
	err := dbFrom(ctx, r.db).
		Where("run_id = ? AND status = ?", runID, status).
		Order("id ASC").
		Find(&targets).Error
	return targets, err
}

// TransitionTargets 带状态谓词的批量条件更新
func (r *RunRepo) TransitionTargets(ctx context.Context, runID string, from, to domain.TargetStatus) (int64, error) {
	res := dbFrom(ctx, r.db).Model(&domain.RuleTarget{}).
		Where("run_id = ? AND status = ?", runID, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now()})
	return res.RowsAffected, res.Error
}

// CancelTargets 取消：置 FAILED 并记录原因
func (r *RunRepo) CancelTargets(ctx context.Context, runID string, from domain.TargetStatus, reason string) (int64, error) {
	res := dbFrom(ctx, r.db).Model(&domain.RuleTarget{}).
		Where("run_id = ? AND status = ?", runID, from).
		Updates(map[string]any{
			"status":        domain.TargetStatusFailed,
			"error_message": reason,
			"updated_at":    time.Now(),
		})
	return res.RowsAffected, res.Error
}

// ClaimTarget 单条 UPDATE 带状态等值谓词的条件领取，两个 worker 不可能同时领到同一目标。
// 谓词同时检查 next_retry_at，退避窗口内的目标任何 worker 都领不走（重复投递也不行）。
// 领取成功时一并自增 attempts（attempts 只在应用尝试时增长）。
func (r *RunRepo) ClaimTarget(ctx context.Context, targetID string, from, to domain.TargetStatus) (bool, error) {
	res := dbFrom(ctx, r.db).Model(&domain.RuleTarget{}).
		Where("target_id = ? AND status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)",
			targetID, from, time.Now()).
		Updates(map[string]any{
			"status":     to,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *RunRepo) FinishTarget(ctx context.Context, targetID string, status domain.TargetStatus, errMessage string) error {
	return dbFrom(ctx, r.db).Model(&domain.RuleTarget{}).
		Where("target_id = ?", targetID).
		Updates(map[string]any{
			"status":        status,
			"error_message": errMessage,
			"next_retry_at": nil,
			"updated_at":    time.Now(),
		}).Error
}

// RequeueTarget 可重试失败：APPLYING 放回 QUEUED 并登记下次重试时间
func (r *RunRepo) RequeueTarget(ctx context.Context, targetID string, nextRetryAt time.Time, errMessage string) error {
	return dbFrom(ctx, r.db).Model(&domain.RuleTarget{}).
		Where("target_id = ? AND status = ?", targetID, domain.TargetStatusApplying).
		Updates(map[string]any{
			"status":        domain.TargetStatusQueued,
			"error_message": errMessage,
			"next_retry_at": nextRetryAt,
			"updated_at":    time.Now(),
		}).Error
}

// ResetFailedTargets 重试入口：仅 FAILED 目标回 QUEUED，错误信息清空，attempts 保留
func (r *RunRepo) ResetFailedTargets(ctx context.Context, runID string) (int64, error) {
	res := dbFrom(ctx, r.db).Model(&domain.RuleTarget{}).
		Where("run_id = ? AND status = ?", runID, domain.TargetStatusFailed).
		Updates(map[string]any{
			"status":        domain.TargetStatusQueued,
			"error_message": "",
			"next_retry_at": nil,
			"updated_at":    time.Now(),
		})
	return res.RowsAffected, res.Error
}
