package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pricepilot/pricepilot/internal/pipeline/domain"
	"github.com/pricepilot/pricepilot/pkg/metrics"
)

// RunService 批次生命周期服务：入队、重试、回滚、取消与状态查询
type RunService struct {
	runs      domain.RunRepository
	outbox    domain.OutboxRepository
	audit     domain.AuditRepository
	registry  domain.ConnectorRegistry
	limiter   domain.ChannelLimiter
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewRunService 创建批次服务
func NewRunService(
	runs domain.RunRepository,
	outbox domain.OutboxRepository,
	audit domain.AuditRepository,
	registry domain.ConnectorRegistry,
	limiter domain.ChannelLimiter,
	m *metrics.Metrics,
	logger *slog.Logger,
) *RunService {
	return &RunService{
		runs: runs, outbox: outbox, audit: audit,
		registry: registry, limiter: limiter, metrics: m, logger: logger,
	}
}

// QueueRun 批次入队：run 置 QUEUED、PREVIEW 目标置 QUEUED、写一条确定性键的出箱事件，
// 三者为一个逻辑单元。对已入队批次重复调用是无操作而非重复派发。
// FAILED/PARTIAL 批次的再入队走重试语义：当前代次的事件键已被消费，
// 必须重置失败目标并以新代次键派发，否则批次会停在 QUEUED 而永远等不到投递。
func (s *RunService) QueueRun(ctx context.Context, runID, actor string) error {
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == domain.RunStatusFailed || run.Status == domain.RunStatusPartial {
		return s.RetryRun(ctx, runID, actor)
	}

	eventKey := domain.ApplyEventKey(run.RunID, run.RetryCount)
	if run.Status == domain.RunStatusQueued || run.Status == domain.RunStatusApplying {
		// 幂等：事件已存在则直接返回
		if _, err := s.outbox.GetByKey(ctx, eventKey); err == nil {
			s.logger.InfoContext(ctx, "run already queued, queue is a no-op", "run_id", runID)
			return nil
		}
	}

	if err := run.Queue(); err != nil {
		return fmt.Errorf("queue run %s in status %s: %w", runID, run.Status, err)
	}

	// 状态变更与出箱事件必须同事务落库
	err = s.runs.WithTx(ctx, func(txCtx context.Context) error {
		if err := s.runs.Update(txCtx, run); err != nil {
			return err
		}
		if _, err := s.runs.TransitionTargets(txCtx, runID, domain.TargetStatusPreview, domain.TargetStatusQueued); err != nil {
			return err
		}
		return s.publishApplyEvent(txCtx, run, eventKey)
	})
	if err != nil {
		return err
	}

	_ = s.audit.Append(ctx, domain.NewAuditRecord(run.TenantID, "rule_run", run.RunID,
		domain.AuditActionQueue, actor, map[string]any{"event_key": eventKey}))
	if s.metrics != nil {
		s.metrics.RunsQueued.Inc()
	}
	s.logger.InfoContext(ctx, "run queued", "run_id", runID, "event_key", eventKey)
	return nil
}

// RetryRun 重试失败批次：仅把 FAILED 目标放回 QUEUED 并清空错误信息（attempts 保留），
// 不重新物化，不新建目标行；以新的代次键派发。
func (s *RunService) RetryRun(ctx context.Context, runID, actor string) error {
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != domain.RunStatusFailed && run.Status != domain.RunStatusPartial {
		return fmt.Errorf("retry run %s in status %s: %w", runID, run.Status, domain.ErrInvalidState)
	}

	run.RetryCount++
	if err := run.Queue(); err != nil {
		return err
	}
	run.ErrorMessage = ""
	run.FinishedAt = nil

	var reset int64
	eventKey := domain.ApplyEventKey(run.RunID, run.RetryCount)
	err = s.runs.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		if reset, err = s.runs.ResetFailedTargets(txCtx, runID); err != nil {
			return err
		}
		if err := s.runs.Update(txCtx, run); err != nil {
			return err
		}
		return s.publishApplyEvent(txCtx, run, eventKey)
	})
	if err != nil {
		return err
	}

	_ = s.audit.Append(ctx, domain.NewAuditRecord(run.TenantID, "rule_run", run.RunID,
		domain.AuditActionRetry, actor, map[string]any{
			"targets_reset": reset,
			"retry_count":   run.RetryCount,
			"event_key":     eventKey,
		}))
	s.logger.InfoContext(ctx, "run retried", "run_id", runID, "targets_reset", reset)
	return nil
}

// RollbackRun 回滚批次：把 APPLIED 目标的价格恢复为 before 快照并标记 ROLLED_BACK。
// 单目标回滚失败不阻塞其余目标，错误落在目标 error_message 上。
func (s *RunService) RollbackRun(ctx context.Context, runID, actor string) error {
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != domain.RunStatusApplied && run.Status != domain.RunStatusPartial {
		return fmt.Errorf("rollback run %s in status %s: %w", runID, run.Status, domain.ErrInvalidState)
	}

	targets, err := s.runs.ListTargetsByStatus(ctx, runID, domain.TargetStatusApplied)
	if err != nil {
		return err
	}

	rolledBack, failed := 0, 0
	for i := range targets {
		t := &targets[i]
		connector, err := s.registry.Connector(t.Channel)
		if err != nil {
			failed++
			_ = s.runs.FinishTarget(ctx, t.TargetID, domain.TargetStatusApplied, err.Error())
			continue
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx, "channel:"+t.Channel); err != nil {
				return err
			}
		}
		if err := connector.UpdatePrice(ctx, t.SKUID, t.Before.Amount, t.Before.Currency); err != nil {
			failed++
			s.logger.ErrorContext(ctx, "target rollback failed",
				"run_id", runID, "target_id", t.TargetID, "error", err)
			_ = s.runs.FinishTarget(ctx, t.TargetID, domain.TargetStatusApplied, "rollback failed: "+err.Error())
			continue
		}
		rolledBack++
		if err := s.runs.FinishTarget(ctx, t.TargetID, domain.TargetStatusRolledBack, ""); err != nil {
			return err
		}
	}

	run.Finish(domain.RunStatusRolledBack)
	if err := s.runs.Update(ctx, run); err != nil {
		return err
	}

	_ = s.audit.Append(ctx, domain.NewAuditRecord(run.TenantID, "rule_run", run.RunID,
		domain.AuditActionRollback, actor, map[string]any{
			"rolled_back": rolledBack,
			"failed":      failed,
		}))
	s.logger.InfoContext(ctx, "run rolled back", "run_id", runID, "rolled_back", rolledBack, "failed", failed)
	return nil
}

// CancelRun 取消批次：非终态目标置 FAILED 并记录取消原因。
// 正在 APPLYING 的目标不强行打断，等待其结果自然落地。
func (s *RunService) CancelRun(ctx context.Context, runID, actor, reason string) error {
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("cancel run %s in status %s: %w", runID, run.Status, domain.ErrInvalidState)
	}
	if reason == "" {
		reason = "cancelled"
	}

	cancelled := int64(0)
	for _, from := range []domain.TargetStatus{domain.TargetStatusPreview, domain.TargetStatusQueued} {
		n, err := s.runs.CancelTargets(ctx, runID, from, reason)
		if err != nil {
			return err
		}
		cancelled += n
	}

	targets, err := s.runs.ListTargets(ctx, runID)
	if err != nil {
		return err
	}
	status := domain.DeriveRunStatus(targets)
	if len(targets) == 0 {
		// 空批次没有目标可聚合，取消即失败
		status = domain.RunStatusFailed
	}
	if status != domain.RunStatusApplying {
		run.Finish(status)
		run.ErrorMessage = reason
		if err := s.runs.Update(ctx, run); err != nil {
			return err
		}
	}

	_ = s.audit.Append(ctx, domain.NewAuditRecord(run.TenantID, "rule_run", run.RunID,
		domain.AuditActionCancel, actor, map[string]any{
			"reason":            reason,
			"targets_cancelled": cancelled,
		}))
	s.logger.InfoContext(ctx, "run cancelled", "run_id", runID, "targets_cancelled", cancelled)
	return nil
}

// RunStatusView 批次状态视图
type RunStatusView struct {
	Run      *domain.RuleRun    `json:"run"`
	Progress domain.RunProgress `json:"progress"`
}

// GetRunStatus 查询批次状态与进度
func (s *RunService) GetRunStatus(ctx context.Context, runID string) (*RunStatusView, error) {
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	targets, err := s.runs.ListTargets(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunStatusView{Run: run, Progress: domain.Progress(targets)}, nil
}

// ListRuns 按状态/规则过滤的批次列表，游标分页
func (s *RunService) ListRuns(ctx context.Context, filter domain.RunFilter) ([]*domain.RuleRun, uint, error) {
	return s.runs.List(ctx, filter)
}

func (s *RunService) publishApplyEvent(ctx context.Context, run *domain.RuleRun, eventKey string) error {
	payload, err := json.Marshal(domain.ApplyEventPayload{
		RunID:     run.RunID,
		RuleID:    run.RuleID,
		TenantID:  run.TenantID,
		ProjectID: run.ProjectID,
	})
	if err != nil {
		return err
	}
	return s.outbox.Publish(ctx, &domain.OutboxEvent{
		EventKey:  eventKey,
		TenantID:  run.TenantID,
		ProjectID: run.ProjectID,
		EventType: domain.EventTypeRulesApply,
		Payload:   payload,
	})
}
