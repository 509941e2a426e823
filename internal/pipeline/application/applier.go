package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pricepilot/pricepilot/internal/pipeline/domain"
	"github.com/pricepilot/pricepilot/pkg/metrics"
)

// ApplierConfig Applier 配置
type ApplierConfig struct {
	// 单目标最大应用尝试次数，超出后永久 FAILED
	MaxAttempts int
	// 退避基准延迟，实际延迟为 BackoffBase * 2^attempts，上限 BackoffCap
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultApplierConfig 默认配置；上游未明确规定重试上限，取 5 次并由配置覆盖
func DefaultApplierConfig() ApplierConfig {
	return ApplierConfig{
		MaxAttempts: 5,
		BackoffBase: time.Second,
		BackoffCap:  time.Minute,
	}
}

// Applier 出箱事件消费侧：逐目标调用渠道连接器应用价格变更。
// 消费语义是至少一次，幂等性由目标状态门保证：非 QUEUED 的目标一律跳过。
type Applier struct {
	runs     domain.RunRepository
	registry domain.ConnectorRegistry
	limiter  domain.ChannelLimiter
	audit    domain.AuditRepository
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      ApplierConfig
}

// NewApplier 创建 Applier
func NewApplier(
	runs domain.RunRepository,
	registry domain.ConnectorRegistry,
	limiter domain.ChannelLimiter,
	audit domain.AuditRepository,
	m *metrics.Metrics,
	logger *slog.Logger,
	cfg ApplierConfig,
) *Applier {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultApplierConfig()
	}
	return &Applier{
		runs: runs, registry: registry, limiter: limiter,
		audit: audit, metrics: m, logger: logger, cfg: cfg,
	}
}

// HandleApplyEvent 处理一条 job.rules.apply 派发。
// 目标之间相互独立，单目标失败不影响同批次其他目标（部分成功语义）。
// 全部目标处理完后按目标聚合重算批次终态。
func (a *Applier) HandleApplyEvent(ctx context.Context, payload domain.ApplyEventPayload) error {
	run, err := a.runs.Get(ctx, payload.RunID)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			a.logger.WarnContext(ctx, "apply event for unknown run dropped", "run_id", payload.RunID)
			return nil
		}
		return err
	}

	switch run.Status {
	case domain.RunStatusQueued:
		run.Start()
		if err := a.runs.Update(ctx, run); err != nil {
			return err
		}
	case domain.RunStatusApplying:
		// 重复投递，继续处理剩余 QUEUED 目标
	default:
		// 终态批次的重复投递是无操作
		a.logger.InfoContext(ctx, "apply event for settled run skipped",
			"run_id", run.RunID, "status", run.Status.String())
		return nil
	}

	targets, err := a.runs.ListTargetsByStatus(ctx, run.RunID, domain.TargetStatusQueued)
	if err != nil {
		return err
	}
	for i := range targets {
		if err := a.applyTarget(ctx, &targets[i]); err != nil {
			return err
		}
	}

	return a.settleRun(ctx, run)
}

// applyTarget 应用单个目标，内部处理可重试错误的退避重试。
// 领取用 QUEUED -> APPLYING 的条件更新并自增 attempts，保证同一目标至多一个在途应用。
func (a *Applier) applyTarget(ctx context.Context, target *domain.RuleTarget) error {
	for {
		claimed, err := a.runs.ClaimTarget(ctx, target.TargetID, domain.TargetStatusQueued, domain.TargetStatusApplying)
		if err != nil {
			return err
		}
		if !claimed {
			// 已被其他 worker 领走或状态已变，幂等跳过
			return nil
		}
		target.Attempts++

		connector, err := a.registry.Connector(target.Channel)
		if err != nil {
			if ferr := a.runs.FinishTarget(ctx, target.TargetID, domain.TargetStatusFailed, err.Error()); ferr != nil {
				return ferr
			}
			a.countFailed()
			return nil
		}

		if a.limiter != nil {
			if err := a.limiter.Wait(ctx, "channel:"+target.Channel); err != nil {
				return err
			}
		}

		start := time.Now()
		err = connector.UpdatePrice(ctx, target.SKUID, target.After.Amount, target.After.Currency)
		if a.metrics != nil {
			a.metrics.ApplyDuration.Observe(time.Since(start).Seconds())
		}

		if err == nil {
			if ferr := a.runs.FinishTarget(ctx, target.TargetID, domain.TargetStatusApplied, ""); ferr != nil {
				return ferr
			}
			if a.metrics != nil {
				a.metrics.TargetsApplied.Inc()
			}
			return nil
		}

		if !domain.IsRetryableChannelError(err) || target.Attempts >= a.cfg.MaxAttempts {
			a.logger.ErrorContext(ctx, "target apply failed permanently",
				"target_id", target.TargetID, "sku_id", target.SKUID,
				"attempts", target.Attempts, "error", err)
			if ferr := a.runs.FinishTarget(ctx, target.TargetID, domain.TargetStatusFailed, err.Error()); ferr != nil {
				return ferr
			}
			a.countFailed()
			return nil
		}

		// 可重试：放回 QUEUED，退避后再领取，绝不紧循环
		delay := a.backoffDelay(target.Attempts)
		nextRetry := time.Now().Add(delay)
		if rerr := a.runs.RequeueTarget(ctx, target.TargetID, nextRetry, err.Error()); rerr != nil {
			return rerr
		}
		if a.metrics != nil {
			a.metrics.TargetsRetried.Inc()
		}
		a.logger.WarnContext(ctx, "target apply failed, retrying after backoff",
			"target_id", target.TargetID, "attempts", target.Attempts,
			"delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// settleRun 按目标聚合结果落批次终态并审计
func (a *Applier) settleRun(ctx context.Context, run *domain.RuleRun) error {
	targets, err := a.runs.ListTargets(ctx, run.RunID)
	if err != nil {
		return err
	}
	status := domain.DeriveRunStatus(targets)
	if status == domain.RunStatusApplying {
		// 仍有目标在途（如被取消流程留下的 APPLYING），等下一次投递收尾
		return nil
	}

	run.Finish(status)
	if err := a.runs.Update(ctx, run); err != nil {
		return err
	}

	progress := domain.Progress(targets)
	_ = a.audit.Append(ctx, domain.NewAuditRecord(run.TenantID, "rule_run", run.RunID,
		domain.AuditActionApply, "system", progress))
	if a.metrics != nil {
		a.metrics.RunsFinished.WithLabelValues(status.String()).Inc()
	}
	a.logger.InfoContext(ctx, "run apply finished",
		"run_id", run.RunID, "status", status.String(),
		"applied", progress.AppliedTargets, "failed", progress.FailedTargets)
	return nil
}

// backoffDelay 指数退避：base * 2^attempts，封顶 BackoffCap
func (a *Applier) backoffDelay(attempts int) time.Duration {
	delay := a.cfg.BackoffBase
	for i := 0; i < attempts && delay < a.cfg.BackoffCap; i++ {
		delay *= 2
	}
	if delay > a.cfg.BackoffCap {
		delay = a.cfg.BackoffCap
	}
	return delay
}

func (a *Applier) countFailed() {
	if a.metrics != nil {
		a.metrics.TargetsFailed.Inc()
	}
}
