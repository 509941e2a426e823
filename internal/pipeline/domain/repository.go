package domain

import (
	"context"
	"time"
)

// RuleRepository 规则读取仓储（管道对规则只读）
type RuleRepository interface {
	Get(ctx context.Context, ruleID string) (*PricingRule, error)
}

// RunFilter 批次列表过滤条件，Cursor 为上一页最后一条的自增主键，0 表示首页
type RunFilter struct {
	TenantID string
	RuleID   string
	Status   *RunStatus
	Cursor   uint
	Limit    int
}

// RunRepository 批次/目标仓储接口。
// 状态流转一律通过带状态谓词的条件更新实现，禁止读后写。
type RunRepository interface {
	// WithTx 在数据库事务中执行 fn，事务通过 context 传递给同库仓储
	WithTx(ctx context.Context, fn func(txCtx context.Context) error) error
	CreateWithTargets(ctx context.Context, run *RuleRun, targets []RuleTarget) error
	Get(ctx context.Context, runID string) (*RuleRun, error)
	GetWithTargets(ctx context.Context, runID string) (*RuleRun, error)
	List(ctx context.Context, filter RunFilter) ([]*RuleRun, uint, error)
	Update(ctx context.Context, run *RuleRun) error
	ListTargets(ctx context.Context, runID string) ([]RuleTarget, error)
	ListTargetsByStatus(ctx context.Context, runID string, status TargetStatus) ([]RuleTarget, error)

	// TransitionTargets 将批次内处于 from 状态的全部目标置为 to，返回受影响行数
	TransitionTargets(ctx context.Context, runID string, from, to TargetStatus) (int64, error)
	// CancelTargets 将批次内处于 from 状态的目标置 FAILED 并记录取消原因
	CancelTargets(ctx context.Context, runID string, from TargetStatus, reason string) (int64, error)
	// ClaimTarget 条件领取单个目标（QUEUED -> APPLYING 并自增 attempts），
	// 返回 false 表示已被其他 worker 领取或状态已变
	ClaimTarget(ctx context.Context, targetID string, from, to TargetStatus) (bool, error)
	// FinishTarget 落目标终态并记录错误信息
	FinishTarget(ctx context.Context, targetID string, status TargetStatus, errMessage string) error
	// RequeueTarget 可重试失败后放回队列并登记下次重试时间
	RequeueTarget(ctx context.Context, targetID string, nextRetryAt time.Time, errMessage string) error
	// ResetFailedTargets 重试入口：仅 FAILED 目标回到 QUEUED 并清空错误信息，attempts 保留
	ResetFailedTargets(ctx context.Context, runID string) (int64, error)
}

// OutboxRepository 出箱仓储，是多 worker 实例间唯一的协调点
type OutboxRepository interface {
	// Publish 追加出箱记录；context 携带事务时在事务内写入
	Publish(ctx context.Context, event *OutboxEvent) error
	// ClaimNext 条件领取下一条待派发记录，无记录时返回 nil
	ClaimNext(ctx context.Context, workerID string) (*OutboxEvent, error)
	MarkPublished(ctx context.Context, eventKey string) error
	MarkProcessed(ctx context.Context, eventKey string) error
	MarkFailed(ctx context.Context, eventKey string, errMessage string) error
	GetByKey(ctx context.Context, eventKey string) (*OutboxEvent, error)
}

// AuditRepository 审计仓储，仅追加
type AuditRepository interface {
	Append(ctx context.Context, record *AuditRecord) error
	ListByEntity(ctx context.Context, entity, entityID string, limit int) ([]*AuditRecord, error)
}

// ReportRepository 对账报告仓储
type ReportRepository interface {
	Save(ctx context.Context, report *ReconciliationReport) error
	GetByRunID(ctx context.Context, runID string) (*ReconciliationReport, error)
}
