package domain

import (
	"time"

	"gorm.io/gorm"
)

// RunStatus 规则执行批次状态
type RunStatus int8

const (
	RunStatusPreview    RunStatus = 1 // 已物化，待确认
	RunStatusQueued     RunStatus = 2 // 已入队，等待派发
	RunStatusApplying   RunStatus = 3 // 应用中
	RunStatusApplied    RunStatus = 4 // 全部应用成功
	RunStatusPartial    RunStatus = 5 // 部分成功
	RunStatusFailed     RunStatus = 6 // 全部失败
	RunStatusRolledBack RunStatus = 7 // 已回滚
)

func (s RunStatus) String() string {
	switch s {
	case RunStatusPreview:
		return "PREVIEW"
	case RunStatusQueued:
		return "QUEUED"
	case RunStatusApplying:
		return "APPLYING"
	case RunStatusApplied:
		return "APPLIED"
	case RunStatusPartial:
		return "PARTIAL"
	case RunStatusFailed:
		return "FAILED"
	case RunStatusRolledBack:
		return "ROLLED_BACK"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 是否为终态（终态批次保留不删，审计要求）
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusApplied || s == RunStatusPartial || s == RunStatusFailed || s == RunStatusRolledBack
}

// TargetStatus 单个调价目标状态
type TargetStatus int8

const (
	TargetStatusPreview    TargetStatus = 1
	TargetStatusQueued     TargetStatus = 2
	TargetStatusApplying   TargetStatus = 3
	TargetStatusApplied    TargetStatus = 4
	TargetStatusFailed     TargetStatus = 5
	TargetStatusRolledBack TargetStatus = 6
)

func (s TargetStatus) String() string {
	switch s {
	case TargetStatusPreview:
		return "PREVIEW"
	case TargetStatusQueued:
		return "QUEUED"
	case TargetStatusApplying:
		return "APPLYING"
	case TargetStatusApplied:
		return "APPLIED"
	case TargetStatusFailed:
		return "FAILED"
	case TargetStatusRolledBack:
		return "ROLLED_BACK"
	default:
		return "UNKNOWN"
	}
}

// PriceSnapshot 价格快照，金额一律为最小货币单位（分）
type PriceSnapshot struct {
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}

// RuleRun 一次"物化-应用"执行批次的聚合根
type RuleRun struct {
	gorm.Model
	RunID        string     `gorm:"column:run_id;type:varchar(64);uniqueIndex;not null" json:"run_id"`
	RuleID       string     `gorm:"column:rule_id;type:varchar(64);index;not null" json:"rule_id"`
	TenantID     string     `gorm:"column:tenant_id;type:varchar(64);index;not null" json:"tenant_id"`
	ProjectID    string     `gorm:"column:project_id;type:varchar(64);index;not null" json:"project_id"`
	Status       RunStatus  `gorm:"column:status;type:tinyint;not null;default:1" json:"status"`
	RetryCount   int        `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	ErrorMessage string     `gorm:"column:error_message;type:varchar(512)" json:"error_message"`
	QueuedAt     *time.Time `gorm:"column:queued_at" json:"queued_at"`
	StartedAt    *time.Time `gorm:"column:started_at" json:"started_at"`
	FinishedAt   *time.Time `gorm:"column:finished_at" json:"finished_at"`

	Targets []RuleTarget `gorm:"foreignKey:RunID;references:RunID" json:"targets,omitempty"`
}

// TableName 表名
func (RuleRun) TableName() string { return "rule_runs" }

// RuleTarget 批次内单个 SKU 的一次价格变更
type RuleTarget struct {
	gorm.Model
	TargetID     string        `gorm:"column:target_id;type:varchar(64);uniqueIndex;not null" json:"target_id"`
	RunID        string        `gorm:"column:run_id;type:varchar(64);index;not null" json:"run_id"`
	ProductID    string        `gorm:"column:product_id;type:varchar(64);not null" json:"product_id"`
	SKUID        string        `gorm:"column:sku_id;type:varchar(64);not null" json:"sku_id"`
	VariantID    *string       `gorm:"column:variant_id;type:varchar(64)" json:"variant_id,omitempty"`
	Channel      string        `gorm:"column:channel;type:varchar(32);not null" json:"channel"`
	Before       PriceSnapshot `gorm:"column:before_json;serializer:json;type:text" json:"before"`
	After        PriceSnapshot `gorm:"column:after_json;serializer:json;type:text" json:"after"`
	Status       TargetStatus  `gorm:"column:status;type:tinyint;not null;default:1" json:"status"`
	Attempts     int           `gorm:"column:attempts;not null;default:0" json:"attempts"`
	ErrorMessage string        `gorm:"column:error_message;type:varchar(512)" json:"error_message"`
	NextRetryAt  *time.Time    `gorm:"column:next_retry_at" json:"next_retry_at,omitempty"`
}

// TableName 表名
func (RuleTarget) TableName() string { return "rule_targets" }

// Queue 批次入队
func (r *RuleRun) Queue() error {
	if r.Status != RunStatusPreview && r.Status != RunStatusFailed && r.Status != RunStatusPartial {
		return ErrInvalidState
	}
	now := time.Now()
	r.Status = RunStatusQueued
	r.QueuedAt = &now
	return nil
}

// Start 批次进入应用中
func (r *RuleRun) Start() {
	if r.Status == RunStatusQueued {
		now := time.Now()
		r.Status = RunStatusApplying
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
	}
}

// Finish 依据目标聚合结果落终态
func (r *RuleRun) Finish(status RunStatus) {
	now := time.Now()
	r.Status = status
	r.FinishedAt = &now
}

// RunProgress 批次进度统计
type RunProgress struct {
	TotalTargets    int     `json:"total_targets"`
	AppliedTargets  int     `json:"applied_targets"`
	FailedTargets   int     `json:"failed_targets"`
	PendingTargets  int     `json:"pending_targets"`
	PercentComplete float64 `json:"percent_complete"`
}

// DeriveRunStatus 由目标集合推导批次状态：
// 全部 APPLIED 为 APPLIED；全部 FAILED 为 FAILED；无待处理且成败混合为 PARTIAL；
// 仍有待处理目标时维持 APPLYING。
func DeriveRunStatus(targets []RuleTarget) RunStatus {
	applied, failed, pending := 0, 0, 0
	for _, t := range targets {
		switch t.Status {
		case TargetStatusApplied, TargetStatusRolledBack:
			applied++
		case TargetStatusFailed:
			failed++
		default:
			pending++
		}
	}
	switch {
	case pending > 0:
		return RunStatusApplying
	case failed == 0:
		return RunStatusApplied
	case applied == 0:
		return RunStatusFailed
	default:
		return RunStatusPartial
	}
}

// Progress 由目标集合计算进度
func Progress(targets []RuleTarget) RunProgress {
	p := RunProgress{TotalTargets: len(targets)}
	for _, t := range targets {
		switch t.Status {
		case TargetStatusApplied, TargetStatusRolledBack:
			p.AppliedTargets++
		case TargetStatusFailed:
			p.FailedTargets++
		default:
			p.PendingTargets++
		}
	}
	if p.TotalTargets > 0 {
		p.PercentComplete = float64(p.AppliedTargets+p.FailedTargets) / float64(p.TotalTargets) * 100
	}
	return p
}
