package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// 出箱事件类型
const (
	EventTypeRulesApply = "job.rules.apply"
)

// OutboxEvent 事务性出箱记录，与状态变更同事务写入，保证至少一次下游投递
// EventKey 唯一约束防止同一批次的重复派发
type OutboxEvent struct {
	gorm.Model
	EventKey    string          `gorm:"column:event_key;type:varchar(128);uniqueIndex;not null" json:"event_key"`
	TenantID    string          `gorm:"column:tenant_id;type:varchar(64);index;not null" json:"tenant_id"`
	ProjectID   string          `gorm:"column:project_id;type:varchar(64);index" json:"project_id"`
	EventType   string          `gorm:"column:event_type;type:varchar(64);index;not null" json:"event_type"`
	Payload     json.RawMessage `gorm:"column:payload;type:text;not null" json:"payload"`
	Metadata    json.RawMessage `gorm:"column:metadata;type:text" json:"metadata,omitempty"`
	ClaimedBy   string          `gorm:"column:claimed_by;type:varchar(64)" json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time      `gorm:"column:claimed_at" json:"claimed_at,omitempty"`
	PublishedAt *time.Time      `gorm:"column:published_at" json:"published_at,omitempty"`
	ProcessedAt *time.Time      `gorm:"column:processed_at" json:"processed_at,omitempty"`
	Attempts    int             `gorm:"column:attempts;not null;default:0" json:"attempts"`
	LastError   string          `gorm:"column:last_error;type:varchar(512)" json:"last_error,omitempty"`
}

// TableName 表名
func (OutboxEvent) TableName() string { return "outbox_events" }

// ApplyEventPayload job.rules.apply 事件载荷
type ApplyEventPayload struct {
	RunID     string `json:"run_id"`
	RuleID    string `json:"rule_id"`
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id"`
}

// ApplyEventKey 派发事件的确定性幂等键。
// generation 为重试代次：首次入队为 0，键形如 job-rules-apply-{runID}；
// 第 n 次重试追加 -r{n}，使重试产生新的派发而重复入队不产生。
func ApplyEventKey(runID string, generation int) string {
	if generation <= 0 {
		return fmt.Sprintf("job-rules-apply-%s", runID)
	}
	return fmt.Sprintf("job-rules-apply-%s-r%d", runID, generation)
}
