package domain

import (
	"encoding/json"

	"gorm.io/gorm"
)

// 审计动作
const (
	AuditActionMaterialize = "MATERIALIZE"
	AuditActionQueue       = "QUEUE"
	AuditActionApply       = "APPLY"
	AuditActionRetry       = "RETRY"
	AuditActionRollback    = "ROLLBACK"
	AuditActionCancel      = "CANCEL"
	AuditActionReconcile   = "RECONCILE"
)

// AuditRecord 审计记录，仅追加，重大状态变更时写入
type AuditRecord struct {
	gorm.Model
	TenantID string          `gorm:"column:tenant_id;type:varchar(64);index;not null" json:"tenant_id"`
	Entity   string          `gorm:"column:entity;type:varchar(32);index;not null" json:"entity"`
	EntityID string          `gorm:"column:entity_id;type:varchar(64);index;not null" json:"entity_id"`
	Action   string          `gorm:"column:action;type:varchar(32);not null" json:"action"`
	Actor    string          `gorm:"column:actor;type:varchar(64);not null" json:"actor"`
	Explain  json.RawMessage `gorm:"column:explain;type:text" json:"explain,omitempty"`
}

// TableName 表名
func (AuditRecord) TableName() string { return "audit_records" }

// NewAuditRecord 构造审计记录，explain 序列化失败时退化为空载荷
func NewAuditRecord(tenantID, entity, entityID, action, actor string, explain any) *AuditRecord {
	rec := &AuditRecord{
		TenantID: tenantID,
		Entity:   entity,
		EntityID: entityID,
		Action:   action,
		Actor:    actor,
	}
	if explain != nil {
		if data, err := json.Marshal(explain); err == nil {
			rec.Explain = data
		}
	}
	return rec
}
