package mysql

import (
	"context"

	"gorm.io/gorm"

	"github.com/pricepilot/pricepilot/internal/pipeline/domain"
)

// AuditRepo 审计仓储的 GORM 实现，仅追加
type AuditRepo struct {
	db *gorm.DB
}

// NewAuditRepo 创建审计仓储
func NewAuditRepo(db *gorm.DB) domain.AuditRepository {
	return &AuditRepo{db: db}
}

func (r *AuditRepo) Append(ctx context.Context, record *domain.AuditRecord) error {
	return dbFrom(ctx, r.db).Create(record).Error
}

func (r *AuditRepo) ListByEntity(ctx context.Context, entity, entityID string, limit int) ([]*domain.AuditRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var records []*domain.AuditRecord
	err := dbFrom(ctx, r.db).
		Where("entity = ? AND entity_id = ?", entity, entityID).
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}
