package mysql

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/pricepilot/pricepilot/internal/pipeline/domain"
)

// ReportRepo 对账报告仓储的 GORM 实现
type ReportRepo struct {
	db *gorm.DB
}

// NewReportRepo 创建对账报告仓储
func NewReportRepo(db *gorm.DB) domain.ReportRepository {
	return &ReportRepo{db: db}
}

// Save 报告与明细原子写入
func (r *ReportRepo) Save(ctx context.Context, report *domain.ReconciliationReport) error {
	return withTx(ctx, r.db, func(txCtx context.Context) error {
		tx := dbFrom(txCtx, r.db)
		details := report.Details
		report.Details = nil
		if err := tx.Create(report).Error; err != nil {
			report.Details = details
			return err
		}
		report.Details = details
		if len(details) == 0 {
			return nil
		}
		return tx.CreateInBatches(details, 500).Error
	})
}

func (r *ReportRepo) GetByRunID(ctx context.Context, runID string) (*domain.ReconciliationReport, error) {
	var report domain.ReconciliationReport
	err := dbFrom(ctx, r.db).
		Where("run_id = ?", runID).
		Order("id DESC").
		Preload("Details").
		First(&report).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &report, nil
}
