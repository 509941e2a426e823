package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pricepilot/pricepilot/internal/pipeline/domain"
	"github.com/pricepilot/pricepilot/pkg/metrics"
)

// Reconciler 对账服务：应用完成后回查渠道实际价，与意图价比对产出漂移报告。
// 只报告，不自动纠正；纠正是独立的显式操作。
type Reconciler struct {
	runs     domain.RunRepository
	registry domain.ConnectorRegistry
	limiter  domain.ChannelLimiter
	reports  domain.ReportRepository
	audit    domain.AuditRepository
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewReconciler 创建对账服务
func NewReconciler(
	runs domain.RunRepository,
	registry domain.ConnectorRegistry,
	limiter domain.ChannelLimiter,
	reports domain.ReportRepository,
	audit domain.AuditRepository,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		runs: runs, registry: registry, limiter: limiter,
		reports: reports, audit: audit, metrics: m, logger: logger,
	}
}

// ReconcileRun 对账一个批次。前置条件：批次处于 APPLIED 或 PARTIAL。
// 只核对 APPLIED 目标；已回滚目标不在对账范围内。
func (s *Reconciler) ReconcileRun(ctx context.Context, runID string) (*domain.ReconciliationReport, error) {
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != domain.RunStatusApplied && run.Status != domain.RunStatusPartial {
		return nil, fmt.Errorf("reconcile run %s in status %s: %w", runID, run.Status, domain.ErrInvalidState)
	}

	targets, err := s.runs.ListTargetsByStatus(ctx, runID, domain.TargetStatusApplied)
	if err != nil {
		return nil, err
	}

	report := &domain.ReconciliationReport{
		ReportID:  uuid.NewString(),
		RunID:     run.RunID,
		TenantID:  run.TenantID,
		CheckedAt: time.Now(),
	}

	for _, t := range targets {
		report.TotalChecked++

		connector, err := s.registry.Connector(t.Channel)
		if err != nil {
			report.Details = append(report.Details, domain.PriceMismatch{
				ReportID:       report.ReportID,
				TargetID:       t.TargetID,
				SKUID:          t.SKUID,
				IntendedAmount: t.After.Amount,
				Currency:       t.After.Currency,
				Detail:         err.Error(),
			})
			continue
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx, "channel:"+t.Channel); err != nil {
				return nil, err
			}
		}

		quote, err := connector.GetCurrentPrice(ctx, t.SKUID)
		if err != nil {
			report.Details = append(report.Details, domain.PriceMismatch{
				ReportID:       report.ReportID,
				TargetID:       t.TargetID,
				SKUID:          t.SKUID,
				IntendedAmount: t.After.Amount,
				Currency:       t.After.Currency,
				Detail:         "live price unavailable: " + err.Error(),
			})
			continue
		}

		if quote.Amount != t.After.Amount || quote.Currency != t.After.Currency {
			report.Details = append(report.Details, domain.PriceMismatch{
				ReportID:       report.ReportID,
				TargetID:       t.TargetID,
				SKUID:          t.SKUID,
				IntendedAmount: t.After.Amount,
				LiveAmount:     quote.Amount,
				Currency:       t.After.Currency,
				LiveCurrency:   quote.Currency,
				Detail:         "live price differs from intended price",
			})
		}
	}
	report.Mismatches = len(report.Details)

	if err := s.reports.Save(ctx, report); err != nil {
		return nil, err
	}
	_ = s.audit.Append(ctx, domain.NewAuditRecord(run.TenantID, "rule_run", run.RunID,
		domain.AuditActionReconcile, "system", map[string]any{
			"total_checked": report.TotalChecked,
			"mismatches":    report.Mismatches,
		}))
	if s.metrics != nil && report.Mismatches > 0 {
		s.metrics.MismatchesSeen.Add(float64(report.Mismatches))
	}

	s.logger.InfoContext(ctx, "run reconciled",
		"run_id", runID, "checked", report.TotalChecked, "mismatches", report.Mismatches)
	return report, nil
}
