package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pricepilot/pricepilot/internal/pipeline/domain"
	"github.com/pricepilot/pricepilot/pkg/metrics"
)

// Materializer 规则物化服务：把声明式规则展开为一批 PREVIEW 状态的调价目标。
// 只读商品/价格，不改动任何实际价格。
type Materializer struct {
	rules   domain.RuleRepository
	catalog domain.CatalogSource
	runs    domain.RunRepository
	audit   domain.AuditRepository
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewMaterializer 创建物化服务
func NewMaterializer(
	rules domain.RuleRepository,
	catalog domain.CatalogSource,
	runs domain.RunRepository,
	audit domain.AuditRepository,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Materializer {
	return &Materializer{rules: rules, catalog: catalog, runs: runs, audit: audit, metrics: m, logger: logger}
}

// Materialize 物化一条规则：解析选择器命中的 (SKU, 现行价)，计算 after 价，
// 写入一个 PREVIEW 批次。无现行价的 SKU 跳过并记录；零命中产生零目标批次而非报错。
func (s *Materializer) Materialize(ctx context.Context, ruleID, actor string) (*domain.RuleRun, error) {
	rule, err := s.rules.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if !rule.Enabled {
		return nil, fmt.Errorf("rule %s: %w", ruleID, domain.ErrRuleDisabled)
	}

	entries, err := s.catalog.Resolve(ctx, rule.TenantID, rule.ProjectID, rule.Selector)
	if err != nil {
		return nil, fmt.Errorf("resolve selector for rule %s: %w", ruleID, err)
	}

	run := &domain.RuleRun{
		RunID:     uuid.NewString(),
		RuleID:    rule.RuleID,
		TenantID:  rule.TenantID,
		ProjectID: rule.ProjectID,
		Status:    domain.RunStatusPreview,
	}

	targets := make([]domain.RuleTarget, 0, len(entries))
	skipped := 0
	for _, entry := range entries {
		if entry.Price == nil {
			skipped++
			s.logger.WarnContext(ctx, "sku skipped during materialization: no active price",
				"rule_id", rule.RuleID, "sku_id", entry.SKUID)
			continue
		}
		before := *entry.Price
		after := domain.PriceSnapshot{
			Currency: before.Currency,
			Amount:   rule.Transform.Apply(before.Amount),
		}
		targets = append(targets, domain.RuleTarget{
			TargetID:  uuid.NewString(),
			RunID:     run.RunID,
			ProductID: entry.ProductID,
			SKUID:     entry.SKUID,
			VariantID: entry.VariantID,
			Channel:   entry.Channel,
			Before:    before,
			After:     after,
			Status:    domain.TargetStatusPreview,
		})
	}

	if err := s.runs.CreateWithTargets(ctx, run, targets); err != nil {
		return nil, fmt.Errorf("persist run for rule %s: %w", ruleID, err)
	}

	_ = s.audit.Append(ctx, domain.NewAuditRecord(rule.TenantID, "rule_run", run.RunID,
		domain.AuditActionMaterialize, actor, map[string]any{
			"rule_id":      rule.RuleID,
			"target_count": len(targets),
			"skipped":      skipped,
		}))
	if s.metrics != nil {
		s.metrics.RunsMaterialized.Inc()
	}

	s.logger.InfoContext(ctx, "rule run materialized",
		"rule_id", rule.RuleID, "run_id", run.RunID, "targets", len(targets), "skipped", skipped)

	run.Targets = targets
	return run, nil
}
