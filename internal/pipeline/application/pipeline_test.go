package application

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricepilot/pricepilot/internal/pipeline/domain"
)

// 全链路：物化 -> 入队 -> 出箱 -> 应用 -> 对账，验证各阶段衔接与最终一致
func TestPipelineEndToEnd(t *testing.T) {
	e := newTestEnv(t)
	shopify := newFakeConnector("shopify")
	registry := newFakeRegistry(shopify)

	materializer := newMaterializer(e)
	runService := newRunService(e, registry)
	applier := newApplier(e, registry, fastApplierConfig())
	reconciler := newReconciler(e, registry)

	seedCatalog(t, e)
	seedRule(t, e, &domain.PricingRule{
		RuleID: "rule-e2e", TenantID: "t1", ProjectID: "p1", Name: "five percent up",
		Selector:  domain.Selector{Tags: []string{"summer"}, SKUPattern: "TEE-RED-*"},
		Transform: domain.Transform{Kind: domain.TransformPercent, Value: decimal.NewFromInt(5)},
		Enabled:   true,
	})

	ctx := context.Background()

	// 物化出 PREVIEW 批次
	run, err := materializer.Materialize(ctx, "rule-e2e", "alice")
	require.NoError(t, err)
	require.Len(t, run.Targets, 1)
	assert.Equal(t, int64(10500), run.Targets[0].After.Amount)

	// 入队写出箱
	require.NoError(t, runService.QueueRun(ctx, run.RunID, "alice"))
	event, err := e.outbox.ClaimNext(ctx, "worker-test")
	require.NoError(t, err)
	require.NotNil(t, event)
	require.NoError(t, e.outbox.MarkPublished(ctx, event.EventKey))

	// 消费侧应用
	var payload domain.ApplyEventPayload
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	require.NoError(t, applier.HandleApplyEvent(ctx, payload))
	require.NoError(t, e.outbox.MarkProcessed(ctx, event.EventKey))

	settled, err := e.runs.Get(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusApplied, settled.Status)

	quote, err := shopify.GetCurrentPrice(ctx, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10500), quote.Amount)

	// 对账无漂移
	report, err := reconciler.ReconcileRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalChecked)
	assert.Zero(t, report.Mismatches)

	// 全程审计：物化、入队、应用、对账各留痕
	records, err := e.audit.ListByEntity(ctx, "rule_run", run.RunID, 20)
	require.NoError(t, err)
	actions := make(map[string]bool, len(records))
	for _, rec := range records {
		actions[rec.Action] = true
	}
	for _, action := range []string{
		domain.AuditActionMaterialize, domain.AuditActionQueue,
		domain.AuditActionApply, domain.AuditActionReconcile,
	} {
		assert.True(t, actions[action], action)
	}
}
