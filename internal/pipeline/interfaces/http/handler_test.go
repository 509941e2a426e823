package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/pricepilot/pricepilot/internal/pipeline/application"
	"github.com/pricepilot/pricepilot/internal/pipeline/domain"
	persistence "github.com/pricepilot/pricepilot/internal/pipeline/infrastructure/persistence/mysql"
)

type handlerFixture struct {
	db     *gorm.DB
	runs   domain.RunRepository
	router *gin.Engine
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&domain.PricingRule{}, &domain.RuleRun{}, &domain.RuleTarget{},
		&domain.OutboxEvent{}, &domain.AuditRecord{},
		&domain.ReconciliationReport{}, &domain.PriceMismatch{},
		&persistence.Product{}, &persistence.SKU{}, &persistence.Price{},
	))

	rules := persistence.NewRuleRepo(db)
	runs := persistence.NewRunRepo(db)
	outbox := persistence.NewOutboxRepo(db)
	audit := persistence.NewAuditRepo(db)
	reports := persistence.NewReportRepo(db)
	catalog := persistence.NewCatalogRepo(db)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	materializer := application.NewMaterializer(rules, catalog, runs, audit, nil, logger)
	runService := application.NewRunService(runs, outbox, audit, nil, nil, nil, logger)
	reconciler := application.NewReconciler(runs, nil, nil, reports, audit, nil, logger)

	router := gin.New()
	NewPipelineHandler(materializer, runService, reconciler).RegisterRoutes(router)
	return &handlerFixture{db: db, runs: runs, router: router}
}

func (f *handlerFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestMaterializeEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	require.NoError(t, f.db.Create(&domain.PricingRule{
		RuleID: "rule-1", TenantID: "t1", ProjectID: "p1", Name: "empty hit",
		Selector:  domain.Selector{Tags: []string{"none"}},
		Transform: domain.Transform{Kind: domain.TransformPercent, Value: decimal.NewFromInt(5)},
		Enabled:   true,
	}).Error)

	w := f.do(t, http.MethodPost, "/api/v1/rules/rule-1/materialize", gin.H{"actor": "alice"})
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data domain.RuleRun `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, domain.RunStatusPreview, body.Data.Status)
	assert.NotEmpty(t, body.Data.RunID)
}

func TestMaterializeUnknownRuleReturns404(t *testing.T) {
	f := newHandlerFixture(t)
	w := f.do(t, http.MethodPost, "/api/v1/rules/missing/materialize", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMaterializeDisabledRuleReturns400(t *testing.T) {
	f := newHandlerFixture(t)
	require.NoError(t, f.db.Create(&domain.PricingRule{
		RuleID: "rule-off", TenantID: "t1", ProjectID: "p1", Name: "off",
		Selector:  domain.Selector{Tags: []string{"x"}},
		Transform: domain.Transform{Kind: domain.TransformPercent, Value: decimal.NewFromInt(5)},
		Enabled:   false,
	}).Error)

	w := f.do(t, http.MethodPost, "/api/v1/rules/rule-off/materialize", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueueThenGetRun(t *testing.T) {
	f := newHandlerFixture(t)
	require.NoError(t, f.runs.CreateWithTargets(context.Background(), &domain.RuleRun{
		RunID: "run-1", RuleID: "rule-1", TenantID: "t1", ProjectID: "p1",
		Status: domain.RunStatusPreview,
	}, []domain.RuleTarget{{
		TargetID: "tg-1", RunID: "run-1", ProductID: "prod-1", SKUID: "sku-1",
		Channel: "shopify",
		Before:  domain.PriceSnapshot{Currency: "USD", Amount: 10000},
		After:   domain.PriceSnapshot{Currency: "USD", Amount: 10500},
		Status:  domain.TargetStatusPreview,
	}}))

	w := f.do(t, http.MethodPost, "/api/v1/runs/run-1/queue", gin.H{"actor": "alice"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/runs/run-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data struct {
			Run      domain.RuleRun     `json:"run"`
			Progress domain.RunProgress `json:"progress"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, domain.RunStatusQueued, body.Data.Run.Status)
	assert.Equal(t, 1, body.Data.Progress.TotalTargets)
	assert.Equal(t, 1, body.Data.Progress.PendingTargets)
}

func TestQueueTerminalRunReturns400(t *testing.T) {
	f := newHandlerFixture(t)
	require.NoError(t, f.runs.CreateWithTargets(context.Background(), &domain.RuleRun{
		RunID: "run-done", RuleID: "rule-1", TenantID: "t1", ProjectID: "p1",
		Status: domain.RunStatusApplied,
	}, nil))

	w := f.do(t, http.MethodPost, "/api/v1/runs/run-done/queue", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListRunsEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	for _, id := range []string{"run-a", "run-b"} {
		require.NoError(t, f.runs.CreateWithTargets(context.Background(), &domain.RuleRun{
			RunID: id, RuleID: "rule-1", TenantID: "t1", ProjectID: "p1",
			Status: domain.RunStatusPreview,
		}, nil))
	}

	w := f.do(t, http.MethodGet, "/api/v1/runs?tenant_id=t1&limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data struct {
			Runs []domain.RuleRun `json:"runs"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Data.Runs, 2)

	w = f.do(t, http.MethodGet, "/api/v1/runs?status=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
