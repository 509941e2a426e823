package application

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/pricepilot/pricepilot/internal/pipeline/domain"
	persistence "github.com/pricepilot/pricepilot/internal/pipeline/infrastructure/persistence/mysql"
)

// testEnv 应用层测试夹具：内存 sqlite 上的真实仓储 + 可脚本化的渠道假件
type testEnv struct {
	db      *gorm.DB
	rules   domain.RuleRepository
	runs    domain.RunRepository
	outbox  domain.OutboxRepository
	audit   domain.AuditRepository
	reports domain.ReportRepository
	catalog domain.CatalogSource
	logger  *slog.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 内存库按连接隔离，收敛到单连接避免看到空库
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&domain.PricingRule{}, &domain.RuleRun{}, &domain.RuleTarget{},
		&domain.OutboxEvent{}, &domain.AuditRecord{},
		&domain.ReconciliationReport{}, &domain.PriceMismatch{},
		&persistence.Product{}, &persistence.SKU{}, &persistence.Price{},
	))

	return &testEnv{
		db:      db,
		rules:   persistence.NewRuleRepo(db),
		runs:    persistence.NewRunRepo(db),
		outbox:  persistence.NewOutboxRepo(db),
		audit:   persistence.NewAuditRepo(db),
		reports: persistence.NewReportRepo(db),
		catalog: persistence.NewCatalogRepo(db),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (e *testEnv) seedRun(t *testing.T, run *domain.RuleRun, targets []domain.RuleTarget) {
	t.Helper()
	require.NoError(t, e.runs.CreateWithTargets(context.Background(), run, targets))
}

func (e *testEnv) countOutboxEvents(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&domain.OutboxEvent{}).Count(&n).Error)
	return n
}

// fakeConnector 可脚本化的渠道连接器：按 SKU 预置失败序列与实际价
type fakeConnector struct {
	code string

	mu       sync.Mutex
	updates  map[string][]int64
	failures map[string][]error
	live     map[string]domain.PriceQuote
	liveErr  map[string]error
}

func newFakeConnector(code string) *fakeConnector {
	return &fakeConnector{
		code:     code,
		updates:  make(map[string][]int64),
		failures: make(map[string][]error),
		live:     make(map[string]domain.PriceQuote),
		liveErr:  make(map[string]error),
	}
}

func (f *fakeConnector) Code() string { return f.code }

// failNext 为某个 SKU 预置一串失败，耗尽后恢复成功
func (f *fakeConnector) failNext(sku string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[sku] = append(f.failures[sku], errs...)
}

func (f *fakeConnector) setLive(sku string, quote domain.PriceQuote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[sku] = quote
}

func (f *fakeConnector) UpdatePrice(_ context.Context, sku string, amount int64, currency string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if queue := f.failures[sku]; len(queue) > 0 {
		err := queue[0]
		f.failures[sku] = queue[1:]
		return err
	}
	f.updates[sku] = append(f.updates[sku], amount)
	f.live[sku] = domain.PriceQuote{Amount: amount, Currency: currency}
	return nil
}

func (f *fakeConnector) GetCurrentPrice(_ context.Context, sku string) (*domain.PriceQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.liveErr[sku]; err != nil {
		return nil, err
	}
	quote, ok := f.live[sku]
	if !ok {
		return nil, fmt.Errorf("sku %s not found on channel %s", sku, f.code)
	}
	return &quote, nil
}

func (f *fakeConnector) updateCount(sku string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates[sku])
}

// fakeRegistry 按编码解析假连接器
type fakeRegistry struct {
	connectors map[string]domain.ChannelConnector
}

func newFakeRegistry(connectors ...domain.ChannelConnector) *fakeRegistry {
	m := make(map[string]domain.ChannelConnector, len(connectors))
	for _, c := range connectors {
		m[c.Code()] = c
	}
	return &fakeRegistry{connectors: m}
}

func (r *fakeRegistry) Connector(channel string) (domain.ChannelConnector, error) {
	c, ok := r.connectors[channel]
	if !ok {
		return nil, fmt.Errorf("no connector registered for channel %q", channel)
	}
	return c, nil
}
