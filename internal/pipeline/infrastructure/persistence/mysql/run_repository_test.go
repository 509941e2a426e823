package mysql

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/pricepilot/pricepilot/internal/pipeline/domain"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&domain.PricingRule{}, &domain.RuleRun{}, &domain.RuleTarget{},
		&domain.OutboxEvent{}, &domain.AuditRecord{},
		&domain.ReconciliationReport{}, &domain.PriceMismatch{},
		&Product{}, &SKU{}, &Price{},
	))
	return db
}

func seedRunWithTarget(t *testing.T, repo domain.RunRepository, runID, targetID string, status domain.TargetStatus) {
	t.Helper()
	run := &domain.RuleRun{
		RunID: runID, RuleID: "rule-1", TenantID: "t1", ProjectID: "p1",
		Status: domain.RunStatusQueued,
	}
	target := domain.RuleTarget{
		TargetID: targetID, RunID: runID, ProductID: "prod-1", SKUID: "sku-1",
		Channel: "shopify",
		Before:  domain.PriceSnapshot{Currency: "USD", Amount: 10000},
		After:   domain.PriceSnapshot{Currency: "USD", Amount: 10500},
		Status:  status,
	}
	require.NoError(t, repo.CreateWithTargets(context.Background(), run, []domain.RuleTarget{target}))
}

func TestClaimTargetIsExclusive(t *testing.T) {
	repo := NewRunRepo(newTestDB(t))
	seedRunWithTarget(t, repo, "run-1", "tg-1", domain.TargetStatusQueued)
	ctx := context.Background()

	claimed, err := repo.ClaimTarget(ctx, "tg-1", domain.TargetStatusQueued, domain.TargetStatusApplying)
	require.NoError(t, err)
	assert.True(t, claimed)

	// 状态已变，第二次领取落空
	claimed, err = repo.ClaimTarget(ctx, "tg-1", domain.TargetStatusQueued, domain.TargetStatusApplying)
	require.NoError(t, err)
	assert.False(t, claimed)

	targets, err := repo.ListTargets(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, domain.TargetStatusApplying, targets[0].Status)
	assert.Equal(t, 1, targets[0].Attempts, "attempts grows once per successful claim")
}

func TestClaimTargetHonorsRetrySchedule(t *testing.T) {
	db := newTestDB(t)
	repo := NewRunRepo(db)
	seedRunWithTarget(t, repo, "run-1", "tg-1", domain.TargetStatusQueued)
	ctx := context.Background()

	_, err := repo.ClaimTarget(ctx, "tg-1", domain.TargetStatusQueued, domain.TargetStatusApplying)
	require.NoError(t, err)
	require.NoError(t, repo.RequeueTarget(ctx, "tg-1", time.Now().Add(30*time.Second), "throttled"))

	// 退避窗口未到，重复投递的另一个 worker 也领不走
	claimed, err := repo.ClaimTarget(ctx, "tg-1", domain.TargetStatusQueued, domain.TargetStatusApplying)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, db.Model(&domain.RuleTarget{}).
		Where("target_id = ?", "tg-1").
		Update("next_retry_at", time.Now().Add(-time.Millisecond)).Error)
	claimed, err = repo.ClaimTarget(ctx, "tg-1", domain.TargetStatusQueued, domain.TargetStatusApplying)
	require.NoError(t, err)
	assert.True(t, claimed, "claimable once the backoff window elapses")
}

func TestRequeueTargetOnlyFromApplying(t *testing.T) {
	repo := NewRunRepo(newTestDB(t))
	seedRunWithTarget(t, repo, "run-1", "tg-1", domain.TargetStatusQueued)
	ctx := context.Background()

	_, err := repo.ClaimTarget(ctx, "tg-1", domain.TargetStatusQueued, domain.TargetStatusApplying)
	require.NoError(t, err)

	nextRetry := time.Now().Add(time.Second)
	require.NoError(t, repo.RequeueTarget(ctx, "tg-1", nextRetry, "throttled"))

	targets, err := repo.ListTargetsByStatus(ctx, "run-1", domain.TargetStatusQueued)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "throttled", targets[0].ErrorMessage)
	assert.NotNil(t, targets[0].NextRetryAt)
}

func TestTransitionTargetsByStatus(t *testing.T) {
	db := newTestDB(t)
	repo := NewRunRepo(db)
	ctx := context.Background()

	run := &domain.RuleRun{RunID: "run-1", RuleID: "rule-1", TenantID: "t1", ProjectID: "p1", Status: domain.RunStatusPreview}
	targets := []domain.RuleTarget{
		{TargetID: "tg-1", RunID: "run-1", ProductID: "p", SKUID: "s1", Channel: "shopify", Status: domain.TargetStatusPreview},
		{TargetID: "tg-2", RunID: "run-1", ProductID: "p", SKUID: "s2", Channel: "shopify", Status: domain.TargetStatusPreview},
		{TargetID: "tg-3", RunID: "run-1", ProductID: "p", SKUID: "s3", Channel: "shopify", Status: domain.TargetStatusApplied},
	}
	require.NoError(t, repo.CreateWithTargets(ctx, run, targets))

	n, err := repo.TransitionTargets(ctx, "run-1", domain.TargetStatusPreview, domain.TargetStatusQueued)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	applied, err := repo.ListTargetsByStatus(ctx, "run-1", domain.TargetStatusApplied)
	require.NoError(t, err)
	assert.Len(t, applied, 1, "already-applied target untouched")
}

func TestResetFailedTargetsKeepsAttempts(t *testing.T) {
	db := newTestDB(t)
	repo := NewRunRepo(db)
	ctx := context.Background()
	seedRunWithTarget(t, repo, "run-1", "tg-1", domain.TargetStatusFailed)
	require.NoError(t, db.Model(&domain.RuleTarget{}).
		Where("target_id = ?", "tg-1").
		Updates(map[string]any{"attempts": 4, "error_message": "boom"}).Error)

	n, err := repo.ResetFailedTargets(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	targets, err := repo.ListTargets(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, domain.TargetStatusQueued, targets[0].Status)
	assert.Empty(t, targets[0].ErrorMessage)
	assert.Equal(t, 4, targets[0].Attempts)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	repo := NewRunRepo(db)
	ctx := context.Background()
	seedRunWithTarget(t, repo, "run-1", "tg-1", domain.TargetStatusQueued)

	sentinel := assert.AnError
	err := repo.WithTx(ctx, func(txCtx context.Context) error {
		if _, err := repo.TransitionTargets(txCtx, "run-1", domain.TargetStatusQueued, domain.TargetStatusFailed); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	// 事务回滚，状态不变
	targets, err := repo.ListTargetsByStatus(ctx, "run-1", domain.TargetStatusQueued)
	require.NoError(t, err)
	assert.Len(t, targets, 1)
}

func TestListRunsCursorPagination(t *testing.T) {
	repo := NewRunRepo(newTestDB(t))
	ctx := context.Background()

	for _, id := range []string{"run-a", "run-b", "run-c"} {
		require.NoError(t, repo.CreateWithTargets(ctx, &domain.RuleRun{
			RunID: id, RuleID: "rule-1", TenantID: "t1", ProjectID: "p1",
			Status: domain.RunStatusPreview,
		}, nil))
	}

	page1, cursor, err := repo.List(ctx, domain.RunFilter{TenantID: "t1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "run-c", page1[0].RunID, "newest first")
	require.NotZero(t, cursor)

	page2, cursor2, err := repo.List(ctx, domain.RunFilter{TenantID: "t1", Limit: 2, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, "run-a", page2[0].RunID)
	assert.Zero(t, cursor2)
}

func TestListRunsStatusFilter(t *testing.T) {
	repo := NewRunRepo(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.CreateWithTargets(ctx, &domain.RuleRun{
		RunID: "run-a", RuleID: "rule-1", TenantID: "t1", ProjectID: "p1", Status: domain.RunStatusApplied,
	}, nil))
	require.NoError(t, repo.CreateWithTargets(ctx, &domain.RuleRun{
		RunID: "run-b", RuleID: "rule-1", TenantID: "t1", ProjectID: "p1", Status: domain.RunStatusFailed,
	}, nil))

	failed := domain.RunStatusFailed
	runs, _, err := repo.List(ctx, domain.RunFilter{TenantID: "t1", Status: &failed})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-b", runs[0].RunID)
}

func TestGetRunNotFound(t *testing.T) {
	repo := NewRunRepo(newTestDB(t))
	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}
