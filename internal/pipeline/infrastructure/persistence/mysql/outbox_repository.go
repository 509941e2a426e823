package mysql

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pricepilot/pricepilot/internal/pipeline/domain"
)

// OutboxRepo 出箱仓储的 GORM 实现。
// 出箱表是多 worker 实例间唯一的协调点，所有领取都走条件更新，不做读后写。
type OutboxRepo struct {
	db *gorm.DB
}

// NewOutboxRepo 创建出箱仓储
func NewOutboxRepo(db *gorm.DB) domain.OutboxRepository {
	return &OutboxRepo{db: db}
}

// Publish 追加出箱记录；event_key 冲突时静默跳过（同批次重复派发保护）
func (r *OutboxRepo) Publish(ctx context.Context, event *domain.OutboxEvent) error {
	return dbFrom(ctx, r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_key"}},
			DoNothing: true,
		}).
		Create(event).Error
}

// ClaimNext 领取下一条待派发记录。先读候选，再以 claimed_by 空值谓词条件更新，
// 更新不中说明被其他 worker 抢先，换下一条重试。
func (r *OutboxRepo) ClaimNext(ctx context.Context, workerID string) (*domain.OutboxEvent, error) {
	db := dbFrom(ctx, r.db)
	for {
		var event domain.OutboxEvent
		err := db.
			Where("published_at IS NULL AND (claimed_by = '' OR claimed_by IS NULL)").
			Order("id ASC").
			First(&event).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		now := time.Now()
		res := db.Model(&domain.OutboxEvent{}).
			Where("id = ? AND (claimed_by = '' OR claimed_by IS NULL)", event.ID).
			Updates(map[string]any{
				"claimed_by": workerID,
				"claimed_at": now,
				"attempts":   gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			event.ClaimedBy = workerID
			event.ClaimedAt = &now
			event.Attempts++
			return &event, nil
		}
		// 竞争失败，尝试下一条
	}
}

func (r *OutboxRepo) MarkPublished(ctx context.Context, eventKey string) error {
	return dbFrom(ctx, r.db).Model(&domain.OutboxEvent{}).
		Where("event_key = ?", eventKey).
		Updates(map[string]any{"published_at": time.Now(), "last_error": ""}).Error
}

func (r *OutboxRepo) MarkProcessed(ctx context.Context, eventKey string) error {
	return dbFrom(ctx, r.db).Model(&domain.OutboxEvent{}).
		Where("event_key = ?", eventKey).
		Update("processed_at", time.Now()).Error
}

// MarkFailed 记录派发失败并释放领取，允许其他 worker 重新领取
func (r *OutboxRepo) MarkFailed(ctx context.Context, eventKey string, errMessage string) error {
	return dbFrom(ctx, r.db).Model(&domain.OutboxEvent{}).
		Where("event_key = ?", eventKey).
		Updates(map[string]any{
			"claimed_by": "",
			"claimed_at": nil,
			"last_error": errMessage,
		}).Error
}

func (r *OutboxRepo) GetByKey(ctx context.Context, eventKey string) (*domain.OutboxEvent, error) {
	var event domain.OutboxEvent
	err := dbFrom(ctx, r.db).Where("event_key = ?", eventKey).First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, gorm.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}
