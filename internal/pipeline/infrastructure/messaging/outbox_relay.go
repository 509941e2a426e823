// Package messaging 实现出箱派发：把待派发的出箱记录中继到 Kafka
package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pricepilot/pricepilot/internal/pipeline/domain"
	"github.com/pricepilot/pricepilot/pkg/metrics"
)

// EventEnvelope 中继到 broker 的消息信封
type EventEnvelope struct {
	EventKey  string          `json:"event_key"`
	EventType string          `json:"event_type"`
	TenantID  string          `json:"tenant_id"`
	ProjectID string          `json:"project_id"`
	Payload   json.RawMessage `json:"payload"`
}

// UnmarshalPayload 解析信封内的业务载荷
func (e *EventEnvelope) UnmarshalPayload(dest any) error {
	return json.Unmarshal(e.Payload, dest)
}

// EventPublisher broker 发布接口，pkg/mq 的 KafkaProducer 满足该接口
type EventPublisher interface {
	SendMessage(ctx context.Context, topic string, key string, value interface{}) error
}

// OutboxRelay 出箱中继 worker：条件领取待派发记录并发布到 Kafka。
// 多实例并发轮询时由出箱表的条件更新保证一条记录只被一个实例派发。
type OutboxRelay struct {
	outbox       domain.OutboxRepository
	publisher    EventPublisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	workerID     string
	pollInterval time.Duration
}

// NewOutboxRelay 创建出箱中继
func NewOutboxRelay(
	outbox domain.OutboxRepository,
	publisher EventPublisher,
	m *metrics.Metrics,
	logger *slog.Logger,
	workerID string,
	pollInterval time.Duration,
) *OutboxRelay {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &OutboxRelay{
		outbox: outbox, publisher: publisher, metrics: m,
		logger: logger, workerID: workerID, pollInterval: pollInterval,
	}
}

// Run 轮询循环，ctx 取消时退出
func (r *OutboxRelay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.logger.InfoContext(ctx, "outbox relay started", "worker_id", r.workerID)
	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "outbox relay stopped", "worker_id", r.workerID)
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.ErrorContext(ctx, "outbox relay cycle failed", "error", err)
			}
		}
	}
}

// RunOnce 派发当前全部待处理记录，直到领不到为止
func (r *OutboxRelay) RunOnce(ctx context.Context) error {
	for {
		event, err := r.outbox.ClaimNext(ctx, r.workerID)
		if err != nil {
			return err
		}
		if event == nil {
			return nil
		}
		if err := r.dispatch(ctx, event); err != nil {
			return err
		}
	}
}

// dispatch 将单条出箱记录发布到与事件类型同名的主题，key 为幂等键保证分区内有序
func (r *OutboxRelay) dispatch(ctx context.Context, event *domain.OutboxEvent) error {
	envelope := EventEnvelope{
		EventKey:  event.EventKey,
		EventType: event.EventType,
		TenantID:  event.TenantID,
		ProjectID: event.ProjectID,
		Payload:   event.Payload,
	}

	if err := r.publisher.SendMessage(ctx, event.EventType, event.EventKey, envelope); err != nil {
		r.logger.ErrorContext(ctx, "outbox dispatch failed",
			"event_key", event.EventKey, "error", err)
		if merr := r.outbox.MarkFailed(ctx, event.EventKey, err.Error()); merr != nil {
			return merr
		}
		return err
	}

	if err := r.outbox.MarkPublished(ctx, event.EventKey); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.OutboxRelayed.Inc()
	}
	r.logger.DebugContext(ctx, "outbox event relayed", "event_key", event.EventKey)
	return nil
}
