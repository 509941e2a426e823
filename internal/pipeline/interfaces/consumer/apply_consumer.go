package consumer

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pricepilot/pricepilot/internal/pipeline/application"
	"github.com/pricepilot/pricepilot/internal/pipeline/domain"
	"github.com/pricepilot/pricepilot/internal/pipeline/infrastructure/messaging"
	"github.com/pricepilot/pricepilot/pkg/mq"
)

// MessageReader 消息读取接口，pkg/mq 的 KafkaConsumer 满足该接口
type MessageReader interface {
	ReadMessage(ctx context.Context) (*mq.Message, error)
}

// ApplyConsumer job.rules.apply 主题的消费者。
// 投递语义是至少一次，幂等性由 Applier 内的目标状态门保证。
type ApplyConsumer struct {
	reader  MessageReader
	applier *application.Applier
	outbox  domain.OutboxRepository
	logger  *slog.Logger
}

// NewApplyConsumer 创建消费者
func NewApplyConsumer(
	reader MessageReader,
	applier *application.Applier,
	outbox domain.OutboxRepository,
	logger *slog.Logger,
) *ApplyConsumer {
	return &ApplyConsumer{reader: reader, applier: applier, outbox: outbox, logger: logger}
}

// Run 消费循环，ctx 取消时退出
func (c *ApplyConsumer) Run(ctx context.Context) {
	c.logger.InfoContext(ctx, "apply consumer started")
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
				c.logger.InfoContext(ctx, "apply consumer stopped")
				return
			}
			c.logger.ErrorContext(ctx, "failed to read apply message", "error", err)
			continue
		}
		if err := c.Handle(ctx, msg); err != nil {
			c.logger.ErrorContext(ctx, "failed to handle apply message",
				"key", msg.Key, "error", err)
		}
	}
}

// Handle 处理单条派发消息
func (c *ApplyConsumer) Handle(ctx context.Context, msg *mq.Message) error {
	var envelope messaging.EventEnvelope
	if err := msg.UnmarshalPayload(&envelope); err != nil {
		c.logger.ErrorContext(ctx, "malformed apply envelope dropped", "key", msg.Key, "error", err)
		return nil
	}
	if envelope.EventType != domain.EventTypeRulesApply {
		c.logger.WarnContext(ctx, "unexpected event type on apply topic",
			"event_type", envelope.EventType)
		return nil
	}

	var payload domain.ApplyEventPayload
	if err := envelope.UnmarshalPayload(&payload); err != nil {
		c.logger.ErrorContext(ctx, "malformed apply payload dropped",
			"event_key", envelope.EventKey, "error", err)
		return nil
	}

	if err := c.applier.HandleApplyEvent(ctx, payload); err != nil {
		return err
	}
	return c.outbox.MarkProcessed(ctx, envelope.EventKey)
}
