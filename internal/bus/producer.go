package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"codepad/api/internal/event"
	"codepad/api/internal/logger"
)

// Producer publishes events onto the channel matching their type. Publish is
// synchronous only up to broker hand-off; it never waits for consumers.
type Producer struct {
	client *redis.Client
}

func NewProducer(client *redis.Client) *Producer {
	return &Producer{client: client}
}

// Publish appends the event to its stream. Once XADD returns, the entry is
// broker-durable; redelivery to crashed consumers is the group's problem.
func (p *Producer) Publish(ctx context.Context, ev event.Event) error {
	stream, routingKey, err := streamFor(ev.Type)
	if err != nil {
		return err
	}

	payload, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"routing_key": routingKey,
			"payload":     string(payload),
		},
	}).Err(); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", ErrUnavailable, stream, err)
	}

	logger.Sugar.Debugw("published event", "stream", stream, "type", ev.Type, "action", ev.Action)
	return nil
}
