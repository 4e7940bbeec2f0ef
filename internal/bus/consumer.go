package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"codepad/api/internal/event"
	"codepad/api/internal/logger"
)

// Deliverer pushes a consumed event to connected clients. The notification
// router implements it. Implementations must be idempotent under duplicate
// delivery; here they are, because delivery is a stateless broadcast or send,
// never a state mutation.
type Deliverer interface {
	BroadcastToAll(ev event.Event)
	SendToUser(userID string, ev event.Event)
}

// Consumer reads both streams through a durable consumer group and hands each
// event to the Deliverer. Delivery is at-least-once: entries are acked only
// after the handler returns, and the pending-entries list is drained on start
// so entries in flight during a crash are redelivered.
type Consumer struct {
	client   *redis.Client
	deliver  Deliverer
	consumer string
	wg       sync.WaitGroup
}

func NewConsumer(client *redis.Client, deliver Deliverer, consumerName string) *Consumer {
	if consumerName == "" {
		consumerName = "codepad-api"
	}
	return &Consumer{client: client, deliver: deliver, consumer: consumerName}
}

// Start launches one goroutine per stream. It returns immediately; a broker
// that is down only delays consumption, never startup.
func (c *Consumer) Start(ctx context.Context) {
	for _, stream := range []string{TaskStream, CommentStream} {
		c.wg.Add(1)
		go func(stream string) {
			defer c.wg.Done()
			c.run(ctx, stream)
		}(stream)
	}
}

// Wait blocks until all stream loops have exited (after ctx is canceled).
func (c *Consumer) Wait() {
	c.wg.Wait()
}

func (c *Consumer) run(ctx context.Context, stream string) {
	c.ensureGroup(ctx, stream)

	// First pass over the pending-entries list picks up anything delivered
	// but unacked before a previous crash.
	c.consume(ctx, stream, "0", false)

	for ctx.Err() == nil {
		c.consume(ctx, stream, ">", true)
	}
}

func (c *Consumer) ensureGroup(ctx context.Context, stream string) {
	for ctx.Err() == nil {
		err := c.client.XGroupCreateMkStream(ctx, stream, Group, "0").Err()
		if err == nil || isBusyGroup(err) {
			return
		}
		logger.Sugar.Warnw("consumer group create failed, retrying", "stream", stream, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

// consume performs one XREADGROUP round. id ">" blocks for new entries; "0"
// reads this consumer's pending entries without blocking.
func (c *Consumer) consume(ctx context.Context, stream, id string, block bool) {
	args := &redis.XReadGroupArgs{
		Group:    Group,
		Consumer: c.consumer,
		Streams:  []string{stream, id},
		Count:    16,
	}
	if block {
		args.Block = 5 * time.Second
	}

	streams, err := c.client.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
		return
	}
	if err != nil {
		logger.Sugar.Warnw("stream read failed", "stream", stream, "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
		return
	}

	for _, result := range streams {
		for _, msg := range result.Messages {
			c.handle(ctx, stream, msg)
			if err := c.client.XAck(ctx, stream, Group, msg.ID).Err(); err != nil {
				logger.Sugar.Warnw("ack failed", "stream", stream, "id", msg.ID, "error", err)
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, stream string, msg redis.XMessage) {
	payload, ok := msg.Values["payload"].(string)
	if !ok {
		logger.Sugar.Warnw("malformed stream entry, dropping", "stream", stream, "id", msg.ID)
		return
	}

	ev, err := event.Decode([]byte(payload))
	if err != nil {
		logger.Sugar.Warnw("undecodable event, dropping", "stream", stream, "id", msg.ID, "error", err)
		return
	}

	// Unknown type/action combinations are dropped, not fatal: a newer
	// producer must not wedge an older consumer.
	if !event.Known(ev.Type, ev.Action) {
		logger.Sugar.Warnw("unknown event, dropping", "type", ev.Type, "action", ev.Action)
		return
	}

	// Targeted events go to the private channel; everything else is a
	// public broadcast. The payload passes through untouched.
	if ev.TargetUserID != "" {
		c.deliver.SendToUser(ev.TargetUserID, ev)
		return
	}
	c.deliver.BroadcastToAll(ev)
}
