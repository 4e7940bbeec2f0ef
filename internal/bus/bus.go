// Package bus decouples mutation-time event emission from delivery using
// Redis Streams as the durable broker.
//
// The topology keeps the original exchange/queue naming: one stream per
// logical channel (task, comment), entries tagged with a fixed routing key,
// and a single durable consumer group per stream. Within a stream delivery is
// FIFO; across streams there is no ordering guarantee.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"codepad/api/internal/event"
)

const (
	TaskStream     = "task.queue"
	TaskRouting    = "task.notify"
	CommentStream  = "comment.queue"
	CommentRouting = "comment.notify"

	// Group is the durable consumer group shared by all consumer instances.
	Group = "codepad.notifiers"
)

var (
	// ErrUnroutable is returned for event types with no channel. The
	// presence type is delivered straight over the transport and never
	// crosses the broker.
	ErrUnroutable = errors.New("no channel for event type")

	// ErrUnavailable wraps broker connectivity failures. Callers treat
	// publishing as best-effort: log and carry on with the primary mutation.
	ErrUnavailable = errors.New("broker unavailable")
)

// streamFor maps an event type to its stream and routing key.
func streamFor(typ event.Type) (stream, routingKey string, err error) {
	switch typ {
	case event.TypeTask:
		return TaskStream, TaskRouting, nil
	case event.TypeComment:
		return CommentStream, CommentRouting, nil
	default:
		return "", "", ErrUnroutable
	}
}

// Connect parses the URL and verifies the broker is reachable.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return client, nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
