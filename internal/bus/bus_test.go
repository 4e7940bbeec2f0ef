package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"codepad/api/internal/event"
)

type recordedSend struct {
	userID string
	ev     event.Event
}

// recordingDeliverer captures router calls so tests can assert on them.
type recordingDeliverer struct {
	broadcasts chan event.Event
	sends      chan recordedSend
}

func newRecordingDeliverer() *recordingDeliverer {
	return &recordingDeliverer{
		broadcasts: make(chan event.Event, 16),
		sends:      make(chan recordedSend, 16),
	}
}

func (r *recordingDeliverer) BroadcastToAll(ev event.Event) {
	r.broadcasts <- ev
}

func (r *recordingDeliverer) SendToUser(userID string, ev event.Event) {
	r.sends <- recordedSend{userID: userID, ev: ev}
}

func setupBus(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := Connect(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func waitBroadcast(t *testing.T, d *recordingDeliverer) event.Event {
	t.Helper()
	select {
	case ev := <-d.broadcasts:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for broadcast")
		return event.Event{}
	}
}

func waitSend(t *testing.T, d *recordingDeliverer) recordedSend {
	t.Helper()
	select {
	case send := <-d.sends:
		return send
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for private send")
		return recordedSend{}
	}
}

func TestPublishAppendsToMatchingStream(t *testing.T) {
	client, _ := setupBus(t)
	producer := NewProducer(client)
	ctx := context.Background()

	taskEv, err := event.New(event.TypeTask, event.ActionCreate, map[string]string{"taskId": "tsk-1"}, "alice")
	if err != nil {
		t.Fatalf("event.New() error = %v", err)
	}
	if err := producer.Publish(ctx, taskEv); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	commentEv, err := event.New(event.TypeComment, event.ActionCreate, map[string]string{"commentId": "cmt-1"}, "bob")
	if err != nil {
		t.Fatalf("event.New() error = %v", err)
	}
	if err := producer.Publish(ctx, commentEv); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if n := client.XLen(ctx, TaskStream).Val(); n != 1 {
		t.Fatalf("task stream length = %d, want 1", n)
	}
	if n := client.XLen(ctx, CommentStream).Val(); n != 1 {
		t.Fatalf("comment stream length = %d, want 1", n)
	}
}

func TestPublishRejectsUnroutableType(t *testing.T) {
	client, _ := setupBus(t)
	producer := NewProducer(client)

	err := producer.Publish(context.Background(), event.PresenceChanged())
	if !errors.Is(err, ErrUnroutable) {
		t.Fatalf("Publish(presence) error = %v, want ErrUnroutable", err)
	}
}

func TestConsumeDeliversPayloadUntouched(t *testing.T) {
	client, _ := setupBus(t)
	producer := NewProducer(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	original, err := event.New(event.TypeTask, event.ActionUpdate, map[string]any{"taskId": "tsk-9", "completed": true}, "alice")
	if err != nil {
		t.Fatalf("event.New() error = %v", err)
	}
	if err := producer.Publish(ctx, original); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	deliverer := newRecordingDeliverer()
	consumer := NewConsumer(client, deliverer, "test-consumer")
	consumer.Start(ctx)
	defer func() {
		cancel()
		consumer.Wait()
	}()

	got := waitBroadcast(t, deliverer)
	if got.Type != original.Type || got.Action != original.Action || got.Sender != original.Sender {
		t.Fatalf("delivered event = %+v, want %+v", got, original)
	}
	// The data payload must pass through bit-identical.
	var want, have map[string]any
	if err := json.Unmarshal(original.Data, &want); err != nil {
		t.Fatalf("unmarshal original: %v", err)
	}
	if err := json.Unmarshal(got.Data, &have); err != nil {
		t.Fatalf("unmarshal delivered: %v", err)
	}
	if have["taskId"] != want["taskId"] || have["completed"] != want["completed"] {
		t.Fatalf("payload rewritten: %v != %v", have, want)
	}
}

func TestConsumeRoutesTargetedEventPrivately(t *testing.T) {
	client, _ := setupBus(t)
	producer := NewProducer(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ev, err := event.New(event.TypeComment, event.ActionLike, map[string]string{"commentId": "cmt-3"}, "liker")
	if err != nil {
		t.Fatalf("event.New() error = %v", err)
	}
	ev.TargetUserID = "usr-author"
	if err := producer.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	deliverer := newRecordingDeliverer()
	consumer := NewConsumer(client, deliverer, "test-consumer")
	consumer.Start(ctx)
	defer func() {
		cancel()
		consumer.Wait()
	}()

	send := waitSend(t, deliverer)
	if send.userID != "usr-author" {
		t.Fatalf("sent to %q, want usr-author", send.userID)
	}
	select {
	case ev := <-deliverer.broadcasts:
		t.Fatalf("targeted event was broadcast: %+v", ev)
	default:
	}
}

func TestConsumeAcksAfterHandling(t *testing.T) {
	client, _ := setupBus(t)
	producer := NewProducer(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ev, err := event.New(event.TypeTask, event.ActionDelete, map[string]string{"taskId": "tsk-2"}, "alice")
	if err != nil {
		t.Fatalf("event.New() error = %v", err)
	}
	if err := producer.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	deliverer := newRecordingDeliverer()
	consumer := NewConsumer(client, deliverer, "test-consumer")
	consumer.Start(ctx)
	defer func() {
		cancel()
		consumer.Wait()
	}()

	waitBroadcast(t, deliverer)

	// Acked entries leave the pending-entries list.
	deadline := time.After(5 * time.Second)
	for {
		pending, err := client.XPending(ctx, TaskStream, Group).Result()
		if err == nil && pending.Count == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("entry still pending after delivery: %+v", pending)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestConsumeDropsUnknownEvents(t *testing.T) {
	client, _ := setupBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// An unknown action and a malformed payload, then a valid event. Only
	// the valid one may reach the deliverer, and all three must be acked.
	unknown := `{"type":"task","action":"explode","timestamp":"2026-01-02T15:04:05Z"}`
	for _, payload := range []string{unknown, "{not json"} {
		if err := client.XAdd(ctx, &redis.XAddArgs{
			Stream: TaskStream,
			Values: map[string]any{"routing_key": TaskRouting, "payload": payload},
		}).Err(); err != nil {
			t.Fatalf("XAdd() error = %v", err)
		}
	}
	producer := NewProducer(client)
	valid, err := event.New(event.TypeTask, event.ActionCreate, map[string]string{"taskId": "tsk-1"}, "alice")
	if err != nil {
		t.Fatalf("event.New() error = %v", err)
	}
	if err := producer.Publish(ctx, valid); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	deliverer := newRecordingDeliverer()
	consumer := NewConsumer(client, deliverer, "test-consumer")
	consumer.Start(ctx)
	defer func() {
		cancel()
		consumer.Wait()
	}()

	got := waitBroadcast(t, deliverer)
	if got.Action != event.ActionCreate {
		t.Fatalf("delivered action = %v, want create", got.Action)
	}
	select {
	case extra := <-deliverer.broadcasts:
		t.Fatalf("dropped event was delivered: %+v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}
