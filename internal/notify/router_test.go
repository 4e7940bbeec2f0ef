package notify

import (
	"encoding/json"
	"testing"

	"codepad/api/internal/event"
)

type fakeTransport struct {
	broadcasts []Frame
	sends      map[string][]Frame
	online     map[string]bool
}

func newFakeTransport(onlineUsers ...string) *fakeTransport {
	online := make(map[string]bool, len(onlineUsers))
	for _, u := range onlineUsers {
		online[u] = true
	}
	return &fakeTransport{sends: make(map[string][]Frame), online: online}
}

func (f *fakeTransport) Broadcast(channel string, payload []byte) {
	var frame Frame
	_ = json.Unmarshal(payload, &frame)
	f.broadcasts = append(f.broadcasts, frame)
}

func (f *fakeTransport) SendToUser(userID string, payload []byte) bool {
	if !f.online[userID] {
		return false
	}
	var frame Frame
	_ = json.Unmarshal(payload, &frame)
	f.sends[userID] = append(f.sends[userID], frame)
	return true
}

func TestBroadcastToAllUsesPublicChannel(t *testing.T) {
	transport := newFakeTransport()
	router := NewRouter(transport)

	ev, err := event.New(event.TypeTask, event.ActionCreate, map[string]string{"taskId": "tsk-1"}, "alice")
	if err != nil {
		t.Fatalf("event.New() error = %v", err)
	}
	router.BroadcastToAll(ev)

	if len(transport.broadcasts) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(transport.broadcasts))
	}
	frame := transport.broadcasts[0]
	if frame.Channel != ChannelPublic {
		t.Fatalf("channel = %q, want %q", frame.Channel, ChannelPublic)
	}
	if frame.Event.Type != event.TypeTask || frame.Event.Sender != "alice" {
		t.Fatalf("event lost in framing: %+v", frame.Event)
	}
}

func TestSendToUserUsesPrivateChannel(t *testing.T) {
	transport := newFakeTransport("usr-7")
	router := NewRouter(transport)

	ev, err := event.New(event.TypeComment, event.ActionLike, map[string]string{"commentId": "cmt-1"}, "bob")
	if err != nil {
		t.Fatalf("event.New() error = %v", err)
	}
	router.SendToUser("usr-7", ev)

	frames := transport.sends["usr-7"]
	if len(frames) != 1 {
		t.Fatalf("sends = %d, want 1", len(frames))
	}
	if frames[0].Channel != "/user/usr-7/queue/messages" {
		t.Fatalf("channel = %q", frames[0].Channel)
	}
	if len(transport.broadcasts) != 0 {
		t.Fatal("private send leaked to broadcast")
	}
}

func TestSendToOfflineUserIsSilentNoOp(t *testing.T) {
	transport := newFakeTransport() // nobody online
	router := NewRouter(transport)

	ev, err := event.New(event.TypeComment, event.ActionLike, map[string]string{"commentId": "cmt-1"}, "bob")
	if err != nil {
		t.Fatalf("event.New() error = %v", err)
	}
	router.SendToUser("usr-gone", ev)

	if len(transport.sends) != 0 || len(transport.broadcasts) != 0 {
		t.Fatalf("offline send produced traffic: sends=%v broadcasts=%v", transport.sends, transport.broadcasts)
	}
}

func TestBroadcastPresenceChanged(t *testing.T) {
	transport := newFakeTransport()
	router := NewRouter(transport)

	router.BroadcastPresenceChanged()

	if len(transport.broadcasts) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(transport.broadcasts))
	}
	frame := transport.broadcasts[0]
	if frame.Channel != ChannelPresence {
		t.Fatalf("channel = %q, want %q", frame.Channel, ChannelPresence)
	}
	if frame.Event.Type != event.TypePresence || len(frame.Event.Data) != 0 {
		t.Fatalf("presence marker = %+v, want payload-free marker", frame.Event)
	}
}

func TestUserChannelFormat(t *testing.T) {
	if got := UserChannel("abc"); got != "/user/abc/queue/messages" {
		t.Fatalf("UserChannel() = %q", got)
	}
}
