// Package event defines the wire schema shared by the bus producer, the bus
// consumer and the notification router.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

type Type string

const (
	TypeTask     Type = "task"
	TypeComment  Type = "comment"
	TypePresence Type = "presence"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionLike   Action = "like"
)

// Event is a domain notification. Created at publish time, immutable after,
// delivered at-least-once. Data is opaque to everything between producer and
// client; consumers must not rewrite it.
type Event struct {
	Type         Type            `json:"type"`
	Action       Action          `json:"action"`
	Data         json.RawMessage `json:"data,omitempty"`
	Sender       string          `json:"sender,omitempty"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// New builds an event with the payload marshaled and the timestamp set.
func New(typ Type, action Action, data any, sender string) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event data: %w", err)
	}
	return Event{
		Type:      typ,
		Action:    action,
		Data:      raw,
		Sender:    sender,
		Timestamp: time.Now().UTC(),
	}, nil
}

// PresenceChanged is the payload-free marker broadcast whenever the online
// set changes. Clients re-fetch the list; the event carries no membership.
func PresenceChanged() Event {
	return Event{
		Type:      TypePresence,
		Action:    ActionUpdate,
		Timestamp: time.Now().UTC(),
	}
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func Decode(raw []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}

func validActions(typ Type) map[Action]struct{} {
	switch typ {
	case TypeTask:
		return map[Action]struct{}{ActionCreate: {}, ActionUpdate: {}, ActionDelete: {}}
	case TypeComment:
		return map[Action]struct{}{ActionCreate: {}, ActionUpdate: {}, ActionDelete: {}, ActionLike: {}}
	case TypePresence:
		return map[Action]struct{}{ActionUpdate: {}}
	default:
		return nil
	}
}

// Known reports whether the (type, action) pair is one the consumer
// dispatches. Unknown pairs are logged and dropped, never fatal.
func Known(typ Type, action Action) bool {
	actions := validActions(typ)
	if actions == nil {
		return false
	}
	_, ok := actions[action]
	return ok
}
