// Package notify routes consumed events to connected clients over the
// client transport.
package notify

import (
	"encoding/json"

	"codepad/api/internal/event"
	"codepad/api/internal/logger"
)

// Client delivery channels. Every connected client is subscribed to the
// public and presence channels; the user channel is addressed per user id.
const (
	ChannelPublic   = "/topic/public"
	ChannelPresence = "/topic/online-users"
)

func UserChannel(userID string) string {
	return "/user/" + userID + "/queue/messages"
}

// Frame is what actually goes over the wire to a client: the channel the
// event was routed to plus the event itself.
type Frame struct {
	Channel string      `json:"channel"`
	Event   event.Event `json:"event"`
}

// Transport performs the network sends. The WebSocket hub implements it;
// tests substitute a recorder. Implementations must not hold presence or hub
// locks while writing to sockets.
type Transport interface {
	Broadcast(channel string, payload []byte)
	// SendToUser reports whether the user had at least one live connection.
	SendToUser(userID string, payload []byte) bool
}

// Router fans events out to clients. Delivery is ephemeral: there is no
// mailbox and no retry; a user who is offline simply misses private sends.
type Router struct {
	transport Transport
}

func NewRouter(transport Transport) *Router {
	return &Router{transport: transport}
}

func (r *Router) encode(channel string, ev event.Event) []byte {
	payload, err := json.Marshal(Frame{Channel: channel, Event: ev})
	if err != nil {
		logger.Sugar.Errorw("encode frame", "channel", channel, "error", err)
		return nil
	}
	return payload
}

// BroadcastToAll delivers to every subscribed client on the shared public
// channel, independent of the presence registry.
func (r *Router) BroadcastToAll(ev event.Event) {
	if payload := r.encode(ChannelPublic, ev); payload != nil {
		r.transport.Broadcast(ChannelPublic, payload)
	}
}

// SendToUser delivers on the user's private channel. A user with no live
// connection is a silent no-op.
func (r *Router) SendToUser(userID string, ev event.Event) {
	payload := r.encode(UserChannel(userID), ev)
	if payload == nil {
		return
	}
	if !r.transport.SendToUser(userID, payload) {
		logger.Sugar.Debugw("private send dropped, user offline", "user", userID)
	}
}

// BroadcastPresenceChanged emits the payload-free marker telling clients the
// online list changed. Clients re-fetch; the marker carries no membership.
func (r *Router) BroadcastPresenceChanged() {
	if payload := r.encode(ChannelPresence, event.PresenceChanged()); payload != nil {
		r.transport.Broadcast(ChannelPresence, payload)
	}
}
