// Package notify delivers real-time events to connected users. Delivery is best-effort:
// a user with no open channel, or a channel that cannot keep up, simply misses the event.
package notify

import (
	"encoding/json"
	"time"
)

// Event names pushed to clients.
const (
	EventNewMission     = "newMission"
	EventMissionUpdate  = "missionUpdate"
	EventLocationUpdate = "locationUpdate"
	EventListingClaimed = "listingClaimed"
	EventNewMessage     = "newMessage"
)

// Channel is one open connection for a user. Deliver must not block.
type Channel interface {
	Deliver(msg []byte) bool
}

// Registry maps users to their open channels and fans events out to them.
type Registry interface {
	Register(userID string, ch Channel)
	Unregister(ch Channel)
	Send(userID, event string, payload any)
}

// Message is the wire envelope written to channels.
type Message struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	SentAt  string `json:"sent_at"`
}

func encode(event string, payload any) ([]byte, error) {
	return json.Marshal(Message{Event: event, Payload: payload, SentAt: time.Now().UTC().Format(time.RFC3339)})
}

// Nop discards everything.
type Nop struct{}

func (Nop) Register(string, Channel) {}
func (Nop) Unregister(Channel)       {}
func (Nop) Send(string, string, any) {}

// Buffered is an in-memory channel, handy for tests and in-process consumers.
type Buffered chan []byte

func (b Buffered) Deliver(msg []byte) bool {
	select {
	case b <- msg:
		return true
	default:
		return false
	}
}
