// Package presence maintains a live membership view over a realtime channel.
// A Client owns exactly one channel at a time, announces the local member on
// every successful join, and keeps a merged cache of who is online. The
// watchdog is the only component that recreates a dead channel.
package presence

import (
	"context"
	"time"
)

// ConnectionStatus is the lifecycle state of the client's channel.
type ConnectionStatus string

const (
	// StatusDisconnected means no channel exists and none is being opened.
	StatusDisconnected ConnectionStatus = "disconnected"
	// StatusConnecting means a channel open or join is in flight.
	StatusConnecting ConnectionStatus = "connecting"
	// StatusConnected means the join was acknowledged.
	StatusConnected ConnectionStatus = "connected"
	// StatusError means the last channel died with an error. Distinct from
	// StatusDisconnected so observers can tell a failure from a clean close.
	StatusError ConnectionStatus = "error"
)

// Entry is one tracked member of the channel.
type Entry struct {
	Key      string    `json:"key"`
	OnlineAt time.Time `json:"online_at"`
}

// State maps member keys to their tracked entries.
type State map[string][]Entry

// clone returns a deep copy so callers can hold snapshots safely.
func (s State) clone() State {
	out := make(State, len(s))
	for k, entries := range s {
		cp := make([]Entry, len(entries))
		copy(cp, entries)
		out[k] = cp
	}
	return out
}

// TrackPayload is the document announced for the local member.
type TrackPayload struct {
	Key      string    `json:"key"`
	OnlineAt time.Time `json:"online_at"`
}

// EventType classifies channel events delivered to the client.
type EventType string

const (
	// EventJoined acknowledges the channel join.
	EventJoined EventType = "joined"
	// EventState carries the full authoritative membership snapshot.
	EventState EventType = "state"
	// EventJoin carries entries for a member that came online.
	EventJoin EventType = "join"
	// EventLeave carries entries for a member that went offline.
	EventLeave EventType = "leave"
)

// Event is one message from a live channel. The Events stream closing, with
// or without a preceding error via Err on the channel, signals channel death.
type Event struct {
	Type    EventType
	Key     string
	Entries []Entry
	State   State
}

// Channel is one live realtime channel. Implementations close the Events
// stream exactly once, when the channel dies for any reason.
type Channel interface {
	// Track announces the local member. Safe to call repeatedly.
	Track(ctx context.Context, payload TrackPayload) error
	// Untrack withdraws the local member's announcement.
	Untrack(ctx context.Context) error
	// Events returns the event stream for this channel.
	Events() <-chan Event
	// Err reports why the Events stream closed, nil for a clean close.
	Err() error
	// Close tears the channel down. Idempotent.
	Close() error
}

// Transport opens channels against the realtime service.
type Transport interface {
	Open(ctx context.Context, topic string) (Channel, error)
}

// Connectivity reports whether the network is believed reachable. The
// watchdog skips recreation attempts while offline.
type Connectivity interface {
	Online() bool
}

// Visibility reports whether the owning surface is in the foreground. The
// watchdog skips recreation attempts while hidden.
type Visibility interface {
	Visible() bool
}

// AlwaysOnline is the Connectivity default for server-side use.
type AlwaysOnline struct{}

func (AlwaysOnline) Online() bool { return true }

// AlwaysVisible is the Visibility default for server-side use.
type AlwaysVisible struct{}

func (AlwaysVisible) Visible() bool { return true }
