// Package event carries session lifecycle events from the relay core to
// whatever records them.
package event

import (
	"sync"
	"time"

	"github.com/matst80/portrelay/internal/obs"
)

type Kind string

const (
	Established Kind = "established"
	Closed      Kind = "closed"
	DialFailed  Kind = "dial_failed"
	Dropped     Kind = "dropped"
)

type Mode string

const (
	TCP Mode = "tcp"
	UDP Mode = "udp"
)

// Event is one lifecycle transition. Active is the live session count for
// Mode right after the transition.
type Event struct {
	Kind     Kind          `json:"kind"`
	Mode     Mode          `json:"mode"`
	Peer     string        `json:"peer"`
	Active   int64         `json:"active"`
	BytesIn  int64         `json:"bytes_in,omitempty"`  // client -> remote
	BytesOut int64         `json:"bytes_out,omitempty"` // remote -> client
	Duration time.Duration `json:"duration,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Time     time.Time     `json:"time"`
}

// Sink receives events. Emit is called from the relay hot path and must not
// block for long.
type Sink interface {
	Emit(Event)
}

// LogSink writes events as structured log lines.
type LogSink struct{}

func (LogSink) Emit(e Event) {
	f := obs.Fields{"mode": string(e.Mode), "peer": e.Peer, "active": e.Active}
	switch e.Kind {
	case Established:
		obs.Info("session.established", f)
	case Closed:
		f["bytes_in"] = e.BytesIn
		f["bytes_out"] = e.BytesOut
		f["duration"] = e.Duration.String()
		if e.Reason != "" {
			f["reason"] = e.Reason
		}
		obs.Info("session.closed", f)
	case DialFailed:
		f["err"] = e.Reason
		obs.Error("session.dial_failed", f)
	case Dropped:
		f["reason"] = e.Reason
		if e.Reason == "rate_limited" {
			obs.Warn("session.rate_limited", f)
			return
		}
		obs.Debug("session.dropped", f)
	}
}

// Multi fans an event out to several sinks in order.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many recorded events match kind and mode.
func (r *Recorder) Count(kind Kind, mode Mode) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind && e.Mode == mode {
			n++
		}
	}
	return n
}
