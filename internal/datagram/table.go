// Package datagram relays UDP traffic for many clients over one listening
// socket, keeping a NAT-style table of per-client sessions.
package datagram

import (
	"container/list"
	"errors"
	"net"
	"net/netip"
	"time"
)

var (
	ErrTableFull     = errors.New("datagram: session table full")
	ErrSessionExists = errors.New("datagram: session already exists")
)

// Session is the relay state for one client source address. Apart from conn,
// which its reader goroutine also uses, it is owned by the dispatch loop.
type Session struct {
	Client  netip.AddrPort
	Created time.Time

	conn         *net.UDPConn // connected to the remote endpoint
	lastActivity time.Time
	bytesIn      int64 // client -> remote
	bytesOut     int64 // remote -> client
	closed       bool
}

// LastActivity is the time of the last successful forward in either direction.
func (s *Session) LastActivity() time.Time { return s.lastActivity }

// touch records activity; the timestamp never moves backwards.
func (s *Session) touch(now time.Time) {
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
}

func (s *Session) close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// Table holds at most capacity sessions keyed by full client address. Entries
// keep insertion order; removal never reorders the survivors.
type Table struct {
	capacity int
	idle     time.Duration
	order    *list.List
	index    map[netip.AddrPort]*list.Element
}

func NewTable(capacity int, idle time.Duration) *Table {
	return &Table{
		capacity: capacity,
		idle:     idle,
		order:    list.New(),
		index:    make(map[netip.AddrPort]*list.Element),
	}
}

func (t *Table) Len() int   { return len(t.index) }
func (t *Table) Cap() int   { return t.capacity }
func (t *Table) Full() bool { return len(t.index) >= t.capacity }

// Lookup finds the session for the exact client address (IP and port).
func (t *Table) Lookup(client netip.AddrPort) (*Session, bool) {
	el, ok := t.index[client]
	if !ok {
		return nil, false
	}
	return el.Value.(*Session), true
}

// Insert appends s. It fails when the table is full or s.Client is present.
func (t *Table) Insert(s *Session) error {
	if _, ok := t.index[s.Client]; ok {
		return ErrSessionExists
	}
	if t.Full() {
		return ErrTableFull
	}
	t.index[s.Client] = t.order.PushBack(s)
	return nil
}

// Remove closes and removes the session for client.
func (t *Table) Remove(client netip.AddrPort) (*Session, bool) {
	el, ok := t.index[client]
	if !ok {
		return nil, false
	}
	delete(t.index, client)
	s := t.order.Remove(el).(*Session)
	s.close()
	return s, true
}

// Expired reports whether s has been silent for longer than the idle timeout.
func (t *Table) Expired(s *Session, now time.Time) bool {
	return now.Sub(s.lastActivity) > t.idle
}

// Sweep closes and removes every expired session and returns them in table
// order.
func (t *Table) Sweep(now time.Time) []*Session {
	var evicted []*Session
	for el := t.order.Front(); el != nil; {
		next := el.Next()
		s := el.Value.(*Session)
		if t.Expired(s, now) {
			delete(t.index, s.Client)
			t.order.Remove(el)
			s.close()
			evicted = append(evicted, s)
		}
		el = next
	}
	return evicted
}

// Sessions returns the live sessions in table order.
func (t *Table) Sessions() []*Session {
	out := make([]*Session, 0, len(t.index))
	for el := t.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Session))
	}
	return out
}

// CloseAll closes and removes every session, returning them in table order.
func (t *Table) CloseAll() []*Session {
	all := t.Sessions()
	for _, s := range all {
		s.close()
	}
	t.order.Init()
	clear(t.index)
	return all
}
