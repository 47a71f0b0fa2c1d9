// Package stream relays TCP connections to a fixed remote endpoint, one
// goroutine per accepted connection.
package stream

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/portrelay/internal/event"
	"github.com/matst80/portrelay/internal/obs"
	"github.com/matst80/portrelay/internal/pump"
	"github.com/matst80/portrelay/internal/ratelimit"
	"github.com/matst80/portrelay/internal/sockopt"
)

// Config holds what the manager needs besides the listener.
type Config struct {
	Remote      string // host:port
	DialTimeout time.Duration
	ChunkSize   int
	Sink        event.Sink
	Limiter     *ratelimit.Limiter
}

// Manager accepts inbound connections and pairs each with one outbound
// connection to the remote. There is no cap on concurrent sessions other
// than what the OS allows.
type Manager struct {
	cfg    Config
	dialer net.Dialer
	active atomic.Int64
	wg     sync.WaitGroup
}

func NewManager(cfg Config) *Manager {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = pump.DefaultChunkSize
	}
	if cfg.Sink == nil {
		cfg.Sink = event.LogSink{}
	}
	return &Manager{cfg: cfg, dialer: net.Dialer{Timeout: cfg.DialTimeout}}
}

// Active returns the number of live sessions.
func (m *Manager) Active() int64 { return m.active.Load() }

// Wait blocks until every session goroutine has finished.
func (m *Manager) Wait() { m.wg.Wait() }

// Listen binds addr for Serve.
func (m *Manager) Listen(ctx context.Context, addr string) (net.Listener, error) {
	ln, err := sockopt.Listen(ctx, addr)
	if err != nil {
		return nil, err
	}
	obs.Info("tcp.listen", obs.Fields{"addr": ln.Addr().String(), "remote": m.cfg.Remote})
	return ln, nil
}

// ListenAndServe binds addr and serves it until ctx is cancelled. A bind
// failure is returned immediately.
func (m *Manager) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := m.Listen(ctx, addr)
	if err != nil {
		return err
	}
	return m.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is cancelled or ln is closed. Accept errors
// are logged and the loop keeps going. Serve closes ln on return but does not
// wait for sessions still in flight.
func (m *Manager) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			obs.Error("accept.tcp", obs.Fields{"err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("tcp_accept").Inc()
			// Back off briefly so a persistent failure such as EMFILE does not spin.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		m.wg.Add(1)
		go m.handle(ctx, c)
	}
}

func (m *Manager) handle(ctx context.Context, inbound net.Conn) {
	defer m.wg.Done()
	peer := inbound.RemoteAddr().String()

	if !m.cfg.Limiter.Allow(hostOf(peer)) {
		_ = inbound.Close()
		obs.DroppedTotal.WithLabelValues(string(event.TCP), "rate_limited").Inc()
		m.cfg.Sink.Emit(event.Event{Kind: event.Dropped, Mode: event.TCP, Peer: peer, Active: m.active.Load(), Reason: "rate_limited", Time: time.Now()})
		return
	}

	outbound, err := m.dialer.DialContext(ctx, "tcp", m.cfg.Remote)
	if err != nil {
		_ = inbound.Close()
		obs.DialFailuresTotal.WithLabelValues(string(event.TCP)).Inc()
		m.cfg.Sink.Emit(event.Event{Kind: event.DialFailed, Mode: event.TCP, Peer: peer, Active: m.active.Load(), Reason: err.Error(), Time: time.Now()})
		return
	}

	start := time.Now()
	active := m.active.Add(1)
	obs.TCPActiveSessions.Inc()
	obs.SessionsTotal.WithLabelValues(string(event.TCP)).Inc()
	m.cfg.Sink.Emit(event.Event{Kind: event.Established, Mode: event.TCP, Peer: peer, Active: active, Time: start})

	xfer := pump.Pump(inbound, outbound, m.cfg.ChunkSize)
	_ = inbound.Close()
	_ = outbound.Close()
	res := xfer.Finish()

	active = m.active.Add(-1)
	obs.TCPActiveSessions.Dec()
	obs.BytesTotal.WithLabelValues(string(event.TCP), "in").Add(float64(res.AToB))
	obs.BytesTotal.WithLabelValues(string(event.TCP), "out").Add(float64(res.BToA))
	obs.SessionDuration.WithLabelValues(string(event.TCP)).Observe(time.Since(start).Seconds())
	closed := event.Event{Kind: event.Closed, Mode: event.TCP, Peer: peer, Active: active, BytesIn: res.AToB, BytesOut: res.BToA, Duration: time.Since(start), Time: time.Now()}
	if res.Err != nil {
		closed.Reason = res.Err.Error()
	}
	m.cfg.Sink.Emit(closed)
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
