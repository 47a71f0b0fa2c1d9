// Package supervisor starts the relays selected by the configuration and
// keeps them running until the context is cancelled or one of them fails.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/matst80/portrelay/internal/config"
	"github.com/matst80/portrelay/internal/datagram"
	"github.com/matst80/portrelay/internal/event"
	"github.com/matst80/portrelay/internal/obs"
	"github.com/matst80/portrelay/internal/ratelimit"
	"github.com/matst80/portrelay/internal/stream"
)

// Supervisor owns one stream manager and one datagram relay, either of which
// may be absent depending on the mode.
type Supervisor struct {
	cfg     config.Config
	limiter *ratelimit.Limiter
	totals  *totals
	sink    event.Sink
	tcp     *stream.Manager
	udp     *datagram.Relay
	started time.Time

	mu      sync.Mutex
	tcpAddr net.Addr
	udpAddr net.Addr
	ready   atomic.Bool
}

func New(cfg config.Config, sink event.Sink) *Supervisor {
	if sink == nil {
		sink = event.LogSink{}
	}
	s := &Supervisor{
		cfg:     cfg,
		limiter: ratelimit.NewLimiter(cfg.RateLimit, cfg.SourceRateLimit, cfg.RateBurst),
		totals:  &totals{},
	}
	s.sink = event.Multi{s.totals, sink}
	if cfg.RunsTCP() {
		s.tcp = stream.NewManager(stream.Config{
			Remote:      cfg.RemoteAddr(),
			DialTimeout: cfg.DialTimeout,
			ChunkSize:   cfg.ChunkSize,
			Sink:        s.sink,
			Limiter:     s.limiter,
		})
	}
	if cfg.RunsUDP() {
		s.udp = datagram.NewRelay(datagram.Config{
			Remote:       cfg.RemoteAddr(),
			IdleTimeout:  cfg.Idle(),
			MaxSessions:  cfg.MaxSessions,
			SocketBuffer: cfg.SocketBuffer,
			Sink:         s.sink,
			Limiter:      s.limiter,
		})
	}
	return s
}

// Run is New followed by Supervisor.Run.
func Run(ctx context.Context, cfg config.Config, sink event.Sink) error {
	return New(cfg, sink).Run(ctx)
}

// Run binds every selected listener, then serves until ctx is cancelled or a
// relay fails. Bind errors are returned before anything is served. A failure
// in one relay stops the other.
func (s *Supervisor) Run(ctx context.Context) error {
	var tcpLn net.Listener
	var udpConn *net.UDPConn
	if s.tcp != nil {
		ln, err := s.tcp.Listen(ctx, s.cfg.ListenAddr())
		if err != nil {
			return fmt.Errorf("tcp relay: %w", err)
		}
		tcpLn = ln
	}
	if s.udp != nil {
		conn, err := s.udp.Listen(ctx, s.cfg.ListenAddr())
		if err != nil {
			if tcpLn != nil {
				_ = tcpLn.Close()
			}
			return fmt.Errorf("udp relay: %w", err)
		}
		udpConn = conn
	}

	s.mu.Lock()
	s.started = time.Now()
	if tcpLn != nil {
		s.tcpAddr = tcpLn.Addr()
	}
	if udpConn != nil {
		s.udpAddr = udpConn.LocalAddr()
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	if tcpLn != nil {
		g.Go(func() error {
			if err := s.tcp.Serve(gctx, tcpLn); err != nil {
				return fmt.Errorf("tcp relay: %w", err)
			}
			return nil
		})
	}
	if udpConn != nil {
		g.Go(func() error {
			if err := s.udp.Serve(gctx, udpConn); err != nil {
				return fmt.Errorf("udp relay: %w", err)
			}
			return nil
		})
	}
	if s.limiter != nil {
		g.Go(func() error {
			s.runCleanupLoop(gctx)
			return nil
		})
	}

	s.ready.Store(true)
	obs.Info("relay.ready", obs.Fields{"mode": modeName(s.cfg.Mode), "remote": s.cfg.RemoteAddr()})
	err := g.Wait()
	s.ready.Store(false)
	if err != nil {
		obs.Error("relay.failed", obs.Fields{"err": err.Error()})
		return err
	}
	obs.Info("relay.stopped", obs.Fields{})
	return nil
}

// runCleanupLoop drops rate limiter state for sources that have gone quiet.
func (s *Supervisor) runCleanupLoop(ctx context.Context) {
	interval := s.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.limiter.Prune(interval); n > 0 {
				obs.Debug("ratelimit.prune", obs.Fields{"removed": n, "remaining": s.limiter.Sources()})
			}
		}
	}
}

// Ready reports whether every selected listener is bound and serving.
func (s *Supervisor) Ready() bool { return s.ready.Load() }

// Addrs returns the bound listener addresses; nil until Run has bound them or
// when the mode is not selected.
func (s *Supervisor) Addrs() (tcp, udp net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcpAddr, s.udpAddr
}

func modeName(m string) string {
	if m == config.ModeBoth {
		return "both"
	}
	return m
}

// totals counts lifecycle events for the stats endpoints.
type totals struct {
	tcpSessions atomic.Int64
	udpSessions atomic.Int64
	dialFailed  atomic.Int64
	dropped     atomic.Int64
	evicted     atomic.Int64
	bytesIn     atomic.Int64
	bytesOut    atomic.Int64
}

func (t *totals) Emit(e event.Event) {
	switch e.Kind {
	case event.Established:
		if e.Mode == event.TCP {
			t.tcpSessions.Add(1)
		} else {
			t.udpSessions.Add(1)
		}
	case event.Closed:
		t.bytesIn.Add(e.BytesIn)
		t.bytesOut.Add(e.BytesOut)
		if e.Reason == "idle" {
			t.evicted.Add(1)
		}
	case event.DialFailed:
		t.dialFailed.Add(1)
	case event.Dropped:
		t.dropped.Add(1)
	}
}
