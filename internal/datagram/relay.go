package datagram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/matst80/portrelay/internal/event"
	"github.com/matst80/portrelay/internal/obs"
	"github.com/matst80/portrelay/internal/ratelimit"
	"github.com/matst80/portrelay/internal/sockopt"
)

const (
	DefaultIdleTimeout = 15 * time.Second
	DefaultMaxSessions = 200
	// MaxDatagramSize fits any UDP payload, so nothing is ever truncated.
	MaxDatagramSize  = 65535
	defaultQueueSize = 1024
)

type Config struct {
	Remote       string // host:port, resolved once when serving starts
	IdleTimeout  time.Duration
	MaxSessions  int
	SocketBuffer int // SO_RCVBUF/SO_SNDBUF for every socket; 0 keeps the OS default
	QueueSize    int // datagrams buffered per direction between readers and the loop
	Sink         event.Sink
	Limiter      *ratelimit.Limiter
}

// packet is one datagram handed from a reader goroutine to the dispatch loop.
// Inbound packets carry from; outbound packets carry sess.
type packet struct {
	from netip.AddrPort
	sess *Session
	buf  *[]byte
	n    int
}

func (p packet) payload() []byte { return (*p.buf)[:p.n] }

// Relay is the connectionless relay. One goroutine, the dispatch loop in
// Serve, owns the session table; reader goroutines only turn blocking reads
// into events for it.
type Relay struct {
	cfg      Config
	remote   *net.UDPAddr
	table    *Table
	now      func() time.Time
	sessions atomic.Int64

	inbound  chan packet
	outbound chan packet
	done     chan struct{}
	bufs     sync.Pool
}

func NewRelay(cfg Config) *Relay {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Sink == nil {
		cfg.Sink = event.LogSink{}
	}
	r := &Relay{
		cfg:      cfg,
		table:    NewTable(cfg.MaxSessions, cfg.IdleTimeout),
		now:      time.Now,
		inbound:  make(chan packet, cfg.QueueSize),
		outbound: make(chan packet, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	r.bufs.New = func() any {
		b := make([]byte, MaxDatagramSize)
		return &b
	}
	return r
}

// Sessions returns the live session count. Safe from any goroutine.
func (r *Relay) Sessions() int64 { return r.sessions.Load() }

// Listen binds addr with the configured socket buffer size.
func (r *Relay) Listen(ctx context.Context, addr string) (*net.UDPConn, error) {
	conn, err := sockopt.ListenUDP(ctx, addr, r.cfg.SocketBuffer)
	if err != nil {
		return nil, err
	}
	obs.Info("udp.listen", obs.Fields{"addr": conn.LocalAddr().String(), "remote": r.cfg.Remote, "idle_timeout": r.cfg.IdleTimeout.String(), "max_sessions": r.cfg.MaxSessions})
	return conn, nil
}

// ListenAndServe binds addr and runs the dispatch loop until ctx is
// cancelled. Bind failures are returned immediately.
func (r *Relay) ListenAndServe(ctx context.Context, addr string) error {
	conn, err := r.Listen(ctx, addr)
	if err != nil {
		return err
	}
	return r.Serve(ctx, conn)
}

// Serve runs the dispatch loop on conn. It returns nil when ctx is cancelled
// and an error when the remote cannot be resolved or conn stops delivering
// datagrams. conn and every session socket are closed on return. Serve may
// only be called once per Relay.
func (r *Relay) Serve(ctx context.Context, conn *net.UDPConn) error {
	defer conn.Close()
	remote, err := net.ResolveUDPAddr("udp", r.cfg.Remote)
	if err != nil {
		return fmt.Errorf("resolve remote %s: %w", r.cfg.Remote, err)
	}
	r.remote = remote

	defer r.shutdown()
	failed := make(chan error, 1)
	go r.readListener(conn, failed)

	timer := time.NewTimer(r.cfg.IdleTimeout)
	defer timer.Stop()
	var in, out []packet
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-failed:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("datagram listener %s: %w", conn.LocalAddr(), err)
		case p := <-r.inbound:
			in = append(in, p)
		case p := <-r.outbound:
			out = append(out, p)
		case <-timer.C:
		}
		in = drain(r.inbound, in)
		out = drain(r.outbound, out)
		r.step(ctx, conn, in, out)
		in, out = in[:0], out[:0]

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(r.cfg.IdleTimeout)
	}
}

// drain takes whatever is already queued on ch without blocking.
func drain(ch chan packet, dst []packet) []packet {
	for n := len(ch); n > 0; n-- {
		dst = append(dst, <-ch)
	}
	return dst
}

// step is one dispatch iteration: client datagrams first, then remote
// responses, then the idle sweep, so a datagram that arrived in this
// iteration refreshes its session before the sweep looks at it.
func (r *Relay) step(ctx context.Context, conn *net.UDPConn, in, out []packet) {
	for _, p := range in {
		r.forwardInbound(ctx, p)
		r.release(p.buf)
	}
	for _, p := range out {
		r.forwardOutbound(conn, p)
		r.release(p.buf)
	}
	r.sweep()
}

func (r *Relay) forwardInbound(ctx context.Context, p packet) {
	sess, ok := r.table.Lookup(p.from)
	if !ok {
		if r.table.Full() {
			obs.DroppedTotal.WithLabelValues(string(event.UDP), "table_full").Inc()
			return
		}
		if !r.cfg.Limiter.Allow(p.from.Addr().Unmap().String()) {
			obs.DroppedTotal.WithLabelValues(string(event.UDP), "rate_limited").Inc()
			r.cfg.Sink.Emit(event.Event{Kind: event.Dropped, Mode: event.UDP, Peer: p.from.String(), Active: r.sessions.Load(), Reason: "rate_limited", Time: r.now()})
			return
		}
		var err error
		if sess, err = r.open(ctx, p.from); err != nil {
			obs.DialFailuresTotal.WithLabelValues(string(event.UDP)).Inc()
			r.cfg.Sink.Emit(event.Event{Kind: event.DialFailed, Mode: event.UDP, Peer: p.from.String(), Active: r.sessions.Load(), Reason: err.Error(), Time: r.now()})
			return
		}
	}
	n, err := sess.conn.Write(p.payload())
	if err != nil {
		obs.Debug("udp.forward.remote", obs.Fields{"peer": p.from.String(), "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("udp_write_remote").Inc()
		return
	}
	sess.touch(r.now())
	sess.bytesIn += int64(n)
	obs.BytesTotal.WithLabelValues(string(event.UDP), "in").Add(float64(n))
}

func (r *Relay) forwardOutbound(conn *net.UDPConn, p packet) {
	sess := p.sess
	if sess.closed {
		// Response raced with eviction; the client mapping is gone.
		obs.DroppedTotal.WithLabelValues(string(event.UDP), "stale_session").Inc()
		return
	}
	n, err := conn.WriteToUDPAddrPort(p.payload(), sess.Client)
	if err != nil {
		obs.Debug("udp.forward.client", obs.Fields{"peer": sess.Client.String(), "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("udp_write_client").Inc()
		return
	}
	sess.touch(r.now())
	sess.bytesOut += int64(n)
	obs.BytesTotal.WithLabelValues(string(event.UDP), "out").Add(float64(n))
}

// open dials a dedicated socket for client and registers the session.
func (r *Relay) open(ctx context.Context, client netip.AddrPort) (*Session, error) {
	c, err := sockopt.DialUDP(ctx, r.remote, r.cfg.SocketBuffer)
	if err != nil {
		return nil, err
	}
	now := r.now()
	sess := &Session{Client: client, Created: now, conn: c, lastActivity: now}
	if err := r.table.Insert(sess); err != nil {
		_ = c.Close()
		return nil, err
	}
	r.setCount()
	obs.SessionsTotal.WithLabelValues(string(event.UDP)).Inc()
	go r.readSession(sess)
	r.cfg.Sink.Emit(event.Event{Kind: event.Established, Mode: event.UDP, Peer: client.String(), Active: r.sessions.Load(), Time: now})
	return sess, nil
}

func (r *Relay) sweep() {
	now := r.now()
	evicted := r.table.Sweep(now)
	active := int64(r.table.Len() + len(evicted))
	for _, s := range evicted {
		active--
		obs.EvictionsTotal.Inc()
		r.emitClosed(s, now, active, "idle")
	}
	r.setCount()
}

func (r *Relay) shutdown() {
	close(r.done)
	now := r.now()
	all := r.table.CloseAll()
	active := int64(len(all))
	for _, s := range all {
		active--
		r.emitClosed(s, now, active, "shutdown")
	}
	r.setCount()
}

func (r *Relay) emitClosed(s *Session, now time.Time, active int64, reason string) {
	obs.SessionDuration.WithLabelValues(string(event.UDP)).Observe(now.Sub(s.Created).Seconds())
	r.cfg.Sink.Emit(event.Event{
		Kind:     event.Closed,
		Mode:     event.UDP,
		Peer:     s.Client.String(),
		Active:   active,
		BytesIn:  s.bytesIn,
		BytesOut: s.bytesOut,
		Duration: now.Sub(s.Created),
		Reason:   reason,
		Time:     now,
	})
}

func (r *Relay) setCount() {
	n := int64(r.table.Len())
	r.sessions.Store(n)
	obs.UDPSessions.Set(float64(n))
}

func (r *Relay) acquire() *[]byte { return r.bufs.Get().(*[]byte) }
func (r *Relay) release(b *[]byte) { r.bufs.Put(b) }

// readListener feeds client datagrams to the loop. Any read error ends it and
// is reported on failed.
func (r *Relay) readListener(conn *net.UDPConn, failed chan<- error) {
	for {
		buf := r.acquire()
		n, from, err := conn.ReadFromUDPAddrPort(*buf)
		if err != nil {
			r.release(buf)
			failed <- err
			return
		}
		select {
		case r.inbound <- packet{from: from, buf: buf, n: n}:
		case <-r.done:
			r.release(buf)
			return
		}
	}
}

// readSession feeds remote responses for one session to the loop until the
// session socket is closed.
func (r *Relay) readSession(sess *Session) {
	for {
		buf := r.acquire()
		n, err := sess.conn.Read(*buf)
		if err != nil {
			r.release(buf)
			if errors.Is(err, syscall.ECONNREFUSED) {
				// ICMP port unreachable from the remote; the session stays
				// until it idles out.
				obs.Debug("udp.remote.refused", obs.Fields{"peer": sess.Client.String()})
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				obs.Debug("udp.session.read", obs.Fields{"peer": sess.Client.String(), "err": err.Error()})
				obs.ErrorsTotal.WithLabelValues("udp_read_remote").Inc()
			}
			return
		}
		select {
		case r.outbound <- packet{sess: sess, buf: buf, n: n}:
		case <-r.done:
			r.release(buf)
			return
		}
	}
}
