package datagram

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/matst80/portrelay/internal/event"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// startEcho runs a remote that answers every datagram with reply(payload)
// and reports the source address it saw.
func startEcho(t *testing.T, reply func([]byte) []byte) (string, <-chan netip.AddrPort) {
	t.Helper()
	c := listenLoopback(t)
	seen := make(chan netip.AddrPort, 64)
	go func() {
		buf := make([]byte, MaxDatagramSize)
		for {
			n, from, err := c.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			select {
			case seen <- from:
			default:
			}
			_, _ = c.WriteToUDPAddrPort(reply(buf[:n]), from)
		}
	}()
	return c.LocalAddr().String(), seen
}

func echo(b []byte) []byte { return b }

// startRelay serves a Relay on an ephemeral loopback port.
func startRelay(t *testing.T, cfg Config) (*Relay, netip.AddrPort) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen relay: %v", err)
	}
	r := NewRelay(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, conn) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	})
	return r, conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// exchange sends msg from c to the relay and returns the reply and its source.
func exchange(t *testing.T, c *net.UDPConn, relay netip.AddrPort, msg string) (string, netip.AddrPort) {
	t.Helper()
	if _, err := c.WriteToUDPAddrPort([]byte(msg), relay); err != nil {
		t.Fatalf("client write: %v", err)
	}
	buf := make([]byte, MaxDatagramSize)
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := c.ReadFromUDPAddrPort(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	return string(buf[:n]), from
}

func TestRelay_HelloWorld(t *testing.T) {
	remote, seen := startEcho(t, func([]byte) []byte { return []byte("world") })
	rec := &event.Recorder{}
	r, relay := startRelay(t, Config{Remote: remote, Sink: rec})

	client := listenLoopback(t)
	got, from := exchange(t, client, relay, "hello")
	if got != "world" {
		t.Fatalf("expected world, got %q", got)
	}
	if from.Port() != relay.Port() {
		t.Errorf("reply came from %s, want the relay port %d", from, relay.Port())
	}
	src := <-seen
	clientPort := client.LocalAddr().(*net.UDPAddr).AddrPort().Port()
	if src.Port() == clientPort || src.Port() == relay.Port() {
		t.Errorf("remote saw %s, expected a relay-owned session port", src)
	}
	if r.Sessions() != 1 {
		t.Errorf("expected 1 session, got %d", r.Sessions())
	}
	if rec.Count(event.Established, event.UDP) != 1 {
		t.Errorf("expected one established event, got %d", rec.Count(event.Established, event.UDP))
	}
}

func TestRelay_SameClientReusesSession(t *testing.T) {
	remote, seen := startEcho(t, echo)
	rec := &event.Recorder{}
	r, relay := startRelay(t, Config{Remote: remote, Sink: rec})

	client := listenLoopback(t)
	for _, msg := range []string{"one", "two", "three"} {
		if got, _ := exchange(t, client, relay, msg); got != msg {
			t.Fatalf("expected %q, got %q", msg, got)
		}
	}
	first := <-seen
	for i := 0; i < 2; i++ {
		if src := <-seen; src != first {
			t.Errorf("remote saw %s, expected every datagram from %s", src, first)
		}
	}
	if r.Sessions() != 1 || rec.Count(event.Established, event.UDP) != 1 {
		t.Errorf("expected a single session, got %d sessions and %d established events", r.Sessions(), rec.Count(event.Established, event.UDP))
	}
}

func TestRelay_DistinctClientsRouteSeparately(t *testing.T) {
	remote, _ := startEcho(t, echo)
	r, relay := startRelay(t, Config{Remote: remote, Sink: &event.Recorder{}})

	a := listenLoopback(t)
	b := listenLoopback(t)
	if got, _ := exchange(t, a, relay, "from-a"); got != "from-a" {
		t.Fatalf("client a got %q", got)
	}
	if got, _ := exchange(t, b, relay, "from-b"); got != "from-b" {
		t.Fatalf("client b got %q", got)
	}
	if got, _ := exchange(t, a, relay, "again-a"); got != "again-a" {
		t.Fatalf("client a got %q", got)
	}
	if r.Sessions() != 2 {
		t.Errorf("expected 2 sessions, got %d", r.Sessions())
	}
}

func TestRelay_FullTableDropsNewClients(t *testing.T) {
	remote, _ := startEcho(t, echo)
	r, relay := startRelay(t, Config{Remote: remote, MaxSessions: 1, Sink: &event.Recorder{}})

	a := listenLoopback(t)
	if got, _ := exchange(t, a, relay, "first"); got != "first" {
		t.Fatalf("client a got %q", got)
	}

	b := listenLoopback(t)
	if _, err := b.WriteToUDPAddrPort([]byte("dropped"), relay); err != nil {
		t.Fatalf("client b write: %v", err)
	}
	_ = b.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if n, _, err := b.ReadFromUDPAddrPort(make([]byte, 64)); err == nil {
		t.Fatalf("expected no reply for a client over capacity, got %d bytes", n)
	}
	if r.Sessions() != 1 {
		t.Errorf("expected 1 session, got %d", r.Sessions())
	}

	// The existing session is untouched.
	if got, _ := exchange(t, a, relay, "still-here"); got != "still-here" {
		t.Fatalf("client a got %q", got)
	}
}

func TestRelay_IdleEvictionThenFreshSession(t *testing.T) {
	remote, _ := startEcho(t, echo)
	rec := &event.Recorder{}
	r, relay := startRelay(t, Config{Remote: remote, IdleTimeout: 150 * time.Millisecond, Sink: rec})

	client := listenLoopback(t)
	if got, _ := exchange(t, client, relay, "x"); got != "x" {
		t.Fatalf("got %q", got)
	}
	waitFor(t, "idle eviction", func() bool { return rec.Count(event.Closed, event.UDP) == 1 })
	if r.Sessions() != 0 {
		t.Errorf("expected 0 sessions after eviction, got %d", r.Sessions())
	}
	for _, e := range rec.Events() {
		if e.Kind == event.Closed && (e.Reason != "idle" || e.Active != 0 || e.BytesIn != 1 || e.BytesOut != 1) {
			t.Errorf("unexpected closed event: %+v", e)
		}
	}

	if got, _ := exchange(t, client, relay, "y"); got != "y" {
		t.Fatalf("got %q after eviction", got)
	}
	if n := rec.Count(event.Established, event.UDP); n != 2 {
		t.Errorf("expected a fresh session after eviction, got %d established events", n)
	}
}

func TestRelay_TrafficKeepsSessionAlive(t *testing.T) {
	remote, _ := startEcho(t, echo)
	rec := &event.Recorder{}
	_, relay := startRelay(t, Config{Remote: remote, IdleTimeout: 400 * time.Millisecond, Sink: rec})

	client := listenLoopback(t)
	for i := 0; i < 8; i++ {
		if got, _ := exchange(t, client, relay, "tick"); got != "tick" {
			t.Fatalf("got %q", got)
		}
		time.Sleep(80 * time.Millisecond)
	}
	if n := rec.Count(event.Closed, event.UDP); n != 0 {
		t.Errorf("expected the active session to survive, got %d closed events", n)
	}
	if n := rec.Count(event.Established, event.UDP); n != 1 {
		t.Errorf("expected 1 established event, got %d", n)
	}
}

func TestRelay_CancelClosesSessions(t *testing.T) {
	remote, _ := startEcho(t, echo)
	conn := listenLoopback(t)
	relay := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	rec := &event.Recorder{}
	r := NewRelay(Config{Remote: remote, Sink: rec})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, conn) }()

	a := listenLoopback(t)
	b := listenLoopback(t)
	exchange(t, a, relay, "a")
	exchange(t, b, relay, "b")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if r.Sessions() != 0 {
		t.Errorf("expected 0 sessions after shutdown, got %d", r.Sessions())
	}
	var last event.Event
	for _, e := range rec.Events() {
		if e.Kind == event.Closed {
			if e.Reason != "shutdown" {
				t.Errorf("unexpected closed reason %q", e.Reason)
			}
			last = e
		}
	}
	if rec.Count(event.Closed, event.UDP) != 2 || last.Active != 0 {
		t.Errorf("expected two shutdown events ending at 0 active, last=%+v", last)
	}
}

func TestRelay_ListenerFailureIsFatal(t *testing.T) {
	remote, _ := startEcho(t, echo)
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	r := NewRelay(Config{Remote: remote, Sink: &event.Recorder{}})
	done := make(chan error, 1)
	go func() { done <- r.Serve(context.Background(), conn) }()

	time.Sleep(20 * time.Millisecond)
	_ = conn.Close()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error once the listening socket fails")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after the listener was closed")
	}
}

func TestRelay_UnresolvableRemote(t *testing.T) {
	conn := listenLoopback(t)
	r := NewRelay(Config{Remote: "not a host:port", Sink: &event.Recorder{}})
	if err := r.Serve(context.Background(), conn); err == nil {
		t.Fatal("expected a resolve error")
	}
}

func TestRelay_ListenAndServeBindFailure(t *testing.T) {
	taken := listenLoopback(t)
	r := NewRelay(Config{Remote: "127.0.0.1:9", Sink: &event.Recorder{}})
	if err := r.ListenAndServe(context.Background(), taken.LocalAddr().String()); err == nil {
		t.Fatal("expected a bind error for a port in use")
	}
}

func TestRelay_ListenThenServe(t *testing.T) {
	remote, _ := startEcho(t, echo)
	r := NewRelay(Config{Remote: remote, Sink: &event.Recorder{}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := r.Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	relay := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	if relay.Port() == 0 {
		t.Fatalf("expected a bound port, got %s", relay)
	}
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, conn) }()

	if got, _ := exchange(t, listenLoopback(t), relay, "hi"); got != "hi" {
		t.Fatalf("expected hi, got %q", got)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve() error = %v", err)
	}
}

// The dispatch step forwards before it sweeps, so a datagram arriving exactly
// at the idle deadline keeps its session.
func TestRelay_StepForwardsBeforeSweep(t *testing.T) {
	remote, _ := startEcho(t, echo)
	conn := listenLoopback(t)
	idle := time.Minute
	r := NewRelay(Config{Remote: remote, IdleTimeout: idle, Sink: &event.Recorder{}})
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	r.remote = raddr
	defer r.shutdown()

	now := t0
	r.now = func() time.Time { return now }
	client := netip.MustParseAddrPort("127.0.0.1:40000")
	inbound := func() []packet {
		buf := r.acquire()
		n := copy(*buf, "ping")
		return []packet{{from: client, buf: buf, n: n}}
	}

	r.step(context.Background(), conn, inbound(), nil)
	if r.table.Len() != 1 {
		t.Fatalf("expected a session after the first datagram, got %d", r.table.Len())
	}

	now = t0.Add(idle)
	r.step(context.Background(), conn, inbound(), nil)
	if r.table.Len() != 1 {
		t.Fatal("session swept despite a datagram in the same iteration")
	}

	now = now.Add(idle)
	r.step(context.Background(), conn, nil, nil)
	if r.table.Len() != 1 {
		t.Fatal("session swept after exactly the idle timeout")
	}

	now = now.Add(time.Nanosecond)
	r.step(context.Background(), conn, nil, nil)
	if r.table.Len() != 0 {
		t.Fatalf("expected eviction after a silent idle period, got %d sessions", r.table.Len())
	}
}
