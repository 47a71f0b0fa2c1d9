package supervisor

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/matst80/portrelay/internal/config"
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

// startEchoPair runs a TCP and a UDP echo server on the same loopback port.
func startEchoPair(t *testing.T) int {
	t.Helper()
	for attempt := 0; attempt < 10; attempt++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen tcp: %v", err)
		}
		port := ln.Addr().(*net.TCPAddr).Port
		pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
		if err != nil {
			_ = ln.Close()
			continue
		}
		t.Cleanup(func() { _ = ln.Close(); _ = pc.Close() })
		go func() {
			for {
				c, err := ln.Accept()
				if err != nil {
					return
				}
				go func() { defer c.Close(); _, _ = io.Copy(c, c) }()
			}
		}()
		go func() {
			buf := make([]byte, 2048)
			for {
				n, from, err := pc.ReadFromUDPAddrPort(buf)
				if err != nil {
					return
				}
				_, _ = pc.WriteToUDPAddrPort(buf[:n], from)
			}
		}()
		return port
	}
	t.Skip("could not find a port free for both tcp and udp")
	return 0
}

func testConfig(mode string, remotePort int) config.Config {
	cfg := config.Default()
	cfg.Mode = mode
	cfg.ListenHost = "127.0.0.1"
	cfg.RemoteHost = "127.0.0.1"
	cfg.RemotePort = remotePort
	return cfg
}

func start(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	waitFor(t, "supervisor ready", s.Ready)
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
}

func tcpRoundTrip(t *testing.T, addr net.Addr, msg string) {
	t.Helper()
	c, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial tcp relay: %v", err)
	}
	defer c.Close()
	if _, err := c.Write([]byte(msg)); err != nil {
		t.Fatalf("tcp write: %v", err)
	}
	got := make([]byte, len(msg))
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(c, got); err != nil || string(got) != msg {
		t.Fatalf("tcp echo %q, %v", got, err)
	}
}

func udpRoundTrip(t *testing.T, addr net.Addr, msg string) {
	t.Helper()
	c, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatalf("dial udp relay: %v", err)
	}
	defer c.Close()
	if _, err := c.Write([]byte(msg)); err != nil {
		t.Fatalf("udp write: %v", err)
	}
	got := make([]byte, 2048)
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := c.Read(got)
	if err != nil || string(got[:n]) != msg {
		t.Fatalf("udp echo %q, %v", got[:n], err)
	}
}

func TestSupervisor_BothModes(t *testing.T) {
	port := startEchoPair(t)
	rec := &event.Recorder{}
	s := New(testConfig(config.ModeBoth, port), rec)
	start(t, s)

	tcpAddr, udpAddr := s.Addrs()
	if tcpAddr == nil || udpAddr == nil {
		t.Fatalf("expected both listeners, got tcp=%v udp=%v", tcpAddr, udpAddr)
	}
	tcpRoundTrip(t, tcpAddr, "over tcp")
	udpRoundTrip(t, udpAddr, "over udp")

	waitFor(t, "tcp session closed", func() bool { return rec.Count(event.Closed, event.TCP) == 1 })
	st := s.Stats()
	if st.Mode != "both" || !st.Ready {
		t.Errorf("unexpected stats header: %+v", st)
	}
	if st.TCPTotal != 1 || st.UDPTotal != 1 || st.UDPSessions != 1 || st.TCPActive != 0 {
		t.Errorf("unexpected counters: %+v", st)
	}
	if st.BytesIn != int64(len("over tcp")) {
		t.Errorf("bytes in = %d", st.BytesIn)
	}
	if st.UDPCapacity != 200 {
		t.Errorf("udp capacity = %d", st.UDPCapacity)
	}
	if m := st.Map(); m["udp_sessions"] != int64(1) || m["ready"] != "true" {
		t.Errorf("unexpected stats map: %v", m)
	}
}

func TestSupervisor_SingleMode(t *testing.T) {
	port := startEchoPair(t)
	s := New(testConfig(config.ModeUDP, port), &event.Recorder{})
	start(t, s)

	tcpAddr, udpAddr := s.Addrs()
	if tcpAddr != nil {
		t.Errorf("tcp listener started in udp mode: %v", tcpAddr)
	}
	udpRoundTrip(t, udpAddr, "only udp")
	if st := s.Stats(); st.Mode != config.ModeUDP || st.TCPListen != "" {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestSupervisor_BindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer taken.Close()

	cfg := testConfig(config.ModeTCP, 9)
	cfg.LocalPort = taken.Addr().(*net.TCPAddr).Port
	err = Run(context.Background(), cfg, &event.Recorder{})
	if err == nil || !strings.Contains(err.Error(), "tcp relay") {
		t.Fatalf("expected a tcp bind error, got %v", err)
	}
}

func TestSupervisor_UDPBindFailureReleasesTCP(t *testing.T) {
	taken, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer taken.Close()
	port := taken.LocalAddr().(*net.UDPAddr).Port

	cfg := testConfig(config.ModeBoth, 9)
	cfg.LocalPort = port
	s := New(cfg, &event.Recorder{})
	err = s.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "udp relay") {
		t.Fatalf("expected a udp bind error, got %v", err)
	}
	if s.Ready() {
		t.Error("supervisor reported ready after a bind failure")
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("tcp port still held after failed start: %v", err)
	}
	_ = ln.Close()
}

func TestSupervisor_RateLimiterWired(t *testing.T) {
	port := startEchoPair(t)
	cfg := testConfig(config.ModeTCP, port)
	cfg.SourceRateLimit = 1
	cfg.RateBurst = 1
	cfg.CleanupInterval = 200 * time.Millisecond
	rec := &event.Recorder{}
	s := New(cfg, rec)
	start(t, s)

	tcpAddr, _ := s.Addrs()
	tcpRoundTrip(t, tcpAddr, "first")
	c, err := net.Dial("tcp", tcpAddr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = c.Close()
	waitFor(t, "rate limited drop", func() bool { return rec.Count(event.Dropped, event.TCP) == 1 })
	if st := s.Stats(); st.Dropped != 1 {
		t.Errorf("dropped = %d", st.Dropped)
	}
	waitFor(t, "limiter state pruned", func() bool { return s.Stats().LimitSources == 0 })
}
