// Command probe checks a relay end to end. It sends JSON probes through the
// relay and reports each echo, or with -serve acts as the echoing remote.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/matst80/portrelay/internal/datagram"
	"github.com/matst80/portrelay/internal/obs"
	"github.com/matst80/portrelay/internal/proto"
	"github.com/matst80/portrelay/internal/sockopt"
)

func main() {
	var cfg Config
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	cfg.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])
	// Results go to stdout.
	obs.SetOutput(os.Stderr)
	if cfg.Debug {
		obs.EnableDebug(true)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Serve != "" {
		if err := serveEcho(ctx, cfg.Serve, nil); err != nil {
			obs.Error("echo.failed", obs.Fields{"err": err.Error(), "addr": cfg.Serve})
			stop()
			os.Exit(1)
		}
		return
	}

	failed := runProbes(ctx, cfg, os.Stdout)
	if failed > 0 {
		stop()
		os.Exit(1)
	}
}

// runProbes sends cfg.Count probes, writes one Result line per probe to out
// and returns how many failed.
func runProbes(ctx context.Context, cfg Config, out io.Writer) int {
	failed := 0
	for seq := 1; seq <= cfg.Count; seq++ {
		res := probe(ctx, cfg, seq)
		if res.Error != "" {
			failed++
			obs.Error("probe.failed", obs.Fields{"seq": seq, "mode": cfg.Mode, "addr": cfg.Addr, "err": res.Error})
		} else {
			obs.Debug("probe.ok", obs.Fields{"seq": seq, "mode": cfg.Mode, "rtt_ms": res.RTTMs})
		}
		_ = proto.WriteLine(out, res)
		if seq == cfg.Count {
			break
		}
		select {
		case <-ctx.Done():
			return failed
		case <-time.After(cfg.Interval):
		}
	}
	return failed
}

func probe(ctx context.Context, cfg Config, seq int) proto.Result {
	sent := proto.NewProbe(seq, cfg.Mode, cfg.Pad)
	res := proto.Result{Seq: seq, Mode: cfg.Mode}
	var (
		got proto.Probe
		n   int
		err error
	)
	switch cfg.Mode {
	case "tcp":
		got, n, err = exchangeTCP(ctx, cfg.Addr, sent, cfg.Timeout)
	case "udp":
		got, n, err = exchangeUDP(ctx, cfg.Addr, sent, cfg.Timeout)
	default:
		err = fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	if err == nil {
		err = proto.Verify(sent, got)
	}
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Bytes = n
	res.RTTMs = got.RTT().Milliseconds()
	return res
}

func exchangeTCP(ctx context.Context, addr string, p proto.Probe, timeout time.Duration) (proto.Probe, int, error) {
	d := net.Dialer{Timeout: timeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return proto.Probe{}, 0, err
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(timeout))
	line, err := proto.Marshal(p)
	if err != nil {
		return proto.Probe{}, 0, err
	}
	if _, err := c.Write(line); err != nil {
		return proto.Probe{}, 0, err
	}
	got, err := proto.ReadProbe(bufio.NewReader(c))
	return got, len(line), err
}

func exchangeUDP(ctx context.Context, addr string, p proto.Probe, timeout time.Duration) (proto.Probe, int, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return proto.Probe{}, 0, err
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(timeout))
	line, err := proto.Marshal(p)
	if err != nil {
		return proto.Probe{}, 0, err
	}
	if _, err := c.Write(line); err != nil {
		return proto.Probe{}, 0, err
	}
	buf := make([]byte, datagram.MaxDatagramSize)
	n, err := c.Read(buf)
	if err != nil {
		return proto.Probe{}, 0, err
	}
	got, err := proto.DecodeProbe(buf[:n])
	return got, len(line), err
}

// serveEcho echoes every TCP byte and UDP datagram received on addr back to
// its sender until ctx is cancelled. bound, when set, receives the listener
// addresses once both sockets are bound.
func serveEcho(ctx context.Context, addr string, bound chan<- [2]net.Addr) error {
	ln, err := sockopt.Listen(ctx, addr)
	if err != nil {
		return err
	}
	// With port 0 the UDP side follows whatever port TCP was given.
	pc, err := sockopt.ListenUDP(ctx, ln.Addr().String(), 0)
	if err != nil {
		_ = ln.Close()
		return err
	}
	obs.Info("echo.listen", obs.Fields{"tcp": ln.Addr().String(), "udp": pc.LocalAddr().String()})
	if bound != nil {
		bound <- [2]net.Addr{ln.Addr(), pc.LocalAddr()}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		_ = pc.Close()
		return nil
	})
	g.Go(func() error {
		for {
			c, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("echo accept: %w", err)
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	})
	g.Go(func() error {
		buf := make([]byte, datagram.MaxDatagramSize)
		for {
			n, from, err := pc.ReadFromUDPAddrPort(buf)
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("echo read: %w", err)
			}
			if _, err := pc.WriteToUDPAddrPort(buf[:n], from); err != nil {
				obs.Debug("echo.write", obs.Fields{"peer": from.String(), "err": err.Error()})
			}
		}
	})
	return g.Wait()
}
