// Package sockopt opens relay sockets: TCP listeners with SO_REUSEADDR and
// UDP sockets with optional kernel buffer sizes.
package sockopt

import (
	"context"
	"fmt"
	"net"
)

// Listen opens a TCP listener on addr with SO_REUSEADDR set.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	return ln, nil
}

// ListenUDP binds a UDP socket on addr without SO_REUSEADDR, so a port that is
// already bound fails. bufSize > 0 sets SO_RCVBUF and SO_SNDBUF.
func ListenUDP(ctx context.Context, addr string, bufSize int) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: socketBuffers(bufSize)}
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("listen udp %s: unexpected conn type %T", addr, pc)
	}
	return conn, nil
}

// DialUDP opens a connected UDP socket to raddr with the same buffer sizing
// as ListenUDP.
func DialUDP(ctx context.Context, raddr *net.UDPAddr, bufSize int) (*net.UDPConn, error) {
	d := net.Dialer{Control: socketBuffers(bufSize)}
	c, err := d.DialContext(ctx, "udp", raddr.String())
	if err != nil {
		return nil, fmt.Errorf("dial udp %s: %w", raddr, err)
	}
	conn, ok := c.(*net.UDPConn)
	if !ok {
		_ = c.Close()
		return nil, fmt.Errorf("dial udp %s: unexpected conn type %T", raddr, c)
	}
	return conn, nil
}
