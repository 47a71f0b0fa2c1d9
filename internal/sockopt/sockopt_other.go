//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package sockopt

import (
	"errors"
	"syscall"
)

func reuseAddr(network, address string, c syscall.RawConn) error { return nil }

func socketBuffers(size int) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error { return nil }
}

// ReceiveBuffer is not supported on this platform.
func ReceiveBuffer(conn syscall.Conn) (int, error) {
	return 0, errors.New("sockopt: receive buffer query unsupported")
}
