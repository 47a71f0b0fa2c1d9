// Package pump copies raw bytes between two connected endpoints.
package pump

import (
	"errors"
	"io"
	"sync"
)

// DefaultChunkSize bounds a single read.
const DefaultChunkSize = 4096

// Copy moves bytes from src to dst one chunk at a time until src reports EOF
// or either side fails. EOF is not reported as an error. Neither endpoint is
// closed.
func Copy(dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
			if wn != n {
				return written, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, nil
			}
			return written, rerr
		}
		if n == 0 {
			// A zero-byte read without an error is treated as an orderly close.
			return written, nil
		}
	}
}

// Result describes a finished Transfer.
type Result struct {
	AToB int64 // bytes read from a and written to b
	BToA int64
	Err  error // error of the direction that ended first; nil on orderly close
}

// Transfer is a Pump whose first direction has stopped. The other direction
// may still be moving bytes until the caller closes the endpoints.
type Transfer struct {
	aToB, bToA int64
	errc       chan error
	err        error
	once       sync.Once
	res        Result
}

// Pump relays a<->b in both directions and returns as soon as either
// direction stops. The caller must close both endpoints afterwards; closing
// them is what unblocks the direction still running. Call Finish after that
// for the byte counts.
func Pump(a, b io.ReadWriter, chunk int) *Transfer {
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	t := &Transfer{errc: make(chan error, 2)}
	go func() {
		_, err := Copy(countingWriter{w: b, n: &t.aToB}, a, make([]byte, chunk))
		t.errc <- err
	}()
	go func() {
		_, err := Copy(countingWriter{w: a, n: &t.bToA}, b, make([]byte, chunk))
		t.errc <- err
	}()
	t.err = <-t.errc
	return t
}

// Err is the error of the direction that ended first.
func (t *Transfer) Err() error { return t.err }

// Finish waits for the second direction and returns the totals, including
// bytes it wrote after Pump returned. It blocks until the endpoints are
// closed or the second direction ends on its own.
func (t *Transfer) Finish() Result {
	t.once.Do(func() {
		<-t.errc
		t.res = Result{AToB: t.aToB, BToA: t.bToA, Err: t.err}
	})
	return t.res
}

type countingWriter struct {
	w io.Writer
	n *int64
}

// Each counter has a single writer; Finish reads it after both directions
// have reported on errc.
func (c countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	*c.n += int64(n)
	return n, err
}
