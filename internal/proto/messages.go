// Package proto defines the probe messages exchanged through a relay with an
// echoing remote. Each message is one JSON object terminated by a newline.
package proto

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"
)

// Probe is sent by the probe client; an echo remote returns it unchanged.
type Probe struct {
	Seq  int    `json:"seq"`
	Mode string `json:"mode"`
	Sent int64  `json:"sent"` // unix nanoseconds
	Pad  string `json:"pad,omitempty"`
}

// NewProbe stamps a probe with the current time and pad bytes of filler.
func NewProbe(seq int, mode string, pad int) Probe {
	return Probe{Seq: seq, Mode: mode, Sent: time.Now().UnixNano(), Pad: strings.Repeat("x", pad)}
}

// RTT is the time since the probe was stamped.
func (p Probe) RTT() time.Duration { return time.Since(time.Unix(0, p.Sent)) }

// Result is the summary the probe prints per exchange.
type Result struct {
	Seq   int    `json:"seq"`
	Mode  string `json:"mode"`
	Bytes int    `json:"bytes"`
	RTTMs int64  `json:"rtt_ms"`
	Error string `json:"error,omitempty"`
}

var ErrMismatch = errors.New("proto: echoed probe does not match")

// Marshal encodes v as a single newline-terminated line.
func Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func WriteLine(w io.Writer, v any) error {
	b, err := Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadProbe reads one line from rd and decodes it.
func ReadProbe(rd *bufio.Reader) (Probe, error) {
	line, err := rd.ReadBytes('\n')
	if err != nil {
		return Probe{}, err
	}
	return DecodeProbe(line)
}

func DecodeProbe(b []byte) (Probe, error) {
	var p Probe
	if err := json.Unmarshal(b, &p); err != nil {
		return Probe{}, err
	}
	return p, nil
}

// Verify checks that got is the echo of sent.
func Verify(sent, got Probe) error {
	if sent != got {
		return ErrMismatch
	}
	return nil
}
