// Package binproto implements the binary frame format of spec §4.B:
// `type: u8, length: varint, payload: length bytes`, multiplexed with
// a distinguished type 0xFE meaning "switch to the replication
// sub-protocol; the next frame's type byte is reinterpreted as a
// replication op." It is grounded in the teacher's approach to framed
// protocol decoding (io.Reader-driven incremental parsing) generalized
// from the teacher's line-oriented RESP-ish framing to this length-
// prefixed binary shape, and in original_source/client_binary.cc's
// on_read switch-on-first-byte dispatch.
package binproto

import (
	"bufio"
	"fmt"
	"io"

	"github.com/xapiand/searchd/internal/varint"
)

// SwitchToReplication is the reserved frame type that hands the rest
// of the connection's frame stream to the replication sub-protocol,
// per §4.B.
const SwitchToReplication byte = 0xFE

// Frame is one fully assembled binary protocol unit.
type Frame struct {
	Type    byte
	Payload []byte
}

// MaxPayload bounds a single frame's payload to guard against a
// corrupt or hostile length prefix forcing an unbounded allocation.
const MaxPayload = 64 << 20 // 64MiB

// ReadFrame reads one {type, varint length, payload} unit from r.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	typ, err := r.ReadByte()
	if err != nil {
		return Frame{}, err
	}
	length, err := varint.ReadUnbounded(r)
	if err != nil {
		return Frame{}, fmt.Errorf("binproto: frame length: %w", err)
	}
	if length > MaxPayload {
		return Frame{}, fmt.Errorf("binproto: frame length %d exceeds max %d", length, MaxPayload)
	}
	payload, err := varint.ReadBounded(r, length)
	if err != nil {
		return Frame{}, fmt.Errorf("binproto: frame payload: %w", err)
	}
	return Frame{Type: typ, Payload: payload}, nil
}

// WriteFrame writes f to w in wire form.
func WriteFrame(w io.Writer, f Frame) error {
	if _, err := w.Write([]byte{f.Type}); err != nil {
		return err
	}
	if err := varint.WriteUnbounded(w, uint64(len(f.Payload))); err != nil {
		return err
	}
	_, err := w.Write(f.Payload)
	return err
}

// Mode tracks which sub-protocol a connection's subsequent frame type
// bytes are interpreted under, switched permanently and one-way by a
// SwitchToReplication frame (§4.B: "the next frame's type is
// reinterpreted as a replication op").
type Mode int

const (
	ModeRemote Mode = iota
	ModeReplication
)

// Demux is a small stateful helper a reactor client holds per
// connection: it reads frames off the wire and reports whether each
// one should be handled under the remote-protocol dispatch table or
// the replication one, applying the permanent switch when it sees
// SwitchToReplication.
type Demux struct {
	mode Mode
}

// Next reads the following frame and returns it along with the mode
// it should be dispatched under. A SwitchToReplication frame itself
// carries no payload for the caller — Next consumes it and reads the
// frame that follows, now under ModeReplication.
func (d *Demux) Next(r *bufio.Reader) (Frame, Mode, error) {
	for {
		f, err := ReadFrame(r)
		if err != nil {
			return Frame{}, d.mode, err
		}
		if d.mode == ModeRemote && f.Type == SwitchToReplication {
			d.mode = ModeReplication
			continue
		}
		return f, d.mode, nil
	}
}
