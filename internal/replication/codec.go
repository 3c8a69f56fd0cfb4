package replication

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/xapiand/searchd/internal/binproto"
)

// wireFrame is the gob-encoded shape of a Frame's payload; Kind itself
// travels as the binproto frame's type byte rather than being
// duplicated inside the payload.
type wireFrame struct {
	Request        Request
	ChangesetData  []byte
	Header         Anchor
	Filename       string
	FileData       []byte
	FooterRevision uint64
	SyncAnchor     Anchor
	FailReason     string
}

func toWire(f Frame) wireFrame {
	return wireFrame{
		Request:        f.Request,
		ChangesetData:  f.ChangesetData,
		Header:         f.Header,
		Filename:       f.Filename,
		FileData:       f.FileData,
		FooterRevision: f.FooterRevision,
		SyncAnchor:     f.SyncAnchor,
		FailReason:     f.FailReason,
	}
}

func (w wireFrame) toFrame(kind MessageKind) Frame {
	return Frame{
		Kind:           kind,
		Request:        w.Request,
		ChangesetData:  w.ChangesetData,
		Header:         w.Header,
		Filename:       w.Filename,
		FileData:       w.FileData,
		FooterRevision: w.FooterRevision,
		SyncAnchor:     w.SyncAnchor,
		FailReason:     w.FailReason,
	}
}

// EncodeFrame serializes f as a binproto.Frame: its MessageKind
// becomes the binary frame's type byte, and the rest of its fields
// travel gob-encoded as the payload.
func EncodeFrame(f Frame) (binproto.Frame, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(toWire(f)); err != nil {
		return binproto.Frame{}, fmt.Errorf("replication: encode frame: %w", err)
	}
	return binproto.Frame{Type: byte(f.Kind), Payload: buf.Bytes()}, nil
}

// DecodeFrame parses a binproto.Frame already known to belong to the
// replication sub-protocol (i.e. binproto.Mode == ModeReplication)
// back into a Frame.
func DecodeFrame(bf binproto.Frame) (Frame, error) {
	var w wireFrame
	if err := gob.NewDecoder(bytes.NewReader(bf.Payload)).Decode(&w); err != nil {
		return Frame{}, fmt.Errorf("replication: decode frame: %w", err)
	}
	return w.toFrame(MessageKind(bf.Type)), nil
}

// ConnFrameWriter adapts an io.Writer into the FrameWriter Source.Serve
// wants, framing every Frame through binproto before writing it.
type ConnFrameWriter struct {
	W io.Writer
}

func (c ConnFrameWriter) Write(f Frame) error {
	bf, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	return binproto.WriteFrame(c.W, bf)
}

var _ FrameWriter = ConnFrameWriter{}
