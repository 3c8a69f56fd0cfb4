package reactor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/xapiand/searchd/internal/binproto"
)

// BinaryHandler is invoked once per fully assembled frame, in arrival
// order, per §4.B ("each fully assembled frame is enqueued to a
// worker queue; a single worker task per client drains it serially").
// Framing and dispatch happen on the BinaryParser's own pump goroutine,
// one frame at a time; ordering the actual handling work onto the worker pool is the
// caller's job (workerpool.ClientQueue), since reactor has no
// dependency on workerpool.
type BinaryHandler func(ctx context.Context, f binproto.Frame, mode binproto.Mode) error

// BinaryParser adapts a stream of raw chunks into framed binproto.Frame
// callbacks, feeding Client's read loop (which hands it whole network
// reads, not whole frames) through an io.Pipe so binproto.ReadFrame's
// blocking-reader shape can be driven incrementally.
type BinaryParser struct {
	pw      *io.PipeWriter
	demux   *binproto.Demux
	handler BinaryHandler
	ctx     context.Context

	once    sync.Once
	readErr chan error
}

// NewBinaryParser constructs a Parser that reframes incoming chunks
// and invokes handler once per frame.
func NewBinaryParser(ctx context.Context, handler BinaryHandler) *BinaryParser {
	pr, pw := io.Pipe()
	p := &BinaryParser{
		pw:      pw,
		demux:   &binproto.Demux{},
		handler: handler,
		ctx:     ctx,
		readErr: make(chan error, 1),
	}
	go p.pump(pr)
	return p
}

func (p *BinaryParser) pump(pr *io.PipeReader) {
	br := bufio.NewReader(pr)
	for {
		f, mode, err := p.demux.Next(br)
		if err != nil {
			p.readErr <- err
			_ = pr.CloseWithError(err)
			return
		}
		if herr := p.handler(p.ctx, f, mode); herr != nil {
			p.readErr <- herr
			_ = pr.CloseWithError(herr)
			return
		}
	}
}

// Feed implements Parser by writing the chunk into the internal pipe,
// surfacing any framing or handler error raised by the pump goroutine.
func (p *BinaryParser) Feed(ctx context.Context, chunk []byte) error {
	if _, err := p.pw.Write(chunk); err != nil {
		return fmt.Errorf("binary parser: %w", err)
	}
	select {
	case err := <-p.readErr:
		return err
	default:
		return nil
	}
}

var _ Parser = (*BinaryParser)(nil)
