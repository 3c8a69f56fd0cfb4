package server

import (
	"context"
	"fmt"

	"github.com/xapiand/searchd/internal/binproto"
	"github.com/xapiand/searchd/internal/replication"
)

// applyReplicationFrame decodes a demultiplexed binary frame already
// known to be in the replication sub-protocol and routes it to
// whichever side of §4.J this connection is playing: a
// KindGetChangesets frame is an incoming pull request this node must
// answer as the source, writing its response frames back over the
// same connection; every other kind is a response frame this node
// receives as the puller.
func applyReplicationFrame(ctx context.Context, d BinaryDispatch, f binproto.Frame) error {
	rf, err := replication.DecodeFrame(f)
	if err != nil {
		return err
	}

	if rf.Kind == replication.KindGetChangesets {
		if d.Source == nil {
			return fmt.Errorf("server: GET_CHANGESETS received with no source configured")
		}
		return d.Source.Serve(ctx, rf.Request, replication.ConnFrameWriter{W: writerFunc(d.Write)})
	}

	if d.Receiver == nil {
		return fmt.Errorf("server: replication frame received with no receiver configured")
	}
	_, err = d.Receiver.Apply(ctx, d.IndexPath, rf)
	return err
}

// writerFunc adapts a plain send callback into an io.Writer so it can
// back a replication.ConnFrameWriter.
type writerFunc func([]byte) error

func (f writerFunc) Write(p []byte) (int, error) {
	if err := f(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
