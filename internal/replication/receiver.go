package replication

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/xapiand/searchd/internal/engine"
	"github.com/xapiand/searchd/internal/logging"
	"github.com/xapiand/searchd/internal/metrics"
)

// Receiver applies an inbound replication frame sequence to a local
// shard directory, per the receiver behaviors of spec §4.J: staging
// filenames under a .tmp suffix before an atomic rename, and
// discarding a partial transfer on failure rather than leaving it live.
type Receiver struct {
	dataDir string
	opener  engine.Opener
	log     zerolog.Logger

	stagingUUID     [16]byte
	stagingRevision uint64
	stagingPath     string
	stagingFilename string
}

// NewReceiver constructs a Receiver rooted at dataDir.
func NewReceiver(opener engine.Opener, dataDir string) *Receiver {
	return &Receiver{dataDir: dataDir, opener: opener, log: logging.Component("replication.receiver")}
}

// Apply processes one frame. Callers feed frames from a connection in
// arrival order; Apply returns the synchronization anchor once
// END_OF_CHANGES is seen, or an error on FAIL or a local failure (in
// which case the caller should discard any staging and schedule a
// retry, per §4.J's failure semantics).
func (r *Receiver) Apply(ctx context.Context, indexPath string, f Frame) (*Anchor, error) {
	switch f.Kind {
	case KindSetDBHeader:
		r.stagingUUID = f.Header.UUID
		r.stagingRevision = f.Header.Revision
		r.stagingPath = filepath.Join(r.dataDir, indexPath)
		r.stagingFilename = ""
		if err := os.MkdirAll(r.stagingPath, 0o755); err != nil {
			return nil, fmt.Errorf("replication: stage dir: %w", err)
		}
		return nil, nil

	case KindSetDBFilename:
		r.stagingFilename = f.Filename
		return nil, nil

	case KindSetDBFileData:
		if r.stagingFilename == "" {
			return nil, fmt.Errorf("replication: file data with no preceding filename")
		}
		tmp := filepath.Join(r.stagingPath, r.stagingFilename+".tmp")
		final := filepath.Join(r.stagingPath, r.stagingFilename)
		if err := os.WriteFile(tmp, f.FileData, 0o644); err != nil {
			metrics.ReplicationTransfersTotal.WithLabelValues("full", "write-error").Inc()
			return nil, fmt.Errorf("replication: write staged file: %w", err)
		}
		if err := os.Rename(tmp, final); err != nil {
			metrics.ReplicationTransfersTotal.WithLabelValues("full", "rename-error").Inc()
			return nil, fmt.Errorf("replication: rename staged file: %w", err)
		}
		return nil, nil

	case KindSetDBFooter:
		r.log.Info().
			Str("path", r.stagingPath).
			Uint64("revision", f.FooterRevision).
			Msg("finalized full-database copy")
		return nil, nil

	case KindChangeset:
		db, err := r.opener(ctx, filepath.Join(r.dataDir, indexPath), true)
		if err != nil {
			return nil, fmt.Errorf("replication: open shard for changeset apply: %w", err)
		}
		defer db.Close()
		if err := db.ApplyChangeset(ctx, bytes.NewReader(f.ChangesetData)); err != nil {
			metrics.ReplicationTransfersTotal.WithLabelValues("incremental", "apply-error").Inc()
			return nil, fmt.Errorf("replication: apply changeset: %w", err)
		}
		return nil, nil

	case KindEndOfChanges:
		anchor := f.SyncAnchor
		return &anchor, nil

	case KindFail:
		r.log.Warn().Str("reason", f.FailReason).Msg("replication source reported failure, discarding staging")
		r.discardStaging()
		return nil, fmt.Errorf("replication: source failed: %s", f.FailReason)

	default:
		return nil, fmt.Errorf("replication: unknown frame kind %d", f.Kind)
	}
}

func (r *Receiver) discardStaging() {
	if r.stagingPath == "" {
		return
	}
	entries, err := os.ReadDir(r.stagingPath)
	if err != nil {
		return
	}
	for _, ent := range entries {
		if filepath.Ext(ent.Name()) == ".tmp" {
			_ = os.Remove(filepath.Join(r.stagingPath, ent.Name()))
		}
	}
}
