package shard

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xapiand/searchd/internal/engine"
	"github.com/xapiand/searchd/internal/logging"
	"github.com/xapiand/searchd/internal/metrics"
	"github.com/xapiand/searchd/internal/wal"
)

// documentPayload is the gob-encoded WAL body for an add/replace
// mutation, per §4.E ("replay calls the same operation methods").
type documentPayload struct {
	ID     engine.DocID
	Fields engine.Fields
}

type metadataPayload struct {
	Key   string
	Value string
}

// durableDatabase wraps an engine.Database so every mutating call
// appends one WAL entry before returning success and schedules a
// debounced autocommit, per §4.E. It is the layer that turns the bare
// engine.Opener into one that gives every shard a WAL.
type durableDatabase struct {
	engine.Database
	w         *wal.WAL
	committer *wal.Committer

	mu  sync.Mutex
	log zerolog.Logger
}

func (d *durableDatabase) AddDocument(ctx context.Context, id engine.DocID, fields engine.Fields) (engine.DocID, error) {
	newID, err := d.Database.AddDocument(ctx, id, fields)
	if err != nil {
		return 0, err
	}
	if err := d.append(wal.EntryPut, documentPayload{ID: newID, Fields: fields}); err != nil {
		d.log.Warn().Err(err).Msg("WAL append failed after successful mutation")
	}
	d.committer.Schedule()
	return newID, nil
}

func (d *durableDatabase) ReplaceDocument(ctx context.Context, id engine.DocID, fields engine.Fields) error {
	if err := d.Database.ReplaceDocument(ctx, id, fields); err != nil {
		return err
	}
	if err := d.append(wal.EntryPut, documentPayload{ID: id, Fields: fields}); err != nil {
		d.log.Warn().Err(err).Msg("WAL append failed after successful mutation")
	}
	d.committer.Schedule()
	return nil
}

func (d *durableDatabase) DeleteDocument(ctx context.Context, id engine.DocID) error {
	if err := d.Database.DeleteDocument(ctx, id); err != nil {
		return err
	}
	if err := d.append(wal.EntryDelete, documentPayload{ID: id}); err != nil {
		d.log.Warn().Err(err).Msg("WAL append failed after successful mutation")
	}
	d.committer.Schedule()
	return nil
}

func (d *durableDatabase) SetMetadata(ctx context.Context, key, value string) error {
	if err := d.Database.SetMetadata(ctx, key, value); err != nil {
		return err
	}
	if err := d.append(wal.EntrySetMetadata, metadataPayload{Key: key, Value: value}); err != nil {
		d.log.Warn().Err(err).Msg("WAL append failed after successful mutation")
	}
	d.committer.Schedule()
	return nil
}

func (d *durableDatabase) Commit(ctx context.Context) error {
	if err := d.Database.Commit(ctx); err != nil {
		return err
	}
	return d.append(wal.EntryCommit, struct{}{})
}

func (d *durableDatabase) Close() error {
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.committer.Flush(flushCtx); err != nil {
		d.log.Warn().Err(err).Msg("flush on close failed")
	}
	d.committer.Stop()
	if err := d.w.Close(); err != nil {
		return err
	}
	return d.Database.Close()
}

// append assigns the next strictly-increasing WAL revision and writes
// the framed entry. Revisions are WAL-local (one per mutation), a
// distinct counter from engine.Database.Revision() (one per commit).
func (d *durableDatabase) append(t wal.EntryType, v any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("shard: encode WAL payload: %w", err)
	}
	rev := d.w.LastRevision() + 1
	err := d.w.Append(wal.Entry{Revision: rev, Type: t, Payload: buf.Bytes()})
	metrics.WALAppendsTotal.WithLabelValues(entryTypeLabel(t)).Inc()
	return err
}

func entryTypeLabel(t wal.EntryType) string {
	switch t {
	case wal.EntryPut:
		return "put"
	case wal.EntryDelete:
		return "delete"
	case wal.EntrySetMetadata:
		return "set_metadata"
	default:
		return "commit"
	}
}

// NewDurableOpener wraps inner so every shard it opens gets a WAL file
// under walDir and a debounced autocommit (period autocommitDebounce),
// and replays any unreplayed WAL entries (revision beyond what the
// engine already holds) before handing the database back to the
// caller, per §4.E's recovery rule.
func NewDurableOpener(inner engine.Opener, walDir string, autocommitDebounce time.Duration) engine.Opener {
	return func(ctx context.Context, path string, writable bool) (engine.Database, error) {
		db, err := inner(ctx, path, writable)
		if err != nil {
			return nil, err
		}

		walPath := filepath.Join(walDir, filepath.Base(path)+".wal")
		w, err := wal.Open(walPath)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("shard: open WAL for %s: %w", path, err)
		}

		baseRevision := db.Revision()
		if err := w.Replay(baseRevision, func(e wal.Entry) error {
			return applyReplayed(ctx, db, e)
		}); err != nil {
			_ = w.Close()
			_ = db.Close()
			return nil, fmt.Errorf("shard: replay WAL for %s: %w", path, err)
		}

		dd := &durableDatabase{
			Database: db,
			w:        w,
			log:      logging.Component("shard.durable"),
		}
		dd.committer = wal.NewCommitter(dd, autocommitDebounce)
		return dd, nil
	}
}

// applyReplayed re-applies one WAL entry directly against the
// underlying engine (bypassing durableDatabase's own WAL append, since
// replay must not re-record what it is replaying).
func applyReplayed(ctx context.Context, db engine.Database, e wal.Entry) error {
	switch e.Type {
	case wal.EntryPut:
		var p documentPayload
		if err := gobDecode(e.Payload, &p); err != nil {
			return err
		}
		if p.ID == 0 {
			_, err := db.AddDocument(ctx, 0, p.Fields)
			return err
		}
		return db.ReplaceDocument(ctx, p.ID, p.Fields)
	case wal.EntryDelete:
		var p documentPayload
		if err := gobDecode(e.Payload, &p); err != nil {
			return err
		}
		return db.DeleteDocument(ctx, p.ID)
	case wal.EntrySetMetadata:
		var p metadataPayload
		if err := gobDecode(e.Payload, &p); err != nil {
			return err
		}
		return db.SetMetadata(ctx, p.Key, p.Value)
	case wal.EntryCommit:
		return db.Commit(ctx)
	default:
		return fmt.Errorf("shard: unknown WAL entry type %d during replay", e.Type)
	}
}

func gobDecode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

var _ engine.Database = (*durableDatabase)(nil)
