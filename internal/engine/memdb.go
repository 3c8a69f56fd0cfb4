package engine

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/gob"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/xapiand/searchd/internal/schema"
)

// gob needs every concrete type that will ever be stored behind a
// Fields value (an any) registered up front — these are exactly the
// shapes encoding/json produces when a document body is unmarshaled
// into a map[string]any.
func init() {
	gob.Register(false)
	gob.Register(float64(0))
	gob.Register("")
	gob.Register([]any(nil))
	gob.Register(map[string]any(nil))
}

// changeset is the in-memory shape of one committed batch, gob-encoded
// by EmitChangesets/ApplyChangeset. It mirrors the WAL entry kinds of
// original_source/src/database/wal.h's Type enum (REPLACE_DOCUMENT,
// DELETE_DOCUMENT, SET_METADATA), minus COMMIT/spelling entries which
// searchd's in-memory engine has no use for.
type changeset struct {
	Revision uint64
	Puts     map[DocID]Fields
	Deletes  []DocID
	Metadata map[string]string
}

// MemDatabase is a process-local, mutex-guarded stand-in for the
// opaque index engine. It keeps documents and values in plain Go maps
// and serialises changesets with encoding/gob; it exists so the shard
// pool, WAL, schema registry and replication engine have a concrete,
// runnable collaborator without vendoring a real search library.
type MemDatabase struct {
	mu sync.RWMutex

	uuid     [16]byte
	revision uint64

	docs     map[DocID]Fields
	metadata map[string]string

	pending changeset
	dirty   bool

	nextID DocID
}

// OpenMemDatabase implements Opener for MemDatabase. path is used only
// to derive a stable UUID (so repeated opens of "the same" database
// within a test or a replay produce the same identity); writable is
// accepted for interface symmetry but does not change behavior since
// MemDatabase has no on-disk lock.
func OpenMemDatabase(_ context.Context, path string, _ bool) (Database, error) {
	db := &MemDatabase{
		uuid:     uuid.NewMD5(uuid.Nil, []byte(path)),
		docs:     make(map[DocID]Fields),
		metadata: make(map[string]string),
	}
	db.resetPending()
	return db, nil
}

func (db *MemDatabase) resetPending() {
	db.pending = changeset{
		Puts:     make(map[DocID]Fields),
		Metadata: make(map[string]string),
	}
	db.dirty = false
}

func (db *MemDatabase) UUID() [16]byte { return db.uuid }

func (db *MemDatabase) Revision() uint64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.revision
}

func (db *MemDatabase) DocCount() uint64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return uint64(len(db.docs))
}

func (db *MemDatabase) AddDocument(_ context.Context, id DocID, fields Fields) (DocID, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if id == 0 {
		db.nextID++
		id = db.nextID
	} else if id > db.nextID {
		db.nextID = id
	}
	db.pending.Puts[id] = cloneFields(fields)
	db.dirty = true
	return id, nil
}

func (db *MemDatabase) ReplaceDocument(_ context.Context, id DocID, fields Fields) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.pending.Puts[id] = cloneFields(fields)
	db.dirty = true
	return nil
}

func (db *MemDatabase) DeleteDocument(_ context.Context, id DocID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.pending.Puts, id)
	db.pending.Deletes = append(db.pending.Deletes, id)
	db.dirty = true
	return nil
}

func (db *MemDatabase) TermList(_ context.Context, id DocID) ([]string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	fields, ok := db.docs[id]
	if !ok {
		return nil, fmt.Errorf("engine: document %d not found", id)
	}
	terms := make([]string, 0, len(fields))
	for k := range fields {
		terms = append(terms, k)
	}
	sort.Strings(terms)
	return terms, nil
}

func (db *MemDatabase) PostList(_ context.Context, term string) ([]DocID, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var ids []DocID
	for id, fields := range db.docs {
		if _, ok := fields[term]; ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (db *MemDatabase) ValueList(_ context.Context, slot uint32) (map[DocID][]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make(map[DocID][]byte)
	key := slotKey(slot)
	for id, fields := range db.docs {
		if v, ok := fields[key]; ok {
			out[id] = []byte(fmt.Sprint(v))
		}
	}
	return out, nil
}

func (db *MemDatabase) GetMetadata(_ context.Context, key string) (string, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	v, ok := db.metadata[key]
	return v, ok, nil
}

func (db *MemDatabase) SetMetadata(_ context.Context, key, value string) error {
	if err := schema.ValidateMetadataKey(key); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.pending.Metadata[key] = value
	db.dirty = true
	return nil
}

func (db *MemDatabase) Commit(_ context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.dirty {
		return nil
	}
	for id, fields := range db.pending.Puts {
		db.docs[id] = fields
	}
	for _, id := range db.pending.Deletes {
		delete(db.docs, id)
	}
	for k, v := range db.pending.Metadata {
		db.metadata[k] = v
	}
	db.revision++
	db.resetPending()
	return nil
}

func (db *MemDatabase) Close() error { return nil }

// EmitChangesets writes one gob-encoded changeset per revision in
// (fromRevision, Revision()]. MemDatabase keeps no changeset history
// of its own, so it emits a single synthetic changeset describing the
// current full state tagged with the current revision — sufficient
// for the replication engine's full-database-copy path (§4.J, UUID
// mismatch case) but not for true incremental catch-up, which this
// reference engine does not attempt to model.
func (db *MemDatabase) EmitChangesets(_ context.Context, fromRevision uint64, w io.Writer) error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if fromRevision >= db.revision {
		return nil
	}

	cs := changeset{
		Revision: db.revision,
		Puts:     cloneDocs(db.docs),
		Metadata: cloneMetadata(db.metadata),
	}
	bw := bufio.NewWriter(w)
	if err := gob.NewEncoder(bw).Encode(&cs); err != nil {
		return fmt.Errorf("engine: encode changeset: %w", err)
	}
	return bw.Flush()
}

// ApplyChangeset merges one decoded changeset into the committed state
// and raises Revision to the changeset's own revision. Since
// EmitChangesets writes a single full-state changeset tagged with the
// source's current revision, Revision can advance by more than one.
func (db *MemDatabase) ApplyChangeset(_ context.Context, r io.Reader) error {
	var cs changeset
	if err := gob.NewDecoder(r).Decode(&cs); err != nil {
		return fmt.Errorf("engine: decode changeset: %w", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	for id, fields := range cs.Puts {
		db.docs[id] = fields
		if id > db.nextID {
			db.nextID = id
		}
	}
	for _, id := range cs.Deletes {
		delete(db.docs, id)
	}
	for k, v := range cs.Metadata {
		db.metadata[k] = v
	}
	if cs.Revision > db.revision {
		db.revision = cs.Revision
	}
	return nil
}

func slotKey(slot uint32) string {
	sum := md5.Sum([]byte(fmt.Sprintf("slot:%d", slot)))
	return fmt.Sprintf("%x", sum[:4])
}

func cloneFields(f Fields) Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

func cloneDocs(docs map[DocID]Fields) map[DocID]Fields {
	out := make(map[DocID]Fields, len(docs))
	for id, f := range docs {
		out[id] = cloneFields(f)
	}
	return out
}

func cloneMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
