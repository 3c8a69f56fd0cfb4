// Package engine defines the contract spec §1 treats as an opaque
// external collaborator: the full-text index engine underneath a
// shard. It exposes document add/replace/delete, termlist/postlist/
// value iteration, and a changeset apply/emit API — named after
// original_source/src/database/database.h's Database class — without
// pulling in (or reimplementing) an actual search engine.
//
// searchd ships a single in-memory reference implementation
// (MemDatabase) so the rest of the server has something real to run
// and test against; a production deployment would swap this for a
// binding onto a real index library.
package engine

import (
	"context"
	"io"
)

// DocID is a shard-local document identifier. ID 0 means "not yet
// assigned" (the caller asks the engine to allocate one).
type DocID = uint64

// Fields is a flat field-name → value document body. Value type
// inference happens one layer up, in internal/schema; the engine only
// stores and indexes whatever comes in.
type Fields map[string]any

// Database is the per-shard handle onto the underlying index. All
// methods may block; callers run them on the worker pool, never on a
// reactor thread (§5).
type Database interface {
	// UUID is the stable 16-byte identity of the physical database
	// file. A mismatch between two shard replicas' UUIDs forces a
	// full-database copy during replication (§4.J).
	UUID() [16]byte

	// Revision is the number of committed mutation batches (§3).
	Revision() uint64

	// DocCount returns the number of live (non-deleted) documents,
	// used by writable-shard picking (§4.D) to choose the least-loaded
	// shard for a new document.
	DocCount() uint64

	// AddDocument indexes a new document and returns its assigned
	// DocID. If id is non-zero the engine uses it as the target ID
	// (used by term-routed inserts with a pre-chosen UUID-derived ID).
	AddDocument(ctx context.Context, id DocID, fields Fields) (DocID, error)

	// ReplaceDocument overwrites an existing document in place.
	ReplaceDocument(ctx context.Context, id DocID, fields Fields) error

	// DeleteDocument removes a document. Deleting an absent document
	// is not an error (idempotent, matching WAL replay semantics).
	DeleteDocument(ctx context.Context, id DocID) error

	// TermList returns every term on a document, for introspection and
	// replication verification.
	TermList(ctx context.Context, id DocID) ([]string, error)

	// PostList returns every document id indexed under term.
	PostList(ctx context.Context, term string) ([]DocID, error)

	// ValueList returns every stored value in a given schema slot,
	// keyed by document id.
	ValueList(ctx context.Context, slot uint32) (map[DocID][]byte, error)

	// Metadata is a small per-database string→string bag available for
	// schema persistence and replication anchors. SetMetadata rejects
	// any key beginning with schema.ReservedKeySigil (§6), keeping that
	// namespace free for this system's own future use.
	GetMetadata(ctx context.Context, key string) (string, bool, error)
	SetMetadata(ctx context.Context, key, value string) error

	// Commit flushes all pending mutations, advancing Revision by
	// exactly one if anything was pending, or leaving it unchanged
	// otherwise.
	Commit(ctx context.Context) error

	// Close releases underlying resources. Idempotent.
	Close() error

	// EmitChangesets writes framed changesets for every committed
	// revision in (fromRevision, Revision()] to w, oldest first. If
	// fromRevision == Revision(), it writes nothing.
	EmitChangesets(ctx context.Context, fromRevision uint64, w io.Writer) error

	// ApplyChangeset reads one changeset previously produced by
	// EmitChangesets and applies it, advancing Revision by one.
	ApplyChangeset(ctx context.Context, r io.Reader) error
}

// Opener constructs or opens the Database backing path. writable
// selects whether the caller intends to mutate it.
type Opener func(ctx context.Context, path string, writable bool) (Database, error)
