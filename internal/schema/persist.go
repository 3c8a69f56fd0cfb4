package schema

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketSchemas = []byte("schemas")

// Persistence snapshots a Store's registries to a BoltDB file so a
// node's inferred field slots and type tags survive a restart instead
// of being re-inferred (and, for colliding slots, possibly
// re-assigned differently) from scratch. Grounded in the single
// bucket/JSON-per-key shape of pkg/storage/boltdb.go, applied here to
// one key (the index name) per top-level index rather than one bucket
// per entity kind, since a Store only ever holds one kind of record.
type Persistence struct {
	db *bolt.DB
}

// OpenPersistence opens (creating if absent) the schema snapshot file
// at path and ensures its bucket exists.
func OpenPersistence(path string) (*Persistence, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("schema: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSchemas)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Persistence{db: db}, nil
}

// Close closes the underlying BoltDB file.
func (p *Persistence) Close() error {
	return p.db.Close()
}

// Save persists index's current schema snapshot, overwriting whatever
// was stored for it before.
func (p *Persistence) Save(index string, s *Schema) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("schema: marshal %s: %w", index, err)
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchemas).Put([]byte(index), data)
	})
}

// LoadAll reads every persisted index snapshot, returning a map keyed
// by index name ready to seed a Store on startup.
func (p *Persistence) LoadAll() (map[string]*Schema, error) {
	out := make(map[string]*Schema)
	err := p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchemas)
		return b.ForEach(func(k, v []byte) error {
			var s Schema
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("schema: unmarshal %s: %w", k, err)
			}
			out[string(k)] = &s
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
