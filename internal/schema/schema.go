// Package schema implements the per-index schema registry of spec
// §4.F: type inference on first sight of a field, stable md5-derived
// slots, type-tag term prefixes, accuracy-level buckets for range
// queries, and copy-on-write updates with bounded CAS retry. It is
// grounded in the teacher's copy-on-write replace pattern
// (internal/store/store.go uses a similar lock-clone-CAS shape for
// its in-memory map) generalized from a flat key/value map to a typed
// field registry, and in spec §9 REDESIGN FLAGS note 9 for using
// stdlib regexp instead of PCRE for field-type inference.
package schema

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sync/atomic"
)

// FieldType is the inferred, immutable type of a field once fixed.
type FieldType uint8

const (
	TypeUnknown FieldType = iota
	TypeKeyword
	TypeText
	TypeInteger
	TypeFloat
	TypeBoolean
	TypeDate
	TypeDateTime
	TypeTime
	TypeGeo
	TypeUUID
)

func (t FieldType) String() string {
	switch t {
	case TypeKeyword:
		return "keyword"
	case TypeText:
		return "text"
	case TypeInteger:
		return "integer"
	case TypeFloat:
		return "float"
	case TypeBoolean:
		return "boolean"
	case TypeDate:
		return "date"
	case TypeDateTime:
		return "datetime"
	case TypeTime:
		return "time"
	case TypeGeo:
		return "geo"
	case TypeUUID:
		return "uuid"
	default:
		return "unknown"
	}
}

// tag is the single-byte term-prefix tag letter per type, combined
// with a field's slot to produce the short binary prefixes spec §4.F
// describes.
func (t FieldType) tag() byte {
	switch t {
	case TypeKeyword:
		return 'K'
	case TypeText:
		return 'T'
	case TypeInteger:
		return 'I'
	case TypeFloat:
		return 'F'
	case TypeBoolean:
		return 'B'
	case TypeDate:
		return 'D'
	case TypeDateTime:
		return 'M'
	case TypeTime:
		return 'H'
	case TypeGeo:
		return 'G'
	case TypeUUID:
		return 'U'
	default:
		return 'X'
	}
}

// collisionSentinel replaces a slot that would otherwise collide with
// the reserved all-ones value, per spec §4.F.
const collisionSentinel uint32 = 0x00000001

// Slot derives the stable integer slot for a normalized field name:
// the first 4 bytes (8 hex chars) of md5(name), read big-endian, with
// the reserved all-ones value replaced by a fixed sentinel to avoid
// colliding with it.
func Slot(normalizedName string) uint32 {
	sum := md5.Sum([]byte(normalizedName))
	hexPrefix := hex.EncodeToString(sum[:4])
	var slot uint32
	_, _ = fmt.Sscanf(hexPrefix, "%08x", &slot)
	if slot == 0xFFFFFFFF {
		return collisionSentinel
	}
	return slot
}

// Prefix returns the short binary term prefix for a field of the
// given type and slot: a type tag byte followed by the slot's 4 raw
// bytes.
func Prefix(t FieldType, slot uint32) []byte {
	return []byte{
		t.tag(),
		byte(slot >> 24), byte(slot >> 16), byte(slot >> 8), byte(slot),
	}
}

// AccuracyLevels enumerates the ordered accuracy buckets spec §4.F
// mandates for numeric and temporal types; the original's hour → day →
// month → year → decade → century → millennium ladder for dates, and
// an analogous power-of-ten ladder for plain numbers.
func AccuracyLevels(t FieldType) []string {
	switch t {
	case TypeDate, TypeDateTime:
		return []string{"hour", "day", "month", "year", "decade", "century", "millennium"}
	case TypeInteger, TypeFloat:
		return []string{"1", "10", "100", "1000", "10000", "100000"}
	default:
		return nil
	}
}

var (
	reUUID = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	reDate = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	reTime = regexp.MustCompile(`^\d{2}:\d{2}(:\d{2})?$`)
	reDateTime = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(:\d{2})?(Z|[+-]\d{2}:?\d{2})?$`)
	reGeo      = regexp.MustCompile(`^-?\d{1,3}(\.\d+)?,\s*-?\d{1,3}(\.\d+)?$`)
	reInteger  = regexp.MustCompile(`^-?\d+$`)
	reFloat    = regexp.MustCompile(`^-?\d+\.\d+$`)
	reKeyword  = regexp.MustCompile(`^[\w.\-]{1,64}$`)
)

// InferType guesses the field type from a raw JSON-decoded value,
// applying regex pattern matching for strings (the stdlib replacement
// for the original's PCRE field parser) and Go's native type for
// everything else.
func InferType(value any) FieldType {
	switch v := value.(type) {
	case bool:
		return TypeBoolean
	case float64:
		if v == float64(int64(v)) {
			return TypeInteger
		}
		return TypeFloat
	case string:
		switch {
		case reUUID.MatchString(v):
			return TypeUUID
		case reDateTime.MatchString(v):
			return TypeDateTime
		case reDate.MatchString(v):
			return TypeDate
		case reTime.MatchString(v):
			return TypeTime
		case reGeo.MatchString(v):
			return TypeGeo
		case reInteger.MatchString(v):
			return TypeInteger
		case reFloat.MatchString(v):
			return TypeFloat
		case reKeyword.MatchString(v):
			return TypeKeyword
		default:
			return TypeText
		}
	default:
		return TypeText
	}
}

// FieldSpec is the persisted, immutable description of one field once
// its type has been fixed.
type FieldSpec struct {
	Name   string
	Type   FieldType
	Slot   uint32
	Prefix []byte
}

// Schema is one immutable snapshot of a top-level index's field set.
// Registry.Current() hands out a *Schema that callers may read freely
// without locking; updates never mutate a published Schema in place.
type Schema struct {
	Fields map[string]FieldSpec
}

func emptySchema() *Schema {
	return &Schema{Fields: make(map[string]FieldSpec)}
}

// clone returns a deep-enough copy of s for copy-on-write mutation.
func (s *Schema) clone() *Schema {
	out := emptySchema()
	for k, v := range s.Fields {
		out.Fields[k] = v
	}
	return out
}

// ErrCASExhausted is returned when FieldFor's CAS retry bound is
// exceeded by concurrent writers thrashing the same registry.
var ErrCASExhausted = errors.New("schema: CAS retry bound exceeded")

const maxCASRetries = 10

// ReservedKeySigil marks field and database-metadata key names
// reserved for internal use — the document version slot and, once a
// node starts anchoring replication state in per-database metadata,
// whatever key that anchor is stored under. Grounded in
// src/database/handler.cc's RESERVED_* family (RESERVED_VERSION among
// them), all of which name an underscore-prefixed key a document body
// or metadata update may never supply directly.
const ReservedKeySigil = '_'

// ReservedVersionField is the reserved field name backing optimistic
// concurrency control, corresponding to handler.cc's RESERVED_VERSION.
// It is never inferred or stored via FieldFor/ValidateFieldName like
// an ordinary document field; it exists so callers outside this
// package have a single stable name to check for or special-case.
const ReservedVersionField = "_version"

// ErrReservedName is returned when a caller-supplied field or
// metadata key begins with ReservedKeySigil.
var ErrReservedName = errors.New("schema: field or metadata key begins with a reserved prefix")

// ValidateFieldName rejects document field names that collide with
// the reserved namespace (§6), including ReservedVersionField itself.
// Called by FieldFor so every route that infers a field's type also
// enforces the reservation.
func ValidateFieldName(name string) error {
	if len(name) > 0 && name[0] == ReservedKeySigil {
		return fmt.Errorf("%w: %q", ErrReservedName, name)
	}
	return nil
}

// ValidateMetadataKey applies the same reservation to
// engine.Database.SetMetadata keys, so caller-supplied metadata can
// never shadow the keys this system reserves for its own use.
func ValidateMetadataKey(key string) error {
	if len(key) > 0 && key[0] == ReservedKeySigil {
		return fmt.Errorf("%w: %q", ErrReservedName, key)
	}
	return nil
}

// Registry holds the single active *Schema for an index behind an
// atomic pointer, giving readers a lock-free Current() and giving
// writers copy-on-write semantics with bounded CAS retry, the same
// shape the teacher's store.Store uses for its map replacement (clone
// under lock, swap, retry on conflict) but lock-free via atomic.Pointer.
type Registry struct {
	current atomic.Pointer[Schema]
}

// NewRegistry returns a registry starting from an empty schema.
func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(emptySchema())
	return r
}

// newRegistryFrom starts a registry from an already-populated schema,
// used to seed a Store from a persisted snapshot on startup.
func newRegistryFrom(s *Schema) *Registry {
	if s == nil || s.Fields == nil {
		return NewRegistry()
	}
	r := &Registry{}
	r.current.Store(s)
	return r
}

// Current returns the presently active schema snapshot. Safe to call
// from any goroutine without additional synchronization.
func (r *Registry) Current() *Schema {
	return r.current.Load()
}

// FieldFor returns the FieldSpec for name, inferring and persisting a
// new one from sampleValue if this is the first time the field is
// seen. Concurrent first-sight inserts for different new fields race
// via compare-and-swap; each loser retries against the freshly
// published schema up to maxCASRetries times.
func (r *Registry) FieldFor(name string, sampleValue any) (FieldSpec, error) {
	if err := ValidateFieldName(name); err != nil {
		return FieldSpec{}, err
	}
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		cur := r.current.Load()
		if fs, ok := cur.Fields[name]; ok {
			return fs, nil
		}

		t := InferType(sampleValue)
		slot := Slot(name)
		fs := FieldSpec{Name: name, Type: t, Slot: slot, Prefix: Prefix(t, slot)}

		next := cur.clone()
		next.Fields[name] = fs

		if r.current.CompareAndSwap(cur, next) {
			return fs, nil
		}
	}
	return FieldSpec{}, ErrCASExhausted
}
