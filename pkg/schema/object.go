package schema

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/cuemby/meridian/pkg/kv"
	"github.com/cuemby/meridian/pkg/table"
)

// ObjectVersionState is a version's position in the lattice uploading
// ≤ complete, uploading ≤ aborted.
type ObjectVersionState int

const (
	StateUploading ObjectVersionState = iota
	StateComplete
	StateAborted
)

// Lattice joins two states of the same ObjectVersion. Uploading is the
// bottom element; complete and aborted are both reachable from it but
// incomparable with each other. A well-behaved single writer never
// produces a complete/aborted conflict for the same version, but the
// merge must still be deterministic if replicas ever disagree — this
// resolves toward Complete, since keeping data a client was told
// succeeded is safer than discarding it.
func Lattice(a, b ObjectVersionState) ObjectVersionState {
	if a == b {
		return a
	}
	if a == StateUploading {
		return b
	}
	if b == StateUploading {
		return a
	}
	return StateComplete
}

// ObjectVersionData tags which of the three payload shapes an
// ObjectVersion carries.
type ObjectVersionData int

const (
	DataDeleteMarker ObjectVersionData = iota
	DataInline
	DataFirstBlock
)

// ObjectVersion is one version of an Object: created at PUT start in
// state Uploading, transitioning forward only, and never mutated again
// once Complete or Aborted.
type ObjectVersion struct {
	UUID       uuid.UUID
	Timestamp  int64
	State      ObjectVersionState
	DataKind   ObjectVersionData
	Inline     []byte
	FirstBlock [32]byte
	Size       int64
	MimeType   string
	Checksums  map[string]string
}

func mergeObjectVersion(a, b ObjectVersion) ObjectVersion {
	out := a
	out.State = Lattice(a.State, b.State)

	// Selecting the source side by state rank (uploading < complete ==
	// aborted) picks correctly between uploading and a resolved state,
	// but ties complete and aborted together — on a same-tick
	// complete/aborted collision (spec.md's documented Open Question)
	// that would copy payload fields from whichever side happens to be
	// "a", even when that side is the empty Aborted one. Resolve
	// explicitly instead, symmetric in a/b so the merge stays
	// commutative.
	src := &a
	switch {
	case a.State != StateUploading && b.State == StateUploading:
		src = &a
	case b.State != StateUploading && a.State == StateUploading:
		src = &b
	case a.State == StateComplete && b.State == StateAborted:
		src = &a
	case b.State == StateComplete && a.State == StateAborted:
		src = &b
	}
	out.DataKind = src.DataKind
	out.Inline = src.Inline
	out.FirstBlock = src.FirstBlock
	out.Size = src.Size
	out.MimeType = src.MimeType
	out.Checksums = src.Checksums
	return out
}

// Object is the CRDT record behind spec.md's Object table: a bucket/key
// pair owning a set of ObjectVersions, merged per-version through the
// state lattice.
type Object struct {
	BucketID uuid.UUID
	Key      string
	Versions map[uuid.UUID]ObjectVersion
}

type objectSchema struct{}

// ObjectSchema is the table.Schema instance Object rows are stored
// under. Its partition key is the owning bucket's id, so every object
// in a bucket shares that bucket's partition (and therefore the same
// replica set under the current layout).
var ObjectSchema table.Schema[uuid.UUID, string, Object] = objectSchema{}

func (objectSchema) Name() string                        { return "objects" }
func (objectSchema) PartitionKey(o Object) uuid.UUID     { return o.BucketID }
func (objectSchema) SortKey(o Object) string             { return o.Key }
func (objectSchema) EncodePK(id uuid.UUID) []byte        { return id[:] }
func (objectSchema) EncodeSK(key string) []byte          { return []byte(key) }
func (objectSchema) PartitionHash(id uuid.UUID) [32]byte { return partitionHashUUID(id) }

func (objectSchema) Merge(a, b Object) Object {
	out := Object{
		BucketID: a.BucketID,
		Key:      a.Key,
		Versions: make(map[uuid.UUID]ObjectVersion, len(a.Versions)+len(b.Versions)),
	}
	for id, v := range a.Versions {
		out.Versions[id] = v
	}
	for id, v := range b.Versions {
		if existing, ok := out.Versions[id]; ok {
			out.Versions[id] = mergeObjectVersion(existing, v)
		} else {
			out.Versions[id] = v
		}
	}
	return out
}

// IsTombstone reports an object as collectible once it carries no
// versions at all. Compacting away old complete/aborted versions while
// keeping the row alive is a higher-level concern (spec.md's "versions
// accumulate; compactable") left to a future maintenance pass, not
// something the merge function itself decides.
func (objectSchema) IsTombstone(o Object) bool { return len(o.Versions) == 0 }

func (objectSchema) EncodeValue(o Object) ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("schema: failed to encode object: %w", err)
	}
	return data, nil
}

func (objectSchema) DecodeValue(data []byte) (Object, error) {
	var o Object
	if err := json.Unmarshal(data, &o); err != nil {
		return Object{}, fmt.Errorf("schema: failed to decode object: %w", err)
	}
	return o, nil
}

// ValidateObjectKey checks that key is valid UTF-8 and non-empty,
// collapsing spec.md §9's formerly-separate InvalidUtf8Str/
// InvalidUtf8String error kinds into the single kv.ErrInvalidKey.
func ValidateObjectKey(key string) error {
	if key == "" {
		return kv.InvalidKeyErr("object key must not be empty")
	}
	if !utf8.ValidString(key) {
		return kv.InvalidKeyErr("object key is not valid UTF-8")
	}
	return nil
}
