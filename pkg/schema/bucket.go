package schema

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/cuemby/meridian/pkg/table"
)

// BucketAlias is one add-only, tombstoneable name pointing at a bucket.
// Removing an alias is itself a later write (Deleted=true) rather than
// a map deletion, so a racing add and remove converge on whichever
// happened last.
type BucketAlias struct {
	Deleted   bool
	Timestamp int64
}

func mergeAlias(a, b BucketAlias) BucketAlias {
	if b.Timestamp > a.Timestamp {
		return b
	}
	if b.Timestamp == a.Timestamp && b.Deleted && !a.Deleted {
		return b
	}
	return a
}

// Bucket is the CRDT record behind spec.md's Bucket table: an add-only
// set of aliases, each individually tombstoneable, plus a flat map of
// LWW-register parameters.
type Bucket struct {
	ID         uuid.UUID
	Aliases    map[string]BucketAlias
	Parameters map[string]LWWBytes
	Tombstone  LWWBool
}

type bucketSchema struct{}

// BucketSchema is the table.Schema instance Bucket rows are stored under.
var BucketSchema table.Schema[uuid.UUID, Unit, Bucket] = bucketSchema{}

func (bucketSchema) Name() string                        { return "buckets" }
func (bucketSchema) PartitionKey(b Bucket) uuid.UUID     { return b.ID }
func (bucketSchema) SortKey(Bucket) Unit                 { return Unit{} }
func (bucketSchema) EncodePK(id uuid.UUID) []byte        { return id[:] }
func (bucketSchema) EncodeSK(Unit) []byte                { return nil }
func (bucketSchema) PartitionHash(id uuid.UUID) [32]byte { return partitionHashUUID(id) }
func (bucketSchema) IsTombstone(b Bucket) bool           { return b.Tombstone.Value }

func (bucketSchema) Merge(a, b Bucket) Bucket {
	out := Bucket{
		ID:         a.ID,
		Aliases:    make(map[string]BucketAlias, len(a.Aliases)+len(b.Aliases)),
		Parameters: make(map[string]LWWBytes, len(a.Parameters)+len(b.Parameters)),
		Tombstone:  mergeLWWBool(a.Tombstone, b.Tombstone),
	}
	for name, al := range a.Aliases {
		out.Aliases[name] = al
	}
	for name, al := range b.Aliases {
		if existing, ok := out.Aliases[name]; ok {
			out.Aliases[name] = mergeAlias(existing, al)
		} else {
			out.Aliases[name] = al
		}
	}
	for key, p := range a.Parameters {
		out.Parameters[key] = p
	}
	for key, p := range b.Parameters {
		if existing, ok := out.Parameters[key]; ok {
			out.Parameters[key] = mergeLWWBytes(existing, p)
		} else {
			out.Parameters[key] = p
		}
	}
	return out
}

func (bucketSchema) EncodeValue(b Bucket) ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("schema: failed to encode bucket: %w", err)
	}
	return data, nil
}

func (bucketSchema) DecodeValue(data []byte) (Bucket, error) {
	var b Bucket
	if err := json.Unmarshal(data, &b); err != nil {
		return Bucket{}, fmt.Errorf("schema: failed to decode bucket: %w", err)
	}
	return b, nil
}
