package schema

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/cuemby/meridian/pkg/table"
)

// BlockSpan is one block's position in a Version's byte stream.
type BlockSpan struct {
	Offset int64
	Hash   [32]byte
}

// Version is the CRDT record behind spec.md's Version table: an
// append-only, offset-ordered block list back-pointing to the bucket
// and key it belongs to, sealed atomically with the owning
// ObjectVersion's transition to Complete.
type Version struct {
	UUID     uuid.UUID
	BucketID uuid.UUID
	Key      string
	Blocks   []BlockSpan
	Sealed   bool
	SealedAt int64
	Deleted  LWWBool
}

type versionSchema struct{}

// VersionSchema is the table.Schema instance Version rows are stored under.
var VersionSchema table.Schema[uuid.UUID, Unit, Version] = versionSchema{}

func (versionSchema) Name() string                        { return "versions" }
func (versionSchema) PartitionKey(v Version) uuid.UUID    { return v.UUID }
func (versionSchema) SortKey(Version) Unit                { return Unit{} }
func (versionSchema) EncodePK(id uuid.UUID) []byte        { return id[:] }
func (versionSchema) EncodeSK(Unit) []byte                { return nil }
func (versionSchema) PartitionHash(id uuid.UUID) [32]byte { return partitionHashUUID(id) }
func (versionSchema) IsTombstone(v Version) bool          { return v.Deleted.Value }

// Merge unions the two sides' block lists keyed by offset (append-only:
// a single writer only ever adds new offsets) and re-sorts, so a
// replica that has only seen a prefix of the writes converges once it
// sees the rest. Sealed is a one-way flag; SealedAt keeps whichever
// side actually observed the seal.
func (versionSchema) Merge(a, b Version) Version {
	out := Version{UUID: a.UUID, BucketID: a.BucketID, Key: a.Key}
	out.Sealed = a.Sealed || b.Sealed
	switch {
	case a.Sealed && !b.Sealed:
		out.SealedAt = a.SealedAt
	case b.Sealed && !a.Sealed:
		out.SealedAt = b.SealedAt
	case a.SealedAt >= b.SealedAt:
		out.SealedAt = a.SealedAt
	default:
		out.SealedAt = b.SealedAt
	}

	byOffset := make(map[int64][32]byte, len(a.Blocks)+len(b.Blocks))
	for _, span := range a.Blocks {
		byOffset[span.Offset] = span.Hash
	}
	for _, span := range b.Blocks {
		byOffset[span.Offset] = span.Hash
	}
	out.Blocks = make([]BlockSpan, 0, len(byOffset))
	for offset, hash := range byOffset {
		out.Blocks = append(out.Blocks, BlockSpan{Offset: offset, Hash: hash})
	}
	sort.Slice(out.Blocks, func(i, j int) bool { return out.Blocks[i].Offset < out.Blocks[j].Offset })

	out.Deleted = mergeLWWBool(a.Deleted, b.Deleted)
	return out
}

func (versionSchema) EncodeValue(v Version) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("schema: failed to encode version: %w", err)
	}
	return data, nil
}

func (versionSchema) DecodeValue(data []byte) (Version, error) {
	var v Version
	if err := json.Unmarshal(data, &v); err != nil {
		return Version{}, fmt.Errorf("schema: failed to decode version: %w", err)
	}
	return v, nil
}
