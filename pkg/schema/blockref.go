package schema

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/cuemby/meridian/pkg/table"
)

// BlockRef is the CRDT record behind spec.md's BlockRef table: a
// (block hash, version uuid) pair with an LWW-register deleted flag.
// Deletion is lazy (spec.md §4.6, §9): a version transitioning to
// Aborted marks its refs Deleted=true in the same local write, but
// physical block reclamation happens only through the block manager's
// refcount+delay path (pkg/blockstore), driven by the RefcountHook
// below.
type BlockRef struct {
	BlockHash [32]byte
	VersionID uuid.UUID
	Deleted   LWWBool
}

type blockRefSchema struct{}

// BlockRefSchema is the table.Schema instance BlockRef rows are stored
// under. Its partition key is the block hash itself (PartitionHash is
// the identity function), so a BlockRef row always shares a partition
// with the Block it references.
var BlockRefSchema table.Schema[[32]byte, uuid.UUID, BlockRef] = blockRefSchema{}

func (blockRefSchema) Name() string                      { return "block_refs" }
func (blockRefSchema) PartitionKey(r BlockRef) [32]byte  { return r.BlockHash }
func (blockRefSchema) SortKey(r BlockRef) uuid.UUID      { return r.VersionID }
func (blockRefSchema) EncodePK(h [32]byte) []byte        { return h[:] }
func (blockRefSchema) EncodeSK(id uuid.UUID) []byte      { return id[:] }
func (blockRefSchema) PartitionHash(h [32]byte) [32]byte { return h }
func (blockRefSchema) IsTombstone(r BlockRef) bool       { return r.Deleted.Value }

func (blockRefSchema) Merge(a, b BlockRef) BlockRef {
	return BlockRef{
		BlockHash: a.BlockHash,
		VersionID: a.VersionID,
		Deleted:   mergeLWWBool(a.Deleted, b.Deleted),
	}
}

func (blockRefSchema) EncodeValue(r BlockRef) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("schema: failed to encode block ref: %w", err)
	}
	return data, nil
}

func (blockRefSchema) DecodeValue(data []byte) (BlockRef, error) {
	var r BlockRef
	if err := json.Unmarshal(data, &r); err != nil {
		return BlockRef{}, fmt.Errorf("schema: failed to decode block ref: %w", err)
	}
	return r, nil
}

// RefcountAdjuster is satisfied by *blockstore.Manager; kept narrow here
// so pkg/schema never imports pkg/blockstore.
type RefcountAdjuster interface {
	AdjustRefcount(h [32]byte, delta int) error
}

// RefcountHook builds a table.MergeHook that drives adjuster's refcount
// off BlockRef merges: a ref transitioning from not-deleted (or
// nonexistent) to deleted is a -1, the reverse (a resurrected ref,
// which a correct client never produces but anti-entropy can still
// redeliver out of order) is a +1. A ref created already deleted (the
// lazy-deletion path, §4.6) never increments, since the block it names
// was never actually referenced by a live version from this row's
// perspective.
func RefcountHook(adjuster RefcountAdjuster) table.MergeHook[BlockRef] {
	return func(old, new BlockRef, existed bool) {
		wasDeleted := existed && old.Deleted.Value
		isDeleted := new.Deleted.Value

		switch {
		case !existed && !isDeleted:
			if err := adjuster.AdjustRefcount(new.BlockHash, 1); err != nil {
				blockRefLog.Warn().Err(err).Msg("failed to increment block refcount on new ref")
			}
		case existed && !wasDeleted && isDeleted:
			if err := adjuster.AdjustRefcount(new.BlockHash, -1); err != nil {
				blockRefLog.Warn().Err(err).Msg("failed to decrement block refcount on ref deletion")
			}
		case wasDeleted && !isDeleted:
			if err := adjuster.AdjustRefcount(new.BlockHash, 1); err != nil {
				blockRefLog.Warn().Err(err).Msg("failed to re-increment block refcount on ref resurrection")
			}
		}
	}
}
