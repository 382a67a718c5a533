package schema

import (
	"testing"

	"github.com/google/uuid"

	"github.com/stretchr/testify/assert"
)

type fakeAdjuster struct {
	deltas map[[32]byte]int
}

func newFakeAdjuster() *fakeAdjuster {
	return &fakeAdjuster{deltas: make(map[[32]byte]int)}
}

func (f *fakeAdjuster) AdjustRefcount(h [32]byte, delta int) error {
	f.deltas[h] += delta
	return nil
}

func TestBlockRefMergeKeepsLatestDeletedTimestamp(t *testing.T) {
	hash := [32]byte{1}
	versionID := uuid.New()

	a := BlockRef{BlockHash: hash, VersionID: versionID, Deleted: LWWBool{Value: false, Timestamp: 1}}
	b := BlockRef{BlockHash: hash, VersionID: versionID, Deleted: LWWBool{Value: true, Timestamp: 2}}

	merged := BlockRefSchema.Merge(a, b)
	assert.True(t, merged.Deleted.Value)
}

func TestBlockRefPartitionHashIsIdentityOfBlockHash(t *testing.T) {
	hash := [32]byte{1, 2, 3}
	assert.Equal(t, hash, BlockRefSchema.PartitionHash(hash))
}

func TestRefcountHookIncrementsOnNewLiveRef(t *testing.T) {
	adj := newFakeAdjuster()
	hook := RefcountHook(adj)
	hash := [32]byte{7}

	hook(BlockRef{}, BlockRef{BlockHash: hash, Deleted: LWWBool{Value: false}}, false)
	assert.Equal(t, 1, adj.deltas[hash])
}

func TestRefcountHookDoesNotIncrementOnRefCreatedAlreadyDeleted(t *testing.T) {
	adj := newFakeAdjuster()
	hook := RefcountHook(adj)
	hash := [32]byte{7}

	hook(BlockRef{}, BlockRef{BlockHash: hash, Deleted: LWWBool{Value: true}}, false)
	assert.Equal(t, 0, adj.deltas[hash])
}

func TestRefcountHookDecrementsOnTransitionToDeleted(t *testing.T) {
	adj := newFakeAdjuster()
	hook := RefcountHook(adj)
	hash := [32]byte{7}
	old := BlockRef{BlockHash: hash, Deleted: LWWBool{Value: false, Timestamp: 1}}
	deleted := BlockRef{BlockHash: hash, Deleted: LWWBool{Value: true, Timestamp: 2}}

	hook(old, deleted, true)
	assert.Equal(t, -1, adj.deltas[hash])
}

func TestRefcountHookReincrementsOnResurrection(t *testing.T) {
	adj := newFakeAdjuster()
	hook := RefcountHook(adj)
	hash := [32]byte{7}
	old := BlockRef{BlockHash: hash, Deleted: LWWBool{Value: true, Timestamp: 1}}
	resurrected := BlockRef{BlockHash: hash, Deleted: LWWBool{Value: false, Timestamp: 2}}

	hook(old, resurrected, true)
	assert.Equal(t, 1, adj.deltas[hash])
}
