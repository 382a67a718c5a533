package schema

import (
	"testing"

	"github.com/google/uuid"

	"github.com/stretchr/testify/assert"
)

func TestLatticeUploadingIsBottom(t *testing.T) {
	assert.Equal(t, StateComplete, Lattice(StateUploading, StateComplete))
	assert.Equal(t, StateAborted, Lattice(StateAborted, StateUploading))
}

func TestLatticeSameStateIsIdempotent(t *testing.T) {
	assert.Equal(t, StateComplete, Lattice(StateComplete, StateComplete))
	assert.Equal(t, StateAborted, Lattice(StateAborted, StateAborted))
}

func TestLatticeConflictResolvesToComplete(t *testing.T) {
	assert.Equal(t, StateComplete, Lattice(StateComplete, StateAborted))
	assert.Equal(t, StateComplete, Lattice(StateAborted, StateComplete))
}

func TestObjectMergeVersionTransitionsForward(t *testing.T) {
	versionID := uuid.New()
	bucketID := uuid.New()

	uploading := Object{
		BucketID: bucketID,
		Key:      "k/a",
		Versions: map[uuid.UUID]ObjectVersion{
			versionID: {UUID: versionID, State: StateUploading},
		},
	}
	complete := Object{
		BucketID: bucketID,
		Key:      "k/a",
		Versions: map[uuid.UUID]ObjectVersion{
			versionID: {UUID: versionID, State: StateComplete, Size: 5, MimeType: "text/plain"},
		},
	}

	merged := ObjectSchema.Merge(uploading, complete)
	got := merged.Versions[versionID]
	assert.Equal(t, StateComplete, got.State)
	assert.Equal(t, int64(5), got.Size)
	assert.Equal(t, "text/plain", got.MimeType)
}

func TestObjectMergeUnionsDistinctVersions(t *testing.T) {
	bucketID := uuid.New()
	v1, v2 := uuid.New(), uuid.New()

	a := Object{BucketID: bucketID, Key: "k", Versions: map[uuid.UUID]ObjectVersion{v1: {UUID: v1}}}
	b := Object{BucketID: bucketID, Key: "k", Versions: map[uuid.UUID]ObjectVersion{v2: {UUID: v2}}}

	merged := ObjectSchema.Merge(a, b)
	assert.Len(t, merged.Versions, 2)
}

func TestObjectIsTombstoneWhenNoVersions(t *testing.T) {
	assert.True(t, ObjectSchema.IsTombstone(Object{}))
	assert.False(t, ObjectSchema.IsTombstone(Object{Versions: map[uuid.UUID]ObjectVersion{uuid.New(): {}}}))
}

func TestValidateObjectKeyRejectsEmptyAndInvalidUTF8(t *testing.T) {
	assert.Error(t, ValidateObjectKey(""))
	assert.Error(t, ValidateObjectKey(string([]byte{0xff, 0xfe})))
	assert.NoError(t, ValidateObjectKey("k/a"))
}
