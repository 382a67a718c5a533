package schema

import (
	"testing"

	"github.com/google/uuid"

	"github.com/stretchr/testify/assert"
)

func TestBucketMergeAliasAddThenDelete(t *testing.T) {
	id := uuid.New()
	a := Bucket{ID: id, Aliases: map[string]BucketAlias{"prod": {Timestamp: 1}}}
	b := Bucket{ID: id, Aliases: map[string]BucketAlias{"prod": {Deleted: true, Timestamp: 2}}}

	merged := BucketSchema.Merge(a, b)
	assert.True(t, merged.Aliases["prod"].Deleted)

	// Merging in the other order must converge to the same result (I4).
	reverse := BucketSchema.Merge(b, a)
	assert.Equal(t, merged.Aliases, reverse.Aliases)
}

func TestBucketMergeIsIdempotent(t *testing.T) {
	id := uuid.New()
	a := Bucket{
		ID:         id,
		Aliases:    map[string]BucketAlias{"prod": {Timestamp: 5}},
		Parameters: map[string]LWWBytes{"versioning": {Value: []byte("enabled"), Timestamp: 5}},
	}
	once := BucketSchema.Merge(a, a)
	twice := BucketSchema.Merge(once, a)
	assert.Equal(t, once, twice)
}

func TestBucketMergeParametersKeepsLatestTimestamp(t *testing.T) {
	id := uuid.New()
	a := Bucket{ID: id, Parameters: map[string]LWWBytes{"quota": {Value: []byte("10GB"), Timestamp: 1}}}
	b := Bucket{ID: id, Parameters: map[string]LWWBytes{"quota": {Value: []byte("20GB"), Timestamp: 2}}}

	merged := BucketSchema.Merge(a, b)
	assert.Equal(t, []byte("20GB"), merged.Parameters["quota"].Value)
}

func TestBucketEncodeDecodeRoundTrip(t *testing.T) {
	id := uuid.New()
	b := Bucket{
		ID:         id,
		Aliases:    map[string]BucketAlias{"prod": {Timestamp: 1}},
		Parameters: map[string]LWWBytes{"quota": {Value: []byte("10GB"), Timestamp: 1}},
		Tombstone:  LWWBool{Value: false, Timestamp: 1},
	}
	encoded, err := BucketSchema.EncodeValue(b)
	assert.NoError(t, err)

	decoded, err := BucketSchema.DecodeValue(encoded)
	assert.NoError(t, err)
	assert.Equal(t, b, decoded)
}

func TestBucketIsTombstone(t *testing.T) {
	b := Bucket{Tombstone: LWWBool{Value: true, Timestamp: 1}}
	assert.True(t, BucketSchema.IsTombstone(b))
}
