package schema

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/cuemby/meridian/pkg/table"
)

// Permission is one bucket's access grant under an AccessKey, an LWW
// register over the (read, write, owner) triple.
type Permission struct {
	Read      bool
	Write     bool
	Owner     bool
	Timestamp int64
}

func mergePermission(a, b Permission) Permission {
	if b.Timestamp > a.Timestamp {
		return b
	}
	return a
}

// AccessKey is the CRDT record behind spec.md's Key (access key) table:
// similar to Bucket, with LWW registers for the secret and name, and a
// per-bucket LWW permission map instead of an alias set.
type AccessKey struct {
	ID          string
	Secret      LWWString
	Name        LWWString
	Permissions map[uuid.UUID]Permission
	Tombstone   LWWBool
}

type accessKeySchema struct{}

// AccessKeySchema is the table.Schema instance AccessKey rows are stored under.
var AccessKeySchema table.Schema[string, Unit, AccessKey] = accessKeySchema{}

func (accessKeySchema) Name() string                    { return "access_keys" }
func (accessKeySchema) PartitionKey(k AccessKey) string { return k.ID }
func (accessKeySchema) SortKey(AccessKey) Unit          { return Unit{} }
func (accessKeySchema) EncodePK(id string) []byte       { return []byte(id) }
func (accessKeySchema) EncodeSK(Unit) []byte            { return nil }
func (accessKeySchema) PartitionHash(id string) [32]byte {
	return sha256.Sum256([]byte(id))
}
func (accessKeySchema) IsTombstone(k AccessKey) bool { return k.Tombstone.Value }

func (accessKeySchema) Merge(a, b AccessKey) AccessKey {
	out := AccessKey{
		ID:          a.ID,
		Secret:      mergeLWWString(a.Secret, b.Secret),
		Name:        mergeLWWString(a.Name, b.Name),
		Permissions: make(map[uuid.UUID]Permission, len(a.Permissions)+len(b.Permissions)),
		Tombstone:   mergeLWWBool(a.Tombstone, b.Tombstone),
	}
	for bucketID, p := range a.Permissions {
		out.Permissions[bucketID] = p
	}
	for bucketID, p := range b.Permissions {
		if existing, ok := out.Permissions[bucketID]; ok {
			out.Permissions[bucketID] = mergePermission(existing, p)
		} else {
			out.Permissions[bucketID] = p
		}
	}
	return out
}

func (accessKeySchema) EncodeValue(k AccessKey) ([]byte, error) {
	data, err := json.Marshal(k)
	if err != nil {
		return nil, fmt.Errorf("schema: failed to encode access key: %w", err)
	}
	return data, nil
}

func (accessKeySchema) DecodeValue(data []byte) (AccessKey, error) {
	var k AccessKey
	if err := json.Unmarshal(data, &k); err != nil {
		return AccessKey{}, fmt.Errorf("schema: failed to decode access key: %w", err)
	}
	return k, nil
}
