// Package schema implements Meridian's concrete table.Schema instances:
// Bucket, Key (access key), Object, Version and BlockRef. Each is a thin
// wrapper around a CRDT record type whose Merge is commutative,
// associative and idempotent (I4), so any two replicas that have seen
// the same set of writes converge regardless of delivery order.
package schema

import (
	"crypto/sha256"

	"github.com/cuemby/meridian/pkg/log"
)

var blockRefLog = log.WithComponent("schema")

// Unit is the sort key type for tables keyed by a single identity with
// no natural secondary ordering: Bucket, Key and Version each have
// exactly one row per identity, so their rows carry no sort key.
type Unit struct{}

// partitionHashUUID maps a 16-byte uuid to the 32-byte hash the table
// engine and layout use for partition placement.
func partitionHashUUID(id [16]byte) [32]byte {
	return sha256.Sum256(id[:])
}
