// Package replication implements the two replication policies a table
// can be configured with — Sharded and FullCopy — over a layout history.
// Both share one interface so the table engine can stay agnostic of
// which policy a given schema uses.
package replication

import (
	"time"

	"github.com/cuemby/meridian/pkg/identity"
	"github.com/cuemby/meridian/pkg/layout"
	"github.com/cuemby/meridian/pkg/log"
)

var replicationLog = log.WithComponent("replication")

// SyncPartition names one partition's hash range and the write sets (one
// per live layout version) responsible for it, for the anti-entropy loop.
type SyncPartition struct {
	Partition layout.Partition
	FirstHash [32]byte
	LastHash  [32]byte
	WriteSets [][]identity.NodeID
}

// SyncPartitions is the result of Policy.SyncPartitions: every partition
// this node should run anti-entropy over, plus the layout version floor
// driving how far back sync needs to look.
type SyncPartitions struct {
	LayoutVersion uint64
	Partitions    []SyncPartition
}

// Policy is the shared contract for Sharded and FullCopy replication.
type Policy interface {
	// AntiEntropyInterval is how often this policy's anti-entropy loop runs.
	AntiEntropyInterval() time.Duration

	// StorageNodes returns every node that may hold the record at hash,
	// across every live layout version.
	StorageNodes(hash [32]byte) []identity.NodeID

	// ReadNodes returns the nodes reads for hash are issued to.
	ReadNodes(hash [32]byte) []identity.NodeID

	// WriteSets returns one replica set per live layout version; a write
	// succeeds only once it reaches quorum in every set.
	WriteSets(hash [32]byte) [][]identity.NodeID

	// ReadQuorum is the number of ReadNodes replies required to answer a read.
	ReadQuorum() int

	// WriteQuorum is the number of acks required, per write set, to
	// succeed a write.
	WriteQuorum() int

	// PartitionOf returns the partition owning hash under the current version.
	PartitionOf(hash [32]byte) layout.Partition

	// SyncPartitions drives the anti-entropy loop.
	SyncPartitions() SyncPartitions
}

// dedupeNodes removes duplicate node ids, keeping the first occurrence of
// each in input order.
func dedupeNodes(nodes []identity.NodeID) []identity.NodeID {
	seen := make(map[identity.NodeID]bool, len(nodes))
	out := make([]identity.NodeID, 0, len(nodes))
	for _, n := range nodes {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

func minSetSize(sets [][]identity.NodeID) int {
	if len(sets) == 0 {
		return 0
	}
	min := len(sets[0])
	for _, s := range sets[1:] {
		if len(s) < min {
			min = len(s)
		}
	}
	return min
}

func maxCeilQuorum(sets [][]identity.NodeID, mode layout.ConsistencyMode) int {
	max := 0
	for _, s := range sets {
		q := layout.WriteQuorum(mode, len(s))
		if q > max {
			max = q
		}
	}
	return max
}
