// Package layout computes and tracks the cluster's partition-to-replica
// assignment: which nodes hold which of the 256 partitions, how that
// assignment evolves across staged edits, and which versions are still
// "live" (not yet acknowledged by every node) so reads and writes can
// target the right replica sets during a rebalance.
package layout

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cuemby/meridian/pkg/identity"
)

// PartitionBits is the number of high bits of a record's hash used to
// select its partition; PartitionCount = 2^PartitionBits = 256.
const PartitionBits = 8

// PartitionCount is the fixed number of partitions in any layout version.
const PartitionCount = 1 << PartitionBits

// Partition identifies one of the 256 hash-prefix buckets.
type Partition uint16

// ConsistencyMode selects the read/write quorum formula for a replication
// policy, per the quorum table in the replication policy component.
type ConsistencyMode int

const (
	Dangerous ConsistencyMode = iota
	Degraded
	Consistent
)

func (m ConsistencyMode) String() string {
	switch m {
	case Dangerous:
		return "dangerous"
	case Degraded:
		return "degraded"
	case Consistent:
		return "consistent"
	default:
		return "unknown"
	}
}

// ReadQuorum computes the required read quorum out of n replicas under mode.
func ReadQuorum(mode ConsistencyMode, n int) int {
	switch mode {
	case Consistent:
		return ceilDiv(n, 2)
	default:
		return 1
	}
}

// WriteQuorum computes the required write quorum out of n replicas under mode.
func WriteQuorum(mode ConsistencyMode, n int) int {
	if mode == Dangerous {
		return 1
	}
	return n/2 + 1
}

func ceilDiv(n, d int) int {
	return (n + d - 1) / d
}

// NodeRole describes one node's membership in a layout version: its zone
// (for diversity placement) and its relative storage capacity (used to
// weight how many partitions it receives). A Capacity of 0 marks a
// gateway-only node that never stores a replica.
type NodeRole struct {
	ID       identity.NodeID
	Zone     string
	Capacity uint32
}

// LayoutVersion is an immutable snapshot of role assignments and the
// partition -> ordered replica set map derived from them.
type LayoutVersion struct {
	Num               uint64
	Roles             []NodeRole
	ReplicationFactor int

	assignment [PartitionCount][]identity.NodeID
}

// NewLayoutVersion computes a fresh zone-aware, capacity-weighted
// assignment of every partition to a replica set of length
// min(replicationFactor, storage node count).
func NewLayoutVersion(num uint64, roles []NodeRole, replicationFactor int) (*LayoutVersion, error) {
	if replicationFactor < 1 {
		return nil, fmt.Errorf("layout: replication factor must be >= 1, got %d", replicationFactor)
	}
	lv := &LayoutVersion{Num: num, Roles: append([]NodeRole(nil), roles...), ReplicationFactor: replicationFactor}
	lv.assignment = computeAssignment(lv.Roles, replicationFactor)
	return lv, nil
}

// AllNodes returns every storage node (Capacity > 0) in this version,
// sorted by NodeID for deterministic iteration.
func (lv *LayoutVersion) AllNodes() []identity.NodeID {
	var out []identity.NodeID
	for _, r := range lv.Roles {
		if r.Capacity > 0 {
			out = append(out, r.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i][:]) < string(out[j][:])
	})
	return out
}

// PartitionOf returns the partition owning a 32-byte record hash: its
// top PartitionBits bits.
func PartitionOf(hash [32]byte) Partition {
	return Partition(hash[0])
}

// NodesOf returns the ordered replica set for the partition owning hash.
func (lv *LayoutVersion) NodesOf(hash [32]byte) []identity.NodeID {
	return lv.PartitionNodes(PartitionOf(hash))
}

// PartitionNodes returns the ordered replica set assigned to a partition.
func (lv *LayoutVersion) PartitionNodes(p Partition) []identity.NodeID {
	return lv.assignment[p]
}

// Partitions iterates every partition in order, yielding its id and the
// first record hash that maps to it (all bits after PartitionBits zero).
func (lv *LayoutVersion) Partitions() []PartitionRange {
	out := make([]PartitionRange, PartitionCount)
	for p := 0; p < PartitionCount; p++ {
		var first [32]byte
		first[0] = byte(p)
		out[p] = PartitionRange{Partition: Partition(p), FirstHash: first}
	}
	return out
}

// PartitionRange names a partition and the lowest hash that maps to it;
// the next partition's FirstHash (or 0xFF repeated, for the last one) is
// the exclusive upper bound of its range.
type PartitionRange struct {
	Partition Partition
	FirstHash [32]byte
}

// ReadQuorum computes this version's read quorum for a partition's
// replica set under mode.
func (lv *LayoutVersion) ReadQuorum(mode ConsistencyMode) int {
	return ReadQuorum(mode, lv.ReplicationFactor)
}

// WriteQuorum computes this version's write quorum for a partition's
// replica set under mode.
func (lv *LayoutVersion) WriteQuorum(mode ConsistencyMode) int {
	return WriteQuorum(mode, lv.ReplicationFactor)
}

// computeAssignment builds a capacity-weighted token ring over all
// storage-capable roles and, for every partition, walks the ring from
// that partition's anchor point picking distinct nodes while preferring
// zone diversity, until replicationFactor nodes are chosen or the ring
// is exhausted.
func computeAssignment(roles []NodeRole, replicationFactor int) [PartitionCount][]identity.NodeID {
	var assignment [PartitionCount][]identity.NodeID

	type token struct {
		key  uint64
		node int // index into roles
	}
	var tokens []token
	const tokensPerCapacityUnit = 4
	for i, r := range roles {
		if r.Capacity == 0 {
			continue
		}
		n := int(r.Capacity) * tokensPerCapacityUnit
		if n < tokensPerCapacityUnit {
			n = tokensPerCapacityUnit
		}
		for t := 0; t < n; t++ {
			tokens = append(tokens, token{key: tokenKey(r.ID, t), node: i})
		}
	}
	if len(tokens) == 0 {
		return assignment
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].key < tokens[j].key })

	for p := 0; p < PartitionCount; p++ {
		anchor := partitionAnchor(Partition(p))
		start := sort.Search(len(tokens), func(i int) bool { return tokens[i].key >= anchor })

		var picked []identity.NodeID
		usedNode := make(map[int]bool)
		usedZone := make(map[string]bool)
		// First pass: prefer a node from a zone not yet represented.
		for pass := 0; pass < 2 && len(picked) < replicationFactor; pass++ {
			for i := 0; i < len(tokens) && len(picked) < replicationFactor; i++ {
				tok := tokens[(start+i)%len(tokens)]
				if usedNode[tok.node] {
					continue
				}
				zone := roles[tok.node].Zone
				if pass == 0 && usedZone[zone] {
					continue
				}
				usedNode[tok.node] = true
				usedZone[zone] = true
				picked = append(picked, roles[tok.node].ID)
			}
		}
		assignment[p] = picked
	}
	return assignment
}

func tokenKey(id identity.NodeID, index int) uint64 {
	h := sha256.New()
	h.Write(id[:])
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(index))
	h.Write(b[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

func partitionAnchor(p Partition) uint64 {
	return uint64(p) << 56
}
