package replication

import (
	"time"

	"github.com/cuemby/meridian/pkg/identity"
	"github.com/cuemby/meridian/pkg/layout"
)

// shardedAntiEntropyInterval matches the 10-minute cadence for
// per-hash sharded tables, whose partitions are numerous but each one
// changes slowly.
const shardedAntiEntropyInterval = 10 * time.Minute

// Sharded replicates a record only to the nodes its hash maps to under
// each live layout version; reads and writes touch a small, hash-derived
// subset of the cluster.
type Sharded struct {
	History *layout.History
	Mode    layout.ConsistencyMode
}

// NewSharded builds a Sharded policy over the given layout history.
func NewSharded(history *layout.History, mode layout.ConsistencyMode) *Sharded {
	return &Sharded{History: history, Mode: mode}
}

func (s *Sharded) AntiEntropyInterval() time.Duration { return shardedAntiEntropyInterval }

func (s *Sharded) StorageNodes(hash [32]byte) []identity.NodeID {
	var nodes []identity.NodeID
	for _, v := range s.History.Versions() {
		nodes = append(nodes, v.NodesOf(hash)...)
	}
	return dedupeNodes(nodes)
}

func (s *Sharded) ReadNodes(hash [32]byte) []identity.NodeID {
	return s.History.ReadVersion().NodesOf(hash)
}

func (s *Sharded) ReadQuorum() int {
	rv := s.History.ReadVersion()
	return rv.ReadQuorum(s.Mode)
}

func (s *Sharded) WriteSets(hash [32]byte) [][]identity.NodeID {
	versions := s.History.Versions()
	sets := make([][]identity.NodeID, len(versions))
	for i, v := range versions {
		sets[i] = v.NodesOf(hash)
	}
	return sets
}

func (s *Sharded) WriteQuorum() int {
	return s.History.Current().WriteQuorum(s.Mode)
}

func (s *Sharded) PartitionOf(hash [32]byte) layout.Partition {
	return s.History.Current().PartitionOf(hash)
}

func (s *Sharded) SyncPartitions() SyncPartitions {
	versions := s.History.Versions()
	ranges := s.History.Current().Partitions()

	partitions := make([]SyncPartition, len(ranges))
	for i, r := range ranges {
		sets := make([][]identity.NodeID, len(versions))
		for j, v := range versions {
			sets[j] = v.NodesOf(r.FirstHash)
		}
		var last [32]byte
		if i+1 < len(ranges) {
			last = ranges[i+1].FirstHash
		} else {
			for b := range last {
				last[b] = 0xFF
			}
		}
		partitions[i] = SyncPartition{
			Partition: r.Partition,
			FirstHash: r.FirstHash,
			LastHash:  last,
			WriteSets: sets,
		}
	}

	return SyncPartitions{
		LayoutVersion: s.History.AckMapMin(),
		Partitions:    partitions,
	}
}
