package replication

import (
	"time"

	"github.com/cuemby/meridian/pkg/identity"
	"github.com/cuemby/meridian/pkg/layout"
)

// fullCopyAntiEntropyInterval matches the spec's 10-second cadence for
// full-copy tables: anti-entropy is cheap (a single partition hash to
// exchange) and staying in sync matters more since every node answers reads.
const fullCopyAntiEntropyInterval = 10 * time.Second

// FullCopy replicates every record to every storage node in the cluster.
// Reads go to every node of the read version; writes fan out to the
// whole membership of every live version.
type FullCopy struct {
	History *layout.History
	Mode    layout.ConsistencyMode
}

// NewFullCopy builds a FullCopy policy over the given layout history.
func NewFullCopy(history *layout.History, mode layout.ConsistencyMode) *FullCopy {
	return &FullCopy{History: history, Mode: mode}
}

func (f *FullCopy) AntiEntropyInterval() time.Duration { return fullCopyAntiEntropyInterval }

func (f *FullCopy) StorageNodes(_ [32]byte) []identity.NodeID {
	return f.History.AllNodes()
}

func (f *FullCopy) ReadNodes(_ [32]byte) []identity.NodeID {
	return f.History.ReadVersion().AllNodes()
}

func (f *FullCopy) ReadQuorum() int {
	switch f.Mode {
	case layout.Dangerous, layout.Degraded:
		return 1
	default:
		nodes := f.History.ReadVersion().AllNodes()
		return ceilDiv(len(nodes), 2)
	}
}

func (f *FullCopy) WriteSets(_ [32]byte) [][]identity.NodeID {
	versions := f.History.Versions()
	sets := make([][]identity.NodeID, len(versions))
	for i, v := range versions {
		sets[i] = v.AllNodes()
	}
	return sets
}

func (f *FullCopy) WriteQuorum() int {
	if f.Mode == layout.Dangerous {
		return 1
	}

	versions := f.History.Versions()
	sets := make([][]identity.NodeID, len(versions))
	for i, v := range versions {
		sets[i] = v.AllNodes()
	}

	minLen := minSetSize(sets)
	maxQuorum := maxCeilQuorum(sets, f.Mode)
	if minLen < maxQuorum {
		replicationLog.Warn().
			Int("min_set_size", minLen).
			Int("max_quorum", maxQuorum).
			Msg("write quorum will not be respected for full-copy table due to active layout versions with differing node counts")
		if minLen < 1 {
			return 1
		}
		return minLen
	}
	return maxQuorum
}

func (f *FullCopy) PartitionOf(_ [32]byte) layout.Partition {
	return 0
}

func (f *FullCopy) SyncPartitions() SyncPartitions {
	versions := f.History.Versions()
	sets := make([][]identity.NodeID, len(versions))
	for i, v := range versions {
		sets[i] = v.AllNodes()
	}

	var last [32]byte
	for b := range last {
		last[b] = 0xFF
	}

	return SyncPartitions{
		LayoutVersion: f.History.AckMapMin(),
		Partitions: []SyncPartition{{
			Partition: 0,
			FirstHash: [32]byte{},
			LastHash:  last,
			WriteSets: sets,
		}},
	}
}

func ceilDiv(n, d int) int {
	if d == 0 {
		return 0
	}
	return (n + d - 1) / d
}
