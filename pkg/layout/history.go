package layout

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/meridian/pkg/identity"
)

// StagedEdit accumulates pending role changes on top of the current
// version. It becomes a proposed LayoutVersion once Propose is called,
// and a committed one once a quorum of nodes has countersigned it.
type StagedEdit struct {
	baseVersion uint64
	changes     map[identity.NodeID]NodeRole
}

func newStagedEdit(base uint64) *StagedEdit {
	return &StagedEdit{baseVersion: base, changes: make(map[identity.NodeID]NodeRole)}
}

// proposal is a staged edit that has been turned into a concrete next
// version and is awaiting countersignatures before it can be committed.
type proposal struct {
	version    *LayoutVersion
	signatures map[identity.NodeID][]byte
}

// History tracks the live window of layout versions plus the per-node
// ack/sync/sync_ack progress maps and any in-flight staged edit.
type History struct {
	mu sync.RWMutex

	replicationFactor int
	versions          []*LayoutVersion // oldest first; last is current

	ackMap     map[identity.NodeID]uint64
	syncMap    map[identity.NodeID]uint64
	syncAckMap map[identity.NodeID]uint64

	staged   *StagedEdit
	proposed *proposal
}

// NewHistory starts a history at a single initial version.
func NewHistory(initial *LayoutVersion) *History {
	return &History{
		replicationFactor: initial.ReplicationFactor,
		versions:          []*LayoutVersion{initial},
		ackMap:            make(map[identity.NodeID]uint64),
		syncMap:           make(map[identity.NodeID]uint64),
		syncAckMap:        make(map[identity.NodeID]uint64),
	}
}

// Current returns the newest layout version.
func (h *History) Current() *LayoutVersion {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.versions[len(h.versions)-1]
}

// AllNodes returns every storage node known to the current version.
func (h *History) AllNodes() []identity.NodeID {
	return h.Current().AllNodes()
}

// NodesOf returns the current version's replica set for hash.
func (h *History) NodesOf(hash [32]byte) []identity.NodeID {
	return h.Current().NodesOf(hash)
}

// PartitionOf returns the partition owning hash.
func (h *History) PartitionOf(hash [32]byte) Partition {
	return PartitionOf(hash)
}

// Versions returns every version still "live": committed and not yet
// sync_ack'd by every node in its replica sets.
func (h *History) Versions() []*LayoutVersion {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*LayoutVersion, len(h.versions))
	copy(out, h.versions)
	return out
}

// ReadVersion is the version used to resolve reads: the oldest version
// still live. Until it has been fully sync_ack'd and pruned from the
// window, falling back to it is the conservative choice that every
// current replica is guaranteed to have synced.
func (h *History) ReadVersion() *LayoutVersion {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.versions[0]
}

// AckMapMin returns the smallest acknowledged version across all nodes
// known to the current version; nodes that have never acked count as 0.
func (h *History) AckMapMin() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return mapMinFor(h.ackMap, h.versions[len(h.versions)-1].AllNodes())
}

func mapMinFor(m map[identity.NodeID]uint64, nodes []identity.NodeID) uint64 {
	if len(nodes) == 0 {
		return 0
	}
	min := ^uint64(0)
	for _, n := range nodes {
		v, ok := m[n]
		if !ok {
			return 0
		}
		if v < min {
			min = v
		}
	}
	return min
}

// Ack records that a node has applied the given version locally.
func (h *History) Ack(node identity.NodeID, version uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.ackMap[node]; !ok || version > cur {
		h.ackMap[node] = version
	}
}

// Sync records that a node has synced all data required by the given version.
func (h *History) Sync(node identity.NodeID, version uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.syncMap[node]; !ok || version > cur {
		h.syncMap[node] = version
	}
}

// SyncAck records that a node has both synced and acknowledged a version,
// and prunes any now-fully-synced versions from the front of the window.
func (h *History) SyncAck(node identity.NodeID, version uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.syncAckMap[node]; !ok || version > cur {
		h.syncAckMap[node] = version
	}
	h.pruneLocked()
}

func (h *History) pruneLocked() {
	for len(h.versions) > 1 {
		oldest := h.versions[0]
		min := mapMinFor(h.syncAckMap, oldest.AllNodes())
		if min < oldest.Num {
			break
		}
		h.versions = h.versions[1:]
	}
}

// AdoptRemote appends an externally-committed layout version learned via
// gossip directly to the live window, bypassing the local
// Propose/Countersign flow that only the node originating a layout
// change drives. Callers must already have checked v.Num is strictly
// greater than Current().Num.
func (h *History) AdoptRemote(v *LayoutVersion) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.versions = append(h.versions, v)
	h.replicationFactor = v.ReplicationFactor
}

// StageChange accumulates a role change (new node, or a capacity/zone
// update for an existing one; Capacity 0 marks a gateway-only node) for
// the next proposed version. There is no removal case.
func (h *History) StageChange(role NodeRole) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.staged == nil {
		h.staged = newStagedEdit(h.versions[len(h.versions)-1].Num)
	}
	h.staged.changes[role.ID] = role
}

// StagedChangeCount reports how many role changes are pending.
func (h *History) StagedChangeCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.staged == nil {
		return 0
	}
	return len(h.staged.changes)
}

// Propose validates that at least minChanges role updates are staged,
// recomputes partition assignment against the current roles plus the
// staged changes, and produces a candidate next version awaiting
// countersignatures. It does not mutate the live version window.
func (h *History) Propose(minChanges int) (*LayoutVersion, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.staged == nil || len(h.staged.changes) < minChanges {
		got := 0
		if h.staged != nil {
			got = len(h.staged.changes)
		}
		return nil, fmt.Errorf("layout: staged edit has %d changes, need at least %d", got, minChanges)
	}

	cur := h.versions[len(h.versions)-1]
	merged := make(map[identity.NodeID]NodeRole, len(cur.Roles)+len(h.staged.changes))
	for _, r := range cur.Roles {
		merged[r.ID] = r
	}
	for id, r := range h.staged.changes {
		merged[id] = r
	}

	roles := make([]NodeRole, 0, len(merged))
	for _, r := range merged {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool { return bytes.Compare(roles[i].ID[:], roles[j].ID[:]) < 0 })

	next, err := NewLayoutVersion(cur.Num+1, roles, h.replicationFactor)
	if err != nil {
		return nil, err
	}

	h.proposed = &proposal{version: next, signatures: make(map[identity.NodeID][]byte)}
	return next, nil
}

// CommitmentDigest is the message an identity signs to countersign a
// proposed layout version.
func CommitmentDigest(v *LayoutVersion) []byte {
	h := sha256.New()
	var numBuf [8]byte
	binary.BigEndian.PutUint64(numBuf[:], v.Num)
	h.Write(numBuf[:])
	for _, r := range v.Roles {
		h.Write(r.ID[:])
		h.Write([]byte(r.Zone))
		var capBuf [4]byte
		binary.BigEndian.PutUint32(capBuf[:], r.Capacity)
		h.Write(capBuf[:])
	}
	return h.Sum(nil)
}

// Countersign records a countersignature from node over the currently
// proposed version. Once a quorum of the *previous* version's member
// nodes has signed, the proposal becomes current and the staged edit is
// cleared.
func (h *History) Countersign(node identity.NodeID, sig []byte) (committed bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.proposed == nil {
		return false, fmt.Errorf("layout: no proposal pending countersignature")
	}
	digest := CommitmentDigest(h.proposed.version)
	if !identity.Verify(node, digest, sig) {
		return false, fmt.Errorf("layout: invalid countersignature from %s", node)
	}
	h.proposed.signatures[node] = sig

	quorumNodes := h.versions[len(h.versions)-1].AllNodes()
	need := WriteQuorum(Consistent, len(quorumNodes))
	got := 0
	for _, n := range quorumNodes {
		if _, ok := h.proposed.signatures[n]; ok {
			got++
		}
	}
	if got < need {
		return false, nil
	}

	h.versions = append(h.versions, h.proposed.version)
	h.proposed = nil
	h.staged = nil
	return true, nil
}

// ApplyStagedChanges is the all-in-one convenience path: it proposes the
// staged edit (requiring minChanges) and immediately self-countersigns
// with the local identity plus any already-known peer signatures,
// returning the new version once quorum is reached. Callers that need
// the full gossip round trip should use Propose/Countersign directly.
func (h *History) ApplyStagedChanges(minChanges int, self *identity.Identity, peerSignatures map[identity.NodeID][]byte) (*LayoutVersion, error) {
	next, err := h.Propose(minChanges)
	if err != nil {
		return nil, err
	}

	digest := CommitmentDigest(next)
	if _, err := h.Countersign(self.NodeID(), self.Sign(digest)); err != nil {
		return nil, err
	}
	for node, sig := range peerSignatures {
		committed, err := h.Countersign(node, sig)
		if err != nil {
			return nil, err
		}
		if committed {
			return next, nil
		}
	}

	h.mu.RLock()
	stillPending := h.proposed != nil
	h.mu.RUnlock()
	if stillPending {
		return nil, fmt.Errorf("layout: proposal for version %d awaiting quorum of countersignatures", next.Num)
	}
	return next, nil
}
