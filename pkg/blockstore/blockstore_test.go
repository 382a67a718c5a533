package blockstore

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/cuemby/meridian/pkg/identity"
	"github.com/cuemby/meridian/pkg/kv/bolt"
	"github.com/cuemby/meridian/pkg/layout"
	"github.com/cuemby/meridian/pkg/replication"
	"github.com/cuemby/meridian/pkg/rpc"
	"github.com/cuemby/meridian/pkg/rpcerr"
)

// fixedPolicy is a replication.Policy stub whose answers are fixed sets
// of nodes, independent of the hash asked about — enough to exercise
// the block manager without standing up a real layout/history.
type fixedPolicy struct {
	storage     []identity.NodeID
	read        []identity.NodeID
	writeSets   [][]identity.NodeID
	readQuorum  int
	writeQuorum int
}

func (p fixedPolicy) AntiEntropyInterval() time.Duration           { return time.Hour }
func (p fixedPolicy) StorageNodes(hash [32]byte) []identity.NodeID { return p.storage }
func (p fixedPolicy) ReadNodes(hash [32]byte) []identity.NodeID    { return p.read }
func (p fixedPolicy) WriteSets(hash [32]byte) [][]identity.NodeID  { return p.writeSets }
func (p fixedPolicy) ReadQuorum() int                              { return p.readQuorum }
func (p fixedPolicy) WriteQuorum() int                             { return p.writeQuorum }
func (p fixedPolicy) PartitionOf(hash [32]byte) layout.Partition   { return layout.Partition(hash[0]) }
func (p fixedPolicy) SyncPartitions() replication.SyncPartitions   { return replication.SyncPartitions{} }

var _ replication.Policy = fixedPolicy{}

// mapDialer dials the address registered for a node id.
type mapDialer struct {
	addrs map[identity.NodeID]string
}

func (d mapDialer) Dial(ctx context.Context, node identity.NodeID) (*rpc.Client, error) {
	addr, ok := d.addrs[node]
	if !ok {
		return nil, fmt.Errorf("blockstore test: no address registered for node %s", node)
	}
	return rpc.Dial(ctx, addr)
}

func newSelfNode(t *testing.T) identity.NodeID {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate() error = %v", err)
	}
	return id.NodeID()
}

func newTestManager(t *testing.T, dir string, self identity.NodeID, policy replication.Policy, dialer PeerDialer, server *rpc.Server) *Manager {
	t.Helper()
	db, err := bolt.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("bolt.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	m, err := NewManager(filepath.Join(dir, "data"), db, policy, dialer, self, server, Options{})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func TestPutBlockAndGetBlockRoundTrip(t *testing.T) {
	self := newSelfNode(t)
	policy := fixedPolicy{
		storage:     []identity.NodeID{self},
		read:        []identity.NodeID{self},
		writeSets:   [][]identity.NodeID{{self}},
		readQuorum:  1,
		writeQuorum: 1,
	}
	m := newTestManager(t, t.TempDir(), self, policy, mapDialer{addrs: map[identity.NodeID]string{}}, nil)

	data := []byte("hello meridian")
	hash := blake2b.Sum256(data)

	if err := m.PutBlock(context.Background(), hash, data); err != nil {
		t.Fatalf("PutBlock() error = %v", err)
	}

	got, err := m.GetBlock(context.Background(), hash)
	if err != nil {
		t.Fatalf("GetBlock() error = %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("GetBlock() = %q, want %q", got, data)
	}
}

func TestPutBlockRejectsHashMismatch(t *testing.T) {
	self := newSelfNode(t)
	policy := fixedPolicy{storage: []identity.NodeID{self}, writeSets: [][]identity.NodeID{{self}}, writeQuorum: 1}
	m := newTestManager(t, t.TempDir(), self, policy, mapDialer{addrs: map[identity.NodeID]string{}}, nil)

	var wrongHash [32]byte
	err := m.PutBlock(context.Background(), wrongHash, []byte("not matching"))
	if !rpcerr.Is(err, rpcerr.CorruptData) {
		t.Fatalf("PutBlock() error = %v, want rpcerr.CorruptData", err)
	}
}

func TestGetBlockMissingReturnsNotFound(t *testing.T) {
	self := newSelfNode(t)
	policy := fixedPolicy{read: []identity.NodeID{self}, readQuorum: 1}
	m := newTestManager(t, t.TempDir(), self, policy, mapDialer{addrs: map[identity.NodeID]string{}}, nil)

	var hash [32]byte
	_, err := m.GetBlock(context.Background(), hash)
	if !rpcerr.Is(err, rpcerr.NotFound) {
		t.Fatalf("GetBlock() error = %v, want rpcerr.NotFound", err)
	}
}

func TestAdjustRefcountEnqueuesAndGCDeletesAtZero(t *testing.T) {
	self := newSelfNode(t)
	policy := fixedPolicy{storage: []identity.NodeID{self}, writeSets: [][]identity.NodeID{{self}}, writeQuorum: 1}
	m := newTestManager(t, t.TempDir(), self, policy, mapDialer{addrs: map[identity.NodeID]string{}}, nil)

	data := []byte("referenced block")
	hash := blake2b.Sum256(data)
	if err := m.PutBlock(context.Background(), hash, data); err != nil {
		t.Fatalf("PutBlock() error = %v", err)
	}

	if err := m.AdjustRefcount(hash, 1); err != nil {
		t.Fatalf("AdjustRefcount(+1) error = %v", err)
	}
	if err := m.AdjustRefcount(hash, -1); err != nil {
		t.Fatalf("AdjustRefcount(-1) error = %v", err)
	}

	// Drive the delete directly rather than waiting out gcDelay: gcOne
	// only cares whether the live refcount is zero, not queueKey's
	// precise deadline, so any well-formed key for this hash exercises
	// the same deletion path gcSweep would take once due.
	if err := m.gcOne(gcQueueKey(time.Now(), hash), hash); err != nil {
		t.Fatalf("gcOne() error = %v", err)
	}

	if _, err := m.readLocal(hash); err == nil {
		t.Error("readLocal() succeeded after gcOne(), want the block to be gone")
	}
}

func TestAdjustRefcountPositiveLeavesBlockAlone(t *testing.T) {
	self := newSelfNode(t)
	policy := fixedPolicy{storage: []identity.NodeID{self}, writeSets: [][]identity.NodeID{{self}}, writeQuorum: 1}
	m := newTestManager(t, t.TempDir(), self, policy, mapDialer{addrs: map[identity.NodeID]string{}}, nil)

	data := []byte("still referenced")
	hash := blake2b.Sum256(data)
	if err := m.PutBlock(context.Background(), hash, data); err != nil {
		t.Fatalf("PutBlock() error = %v", err)
	}
	if err := m.AdjustRefcount(hash, 1); err != nil {
		t.Fatalf("AdjustRefcount() error = %v", err)
	}

	if err := m.gcOne(gcQueueKey(time.Now(), hash), hash); err != nil {
		t.Fatalf("gcOne() error = %v", err)
	}
	if _, err := m.readLocal(hash); err != nil {
		t.Errorf("readLocal() failed for still-referenced block: %v", err)
	}
}

func startPeerManager(t *testing.T, dir string) (identity.NodeID, string) {
	t.Helper()
	self := newSelfNode(t)
	policy := fixedPolicy{storage: []identity.NodeID{self}}
	server := rpc.NewServer()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	go server.Serve(l)
	t.Cleanup(func() { server.Close() })

	newTestManager(t, dir, self, policy, mapDialer{addrs: map[identity.NodeID]string{}}, server)
	return self, l.Addr().String()
}

func TestResyncMissingPullsFromPeer(t *testing.T) {
	peerDir := t.TempDir()
	peerSelf, peerAddr := startPeerManager(t, peerDir)

	localSelf := newSelfNode(t)
	dialer := mapDialer{addrs: map[identity.NodeID]string{peerSelf: peerAddr}}
	policy := fixedPolicy{storage: []identity.NodeID{peerSelf}, read: []identity.NodeID{peerSelf}, readQuorum: 1}
	local := newTestManager(t, t.TempDir(), localSelf, policy, dialer, nil)

	data := []byte("fetch me from the peer")
	hash := blake2b.Sum256(data)

	// Seed the peer's copy via a direct RPC PutBlock call (exercises the
	// same handlePutBlock path PutBlock's broadcast would use).
	client, err := rpc.Dial(context.Background(), peerAddr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()
	if err := client.Call(context.Background(), rpc.FamilyPutBlock, &rpc.PutBlockRequest{Hash: hash[:], Data: data}, &rpc.PutBlockResponse{}); err != nil {
		t.Fatalf("seed PutBlock call error = %v", err)
	}

	if err := local.resyncOne(hash, resyncEntry{reason: reasonMissing}); err != nil {
		t.Fatalf("resyncOne() error = %v", err)
	}

	got, err := local.readLocal(hash)
	if err != nil {
		t.Fatalf("readLocal() after resync error = %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("readLocal() = %q, want %q", got, data)
	}
}
