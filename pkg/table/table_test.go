package table

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/meridian/pkg/identity"
	"github.com/cuemby/meridian/pkg/kv/bolt"
	"github.com/cuemby/meridian/pkg/layout"
	"github.com/cuemby/meridian/pkg/replication"
	"github.com/cuemby/meridian/pkg/rpc"
)

type testRecord struct {
	PK    string
	SK    string
	Value string
}

type testSchema struct{}

func (testSchema) Name() string                     { return "test_records" }
func (testSchema) PartitionKey(v testRecord) string { return v.PK }
func (testSchema) SortKey(v testRecord) string      { return v.SK }
func (testSchema) EncodePK(pk string) []byte        { return []byte(pk) }
func (testSchema) EncodeSK(sk string) []byte        { return []byte(sk) }
func (testSchema) PartitionHash(pk string) [32]byte { return sha256.Sum256([]byte(pk)) }

// Merge picks the lexicographically greater value: commutative,
// associative and idempotent, which is all the table engine requires.
func (testSchema) Merge(a, b testRecord) testRecord {
	if b.Value > a.Value {
		return b
	}
	return a
}

func (testSchema) IsTombstone(v testRecord) bool { return v.Value == "" }

func (testSchema) EncodeValue(v testRecord) ([]byte, error) {
	return []byte(v.PK + "\x00" + v.SK + "\x00" + v.Value), nil
}

func (testSchema) DecodeValue(data []byte) (testRecord, error) {
	parts := strings.SplitN(string(data), "\x00", 3)
	if len(parts) != 3 {
		return testRecord{}, fmt.Errorf("table: malformed test record encoding")
	}
	return testRecord{PK: parts[0], SK: parts[1], Value: parts[2]}, nil
}

// singleNodePolicy is a replication.Policy where self is the only
// replica, so Insert/Get never need to dial a peer.
type singleNodePolicy struct {
	self identity.NodeID
}

func (p singleNodePolicy) AntiEntropyInterval() time.Duration { return time.Hour }
func (p singleNodePolicy) StorageNodes(hash [32]byte) []identity.NodeID {
	return []identity.NodeID{p.self}
}
func (p singleNodePolicy) ReadNodes(hash [32]byte) []identity.NodeID {
	return []identity.NodeID{p.self}
}
func (p singleNodePolicy) WriteSets(hash [32]byte) [][]identity.NodeID {
	return [][]identity.NodeID{{p.self}}
}
func (p singleNodePolicy) ReadQuorum() int  { return 1 }
func (p singleNodePolicy) WriteQuorum() int { return 1 }
func (p singleNodePolicy) PartitionOf(hash [32]byte) layout.Partition {
	return layout.Partition(hash[0])
}
func (p singleNodePolicy) SyncPartitions() replication.SyncPartitions {
	return replication.SyncPartitions{}
}

type noDialer struct{}

func (noDialer) Dial(ctx context.Context, node identity.NodeID) (*rpc.Client, error) {
	return nil, fmt.Errorf("table test: no peer should ever be dialed in a single-node table")
}

func newTestTable(t *testing.T) *Table[string, string, testRecord] {
	t.Helper()
	dir := t.TempDir()
	db, err := bolt.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("bolt.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate() error = %v", err)
	}
	self := id.NodeID()

	tbl, err := NewTable[string, string, testRecord](db, testSchema{}, singleNodePolicy{self: self}, noDialer{}, self, nil)
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}
	return tbl
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	tbl := newTestTable(t)
	ctx := context.Background()

	state, err := tbl.Insert(ctx, testRecord{PK: "bucket-a", SK: "obj-1", Value: "v1"})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if state != Acknowledged {
		t.Fatalf("Insert() state = %v, want Acknowledged", state)
	}

	got, found, err := tbl.Get(ctx, "bucket-a", "obj-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !found {
		t.Fatal("Get() found = false, want true")
	}
	if got.Value != "v1" {
		t.Errorf("Get() value = %q, want %q", got.Value, "v1")
	}
}

func TestGetOnMissingKeyReturnsNotFound(t *testing.T) {
	tbl := newTestTable(t)
	_, found, err := tbl.Get(context.Background(), "bucket-a", "nope")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if found {
		t.Fatal("Get() found = true, want false for missing key")
	}
}

func TestInsertMergesConcurrentWrites(t *testing.T) {
	tbl := newTestTable(t)
	ctx := context.Background()

	if _, err := tbl.Insert(ctx, testRecord{PK: "bucket-a", SK: "obj-1", Value: "aaa"}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if _, err := tbl.Insert(ctx, testRecord{PK: "bucket-a", SK: "obj-1", Value: "zzz"}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	// A lower-valued write arriving after a higher one must not regress it.
	if _, err := tbl.Insert(ctx, testRecord{PK: "bucket-a", SK: "obj-1", Value: "bbb"}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	got, found, err := tbl.Get(ctx, "bucket-a", "obj-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !found || got.Value != "zzz" {
		t.Errorf("Get() = %+v, found=%v, want Value=zzz", got, found)
	}
}

func TestGetRangeReturnsEveryRowUnderPartition(t *testing.T) {
	tbl := newTestTable(t)
	ctx := context.Background()

	keys := []string{"obj-1", "obj-2", "obj-3"}
	for _, k := range keys {
		if _, err := tbl.Insert(ctx, testRecord{PK: "bucket-a", SK: k, Value: "v-" + k}); err != nil {
			t.Fatalf("Insert(%s) error = %v", k, err)
		}
	}
	// A record under a different partition key must not leak in.
	if _, err := tbl.Insert(ctx, testRecord{PK: "bucket-b", SK: "obj-1", Value: "other"}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	rows, err := tbl.GetRange(ctx, "bucket-a", "", nil, 0)
	if err != nil {
		t.Fatalf("GetRange() error = %v", err)
	}
	if len(rows) != len(keys) {
		t.Fatalf("GetRange() returned %d rows, want %d", len(rows), len(keys))
	}

	var got []string
	for _, r := range rows {
		got = append(got, r.SK)
	}
	sort.Strings(got)
	sort.Strings(keys)
	for i := range keys {
		if got[i] != keys[i] {
			t.Errorf("GetRange() sort keys = %v, want %v", got, keys)
			break
		}
	}
}

func TestGetRangeAppliesFilterAndLimit(t *testing.T) {
	tbl := newTestTable(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sk := fmt.Sprintf("obj-%d", i)
		if _, err := tbl.Insert(ctx, testRecord{PK: "bucket-a", SK: sk, Value: sk}); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	rows, err := tbl.GetRange(ctx, "bucket-a", "", func(v testRecord) bool {
		return v.SK != "obj-0"
	}, 2)
	if err != nil {
		t.Fatalf("GetRange() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("GetRange() returned %d rows, want 2", len(rows))
	}
	for _, r := range rows {
		if r.SK == "obj-0" {
			t.Errorf("GetRange() included filtered-out row %+v", r)
		}
	}
}

func TestWireRowEncodeDecodeRoundTrip(t *testing.T) {
	rowKey := []byte{0x01, 0x02, 0x03, 0x04}
	value := []byte("some encoded value")

	wire := encodeWireRow(rowKey, value)
	gotKey, gotValue, ok := decodeWireRow(wire)
	if !ok {
		t.Fatal("decodeWireRow() ok = false")
	}
	if string(gotKey) != string(rowKey) {
		t.Errorf("decodeWireRow() key = %v, want %v", gotKey, rowKey)
	}
	if string(gotValue) != string(value) {
		t.Errorf("decodeWireRow() value = %v, want %v", gotValue, value)
	}
}

func TestBucketRangeCoversOnlyTargetBucket(t *testing.T) {
	start, end := bucketRange(5, 200)
	if start[0] != 5 || start[1] != 200 {
		t.Fatalf("bucketRange() start = %v", start)
	}
	if end[0] != 5 || end[1] != 201 {
		t.Fatalf("bucketRange() end = %v", end)
	}

	// Last bucket of the last partition is unbounded above.
	_, end = bucketRange(255, 255)
	if end != nil {
		t.Errorf("bucketRange(255, 255) end = %v, want nil", end)
	}
}

// mapDialer dials the address registered for a node id, the same
// pattern pkg/blockstore's tests use for a real second node.
type mapDialer struct {
	addrs map[identity.NodeID]string
}

func (d mapDialer) Dial(ctx context.Context, node identity.NodeID) (*rpc.Client, error) {
	addr, ok := d.addrs[node]
	if !ok {
		return nil, fmt.Errorf("table test: no address registered for node %s", node)
	}
	return rpc.Dial(ctx, addr)
}

// twoNodePolicy drives one node's view of a two-node replica set: its
// own reads and writes are local-only, but anti-entropy's
// SyncPartitions names peer as the other member of every partition's
// write set, so pickPeer has a real, non-self candidate to choose.
type twoNodePolicy struct {
	self, peer identity.NodeID
	partition  layout.Partition
}

func (p twoNodePolicy) AntiEntropyInterval() time.Duration { return time.Hour }
func (p twoNodePolicy) StorageNodes(hash [32]byte) []identity.NodeID {
	return []identity.NodeID{p.self, p.peer}
}
func (p twoNodePolicy) ReadNodes(hash [32]byte) []identity.NodeID {
	return []identity.NodeID{p.self}
}
func (p twoNodePolicy) WriteSets(hash [32]byte) [][]identity.NodeID {
	return [][]identity.NodeID{{p.self}}
}
func (p twoNodePolicy) ReadQuorum() int  { return 1 }
func (p twoNodePolicy) WriteQuorum() int { return 1 }
func (p twoNodePolicy) PartitionOf(hash [32]byte) layout.Partition {
	return layout.Partition(hash[0])
}
func (p twoNodePolicy) SyncPartitions() replication.SyncPartitions {
	return replication.SyncPartitions{
		Partitions: []replication.SyncPartition{
			{Partition: p.partition, WriteSets: [][]identity.NodeID{{p.self, p.peer}}},
		},
	}
}

// TestSyncOnceMergesRowOnlyKnownToPeer stands up a second, real
// Table served over a real listener and proves a genuine two-node
// anti-entropy round: a row inserted only on the peer reaches the
// local table purely through syncOnce's merkle exchange, with no
// direct write to the local table at all. This is also the only test
// exercising pickPeer against a write set with a non-self candidate,
// and syncPartitionWith's full root/buckets/leaf-rows
// round trip end to end.
func TestSyncOnceMergesRowOnlyKnownToPeer(t *testing.T) {
	ctx := context.Background()

	localID, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate() error = %v", err)
	}
	localSelf := localID.NodeID()

	peerID, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate() error = %v", err)
	}
	peerSelf := peerID.NodeID()

	// Construct the local table before the peer's, so that the
	// process-wide table registry's "test_records" entry ends up
	// pointing at the peer once it registers its router below — the
	// only table whose RPC server is ever actually dialed in this test.
	localDB, err := bolt.Open(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("bolt.Open() error = %v", err)
	}
	t.Cleanup(func() { localDB.Close() })

	hash := testSchema{}.PartitionHash("bucket-a")
	partition := layout.Partition(hash[0])

	dialer := mapDialer{addrs: map[identity.NodeID]string{}}
	policy := twoNodePolicy{self: localSelf, peer: peerSelf, partition: partition}
	local, err := NewTable[string, string, testRecord](localDB, testSchema{}, policy, dialer, localSelf, nil)
	if err != nil {
		t.Fatalf("NewTable() local error = %v", err)
	}

	peerDB, err := bolt.Open(filepath.Join(t.TempDir(), "peer.db"))
	if err != nil {
		t.Fatalf("bolt.Open() error = %v", err)
	}
	t.Cleanup(func() { peerDB.Close() })

	server := rpc.NewServer()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	go server.Serve(l)
	t.Cleanup(func() { server.Close() })

	peer, err := NewTable[string, string, testRecord](peerDB, testSchema{}, singleNodePolicy{self: peerSelf}, noDialer{}, peerSelf, server)
	if err != nil {
		t.Fatalf("NewTable() peer error = %v", err)
	}
	dialer.addrs[peerSelf] = l.Addr().String()

	if _, err := peer.Insert(ctx, testRecord{PK: "bucket-a", SK: "obj-1", Value: "peer-only"}); err != nil {
		t.Fatalf("peer Insert() error = %v", err)
	}

	if err := local.syncOnce(ctx); err != nil {
		t.Fatalf("syncOnce() error = %v", err)
	}

	got, found, err := local.Get(ctx, "bucket-a", "obj-1")
	if err != nil {
		t.Fatalf("local Get() error = %v", err)
	}
	if !found {
		t.Fatal("local Get() found = false after syncOnce, want true")
	}
	if got.Value != "peer-only" {
		t.Errorf("local Get() value = %q, want %q", got.Value, "peer-only")
	}
}

func TestHandleSyncRootMatchesAfterInsert(t *testing.T) {
	tbl := newTestTable(t)
	ctx := context.Background()

	rootBefore, err := tbl.merkle.Root(0)
	if err != nil {
		t.Fatalf("Root() error = %v", err)
	}

	pk := "bucket-a"
	hash := testSchema{}.PartitionHash(pk)
	partition := uint16(hash[0])

	if _, err := tbl.Insert(ctx, testRecord{PK: pk, SK: "obj-1", Value: "v1"}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	rootAfter, err := tbl.merkle.Root(partition)
	if err != nil {
		t.Fatalf("Root() error = %v", err)
	}
	if partition == 0 && string(rootAfter) == string(rootBefore) {
		t.Error("Root() did not change after an insert into partition 0")
	}

	resp, err := tbl.handleSync(&rpc.SyncRequest{Table: "test_records", Partition: partition})
	if err != nil {
		t.Fatalf("handleSync() error = %v", err)
	}
	if string(resp.Hash) != string(rootAfter) {
		t.Errorf("handleSync() root = %v, want %v", resp.Hash, rootAfter)
	}
}
