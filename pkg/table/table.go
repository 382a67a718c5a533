// Package table implements the generic, CRDT-merging table engine every
// concrete schema (bucket, key, object, version, block ref) is built on:
// one KV tree per table for rows, a second for per-partition
// anti-entropy accounting, quorum writes with read-repair, and a
// background anti-entropy loop driven by the table's replication policy.
package table

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/meridian/pkg/identity"
	"github.com/cuemby/meridian/pkg/kv"
	"github.com/cuemby/meridian/pkg/log"
	"github.com/cuemby/meridian/pkg/metrics"
	"github.com/cuemby/meridian/pkg/replication"
	"github.com/cuemby/meridian/pkg/rpc"
	"github.com/cuemby/meridian/pkg/rpcerr"
)

// PeerDialer resolves a node id to an RPC client. Implementations
// typically pool and reuse connections; Dial may return the same
// *rpc.Client across calls for the same node.
type PeerDialer interface {
	Dial(ctx context.Context, node identity.NodeID) (*rpc.Client, error)
}

// MergeHook observes every successful local merge for a table: old is
// the row's value before this write (the zero value if it didn't exist
// yet, indicated by existed=false), and new is the merged result. Used
// to drive side effects off a schema's own CRDT convergence — e.g.
// BlockRef rows adjusting the block manager's refcount — without the
// table engine knowing anything about the schema's meaning.
type MergeHook[V any] func(old, new V, existed bool)

// Table is a generic CRDT-merging, quorum-replicated table.
type Table[PK comparable, SK comparable, V any] struct {
	schema Schema[PK, SK, V]
	policy replication.Policy
	dialer PeerDialer
	self   identity.NodeID

	db     kv.DB
	data   kv.Tree
	merkle *bucketTree
	hooks  []MergeHook[V]

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTable opens (creating if necessary) the data and anti-entropy trees
// for schema, registers it in the process-wide table registry under its
// name, and (if server is non-nil) wires its RPC handlers. Any hooks
// passed are run synchronously after every successful local merge (see
// MergeHook).
func NewTable[PK comparable, SK comparable, V any](db kv.DB, schema Schema[PK, SK, V], policy replication.Policy, dialer PeerDialer, self identity.NodeID, server *rpc.Server, hooks ...MergeHook[V]) (*Table[PK, SK, V], error) {
	data, err := db.Tree(schema.Name())
	if err != nil {
		return nil, fmt.Errorf("table: failed to open data tree for %s: %w", schema.Name(), err)
	}
	merkleKV, err := db.Tree(schema.Name() + "__merkle")
	if err != nil {
		return nil, fmt.Errorf("table: failed to open merkle tree for %s: %w", schema.Name(), err)
	}

	t := &Table[PK, SK, V]{
		schema: schema,
		policy: policy,
		dialer: dialer,
		self:   self,
		db:     db,
		data:   data,
		merkle: newBucketTree(merkleKV),
		hooks:  hooks,
		stopCh: make(chan struct{}),
	}

	registerTable(schema.Name(), t)
	if server != nil {
		registerRouter(server)
	}
	return t, nil
}

func rowKeyFor[PK comparable, SK comparable, V any](s Schema[PK, SK, V], pk PK, sk SK) ([32]byte, []byte) {
	hash := s.PartitionHash(pk)
	key := make([]byte, 0, 16+32+32)
	key = append(key, hash[:16]...)
	key = append(key, s.EncodePK(pk)...)
	key = append(key, s.EncodeSK(sk)...)
	return hash, key
}

// partitionPrefix returns the hash[:16]||encodedPK prefix shared by
// every row of one partition key, used both as the data tree's range
// scan bound and as the wire PartitionKey sent to remote replicas (who
// have no way to recompute the hash from encoded bytes alone).
func partitionPrefix[PK comparable, SK comparable, V any](s Schema[PK, SK, V], hash [32]byte, pk PK) []byte {
	prefix := make([]byte, 0, 16+32)
	prefix = append(prefix, hash[:16]...)
	prefix = append(prefix, s.EncodePK(pk)...)
	return prefix
}

// encodeWireRow frames a row key and its encoded value for RPC transport
// as a single opaque []byte: a 2-byte big-endian key length followed by
// the key, then the value. Row keys are well under 64KiB in practice
// (16-byte hash prefix plus small encoded key parts).
func encodeWireRow(rowKey, value []byte) []byte {
	out := make([]byte, 2+len(rowKey)+len(value))
	binary.BigEndian.PutUint16(out[:2], uint16(len(rowKey)))
	copy(out[2:], rowKey)
	copy(out[2+len(rowKey):], value)
	return out
}

func decodeWireRow(row []byte) (rowKey, value []byte, ok bool) {
	if len(row) < 2 {
		return nil, nil, false
	}
	klen := int(binary.BigEndian.Uint16(row[:2]))
	if len(row) < 2+klen {
		return nil, nil, false
	}
	return row[2 : 2+klen], row[2+klen:], true
}

// mergeLocal merges v into the stored row under rowKey and updates the
// per-bucket anti-entropy accumulator, all within one kv transaction.
// The partition is derived from rowKey[0] (the first byte of the
// partition hash), matching layout.PartitionOf. On success it fires
// every registered MergeHook with the row's pre-merge value, outside
// the kv transaction so a hook is free to take its own locks or do its
// own KV work without risking a deadlock against this one.
func (t *Table[PK, SK, V]) mergeLocal(rowKey []byte, v V) (V, error) {
	var merged, old V
	var existed bool
	if len(rowKey) < 2 {
		return merged, fmt.Errorf("table: row key too short: %d bytes", len(rowKey))
	}
	partition := uint16(rowKey[0])

	err := t.db.Update(func(tx kv.Tx) error {
		data, err := tx.Tree(t.schema.Name())
		if err != nil {
			return err
		}
		merkleTree, err := tx.Tree(t.schema.Name() + "__merkle")
		if err != nil {
			return err
		}

		existingRaw, err := data.Get(rowKey)
		if err != nil {
			return err
		}

		var oldHash []byte
		if existingRaw != nil {
			oldHash = valueHash(existingRaw)
			existing, err := t.schema.DecodeValue(existingRaw)
			if err != nil {
				return err
			}
			old = existing
			existed = true
			merged = t.schema.Merge(existing, v)
		} else {
			merged = v
		}

		encoded, err := t.schema.EncodeValue(merged)
		if err != nil {
			return err
		}
		if err := data.Insert(rowKey, encoded); err != nil {
			return err
		}

		return newBucketTree(merkleTree).Apply(partition, rowKey, oldHash, valueHash(encoded))
	})
	if err == nil {
		for _, hook := range t.hooks {
			hook(old, merged, existed)
		}
	}
	return merged, err
}

// Insert merges v locally, then broadcasts the merged row to every live
// layout version's write set, returning once every set reaches quorum
// (QuorumReached) or the bounded timeout expires (QuorumFailed).
func (t *Table[PK, SK, V]) Insert(ctx context.Context, v V) (WriteState, error) {
	timer := metrics.NewTimer()
	pk := t.schema.PartitionKey(v)
	sk := t.schema.SortKey(v)
	hash, rowKey := rowKeyFor[PK, SK, V](t.schema, pk, sk)

	merged, err := t.mergeLocal(rowKey, v)
	if err != nil {
		metrics.TableWritesTotal.WithLabelValues(t.schema.Name(), "error").Inc()
		return Pending, fmt.Errorf("table: local merge failed: %w", err)
	}

	encoded, err := t.schema.EncodeValue(merged)
	if err != nil {
		return MergedLocal, err
	}

	writeSets := t.policy.WriteSets(hash)
	quorum := t.policy.WriteQuorum()

	state, err := t.broadcast(ctx, rowKey, encoded, writeSets, quorum)
	timer.ObserveDurationVec(metrics.TableWriteDuration, t.schema.Name())
	if err != nil {
		metrics.TableWritesTotal.WithLabelValues(t.schema.Name(), "quorum_failed").Inc()
		metrics.QuorumFailuresTotal.WithLabelValues(t.schema.Name(), "write").Inc()
		return state, err
	}
	metrics.TableWritesTotal.WithLabelValues(t.schema.Name(), "ok").Inc()
	return state, nil
}

// InsertMany inserts each record in turn, returning the first error
// encountered (if any); earlier records remain merged and broadcast
// regardless of a later failure.
func (t *Table[PK, SK, V]) InsertMany(ctx context.Context, vs []V) error {
	for _, v := range vs {
		if _, err := t.Insert(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table[PK, SK, V]) broadcast(ctx context.Context, rowKey, encoded []byte, writeSets [][]identity.NodeID, quorum int) (WriteState, error) {
	ctx, cancel := context.WithTimeout(ctx, rpc.DefaultMetadataDeadline)
	defer cancel()

	wireRow := encodeWireRow(rowKey, encoded)
	achieved := make([]int, len(writeSets))
	for i, set := range writeSets {
		acked := 0
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for _, node := range set {
			node := node
			if node == t.self {
				acked++
				continue
			}
			g.Go(func() error {
				client, err := t.dialer.Dial(gctx, node)
				if err != nil {
					return nil // peer unreachable: does not count, does not abort
				}
				err = client.Call(gctx, rpc.FamilyTableWrite, &rpc.TableWriteRequest{
					Table: t.schema.Name(),
					Rows:  [][]byte{wireRow},
				}, &rpc.TableWriteResponse{})
				if err == nil {
					mu.Lock()
					acked++
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
		achieved[i] = acked
	}

	for _, got := range achieved {
		if got < quorum {
			return QuorumFailed, rpcerr.NewQuorumFailure(true, got, quorum)
		}
	}
	return Acknowledged, nil
}

// Get fetches a single row by key: it fans out to a read quorum of
// replicas, merges every successful reply (the merge is commutative and
// associative, so fold order doesn't matter), and schedules a
// read-repair write to any replica whose raw reply differed from the
// merged result.
func (t *Table[PK, SK, V]) Get(ctx context.Context, pk PK, sk SK) (V, bool, error) {
	var zero V
	hash, rowKey := rowKeyFor[PK, SK, V](t.schema, pk, sk)
	readNodes := t.policy.ReadNodes(hash)
	quorum := t.policy.ReadQuorum()
	prefix := partitionPrefix[PK, SK, V](t.schema, hash, pk)

	ctx, cancel := context.WithTimeout(ctx, rpc.DefaultMetadataDeadline)
	defer cancel()

	type reply struct {
		node    identity.NodeID
		encoded []byte
	}
	replies := make(chan reply, len(readNodes))
	g, gctx := errgroup.WithContext(ctx)
	for _, node := range readNodes {
		node := node
		g.Go(func() error {
			if node == t.self {
				raw, err := t.data.Get(rowKey)
				if err == nil && raw != nil {
					replies <- reply{node: node, encoded: raw}
				}
				return nil
			}
			client, err := t.dialer.Dial(gctx, node)
			if err != nil {
				return nil
			}
			var resp rpc.TableReadResponse
			err = client.Call(gctx, rpc.FamilyTableRead, &rpc.TableReadRequest{
				Table:        t.schema.Name(),
				PartitionKey: prefix,
				SortKey:      t.schema.EncodeSK(sk),
				Limit:        1,
			}, &resp)
			if err == nil && len(resp.Rows) > 0 {
				replies <- reply{node: node, encoded: resp.Rows[0]}
			}
			return nil
		})
	}
	_ = g.Wait()
	close(replies)

	var merged V
	haveMerged := false
	stragglers := make(map[identity.NodeID][]byte)
	count := 0
	for r := range replies {
		count++
		v, err := t.schema.DecodeValue(r.encoded)
		if err != nil {
			continue
		}
		if !haveMerged {
			merged = v
			haveMerged = true
		} else {
			merged = t.schema.Merge(merged, v)
		}
		stragglers[r.node] = r.encoded
	}

	if !haveMerged {
		metrics.TableReadsTotal.WithLabelValues(t.schema.Name(), "not_found").Inc()
		return zero, false, nil
	}
	if count < quorum {
		metrics.TableReadsTotal.WithLabelValues(t.schema.Name(), "quorum_failed").Inc()
		metrics.QuorumFailuresTotal.WithLabelValues(t.schema.Name(), "read").Inc()
	} else {
		metrics.TableReadsTotal.WithLabelValues(t.schema.Name(), "ok").Inc()
	}

	mergedEncoded, err := t.schema.EncodeValue(merged)
	if err != nil {
		return zero, false, err
	}
	t.scheduleReadRepair(rowKey, mergedEncoded, stragglers)

	return merged, true, nil
}

func (t *Table[PK, SK, V]) scheduleReadRepair(rowKey, mergedEncoded []byte, replies map[identity.NodeID][]byte) {
	var needsRepair []identity.NodeID
	for node, encoded := range replies {
		if string(encoded) != string(mergedEncoded) {
			needsRepair = append(needsRepair, node)
		}
	}
	if len(needsRepair) == 0 {
		return
	}
	metrics.ReadRepairsTotal.WithLabelValues(t.schema.Name()).Add(float64(len(needsRepair)))

	wireRow := encodeWireRow(rowKey, mergedEncoded)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), rpc.DefaultMetadataDeadline)
		defer cancel()
		for _, node := range needsRepair {
			client, err := t.dialer.Dial(ctx, node)
			if err != nil {
				continue
			}
			_ = client.Call(ctx, rpc.FamilyTableWrite, &rpc.TableWriteRequest{
				Table: t.schema.Name(),
				Rows:  [][]byte{wireRow},
			}, &rpc.TableWriteResponse{})
		}
	}()
}

// GetRange fetches rows with the given partition key and a sort key at
// or after begin, applying filter and stopping once limit rows are
// collected. Rows from different replicas sharing a row key are merged.
func (t *Table[PK, SK, V]) GetRange(ctx context.Context, pk PK, begin SK, filter func(V) bool, limit int) ([]V, error) {
	hash := t.schema.PartitionHash(pk)
	readNodes := t.policy.ReadNodes(hash)
	prefix := partitionPrefix[PK, SK, V](t.schema, hash, pk)

	beginBytes := t.schema.EncodeSK(begin)
	lowerBound := append(append([]byte(nil), prefix...), beginBytes...)
	upperBound := partitionKeyUpperBound(prefix)

	ctx, cancel := context.WithTimeout(ctx, rpc.DefaultMetadataDeadline)
	defer cancel()

	merged := make(map[string][]byte) // rowKey -> encoded

	mergeRow := func(key, encoded []byte) {
		k := string(key)
		if prev, ok := merged[k]; ok {
			a, err1 := t.schema.DecodeValue(prev)
			b, err2 := t.schema.DecodeValue(encoded)
			if err1 == nil && err2 == nil {
				m := t.schema.Merge(a, b)
				if enc, err := t.schema.EncodeValue(m); err == nil {
					merged[k] = enc
				}
			}
			return
		}
		merged[k] = encoded
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, node := range readNodes {
		node := node
		g.Go(func() error {
			if node == t.self {
				it, err := t.data.IterRange(lowerBound, upperBound)
				if err != nil {
					return nil
				}
				defer it.Close()
				for it.Next() {
					mu.Lock()
					mergeRow(it.Key(), it.Value())
					mu.Unlock()
				}
				return nil
			}
			client, err := t.dialer.Dial(gctx, node)
			if err != nil {
				return nil
			}
			var resp rpc.TableReadResponse
			err = client.Call(gctx, rpc.FamilyTableRead, &rpc.TableReadRequest{
				Table:        t.schema.Name(),
				PartitionKey: prefix,
				RangeBegin:   beginBytes,
				Limit:        limit,
			}, &resp)
			if err != nil {
				return nil
			}
			for _, row := range resp.Rows {
				rowKey, value, ok := decodeWireRow(row)
				if !ok {
					continue
				}
				mu.Lock()
				mergeRow(rowKey, value)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]V, 0, len(merged))
	for _, encoded := range merged {
		v, err := t.schema.DecodeValue(encoded)
		if err != nil {
			continue
		}
		if filter != nil && !filter(v) {
			continue
		}
		out = append(out, v)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func partitionKeyUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil // prefix is all 0xFF: unbounded above
}

// bucketRange returns the [start, end) data-tree key bounds covering
// every row whose hash falls in the given partition's bucket.
func bucketRange(partition uint16, bucket byte) (start, end []byte) {
	start = []byte{byte(partition), bucket}
	if bucket < 0xFF {
		return start, []byte{byte(partition), bucket + 1}
	}
	if byte(partition) < 0xFF {
		return start, []byte{byte(partition) + 1}
	}
	return start, nil
}

// StartAntiEntropy launches the background sync loop driven by the
// table's replication policy interval.
func (t *Table[PK, SK, V]) StartAntiEntropy() {
	t.wg.Add(1)
	go t.antiEntropyLoop()
}

// StopAntiEntropy signals the sync loop to exit and waits for
// in-flight read-repairs and sync rounds to finish.
func (t *Table[PK, SK, V]) StopAntiEntropy() {
	close(t.stopCh)
	t.wg.Wait()
}

func (t *Table[PK, SK, V]) antiEntropyLoop() {
	defer t.wg.Done()
	antiEntropyLog := log.WithComponent("table").With().Str("table", t.schema.Name()).Logger()

	ticker := time.NewTicker(t.policy.AntiEntropyInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), rpc.DefaultMetadataDeadline)
			err := t.syncOnce(ctx)
			cancel()
			if err != nil {
				antiEntropyLog.Warn().Err(err).Msg("anti-entropy round failed, continuing at next partition")
				metrics.AntiEntropyRoundsTotal.WithLabelValues(t.schema.Name(), "error").Inc()
			} else {
				metrics.AntiEntropyRoundsTotal.WithLabelValues(t.schema.Name(), "ok").Inc()
			}
		case <-t.stopCh:
			return
		}
	}
}

// syncOnce runs one anti-entropy pass over every partition this node is
// responsible for, against one peer per partition.
func (t *Table[PK, SK, V]) syncOnce(ctx context.Context) error {
	sp := t.policy.SyncPartitions()
	var firstErr error
	for _, part := range sp.Partitions {
		peer := pickPeer(part.WriteSets, t.self)
		if peer == nil {
			continue
		}
		if err := t.syncPartitionWith(ctx, uint16(part.Partition), *peer); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// pickPeer chooses a random non-self node across every write set, the
// same fan-out-by-randomness idiom pkg/cluster's layout gossip uses for
// picking a sync partner. Picking deterministically (e.g. the first
// non-self entry) would skew anti-entropy traffic onto whichever node
// sorts first in the write set and starve pairwise convergence between
// the rest.
func pickPeer(writeSets [][]identity.NodeID, self identity.NodeID) *identity.NodeID {
	var candidates []identity.NodeID
	seen := make(map[identity.NodeID]bool)
	for _, set := range writeSets {
		for _, n := range set {
			if n != self && !seen[n] {
				seen[n] = true
				candidates = append(candidates, n)
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	node := candidates[rand.Intn(len(candidates))]
	return &node
}

// Sentinel MerkleKey values for the two-level bucket tree's sync
// protocol: empty asks for the partition root, {0x00} asks for every
// bucket hash, {0x01, b} asks for bucket b's rows.
var syncKeyAllBuckets = []byte{0x00}

func syncKeyForBucket(bucket byte) []byte {
	return []byte{0x01, bucket}
}

func (t *Table[PK, SK, V]) syncPartitionWith(ctx context.Context, partition uint16, peer identity.NodeID) error {
	client, err := t.dialer.Dial(ctx, peer)
	if err != nil {
		return err
	}

	localRoot, err := t.merkle.Root(partition)
	if err != nil {
		return err
	}

	var rootResp rpc.SyncResponse
	if err := client.Call(ctx, rpc.FamilySyncRpc, &rpc.SyncRequest{Table: t.schema.Name(), Partition: partition}, &rootResp); err != nil {
		return err
	}
	if string(rootResp.Hash) == string(localRoot) {
		return nil
	}

	var bucketsResp rpc.SyncResponse
	if err := client.Call(ctx, rpc.FamilySyncRpc, &rpc.SyncRequest{Table: t.schema.Name(), Partition: partition, MerkleKey: syncKeyAllBuckets}, &bucketsResp); err != nil {
		return err
	}

	localBuckets, err := t.merkle.AllBucketHashes(partition)
	if err != nil {
		return err
	}

	var merged int
	for b := 0; b < merkleBuckets && b < len(bucketsResp.Children); b++ {
		if string(bucketsResp.Children[b]) == string(localBuckets[b]) {
			continue
		}
		var leafResp rpc.SyncResponse
		if err := client.Call(ctx, rpc.FamilySyncRpc, &rpc.SyncRequest{Table: t.schema.Name(), Partition: partition, MerkleKey: syncKeyForBucket(byte(b))}, &leafResp); err != nil {
			continue
		}
		for _, row := range leafResp.LeafRows {
			rowKey, encoded, ok := decodeWireRow(row)
			if !ok {
				continue
			}
			v, err := t.schema.DecodeValue(encoded)
			if err != nil {
				continue
			}
			if _, err := t.mergeLocal(rowKey, v); err == nil {
				merged++
			}
		}
	}
	metrics.AntiEntropyRowsMerged.WithLabelValues(t.schema.Name()).Add(float64(merged))
	return nil
}

// handleWrite applies a batch of already-merged, wire-framed rows
// received from a peer (either a quorum broadcast or a read repair).
func (t *Table[PK, SK, V]) handleWrite(rows [][]byte) error {
	for _, row := range rows {
		rowKey, encoded, ok := decodeWireRow(row)
		if !ok {
			continue
		}
		v, err := t.schema.DecodeValue(encoded)
		if err != nil {
			continue
		}
		if _, err := t.mergeLocal(rowKey, v); err != nil {
			return err
		}
	}
	return nil
}

// handleRead serves a single-key or range read against the local data
// tree, returning wire-framed rows.
func (t *Table[PK, SK, V]) handleRead(req *rpc.TableReadRequest) ([][]byte, error) {
	var lower, upper []byte
	switch {
	case req.SortKey != nil:
		lower = append(append([]byte(nil), req.PartitionKey...), req.SortKey...)
		upper = append(append([]byte(nil), lower...), 0x00)
	case req.RangeEnd != nil:
		lower = append(append([]byte(nil), req.PartitionKey...), req.RangeBegin...)
		upper = append(append([]byte(nil), req.PartitionKey...), req.RangeEnd...)
	default:
		lower = append(append([]byte(nil), req.PartitionKey...), req.RangeBegin...)
		upper = partitionKeyUpperBound(req.PartitionKey)
	}

	it, err := t.data.IterRange(lower, upper)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var rows [][]byte
	for it.Next() {
		rows = append(rows, encodeWireRow(it.Key(), it.Value()))
		if req.Limit > 0 && len(rows) >= req.Limit {
			break
		}
	}
	return rows, it.Err()
}

// handleSync answers one step of the Merkle sync protocol: the
// partition root, every bucket's hash, or one bucket's rows.
func (t *Table[PK, SK, V]) handleSync(req *rpc.SyncRequest) (*rpc.SyncResponse, error) {
	switch {
	case len(req.MerkleKey) == 0:
		root, err := t.merkle.Root(req.Partition)
		if err != nil {
			return nil, err
		}
		return &rpc.SyncResponse{Hash: root}, nil

	case len(req.MerkleKey) == 1 && req.MerkleKey[0] == 0x00:
		hashes, err := t.merkle.AllBucketHashes(req.Partition)
		if err != nil {
			return nil, err
		}
		return &rpc.SyncResponse{Children: hashes}, nil

	case len(req.MerkleKey) == 2 && req.MerkleKey[0] == 0x01:
		start, end := bucketRange(req.Partition, req.MerkleKey[1])
		it, err := t.data.IterRange(start, end)
		if err != nil {
			return nil, err
		}
		defer it.Close()
		var rows [][]byte
		for it.Next() {
			rows = append(rows, encodeWireRow(it.Key(), it.Value()))
		}
		return &rpc.SyncResponse{IsLeaf: true, LeafRows: rows}, nil

	default:
		return nil, rpcerr.New(rpcerr.BadRequest, "invalid merkle key")
	}
}
