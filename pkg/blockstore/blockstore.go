// Package blockstore implements Meridian's content-addressed block
// manager: local on-disk blobs under a two-level hex fan-out, a
// replicated write/read path over pkg/rpc, a refcount-driven garbage
// collector, and a resync worker that repairs under-replicated or
// locally-missing blocks by gossip.
package blockstore

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cuemby/meridian/pkg/identity"
	"github.com/cuemby/meridian/pkg/kv"
	"github.com/cuemby/meridian/pkg/log"
	"github.com/cuemby/meridian/pkg/metrics"
	"github.com/cuemby/meridian/pkg/replication"
	"github.com/cuemby/meridian/pkg/rpc"
	"github.com/cuemby/meridian/pkg/rpcerr"
)

// DefaultGCDelay is how long a block with a zero refcount waits before
// its bytes are actually removed, to absorb a concurrent writer that
// re-references it right after the last reference drops.
const DefaultGCDelay = 10 * time.Minute

// defaultResyncInterval is how often the resync worker sweeps its queue.
const defaultResyncInterval = 30 * time.Second

var blockLog = log.WithComponent("blockstore")

// PeerDialer resolves a node id to an RPC client, mirroring
// pkg/table.PeerDialer so both packages can share one implementation
// without importing each other.
type PeerDialer interface {
	Dial(ctx context.Context, node identity.NodeID) (*rpc.Client, error)
}

// Manager is a node's content-addressed block store.
type Manager struct {
	dataDir string
	db      kv.DB
	refs    kv.Tree
	gcQueue kv.Tree
	resync  kv.Tree

	policy replication.Policy
	dialer PeerDialer
	self   identity.NodeID

	gcDelay        time.Duration
	resyncInterval time.Duration
	resyncLimiter  *rate.Limiter

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Options configures a Manager beyond its required collaborators.
type Options struct {
	GCDelay        time.Duration
	ResyncInterval time.Duration
}

// NewManager opens (creating if necessary) the block manager's KV
// bookkeeping trees under db and the blob directory dataDir, and
// registers its RPC handlers on server if non-nil.
func NewManager(dataDir string, db kv.DB, policy replication.Policy, dialer PeerDialer, self identity.NodeID, server *rpc.Server, opts Options) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("blockstore: failed to create data dir: %w", err)
	}
	refs, err := db.Tree("block_refcounts")
	if err != nil {
		return nil, fmt.Errorf("blockstore: failed to open refcount tree: %w", err)
	}
	gcQueue, err := db.Tree("block_gc_queue")
	if err != nil {
		return nil, fmt.Errorf("blockstore: failed to open gc queue tree: %w", err)
	}
	resync, err := db.Tree("block_resync_queue")
	if err != nil {
		return nil, fmt.Errorf("blockstore: failed to open resync queue tree: %w", err)
	}

	gcDelay := opts.GCDelay
	if gcDelay <= 0 {
		gcDelay = DefaultGCDelay
	}
	resyncInterval := opts.ResyncInterval
	if resyncInterval <= 0 {
		resyncInterval = defaultResyncInterval
	}

	m := &Manager{
		dataDir:        dataDir,
		db:             db,
		refs:           refs,
		gcQueue:        gcQueue,
		resync:         resync,
		policy:         policy,
		dialer:         dialer,
		self:           self,
		gcDelay:        gcDelay,
		resyncInterval: resyncInterval,
		resyncLimiter:  rate.NewLimiter(rate.Limit(5), 10),
		stopCh:         make(chan struct{}),
	}

	if server != nil {
		server.Register(rpc.FamilyPutBlock, m.handlePutBlock)
		server.Register(rpc.FamilyGetBlock, m.handleGetBlock)
	}
	return m, nil
}

// Stop signals the GC and resync background loops to exit and waits
// for them to finish their current sweep.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func blockPath(dataDir string, hash [32]byte) string {
	h := hex.EncodeToString(hash[:])
	return filepath.Join(dataDir, h[0:2], h[2:4], h)
}

func containsNode(nodes []identity.NodeID, target identity.NodeID) bool {
	for _, n := range nodes {
		if n == target {
			return true
		}
	}
	return false
}

// PutBlock verifies data hashes to h, broadcasts it to h's write sets
// until every set reaches write quorum, and persists it locally if this
// node is one of h's storage nodes.
func (m *Manager) PutBlock(ctx context.Context, h [32]byte, data []byte) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BlockPutDuration)

	if blake2b.Sum256(data) != h {
		return rpcerr.NewCorruptData(h[:])
	}

	writeSets := m.policy.WriteSets(h)
	quorum := m.policy.WriteQuorum()

	if err := m.broadcastPut(ctx, h, data, writeSets, quorum); err != nil {
		return err
	}

	if containsNode(m.policy.StorageNodes(h), m.self) {
		if err := m.writeLocal(h, data); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) broadcastPut(ctx context.Context, h [32]byte, data []byte, writeSets [][]identity.NodeID, quorum int) error {
	ctx, cancel := context.WithTimeout(ctx, rpc.DefaultMetadataDeadline)
	defer cancel()

	for _, set := range writeSets {
		acked := 0
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for _, node := range set {
			node := node
			if node == m.self {
				acked++
				continue
			}
			g.Go(func() error {
				client, err := m.dialer.Dial(gctx, node)
				if err != nil {
					return nil
				}
				err = client.Call(gctx, rpc.FamilyPutBlock, &rpc.PutBlockRequest{Hash: h[:], Data: data}, &rpc.PutBlockResponse{})
				if err == nil {
					mu.Lock()
					acked++
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
		if acked < quorum {
			return rpcerr.NewQuorumFailure(true, acked, quorum)
		}
	}
	return nil
}

// GetBlock returns the blob for hash h: the local copy if present,
// otherwise the first read-node reply whose content re-hashes to h.
func (m *Manager) GetBlock(ctx context.Context, h [32]byte) ([]byte, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BlockGetDuration)

	if data, err := m.readLocal(h); err == nil {
		return data, nil
	}

	readNodes := m.policy.ReadNodes(h)
	ctx, cancel := context.WithTimeout(ctx, rpc.DefaultMetadataDeadline)
	defer cancel()
	ctx, cancelWinner := context.WithCancel(ctx)
	defer cancelWinner()

	type result struct {
		data []byte
	}
	resultCh := make(chan result, 1)
	var wg sync.WaitGroup
	for _, node := range readNodes {
		if node == m.self {
			continue
		}
		node := node
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, err := m.dialer.Dial(ctx, node)
			if err != nil {
				return
			}
			var resp rpc.GetBlockResponse
			if err := client.Call(ctx, rpc.FamilyGetBlock, &rpc.GetBlockRequest{Hash: h[:]}, &resp); err != nil {
				return
			}
			if blake2b.Sum256(resp.Data) != h {
				return
			}
			select {
			case resultCh <- result{data: resp.Data}:
				cancelWinner()
			default:
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	if r, ok := <-resultCh; ok {
		return r.data, nil
	}
	return nil, rpcerr.New(rpcerr.NotFound, "no such block")
}

func (m *Manager) writeLocal(h [32]byte, data []byte) error {
	path := blockPath(m.dataDir, h)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("blockstore: failed to create block directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("blockstore: failed to write block: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("blockstore: failed to finalize block: %w", err)
	}
	metrics.BlocksStoredTotal.Inc()
	metrics.BlockBytesStored.Add(float64(len(data)))
	return nil
}

func (m *Manager) readLocal(h [32]byte) ([]byte, error) {
	return os.ReadFile(blockPath(m.dataDir, h))
}

func (m *Manager) deleteLocal(h [32]byte) error {
	path := blockPath(m.dataDir, h)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return err
	}
	metrics.BlocksStoredTotal.Dec()
	metrics.BlockBytesStored.Sub(float64(info.Size()))
	return nil
}

func (m *Manager) handlePutBlock(ctx context.Context, payload []byte) (interface{}, error) {
	var req rpc.PutBlockRequest
	if err := rpc.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	var h [32]byte
	copy(h[:], req.Hash)
	if blake2b.Sum256(req.Data) != h {
		return nil, rpcerr.NewCorruptData(h[:])
	}
	if err := m.writeLocal(h, req.Data); err != nil {
		return nil, err
	}
	return &rpc.PutBlockResponse{}, nil
}

func (m *Manager) handleGetBlock(ctx context.Context, payload []byte) (interface{}, error) {
	var req rpc.GetBlockRequest
	if err := rpc.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	var h [32]byte
	copy(h[:], req.Hash)
	data, err := m.readLocal(h)
	if err != nil {
		return nil, rpcerr.New(rpcerr.NotFound, "no such block")
	}
	return &rpc.GetBlockResponse{Data: data}, nil
}

func refcountKey(h [32]byte) []byte { return h[:] }

func decodeRefcount(raw []byte) uint64 {
	if len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func encodeRefcount(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

// AdjustRefcount applies delta to h's reference count, called by
// pkg/schema's BlockRef table on every insert/delete merge. When the
// count reaches zero it enqueues the block for GC after gcDelay; a
// positive delta arriving before the delay elapses naturally leaves the
// queued entry stale (gcOnce re-checks the live refcount before acting).
func (m *Manager) AdjustRefcount(h [32]byte, delta int) error {
	return m.db.Update(func(tx kv.Tx) error {
		refs, err := tx.Tree("block_refcounts")
		if err != nil {
			return err
		}
		raw, err := refs.Get(refcountKey(h))
		if err != nil {
			return err
		}
		count := int64(decodeRefcount(raw)) + int64(delta)
		if count < 0 {
			count = 0
		}
		if err := refs.Insert(refcountKey(h), encodeRefcount(uint64(count))); err != nil {
			return err
		}
		if count != 0 {
			return nil
		}

		gcQueue, err := tx.Tree("block_gc_queue")
		if err != nil {
			return err
		}
		deadline := time.Now().Add(m.gcDelay)
		return gcQueue.Insert(gcQueueKey(deadline, h), nil)
	})
}

func gcQueueKey(deadline time.Time, h [32]byte) []byte {
	key := make([]byte, 8+32)
	binary.BigEndian.PutUint64(key[:8], uint64(deadline.UnixNano()))
	copy(key[8:], h[:])
	return key
}
