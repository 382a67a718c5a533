package blockstore

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/meridian/pkg/identity"
	"github.com/cuemby/meridian/pkg/kv"
	"github.com/cuemby/meridian/pkg/metrics"
	"github.com/cuemby/meridian/pkg/rpc"
)

const maxResyncBackoff = 10 * time.Minute

var errNoPeerHadBlock = errors.New("blockstore: no peer returned this block")

// resyncReason names why a block was queued for attention.
type resyncReason byte

const (
	reasonMissing resyncReason = iota
	reasonUnderReplicated
)

// resyncEntry is the resync queue's value: why the block was queued,
// how many attempts have failed so far, and the earliest time the next
// attempt may run (exponential backoff).
type resyncEntry struct {
	reason      resyncReason
	attempts    uint8
	nextAttempt time.Time
}

func encodeResyncEntry(e resyncEntry) []byte {
	buf := make([]byte, 1+1+8)
	buf[0] = byte(e.reason)
	buf[1] = e.attempts
	binary.BigEndian.PutUint64(buf[2:], uint64(e.nextAttempt.UnixNano()))
	return buf
}

func decodeResyncEntry(raw []byte) (resyncEntry, bool) {
	if len(raw) != 10 {
		return resyncEntry{}, false
	}
	return resyncEntry{
		reason:      resyncReason(raw[0]),
		attempts:    raw[1],
		nextAttempt: time.Unix(0, int64(binary.BigEndian.Uint64(raw[2:]))),
	}, true
}

// EnqueueMissing marks a block as locally missing but referenced, so
// the resync worker pulls it from a peer.
func (m *Manager) EnqueueMissing(h [32]byte) error {
	return m.enqueue(h, reasonMissing)
}

// EnqueueUnderReplicated marks a block as present locally but possibly
// short of its replication factor elsewhere, so the resync worker
// re-pushes it to its storage nodes.
func (m *Manager) EnqueueUnderReplicated(h [32]byte) error {
	return m.enqueue(h, reasonUnderReplicated)
}

func (m *Manager) enqueue(h [32]byte, reason resyncReason) error {
	return m.db.Update(func(tx kv.Tx) error {
		resync, err := tx.Tree("block_resync_queue")
		if err != nil {
			return err
		}
		existing, err := resync.Get(h[:])
		if err != nil {
			return err
		}
		if existing != nil {
			// Already queued; leave its backoff state alone.
			return nil
		}
		return resync.Insert(h[:], encodeResyncEntry(resyncEntry{reason: reason}))
	})
}

// StartResync launches the background worker that drains the resync queue.
func (m *Manager) StartResync() {
	m.wg.Add(1)
	go m.resyncLoop()
}

func (m *Manager) resyncLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.resyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.resyncSweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) resyncSweep() {
	type queued struct {
		hash  [32]byte
		entry resyncEntry
	}
	var due []queued
	now := time.Now()

	err := m.db.View(func(tx kv.Tx) error {
		resync, err := tx.Tree("block_resync_queue")
		if err != nil {
			return err
		}
		it, err := resync.IterRange(nil, nil)
		if err != nil {
			return err
		}
		defer it.Close()
		for it.Next() {
			var h [32]byte
			copy(h[:], it.Key())
			entry, ok := decodeResyncEntry(it.Value())
			if !ok || now.Before(entry.nextAttempt) {
				continue
			}
			due = append(due, queued{hash: h, entry: entry})
		}
		return it.Err()
	})
	if err != nil {
		blockLog.Warn().Err(err).Msg("failed to scan resync queue")
		return
	}
	metrics.BlockResyncQueueDepth.Set(float64(len(due)))

	for _, q := range due {
		if err := m.resyncLimiter.Wait(context.Background()); err != nil {
			return
		}
		if err := m.resyncOne(q.hash, q.entry); err != nil {
			blockLog.Warn().Err(err).Str("block", hexPrefix(q.hash)).Msg("resync attempt failed, backing off")
			m.backoff(q.hash, q.entry)
			continue
		}
		m.dequeue(q.hash)
	}
}

func (m *Manager) dequeue(h [32]byte) {
	_ = m.db.Update(func(tx kv.Tx) error {
		resync, err := tx.Tree("block_resync_queue")
		if err != nil {
			return err
		}
		return resync.Delete(h[:])
	})
}

func (m *Manager) backoff(h [32]byte, entry resyncEntry) {
	attempts := entry.attempts + 1
	delay := time.Duration(1<<uint(minUint8(attempts, 12))) * time.Second
	if delay > maxResyncBackoff {
		delay = maxResyncBackoff
	}
	next := resyncEntry{reason: entry.reason, attempts: attempts, nextAttempt: time.Now().Add(delay)}
	_ = m.db.Update(func(tx kv.Tx) error {
		resync, err := tx.Tree("block_resync_queue")
		if err != nil {
			return err
		}
		return resync.Insert(h[:], encodeResyncEntry(next))
	})
}

func minUint8(a, b uint8) uint8 {
	if a < b {
		return a
	}
	return b
}

func (m *Manager) resyncOne(h [32]byte, entry resyncEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), rpc.DefaultMetadataDeadline)
	defer cancel()

	storageNodes := m.policy.StorageNodes(h)

	switch entry.reason {
	case reasonMissing:
		return m.pullFromAnyPeer(ctx, h, storageNodes)
	case reasonUnderReplicated:
		return m.pushToStorageNodes(ctx, h, storageNodes)
	default:
		return nil
	}
}

func (m *Manager) pullFromAnyPeer(ctx context.Context, h [32]byte, storageNodes []identity.NodeID) error {
	for _, node := range storageNodes {
		if node == m.self {
			continue
		}
		client, err := m.dialer.Dial(ctx, node)
		if err != nil {
			continue
		}
		var resp rpc.GetBlockResponse
		if err := client.Call(ctx, rpc.FamilyGetBlock, &rpc.GetBlockRequest{Hash: h[:]}, &resp); err != nil {
			continue
		}
		if err := m.writeLocal(h, resp.Data); err != nil {
			return err
		}
		return nil
	}
	return errNoPeerHadBlock
}

func (m *Manager) pushToStorageNodes(ctx context.Context, h [32]byte, storageNodes []identity.NodeID) error {
	data, err := m.readLocal(h)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, node := range storageNodes {
		if node == m.self {
			continue
		}
		node := node
		g.Go(func() error {
			client, err := m.dialer.Dial(gctx, node)
			if err != nil {
				return nil // unreachable peers don't fail the whole push
			}
			return client.Call(gctx, rpc.FamilyPutBlock, &rpc.PutBlockRequest{Hash: h[:], Data: data}, &rpc.PutBlockResponse{})
		})
	}
	return g.Wait()
}
