package blockstore

import (
	"time"

	"github.com/cuemby/meridian/pkg/kv"
	"github.com/cuemby/meridian/pkg/metrics"
)

const gcSweepInterval = time.Minute

// StartGC launches the background loop that retires blocks whose
// refcount has been zero for at least gcDelay.
func (m *Manager) StartGC() {
	m.wg.Add(1)
	go m.gcLoop()
}

func (m *Manager) gcLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(gcSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.gcSweep(); err != nil {
				blockLog.Warn().Err(err).Msg("gc sweep failed, will retry next tick")
			}
		case <-m.stopCh:
			return
		}
	}
}

// gcSweep deletes every block whose GC queue entry's deadline has
// passed and whose refcount is still zero at the time of deletion.
func (m *Manager) gcSweep() error {
	now := time.Now()
	upper := gcQueueKey(now, [32]byte{})[:8] // deadline prefix only: every key with an earlier deadline sorts before it

	var due [][]byte
	err := m.db.View(func(tx kv.Tx) error {
		gcQueue, err := tx.Tree("block_gc_queue")
		if err != nil {
			return err
		}
		it, err := gcQueue.IterRange(nil, upper)
		if err != nil {
			return err
		}
		defer it.Close()
		for it.Next() {
			key := append([]byte(nil), it.Key()...)
			due = append(due, key)
		}
		return it.Err()
	})
	if err != nil {
		return err
	}

	for _, key := range due {
		if len(key) != 8+32 {
			continue
		}
		var h [32]byte
		copy(h[:], key[8:])
		if err := m.gcOne(key, h); err != nil {
			blockLog.Warn().Err(err).Str("block", hexPrefix(h)).Msg("failed to gc block")
		}
	}
	return nil
}

func (m *Manager) gcOne(queueKey []byte, h [32]byte) error {
	return m.db.Update(func(tx kv.Tx) error {
		refs, err := tx.Tree("block_refcounts")
		if err != nil {
			return err
		}
		gcQueue, err := tx.Tree("block_gc_queue")
		if err != nil {
			return err
		}

		raw, err := refs.Get(refcountKey(h))
		if err != nil {
			return err
		}
		if decodeRefcount(raw) != 0 {
			// Re-referenced since this entry was queued; drop the
			// stale queue entry and leave the block alone.
			return gcQueue.Delete(queueKey)
		}

		if err := m.deleteLocal(h); err != nil {
			return err
		}
		if err := refs.Delete(refcountKey(h)); err != nil {
			return err
		}
		metrics.BlocksGCedTotal.Inc()
		return gcQueue.Delete(queueKey)
	})
}

func hexPrefix(h [32]byte) string {
	const hexDigits = "0123456789abcdef"
	b := [4]byte{hexDigits[h[0]>>4], hexDigits[h[0]&0xF], hexDigits[h[1]>>4], hexDigits[h[1]&0xF]}
	return string(b[:])
}
