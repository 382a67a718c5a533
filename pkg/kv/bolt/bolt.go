// Package bolt implements the kv.DB contract on top of go.etcd.io/bbolt,
// generalizing pkg/storage/boltdb.go's bucket-per-entity pattern into
// arbitrary named trees opened on demand.
package bolt

import (
	"bytes"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/meridian/pkg/kv"
)

var metaBucket = []byte("__meridian_trees__")

// DB is a kv.DB backed by a single bbolt file.
type DB struct {
	db *bolt.DB

	mu    sync.RWMutex
	known map[string]struct{} // encoded tree name -> present
}

// Open opens (creating if necessary) a bbolt database at path.
func Open(path string) (*DB, error) {
	b, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, kv.IOErr("failed to open bbolt database", err)
	}

	d := &DB{db: b, known: make(map[string]struct{})}

	err = b.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		b.Close()
		return nil, kv.IOErr("failed to create meta bucket", err)
	}

	if err := d.loadKnownTrees(); err != nil {
		b.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) loadKnownTrees() error {
	return d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		return b.ForEach(func(k, _ []byte) error {
			d.known[string(k)] = struct{}{}
			return nil
		})
	})
}

func (d *DB) recordTree(tx *bolt.Tx, encoded string) error {
	d.mu.RLock()
	_, seen := d.known[encoded]
	d.mu.RUnlock()
	if seen {
		return nil
	}
	b := tx.Bucket(metaBucket)
	if err := b.Put([]byte(encoded), []byte{1}); err != nil {
		return err
	}
	d.mu.Lock()
	d.known[encoded] = struct{}{}
	d.mu.Unlock()
	return nil
}

// Tree opens (creating if necessary) the named tree.
func (d *DB) Tree(name string) (kv.Tree, error) {
	encoded := kv.EncodeTreeName(name)
	err := d.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(encoded)); err != nil {
			return err
		}
		return d.recordTree(tx, encoded)
	})
	if err != nil {
		return nil, kv.IOErr(fmt.Sprintf("failed to open tree %q", name), err)
	}
	return &autoTree{db: d, encoded: encoded}, nil
}

// ListTrees returns every tree name opened so far, decoded to its original form.
func (d *DB) ListTrees() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.known))
	for encoded := range d.known {
		name, err := kv.DecodeTreeName(encoded)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

// Update runs fn in a single read-write bbolt transaction.
func (d *DB) Update(fn func(kv.Tx) error) error {
	appFailed := false
	err := d.db.Update(func(btx *bolt.Tx) error {
		if ferr := fn(&tx{db: d, btx: btx, writable: true}); ferr != nil {
			appFailed = true
			return ferr
		}
		return nil
	})
	return translateTxErr(err, appFailed)
}

// View runs fn in a single read-only bbolt transaction.
func (d *DB) View(fn func(kv.Tx) error) error {
	appFailed := false
	err := d.db.View(func(btx *bolt.Tx) error {
		if ferr := fn(&tx{db: d, btx: btx, writable: false}); ferr != nil {
			appFailed = true
			return ferr
		}
		return nil
	})
	return translateTxErr(err, appFailed)
}

// translateTxErr passes an application abort through unchanged but wraps
// genuine bbolt faults as an opaque kv.Error.
func translateTxErr(err error, appFailed bool) error {
	if err == nil {
		return nil
	}
	if appFailed {
		return err
	}
	if _, ok := err.(*kv.Error); ok {
		return err
	}
	return kv.IOErr("transaction failed", err)
}

// Snapshot writes a consistent hot copy of the database to path.
func (d *DB) Snapshot(path string) error {
	err := d.db.View(func(btx *bolt.Tx) error {
		return btx.CopyFile(path, 0600)
	})
	if err != nil {
		return kv.IOErr("snapshot failed", err)
	}
	return nil
}

// Close releases the underlying bbolt file handle.
func (d *DB) Close() error {
	if err := d.db.Close(); err != nil {
		return kv.IOErr("close failed", err)
	}
	return nil
}

// tx scopes Tree lookups to one bbolt transaction.
type tx struct {
	db       *DB
	btx      *bolt.Tx
	writable bool
}

func (t *tx) Tree(name string) (kv.Tree, error) {
	encoded := kv.EncodeTreeName(name)
	b := t.btx.Bucket([]byte(encoded))
	if b == nil {
		if !t.writable {
			return nil, kv.NotFoundErr(fmt.Sprintf("tree %q not open", name))
		}
		var err error
		b, err = t.btx.CreateBucketIfNotExists([]byte(encoded))
		if err != nil {
			return nil, kv.IOErr(fmt.Sprintf("failed to open tree %q", name), err)
		}
		if err := t.db.recordTree(t.btx, encoded); err != nil {
			return nil, kv.IOErr("failed to record tree", err)
		}
	}
	return &txTree{bucket: b}, nil
}

// autoTree implements kv.Tree with each call running in its own implicit
// bbolt transaction, for callers that don't need cross-tree atomicity.
type autoTree struct {
	db      *DB
	encoded string
}

func (t *autoTree) bucket(btx *bolt.Tx) *bolt.Bucket {
	return btx.Bucket([]byte(t.encoded))
}

func (t *autoTree) Get(key []byte) ([]byte, error) {
	var out []byte
	err := t.db.db.View(func(btx *bolt.Tx) error {
		v := t.bucket(btx).Get(key)
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, kv.IOErr("get failed", err)
	}
	return out, nil
}

func (t *autoTree) Insert(key, value []byte) error {
	err := t.db.db.Update(func(btx *bolt.Tx) error {
		return t.bucket(btx).Put(key, value)
	})
	if err != nil {
		return kv.IOErr("insert failed", err)
	}
	return nil
}

func (t *autoTree) Delete(key []byte) error {
	err := t.db.db.Update(func(btx *bolt.Tx) error {
		return t.bucket(btx).Delete(key)
	})
	if err != nil {
		return kv.IOErr("delete failed", err)
	}
	return nil
}

func (t *autoTree) Clear() error {
	err := t.db.db.Update(func(btx *bolt.Tx) error {
		if err := btx.DeleteBucket([]byte(t.encoded)); err != nil {
			return err
		}
		_, err := btx.CreateBucket([]byte(t.encoded))
		return err
	})
	if err != nil {
		return kv.IOErr("clear failed", err)
	}
	return nil
}

func (t *autoTree) Len() (int, error) {
	var n int
	err := t.db.db.View(func(btx *bolt.Tx) error {
		n = t.bucket(btx).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, kv.IOErr("len failed", err)
	}
	return n, nil
}

func (t *autoTree) IsEmpty() (bool, error) {
	n, err := t.Len()
	return n == 0, err
}

func (t *autoTree) Iter() (kv.Iterator, error) {
	return newSnapshotIterator(t.db.db, t.encoded, nil, nil, false)
}

func (t *autoTree) IterRev() (kv.Iterator, error) {
	return newSnapshotIterator(t.db.db, t.encoded, nil, nil, true)
}

func (t *autoTree) IterRange(start, end []byte) (kv.Iterator, error) {
	return newSnapshotIterator(t.db.db, t.encoded, start, end, false)
}

func (t *autoTree) IterRangeRev(start, end []byte) (kv.Iterator, error) {
	return newSnapshotIterator(t.db.db, t.encoded, start, end, true)
}

// txTree implements kv.Tree scoped to an already-open bbolt transaction;
// it does not open new transactions of its own.
type txTree struct {
	bucket *bolt.Bucket
}

func (t *txTree) Get(key []byte) ([]byte, error) {
	v := t.bucket.Get(key)
	if v == nil {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (t *txTree) Insert(key, value []byte) error {
	if err := t.bucket.Put(key, value); err != nil {
		return kv.IOErr("insert failed", err)
	}
	return nil
}

func (t *txTree) Delete(key []byte) error {
	if err := t.bucket.Delete(key); err != nil {
		return kv.IOErr("delete failed", err)
	}
	return nil
}

func (t *txTree) Clear() error {
	c := t.bucket.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if err := t.bucket.Delete(k); err != nil {
			return kv.IOErr("clear failed", err)
		}
	}
	return nil
}

func (t *txTree) Len() (int, error) {
	return t.bucket.Stats().KeyN, nil
}

func (t *txTree) IsEmpty() (bool, error) {
	n, _ := t.Len()
	return n == 0, nil
}

func (t *txTree) Iter() (kv.Iterator, error) {
	return newCursorIterator(t.bucket.Cursor(), nil, nil, false), nil
}

func (t *txTree) IterRev() (kv.Iterator, error) {
	return newCursorIterator(t.bucket.Cursor(), nil, nil, true), nil
}

func (t *txTree) IterRange(start, end []byte) (kv.Iterator, error) {
	return newCursorIterator(t.bucket.Cursor(), start, end, false), nil
}

func (t *txTree) IterRangeRev(start, end []byte) (kv.Iterator, error) {
	return newCursorIterator(t.bucket.Cursor(), start, end, true), nil
}

// cursorIterator walks a bbolt cursor already scoped to a live transaction.
type cursorIterator struct {
	cursor     *bolt.Cursor
	start, end []byte
	reverse    bool
	started    bool
	key, value []byte
}

func newCursorIterator(c *bolt.Cursor, start, end []byte, reverse bool) *cursorIterator {
	return &cursorIterator{cursor: c, start: start, end: end, reverse: reverse}
}

func (it *cursorIterator) Next() bool {
	var k, v []byte
	if !it.started {
		it.started = true
		if it.reverse {
			if it.end != nil {
				k, v = it.cursor.Seek(it.end)
				if k == nil {
					k, v = it.cursor.Last()
				} else {
					k, v = it.cursor.Prev()
				}
			} else {
				k, v = it.cursor.Last()
			}
		} else {
			if it.start != nil {
				k, v = it.cursor.Seek(it.start)
			} else {
				k, v = it.cursor.First()
			}
		}
	} else if it.reverse {
		k, v = it.cursor.Prev()
	} else {
		k, v = it.cursor.Next()
	}

	if k == nil {
		it.key, it.value = nil, nil
		return false
	}
	if !it.reverse && it.end != nil && bytes.Compare(k, it.end) >= 0 {
		it.key, it.value = nil, nil
		return false
	}
	if it.reverse && it.start != nil && bytes.Compare(k, it.start) < 0 {
		it.key, it.value = nil, nil
		return false
	}
	it.key = append([]byte(nil), k...)
	it.value = append([]byte(nil), v...)
	return true
}

func (it *cursorIterator) Key() []byte   { return it.key }
func (it *cursorIterator) Value() []byte { return it.value }
func (it *cursorIterator) Err() error    { return nil }
func (it *cursorIterator) Close() error  { return nil }

// snapshotIterator owns a dedicated long-lived read transaction so callers
// of the autoTree convenience methods can iterate without holding a Tx.
type snapshotIterator struct {
	btx   *bolt.Tx
	inner *cursorIterator
}

func newSnapshotIterator(db *bolt.DB, encoded string, start, end []byte, reverse bool) (*snapshotIterator, error) {
	btx, err := db.Begin(false)
	if err != nil {
		return nil, kv.IOErr("failed to begin read transaction", err)
	}
	b := btx.Bucket([]byte(encoded))
	if b == nil {
		btx.Rollback()
		return nil, kv.NotFoundErr(fmt.Sprintf("tree %q not open", encoded))
	}
	return &snapshotIterator{
		btx:   btx,
		inner: newCursorIterator(b.Cursor(), start, end, reverse),
	}, nil
}

func (it *snapshotIterator) Next() bool    { return it.inner.Next() }
func (it *snapshotIterator) Key() []byte   { return it.inner.Key() }
func (it *snapshotIterator) Value() []byte { return it.inner.Value() }
func (it *snapshotIterator) Err() error    { return it.inner.Err() }
func (it *snapshotIterator) Close() error  { return it.btx.Rollback() }
