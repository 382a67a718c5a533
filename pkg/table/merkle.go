package table

import (
	"crypto/sha256"

	"github.com/cuemby/meridian/pkg/kv"
)

// merkleBuckets is the fan-out of the per-partition anti-entropy tree:
// each partition's rows are grouped into 256 buckets by the second byte
// of their row hash (the first byte already selects the partition).
const merkleBuckets = 256

// bucketTree maintains, per partition, an XOR-accumulated hash per
// bucket so that a row insert/update/delete can update its bucket's
// node in O(1) rather than rehashing the whole partition. A bucket's
// hash is the XOR of hash(rowKey || valueHash) over every row it holds;
// XOR is commutative and self-inverse, so removing a row's old
// contribution before adding its new one keeps the accumulator correct
// under concurrent, out-of-order merges.
type bucketTree struct {
	tree kv.Tree
}

func newBucketTree(tree kv.Tree) *bucketTree {
	return &bucketTree{tree: tree}
}

func bucketOf(rowKey []byte) byte {
	if len(rowKey) < 2 {
		return 0
	}
	return rowKey[1]
}

func nodeKey(partition uint16, bucket byte) []byte {
	return []byte{byte(partition >> 8), byte(partition), bucket}
}

func rowContribution(rowKey, valueHash []byte) [32]byte {
	h := sha256.New()
	h.Write(rowKey)
	h.Write(valueHash)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Apply folds a row write into its bucket's accumulator: it XORs out
// oldValueHash's contribution (nil if the row didn't exist before) and
// XORs in newValueHash's. Must run inside the same kv transaction as the
// primary row write.
func (bt *bucketTree) Apply(partition uint16, rowKey []byte, oldValueHash, newValueHash []byte) error {
	bucket := bucketOf(rowKey)
	key := nodeKey(partition, bucket)

	cur, err := bt.tree.Get(key)
	if err != nil {
		return err
	}
	var acc [32]byte
	copy(acc[:], cur)

	if oldValueHash != nil {
		xorInto(&acc, rowContribution(rowKey, oldValueHash))
	}
	xorInto(&acc, rowContribution(rowKey, newValueHash))

	return bt.tree.Insert(key, acc[:])
}

func xorInto(acc *[32]byte, v [32]byte) {
	for i := range acc {
		acc[i] ^= v[i]
	}
}

// BucketHash returns the current accumulator for one bucket of a partition.
func (bt *bucketTree) BucketHash(partition uint16, bucket byte) ([]byte, error) {
	v, err := bt.tree.Get(nodeKey(partition, bucket))
	if err != nil {
		return nil, err
	}
	if v == nil {
		return make([]byte, 32), nil
	}
	return v, nil
}

// AllBucketHashes returns every bucket's hash for a partition, in bucket order.
func (bt *bucketTree) AllBucketHashes(partition uint16) ([][]byte, error) {
	out := make([][]byte, merkleBuckets)
	for b := 0; b < merkleBuckets; b++ {
		h, err := bt.BucketHash(partition, byte(b))
		if err != nil {
			return nil, err
		}
		out[b] = h
	}
	return out, nil
}

// Root XORs every bucket hash together into a single partition-wide root.
func (bt *bucketTree) Root(partition uint16) ([]byte, error) {
	hashes, err := bt.AllBucketHashes(partition)
	if err != nil {
		return nil, err
	}
	var acc [32]byte
	for _, h := range hashes {
		var v [32]byte
		copy(v[:], h)
		xorInto(&acc, v)
	}
	return acc[:], nil
}

func valueHash(encoded []byte) []byte {
	sum := sha256.Sum256(encoded)
	return sum[:]
}
