package table

// Schema parametrizes a Table over its partition key, sort key and value
// types. Merge must be commutative, associative and idempotent (I4) so
// replicas that apply the same set of writes in any order converge.
type Schema[PK any, SK any, V any] interface {
	// Name is the table's name, used as its KV tree name and RPC tag.
	Name() string

	// PartitionKey and SortKey extract a record's key parts.
	PartitionKey(v V) PK
	SortKey(v V) SK

	// EncodePK and EncodeSK serialize key parts to bytes for storage and
	// RPC; encodings must preserve sort order for range scans to work.
	EncodePK(pk PK) []byte
	EncodeSK(sk SK) []byte

	// PartitionHash maps a partition key to the 32-byte hash used for
	// layout placement and partition assignment.
	PartitionHash(pk PK) [32]byte

	// Merge is the CRDT join of two versions of the same record.
	Merge(a, b V) V

	// IsTombstone reports whether a merged value may be garbage
	// collected once every replica has converged on it.
	IsTombstone(v V) bool

	// EncodeValue and DecodeValue (de)serialize a record for storage and RPC.
	EncodeValue(v V) ([]byte, error)
	DecodeValue(data []byte) (V, error)
}

// WriteState models a write's progress through the table engine's state
// machine: Pending -> MergedLocal -> Broadcast -> (QuorumReached |
// QuorumFailed) -> Acknowledged. Only QuorumReached (en route to
// Acknowledged) returns success to the caller.
type WriteState int

const (
	Pending WriteState = iota
	MergedLocal
	Broadcast
	QuorumReached
	QuorumFailed
	Acknowledged
)

func (s WriteState) String() string {
	switch s {
	case Pending:
		return "pending"
	case MergedLocal:
		return "merged_local"
	case Broadcast:
		return "broadcast"
	case QuorumReached:
		return "quorum_reached"
	case QuorumFailed:
		return "quorum_failed"
	case Acknowledged:
		return "acknowledged"
	default:
		return "unknown"
	}
}
