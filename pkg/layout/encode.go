package layout

import "encoding/json"

// wireLayoutVersion is LayoutVersion's on-the-wire shape: only the inputs
// to computeAssignment travel, since the assignment itself is a pure
// function of Num, Roles and ReplicationFactor and is cheaper to
// recompute on the receiving end than to serialize (256 partitions of
// node-id slices).
type wireLayoutVersion struct {
	Num               uint64     `json:"num"`
	Roles             []NodeRole `json:"roles"`
	ReplicationFactor int        `json:"replication_factor"`
}

// Encode serializes a LayoutVersion for gossip (PullLayout/AdvertiseLayout)
// or for persistence alongside the rest of a node's local state.
func Encode(v *LayoutVersion) ([]byte, error) {
	return json.Marshal(wireLayoutVersion{Num: v.Num, Roles: v.Roles, ReplicationFactor: v.ReplicationFactor})
}

// Decode reverses Encode, recomputing the partition assignment locally.
func Decode(data []byte) (*LayoutVersion, error) {
	var w wireLayoutVersion
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return NewLayoutVersion(w.Num, w.Roles, w.ReplicationFactor)
}
