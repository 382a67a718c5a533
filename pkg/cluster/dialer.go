package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/meridian/pkg/identity"
	"github.com/cuemby/meridian/pkg/kv"
	"github.com/cuemby/meridian/pkg/rpc"
)

// addressTree is the KV tree name under which the node-id-to-address
// book is persisted, so a restarted node remembers how to reach peers
// it already knew about without waiting on a fresh round of gossip.
const addressTree = "node_addresses"

// Dialer resolves a node id to a pooled *rpc.Client, satisfying both
// pkg/table's and pkg/blockstore's PeerDialer interfaces (defined
// separately in each package, but structurally identical). Addresses
// are learned via Advertise and persisted so they survive a restart.
type Dialer struct {
	db kv.DB

	mu      sync.Mutex
	addrs   map[identity.NodeID]string
	clients map[identity.NodeID]*rpc.Client
}

// NewDialer opens (creating if necessary) the address-book tree and
// loads any addresses already known from a previous run.
func NewDialer(db kv.DB) (*Dialer, error) {
	d := &Dialer{
		db:      db,
		addrs:   make(map[identity.NodeID]string),
		clients: make(map[identity.NodeID]*rpc.Client),
	}
	tree, err := db.Tree(addressTree)
	if err != nil {
		return nil, fmt.Errorf("cluster: failed to open address book: %w", err)
	}
	it, err := tree.Iter()
	if err != nil {
		return nil, fmt.Errorf("cluster: failed to iterate address book: %w", err)
	}
	defer it.Close()
	for it.Next() {
		var id identity.NodeID
		if len(it.Key()) != len(id) {
			continue
		}
		copy(id[:], it.Key())
		d.addrs[id] = string(it.Value())
	}
	return d, it.Err()
}

// Advertise records (or updates) the address a node can be reached at.
func (d *Dialer) Advertise(id identity.NodeID, addr string) error {
	d.mu.Lock()
	d.addrs[id] = addr
	d.mu.Unlock()

	tree, err := d.db.Tree(addressTree)
	if err != nil {
		return fmt.Errorf("cluster: failed to open address book: %w", err)
	}
	return tree.Insert(id[:], []byte(addr))
}

// Dial returns a pooled client for node, dialing a fresh connection if
// none exists yet or the pooled one has gone bad.
func (d *Dialer) Dial(ctx context.Context, node identity.NodeID) (*rpc.Client, error) {
	d.mu.Lock()
	if c, ok := d.clients[node]; ok {
		d.mu.Unlock()
		return c, nil
	}
	addr, ok := d.addrs[node]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("cluster: no known address for node %s", node)
	}

	c, err := rpc.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("cluster: dial %s (%s) failed: %w", node, addr, err)
	}

	d.mu.Lock()
	if existing, ok := d.clients[node]; ok {
		d.mu.Unlock()
		c.Close()
		return existing, nil
	}
	d.clients[node] = c
	d.mu.Unlock()
	return c, nil
}

// Forget drops a pooled connection, e.g. after a call against it fails,
// so the next Dial reconnects rather than reusing a dead client.
func (d *Dialer) Forget(node identity.NodeID) {
	d.mu.Lock()
	c, ok := d.clients[node]
	delete(d.clients, node)
	d.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Close closes every pooled connection.
func (d *Dialer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, c := range d.clients {
		c.Close()
		delete(d.clients, id)
	}
}
