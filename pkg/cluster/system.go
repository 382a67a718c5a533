// Package cluster wires together a single Meridian node: its identity,
// local KV store, layout history, replication policies, the five
// metadata tables, and the block manager, and drives the background
// loops (layout gossip, table anti-entropy, block GC/resync) that keep
// it converging with its peers.
package cluster

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/meridian/pkg/blockstore"
	"github.com/cuemby/meridian/pkg/identity"
	"github.com/cuemby/meridian/pkg/kv"
	"github.com/cuemby/meridian/pkg/kv/bolt"
	"github.com/cuemby/meridian/pkg/layout"
	"github.com/cuemby/meridian/pkg/log"
	"github.com/cuemby/meridian/pkg/replication"
	"github.com/cuemby/meridian/pkg/rpc"
	"github.com/cuemby/meridian/pkg/schema"
	"github.com/cuemby/meridian/pkg/table"
)

var clusterLog = log.WithComponent("cluster")

// Config configures a single node's System.
type Config struct {
	// DataDir holds this node's bolt database, identity key and block blobs.
	DataDir string
	// BindAddr is the address this node's RPC server listens on, and the
	// address it advertises to peers when it joins.
	BindAddr string
	// Zone is this node's failure domain, used for replica placement diversity.
	Zone string
	// Capacity weights how many partitions this node receives; 0 marks a
	// gateway-only node that stores no replicas.
	Capacity uint32
	// ReplicationFactor is the target replica count for a brand-new
	// single-node layout. Ignored when an existing layout is loaded.
	ReplicationFactor int
	// Mode selects the read/write quorum formula every policy on this
	// node uses.
	Mode layout.ConsistencyMode
}

// System is a running node: its storage, identity, membership view and
// the tables/block manager layered on top.
type System struct {
	cfg Config

	db       kv.DB
	self     *identity.Identity
	history  *layout.History
	sharded  replication.Policy
	fullCopy replication.Policy

	dialer *Dialer
	server *rpc.Server
	tokens *TokenManager

	Buckets    *table.Table[uuid.UUID, schema.Unit, schema.Bucket]
	AccessKeys *table.Table[string, schema.Unit, schema.AccessKey]
	Objects    *table.Table[uuid.UUID, string, schema.Object]
	Versions   *table.Table[uuid.UUID, schema.Unit, schema.Version]
	BlockRefs  *table.Table[[32]byte, uuid.UUID, schema.BlockRef]

	Blocks *blockstore.Manager

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSystem brings up a node: opens its KV store, loads or generates its
// identity, bootstraps a fresh single-node layout if none is persisted
// yet, and wires every table and the block manager on top.
func NewSystem(cfg Config) (*System, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("cluster: failed to create data dir: %w", err)
	}

	self, err := identity.LoadOrGenerate(filepath.Join(cfg.DataDir, "identity.key"))
	if err != nil {
		return nil, fmt.Errorf("cluster: failed to load identity: %w", err)
	}

	db, err := bolt.Open(filepath.Join(cfg.DataDir, "meridian.db"))
	if err != nil {
		return nil, fmt.Errorf("cluster: failed to open kv store: %w", err)
	}

	dialer, err := NewDialer(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if cfg.BindAddr != "" {
		if err := dialer.Advertise(self.NodeID(), cfg.BindAddr); err != nil {
			db.Close()
			return nil, err
		}
	}

	history, err := loadOrBootstrapHistory(db, self, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &System{
		cfg:      cfg,
		db:       db,
		self:     self,
		history:  history,
		sharded:  replication.NewSharded(history, cfg.Mode),
		fullCopy: replication.NewFullCopy(history, cfg.Mode),
		dialer:   dialer,
		server:   rpc.NewServer(),
		tokens:   NewTokenManager(),
		stopCh:   make(chan struct{}),
	}

	if err := s.buildTables(); err != nil {
		db.Close()
		return nil, err
	}

	blocks, err := blockstore.NewManager(
		filepath.Join(cfg.DataDir, "blocks"),
		db, s.sharded, s.dialer, self.NodeID(), s.server,
		blockstore.Options{GCDelay: blockstore.DefaultGCDelay},
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cluster: failed to start block manager: %w", err)
	}
	s.Blocks = blocks

	s.registerLayoutHandlers()
	return s, nil
}

// buildTables wires the five metadata tables. Bucket and AccessKey rows
// are few and must resolve on every gateway request, so they run under
// FullCopy; Object, Version and BlockRef rows scale with stored data and
// run under Sharded. BlockRefs carries the refcount hook that drives the
// block manager's garbage collector off CRDT convergence.
func (s *System) buildTables() error {
	var err error
	s.Buckets, err = table.NewTable(
		s.db, schema.BucketSchema, s.fullCopy, s.dialer, s.self.NodeID(), s.server)
	if err != nil {
		return fmt.Errorf("cluster: failed to open bucket table: %w", err)
	}

	s.AccessKeys, err = table.NewTable(
		s.db, schema.AccessKeySchema, s.fullCopy, s.dialer, s.self.NodeID(), s.server)
	if err != nil {
		return fmt.Errorf("cluster: failed to open access key table: %w", err)
	}

	s.Objects, err = table.NewTable(
		s.db, schema.ObjectSchema, s.sharded, s.dialer, s.self.NodeID(), s.server)
	if err != nil {
		return fmt.Errorf("cluster: failed to open object table: %w", err)
	}

	s.Versions, err = table.NewTable(
		s.db, schema.VersionSchema, s.sharded, s.dialer, s.self.NodeID(), s.server)
	if err != nil {
		return fmt.Errorf("cluster: failed to open version table: %w", err)
	}

	// The refcount hook closes over s.Blocks, but Blocks isn't built yet
	// at this point — it is wired in afterward via a thin adapter that
	// reads s.Blocks lazily, since every BlockRef merge after startup
	// happens well after NewSystem has returned.
	s.BlockRefs, err = table.NewTable(
		s.db, schema.BlockRefSchema, s.sharded, s.dialer, s.self.NodeID(), s.server,
		schema.RefcountHook(&lazyAdjuster{sys: s}))
	if err != nil {
		return fmt.Errorf("cluster: failed to open block ref table: %w", err)
	}
	return nil
}

// lazyAdjuster defers to System.Blocks, which is only assigned after
// BlockRefs' own table (and therefore its hook) is constructed.
type lazyAdjuster struct {
	sys *System
}

func (a *lazyAdjuster) AdjustRefcount(h [32]byte, delta int) error {
	if a.sys.Blocks == nil {
		return nil
	}
	return a.sys.Blocks.AdjustRefcount(h, delta)
}

// loadOrBootstrapHistory loads a persisted layout from the kv store, or
// bootstraps a brand-new single-node one if this is a fresh data dir.
func loadOrBootstrapHistory(db kv.DB, self *identity.Identity, cfg Config) (*layout.History, error) {
	tree, err := db.Tree("layout")
	if err != nil {
		return nil, fmt.Errorf("cluster: failed to open layout tree: %w", err)
	}
	encoded, err := tree.Get([]byte("current"))
	if err == nil && encoded != nil {
		v, err := layout.Decode(encoded)
		if err != nil {
			return nil, fmt.Errorf("cluster: failed to decode persisted layout: %w", err)
		}
		return layout.NewHistory(v), nil
	}

	rf := cfg.ReplicationFactor
	if rf < 1 {
		rf = 1
	}
	roles := []layout.NodeRole{{ID: self.NodeID(), Zone: cfg.Zone, Capacity: cfg.Capacity}}
	v, err := layout.NewLayoutVersion(1, roles, rf)
	if err != nil {
		return nil, fmt.Errorf("cluster: failed to bootstrap layout: %w", err)
	}
	encoded, err = layout.Encode(v)
	if err != nil {
		return nil, err
	}
	if err := tree.Insert([]byte("current"), encoded); err != nil {
		return nil, fmt.Errorf("cluster: failed to persist bootstrap layout: %w", err)
	}
	return layout.NewHistory(v), nil
}

// adoptLayout replaces the local view of the committed layout with v and
// persists it, so a restart doesn't regress to an older version.
func (s *System) adoptLayout(v *layout.LayoutVersion) {
	s.history.AdoptRemote(v)
	tree, err := s.db.Tree("layout")
	if err != nil {
		clusterLog.Warn().Err(err).Msg("failed to open layout tree to persist adopted version")
		return
	}
	encoded, err := layout.Encode(v)
	if err != nil {
		clusterLog.Warn().Err(err).Msg("failed to encode adopted layout")
		return
	}
	if err := tree.Insert([]byte("current"), encoded); err != nil {
		clusterLog.Warn().Err(err).Msg("failed to persist adopted layout")
	}
}

// NodeID returns this node's identity.
func (s *System) NodeID() identity.NodeID {
	return s.self.NodeID()
}

// Tokens returns the node's join-token manager, used by the admin API to
// mint and validate tokens for new nodes joining the cluster.
func (s *System) Tokens() *TokenManager {
	return s.tokens
}

// Start launches every background loop (layout gossip, per-table
// anti-entropy, block GC and resync) without blocking.
func (s *System) Start() {
	s.wg.Add(1)
	go s.gossipLoop()

	s.Buckets.StartAntiEntropy()
	s.AccessKeys.StartAntiEntropy()
	s.Objects.StartAntiEntropy()
	s.Versions.StartAntiEntropy()
	s.BlockRefs.StartAntiEntropy()

	s.Blocks.StartGC()
	s.Blocks.StartResync()

	s.wg.Add(1)
	go s.tokenCleanupLoop()
}

// tokenCleanupLoop periodically drops expired join tokens.
func (s *System) tokenCleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tokens.cleanupExpired()
		}
	}
}

// Stop halts every background loop and releases resources, including
// closing the RPC server's listener so its Serve call returns.
func (s *System) Stop() {
	close(s.stopCh)
	s.wg.Wait()

	s.Buckets.StopAntiEntropy()
	s.AccessKeys.StopAntiEntropy()
	s.Objects.StopAntiEntropy()
	s.Versions.StopAntiEntropy()
	s.BlockRefs.StopAntiEntropy()

	s.Blocks.Stop()
	s.dialer.Close()
	s.server.Close()
	s.db.Close()
}

// RPCServer exposes the node's RPC server for the listener to be started
// against, and for any additional families (e.g. the S3 gateway's own
// node-to-node proxying) to register on.
func (s *System) RPCServer() *rpc.Server {
	return s.server
}

// History exposes the node's layout history, e.g. for an admin API to
// report cluster membership or stage a layout change.
func (s *System) History() *layout.History {
	return s.history
}

// Identity exposes the node's keypair, e.g. for the admin API to sign a
// layout countersignature.
func (s *System) Identity() *identity.Identity {
	return s.self
}

// Dial opens (or reuses) a connection to a peer node, for callers (e.g.
// the admin client or the S3 gateway's cross-node proxy) that need to
// issue ad hoc RPCs beyond what the tables and block manager drive
// themselves.
func (s *System) Dial(ctx context.Context, node identity.NodeID) (*rpc.Client, error) {
	return s.dialer.Dial(ctx, node)
}

// AdvertiseAddr records a peer's reachable address, learned out of band
// (e.g. from a join request), in the node's address book.
func (s *System) AdvertiseAddr(node identity.NodeID, addr string) error {
	return s.dialer.Advertise(node, addr)
}
