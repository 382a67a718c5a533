package cluster

import (
	"context"
	"math/rand"
	"time"

	"github.com/cuemby/meridian/pkg/identity"
	"github.com/cuemby/meridian/pkg/layout"
	"github.com/cuemby/meridian/pkg/rpc"
)

// layoutGossipInterval is how often a node pushes its current layout
// version to a random peer, independent of any table's own anti-entropy
// cadence — the layout itself is tiny and changes rarely, so this stays
// cheap even at a short interval.
const layoutGossipInterval = 5 * time.Second

// registerLayoutHandlers wires the PullLayout/AdvertiseLayout families
// onto server, so a peer can either pull this node's committed version on
// demand or push its own for this node to adopt.
func (s *System) registerLayoutHandlers() {
	s.server.Register(rpc.FamilyPullLayout, func(ctx context.Context, payload []byte) (interface{}, error) {
		encoded, err := layout.Encode(s.history.Current())
		if err != nil {
			return nil, err
		}
		return &rpc.PullLayoutResponse{Encoded: encoded}, nil
	})

	s.server.Register(rpc.FamilyAdvertiseLayout, func(ctx context.Context, payload []byte) (interface{}, error) {
		var req rpc.AdvertiseLayoutRequest
		if err := rpc.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		accepted := s.adoptLayoutIfNewer(req.Version, req.Encoded)
		return &rpc.AdvertiseLayoutResponse{Accepted: accepted}, nil
	})
}

// adoptLayoutIfNewer replaces the local history's view with v if v is
// strictly newer than what this node currently holds. Meridian nodes only
// ever move forward: a gossiped version older than or equal to the
// current one is silently ignored rather than rejected with an error,
// since that's the expected steady state once gossip has converged.
func (s *System) adoptLayoutIfNewer(version uint64, encoded []byte) bool {
	if version <= s.history.Current().Num {
		return false
	}
	v, err := layout.Decode(encoded)
	if err != nil {
		clusterLog.Warn().Err(err).Msg("discarding malformed gossiped layout")
		return false
	}
	s.adoptLayout(v)
	return true
}

// gossipLoop periodically pushes this node's current layout to one
// randomly chosen peer, the same fan-out-by-randomness idiom
// pkg/table's anti-entropy loop uses for picking a sync partner.
func (s *System) gossipLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(layoutGossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.gossipOnce()
		}
	}
}

func (s *System) gossipOnce() {
	peers := s.history.AllNodes()
	var candidates []identity.NodeID
	for _, p := range peers {
		if p != s.self.NodeID() {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return
	}
	peer := candidates[rand.Intn(len(candidates))]

	current := s.history.Current()
	encoded, err := layout.Encode(current)
	if err != nil {
		clusterLog.Warn().Err(err).Msg("failed to encode layout for gossip")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpc.DefaultMetadataDeadline)
	defer cancel()
	client, err := s.dialer.Dial(ctx, peer)
	if err != nil {
		clusterLog.Debug().Err(err).Str("peer", peer.String()).Msg("layout gossip dial failed")
		return
	}

	var resp rpc.AdvertiseLayoutResponse
	req := &rpc.AdvertiseLayoutRequest{Version: current.Num, Encoded: encoded}
	if err := client.Call(ctx, rpc.FamilyAdvertiseLayout, req, &resp); err != nil {
		clusterLog.Debug().Err(err).Str("peer", peer.String()).Msg("layout gossip push failed")
		s.dialer.Forget(peer)
	}
}
