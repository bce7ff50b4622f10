package gossip

import (
	"github.com/ryandielhenn/zephyrcluster/pkg/cluster"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

// Wire protocol of the disseminator: one request type carrying a batch of
// gossips, sent fire-and-forget.
const QualifierGossipReq = "zephyr/gossip/req"

// Gossip is one disseminated item. ID is unique cluster-wide: the origin
// member id followed by a per-origin counter.
type Gossip struct {
	ID      string            `json:"id"`
	Message transport.Message `json:"message"`
}

type gossipRequest struct {
	From    cluster.Member `json:"from"`
	Gossips []Gossip       `json:"gossips"`
}
