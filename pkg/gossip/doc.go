// Package gossip implements epidemic dissemination for zephyrcluster.
//
// SpreadGossip stores an item under a fresh id and returns immediately.
// Every gossip interval the Gossiper pushes a bounded batch of items to a
// few random ALIVE members that are not yet known to have them. Receivers
// deliver each new id once to their listeners and keep forwarding it for a
// number of rounds that grows with log2 of the cluster size, then drop it.
//
// Typical usage:
//
//	g := gossip.New(local, tr, cfg, log)
//	g.Start(table.Records)
//	defer g.Stop()
//	id, _ := g.SpreadGossip(transport.Message{Qualifier: "app/news", Data: b})
//
// Delivery is best effort: no ordering across ids and no exactly-once
// guarantee beyond the recently-seen window.
package gossip
