package membership

import "github.com/ryandielhenn/zephyrcluster/pkg/cluster"

const (
	QualifierSync    = "zephyr/membership/sync"
	QualifierSyncAck = "zephyr/membership/syncAck"
	// QualifierGossip tags membership deltas carried by the gossiper.
	QualifierGossip = "zephyr/membership/gossip"
)

// syncData is exchanged in both directions of a push-pull sync. Records
// never carry metadata; receivers fetch it from the member it describes.
type syncData struct {
	Records []cluster.Record `json:"records"`
}

type reason uint8

const (
	reasonSync reason = iota + 1
	reasonGossip
	reasonFailureDetector
	reasonSuspicionTimeout
	reasonLocal
)

func (r reason) String() string {
	switch r {
	case reasonSync:
		return "sync"
	case reasonGossip:
		return "gossip"
	case reasonFailureDetector:
		return "fdetector"
	case reasonSuspicionTimeout:
		return "suspicion-timeout"
	case reasonLocal:
		return "local"
	default:
		return "unknown"
	}
}
