package fdetector

import "github.com/ryandielhenn/zephyrcluster/pkg/cluster"

const (
	QualifierPing    = "zephyr/fdetector/ping"
	QualifierPingReq = "zephyr/fdetector/pingReq"
	QualifierAck     = "zephyr/fdetector/pingAck"
)

// pingData is the payload of ping, ping-req and ack. Target names the
// member that is expected to answer; a receiver whose id differs stays
// silent so that a new process on a recycled address does not vouch for
// the old one.
type pingData struct {
	From   cluster.Member `json:"from"`
	Target cluster.Member `json:"target"`
}
