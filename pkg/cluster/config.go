package cluster

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

var ErrInvalidConfig = errors.New("invalid cluster config")

// Config is the flat option set of the membership protocol and its engines.
type Config struct {
	// SeedMembers are contacted on start. Empty means this node starts a new
	// cluster on its own.
	SeedMembers []transport.Address

	SyncInterval  time.Duration
	SyncTimeout   time.Duration
	SyncGroupSize int

	PingInterval   time.Duration
	PingTimeout    time.Duration
	PingReqMembers int
	PingFanout     int
	SuspicionMult  int

	GossipInterval   time.Duration
	GossipFanout     int
	GossipRepeatMult int
	GossipBatchSize  int

	MetadataTimeout time.Duration

	// MemberHost and MemberPort override the advertised address of the
	// local member when the transport binds to something peers cannot reach.
	MemberHost string
	MemberPort int

	// DeadMemberGracePeriod is how long a DEAD record is kept as a tombstone
	// before it is pruned from the table.
	DeadMemberGracePeriod time.Duration
}

// DefaultConfig is tuned for clusters spread over a wide network.
func DefaultConfig() Config {
	return Config{
		SyncInterval:          30 * time.Second,
		SyncTimeout:           3 * time.Second,
		SyncGroupSize:         3,
		PingInterval:          time.Second,
		PingTimeout:           500 * time.Millisecond,
		PingReqMembers:        3,
		PingFanout:            1,
		SuspicionMult:         5,
		GossipInterval:        200 * time.Millisecond,
		GossipFanout:          3,
		GossipRepeatMult:      3,
		GossipBatchSize:       16,
		MetadataTimeout:       3 * time.Second,
		DeadMemberGracePeriod: time.Minute,
	}
}

// DefaultLocalConfig is tuned for nodes on one host or one rack.
func DefaultLocalConfig() Config {
	c := DefaultConfig()
	c.SyncInterval = 15 * time.Second
	c.SyncTimeout = time.Second
	c.PingTimeout = 200 * time.Millisecond
	c.SuspicionMult = 3
	c.GossipInterval = 100 * time.Millisecond
	c.MetadataTimeout = time.Second
	c.DeadMemberGracePeriod = 30 * time.Second
	return c
}

func (c Config) Validate() error {
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"sync interval", c.SyncInterval},
		{"sync timeout", c.SyncTimeout},
		{"ping interval", c.PingInterval},
		{"ping timeout", c.PingTimeout},
		{"gossip interval", c.GossipInterval},
		{"metadata timeout", c.MetadataTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "%s must be positive, got %s", p.name, p.d)
		}
	}
	if c.PingTimeout > c.PingInterval {
		return errors.Wrapf(ErrInvalidConfig, "ping timeout %s exceeds ping interval %s", c.PingTimeout, c.PingInterval)
	}
	atLeastOne := []struct {
		name string
		v    int
	}{
		{"sync group size", c.SyncGroupSize},
		{"ping fanout", c.PingFanout},
		{"suspicion multiplier", c.SuspicionMult},
		{"gossip fanout", c.GossipFanout},
		{"gossip repeat multiplier", c.GossipRepeatMult},
		{"gossip batch size", c.GossipBatchSize},
	}
	for _, p := range atLeastOne {
		if p.v < 1 {
			return errors.Wrapf(ErrInvalidConfig, "%s must be at least 1, got %d", p.name, p.v)
		}
	}
	if c.PingReqMembers < 0 {
		return errors.Wrapf(ErrInvalidConfig, "ping-req members must not be negative, got %d", c.PingReqMembers)
	}
	if c.MemberPort < 0 || c.MemberPort > 65535 {
		return errors.Wrapf(ErrInvalidConfig, "member port %d out of range", c.MemberPort)
	}
	if c.DeadMemberGracePeriod < 0 {
		return errors.Wrapf(ErrInvalidConfig, "dead member grace period must not be negative, got %s", c.DeadMemberGracePeriod)
	}
	return nil
}

// MemberAddress returns the address the local member advertises given the
// address its transport is bound to.
func (c Config) MemberAddress(bound transport.Address) transport.Address {
	addr := bound
	if c.MemberHost != "" {
		addr.Host = c.MemberHost
	}
	if c.MemberPort != 0 {
		addr.Port = c.MemberPort
	}
	return addr
}

// IndirectPingTimeout bounds the ping-req fallback of one probe.
func (c Config) IndirectPingTimeout() time.Duration {
	return max(c.PingInterval-c.PingTimeout, c.PingTimeout)
}
