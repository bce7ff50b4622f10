// Package config loads the settings of a cluster node from a YAML file and
// command-line flags. Flags that were set explicitly win over the file,
// and the file wins over built-in defaults.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/ryandielhenn/zephyrcluster/pkg/cluster"
	"github.com/ryandielhenn/zephyrcluster/pkg/node"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

const (
	DefaultPort = "7946"

	ProfileWAN   = "wan"
	ProfileLocal = "local"
)

// Etcd configures optional seed discovery through etcd.
type Etcd struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
	TTL       int64    `yaml:"ttl"`
}

// Tunables override protocol timings and sizes. Zero values keep the
// profile default.
type Tunables struct {
	SyncInterval          time.Duration `yaml:"sync_interval"`
	SyncTimeout           time.Duration `yaml:"sync_timeout"`
	SyncGroupSize         int           `yaml:"sync_group_size"`
	PingInterval          time.Duration `yaml:"ping_interval"`
	PingTimeout           time.Duration `yaml:"ping_timeout"`
	PingReqMembers        int           `yaml:"ping_req_members"`
	PingFanout            int           `yaml:"ping_fanout"`
	SuspicionMult         int           `yaml:"suspicion_mult"`
	GossipInterval        time.Duration `yaml:"gossip_interval"`
	GossipFanout          int           `yaml:"gossip_fanout"`
	GossipRepeatMult      int           `yaml:"gossip_repeat_mult"`
	GossipBatchSize       int           `yaml:"gossip_batch_size"`
	MetadataTimeout       time.Duration `yaml:"metadata_timeout"`
	DeadMemberGracePeriod time.Duration `yaml:"dead_member_grace_period"`
}

type Options struct {
	// Bind is the host:port the cluster transport listens on.
	Bind string `yaml:"bind"`
	// Advertise overrides the address peers use to reach this node.
	Advertise string `yaml:"advertise"`
	// HTTP is the admin listen address; empty disables it.
	HTTP        string            `yaml:"http"`
	Seeds       []string          `yaml:"seeds"`
	Profile     string            `yaml:"profile"`
	LogLevel    string            `yaml:"log_level"`
	Development bool              `yaml:"development"`
	Metadata    map[string]string `yaml:"metadata"`
	Etcd        Etcd              `yaml:"etcd"`
	Cluster     Tunables          `yaml:"cluster"`
}

func Default() Options {
	return Options{
		Bind:     "0.0.0.0:" + DefaultPort,
		HTTP:     ":8080",
		Profile:  ProfileWAN,
		LogLevel: "info",
		Etcd: Etcd{
			Prefix: "/zephyr/nodes/",
			TTL:    10,
		},
	}
}

// AddFlags registers the command-line form of o on fs, using the current
// values of o as defaults.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Bind, "bind", o.Bind, "host:port the cluster transport listens on")
	fs.StringVar(&o.Advertise, "advertise", o.Advertise, "host[:port] peers use to reach this node")
	fs.StringVar(&o.HTTP, "http", o.HTTP, "admin HTTP listen address, empty to disable")
	fs.StringSliceVar(&o.Seeds, "seeds", o.Seeds, "comma-separated seed members (host:port)")
	fs.StringVar(&o.Profile, "profile", o.Profile, "timing profile: wan or local")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "debug, info, warn or error")
	fs.BoolVar(&o.Development, "dev", o.Development, "human-readable console logging")
	fs.StringToStringVar(&o.Metadata, "metadata", o.Metadata, "local metadata properties (k=v,...)")
	fs.StringSliceVar(&o.Etcd.Endpoints, "etcd", o.Etcd.Endpoints, "etcd endpoints for seed discovery")
	fs.StringVar(&o.Etcd.Prefix, "etcd-prefix", o.Etcd.Prefix, "etcd key prefix for registered members")
	fs.DurationVar(&o.Cluster.PingInterval, "ping-interval", o.Cluster.PingInterval, "failure detector period (0 keeps the profile default)")
	fs.DurationVar(&o.Cluster.SyncInterval, "sync-interval", o.Cluster.SyncInterval, "anti-entropy period (0 keeps the profile default)")
	fs.DurationVar(&o.Cluster.GossipInterval, "gossip-interval", o.Cluster.GossipInterval, "gossip period (0 keeps the profile default)")
}

// Load reads the YAML file at path over the defaults and then re-applies
// every flag of fs that was set on the command line. flagged holds the
// values fs was bound to. An empty path skips the file.
func Load(path string, fs *pflag.FlagSet, flagged Options) (Options, error) {
	o := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Options{}, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(raw, &o); err != nil {
			return Options{}, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if fs == nil {
		return o, nil
	}
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "bind":
			o.Bind = flagged.Bind
		case "advertise":
			o.Advertise = flagged.Advertise
		case "http":
			o.HTTP = flagged.HTTP
		case "seeds":
			o.Seeds = flagged.Seeds
		case "profile":
			o.Profile = flagged.Profile
		case "log-level":
			o.LogLevel = flagged.LogLevel
		case "dev":
			o.Development = flagged.Development
		case "metadata":
			o.Metadata = flagged.Metadata
		case "etcd":
			o.Etcd.Endpoints = flagged.Etcd.Endpoints
		case "etcd-prefix":
			o.Etcd.Prefix = flagged.Etcd.Prefix
		case "ping-interval":
			o.Cluster.PingInterval = flagged.Cluster.PingInterval
		case "sync-interval":
			o.Cluster.SyncInterval = flagged.Cluster.SyncInterval
		case "gossip-interval":
			o.Cluster.GossipInterval = flagged.Cluster.GossipInterval
		}
	})
	return o, nil
}

// ParseSeeds parses seed lists. Each item may itself be a comma-separated
// list; a missing port defaults to DefaultPort.
func ParseSeeds(items ...string) ([]transport.Address, error) {
	var out []transport.Address
	seen := make(map[transport.Address]struct{})
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			addr, err := node.ParseHostPort(part, DefaultPort)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid seed %q", part)
			}
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out, nil
}

// BindAddress returns the address the transport listens on.
func (o Options) BindAddress() (transport.Address, error) {
	return node.ParseHostPort(o.Bind, DefaultPort)
}

// ClusterConfig resolves the protocol configuration: the profile defaults,
// then seeds, advertise address and non-zero tunables.
func (o Options) ClusterConfig() (cluster.Config, error) {
	var cfg cluster.Config
	switch o.Profile {
	case ProfileWAN, "":
		cfg = cluster.DefaultConfig()
	case ProfileLocal:
		cfg = cluster.DefaultLocalConfig()
	default:
		return cluster.Config{}, errors.Wrapf(cluster.ErrInvalidConfig, "unknown profile %q", o.Profile)
	}

	seeds, err := ParseSeeds(o.Seeds...)
	if err != nil {
		return cluster.Config{}, err
	}
	cfg.SeedMembers = seeds

	if o.Advertise != "" {
		// A bare host keeps the bound port.
		if addr, err := transport.ParseAddress(o.Advertise); err == nil {
			cfg.MemberHost, cfg.MemberPort = addr.Host, addr.Port
		} else {
			cfg.MemberHost = strings.TrimSpace(o.Advertise)
		}
	}

	t := o.Cluster
	setDuration(&cfg.SyncInterval, t.SyncInterval)
	setDuration(&cfg.SyncTimeout, t.SyncTimeout)
	setInt(&cfg.SyncGroupSize, t.SyncGroupSize)
	setDuration(&cfg.PingInterval, t.PingInterval)
	setDuration(&cfg.PingTimeout, t.PingTimeout)
	setInt(&cfg.PingReqMembers, t.PingReqMembers)
	setInt(&cfg.PingFanout, t.PingFanout)
	setInt(&cfg.SuspicionMult, t.SuspicionMult)
	setDuration(&cfg.GossipInterval, t.GossipInterval)
	setInt(&cfg.GossipFanout, t.GossipFanout)
	setInt(&cfg.GossipRepeatMult, t.GossipRepeatMult)
	setInt(&cfg.GossipBatchSize, t.GossipBatchSize)
	setDuration(&cfg.MetadataTimeout, t.MetadataTimeout)
	setDuration(&cfg.DeadMemberGracePeriod, t.DeadMemberGracePeriod)

	if err := cfg.Validate(); err != nil {
		return cluster.Config{}, err
	}
	return cfg, nil
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
