package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrcluster/discovery"
	"github.com/ryandielhenn/zephyrcluster/internal/config"
	"github.com/ryandielhenn/zephyrcluster/internal/telemetry"
	"github.com/ryandielhenn/zephyrcluster/pkg/metadata"
	"github.com/ryandielhenn/zephyrcluster/pkg/node"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport/grpctransport"
)

// Set with -ldflags "-X main.version=... -X main.gitSHA=...".
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flagged := config.Default()
	var configPath string

	cmd := &cobra.Command{
		Use:   "zephyr-server",
		Short: "Run a cluster membership node",
		Long: `Run a node that joins a SWIM-style membership cluster through the
given seeds (or seeds registered in etcd) and serves an admin HTTP API
with /healthz, /info, /members, /metadata, /owner/{key} and /metrics.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := config.Load(configPath, cmd.Flags(), flagged)
			if err != nil {
				return err
			}
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	flagged.AddFlags(cmd.Flags())
	return cmd
}

func run(parent context.Context, opts config.Options) error {
	log, err := telemetry.NewLogger(opts.LogLevel, opts.Development)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	telemetry.SetBuildInfo(version, gitSHA)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := opts.ClusterConfig()
	if err != nil {
		return err
	}
	bind, err := opts.BindAddress()
	if err != nil {
		return err
	}
	advertise := cfg.MemberAddress(bind)
	if advertise.Host == "" || net.ParseIP(advertise.Host).IsUnspecified() {
		host, err := os.Hostname()
		if err != nil {
			return errors.Wrap(err, "no advertise host given and hostname unknown")
		}
		advertise.Host = host
	}

	var etcd *etcdSeeds
	if len(opts.Etcd.Endpoints) > 0 {
		etcd, err = dialEtcd(ctx, opts.Etcd, log)
		if err != nil {
			return err
		}
		defer etcd.close()
		for _, addr := range etcd.initial {
			if addr != advertise {
				cfg.SeedMembers = append(cfg.SeedMembers, addr)
			}
		}
	}

	tr, err := grpctransport.Bind(bind.String(), advertise, log)
	if err != nil {
		return err
	}
	initial, err := metadata.PropertiesCodec.Encode(metadata.Properties(opts.Metadata))
	if err != nil {
		_ = tr.Stop(ctx)
		return err
	}
	n, err := node.Join(ctx, tr, cfg, initial, log)
	if err != nil {
		return err
	}
	if err := telemetry.RegisterMembersGauge(n.StatusCounts); err != nil {
		log.Warn("members gauge not registered", zap.Error(err))
	}
	log.Info("node running",
		zap.Stringer("member", n.Member()),
		zap.Int("seeds", len(cfg.SeedMembers)),
		zap.String("version", version))

	g, gctx := errgroup.WithContext(ctx)
	if etcd != nil {
		g.Go(func() error { return etcd.follow(gctx, n) })
	}
	if opts.HTTP != "" {
		srv := &http.Server{Addr: opts.HTTP, Handler: n.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info("admin http listening", zap.String("addr", opts.HTTP))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "admin http")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return n.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type etcdSeeds struct {
	cfg     config.Etcd
	log     *zap.Logger
	cli     *clientv3.Client
	initial map[string]transport.Address
	rev     int64
}

func dialEtcd(ctx context.Context, cfg config.Etcd, log *zap.Logger) (*etcdSeeds, error) {
	cli, err := discovery.NewClient(cfg.Endpoints)
	if err != nil {
		return nil, err
	}
	listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	initial, rev, err := discovery.Seeds(listCtx, cli, cfg.Prefix)
	if err != nil {
		_ = cli.Close()
		return nil, err
	}
	log.Info("seeds from etcd", zap.Int("count", len(initial)), zap.Int64("revision", rev))
	return &etcdSeeds{cfg: cfg, log: log, cli: cli, initial: initial, rev: rev}, nil
}

// follow registers the local member and syncs with members registered
// later that this node does not know yet.
func (e *etcdSeeds) follow(ctx context.Context, n *node.Node) error {
	release, err := discovery.RegisterNode(ctx, e.cli, e.cfg.Prefix, n.Member(), e.cfg.TTL, e.log)
	if err != nil {
		return err
	}
	defer func() {
		revokeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := release(revokeCtx); err != nil {
			e.log.Warn("etcd deregister", zap.Error(err))
		}
	}()

	discovery.WatchSeeds(ctx, e.cli, e.cfg.Prefix, e.rev, func(c discovery.SeedChange) {
		if c.Deleted || c.ID == n.Member().ID {
			return
		}
		if _, known := n.MemberByAddress(c.Address); known {
			return
		}
		e.log.Info("member registered in etcd", zap.String("id", c.ID), zap.Stringer("address", c.Address))
		if err := n.SyncWith(ctx, c.Address); err != nil {
			e.log.Debug("sync with registered member", zap.Stringer("address", c.Address), zap.Error(err))
		}
	}, e.log)
	return nil
}

func (e *etcdSeeds) close() {
	_ = e.cli.Close()
}
