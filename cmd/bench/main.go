// Command bench runs an in-process cluster over an emulated network and
// reports how long membership takes to converge and to notice a crash.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/internal/telemetry"
	"github.com/ryandielhenn/zephyrcluster/pkg/cluster"
	"github.com/ryandielhenn/zephyrcluster/pkg/node"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport/emulator"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport/memnet"
)

func main() {
	size := pflag.IntP("nodes", "n", 16, "cluster size")
	loss := pflag.Int("loss", 0, "outbound loss percent on every link")
	delay := pflag.Duration("delay", 0, "mean outbound delay on every link")
	timeout := pflag.Duration("timeout", time.Minute, "give up waiting after this long")
	pingInterval := pflag.Duration("ping-interval", 200*time.Millisecond, "failure detector period")
	logLevel := pflag.String("log-level", "warn", "log level")
	pflag.Parse()

	log, err := telemetry.NewLogger(*logLevel, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := run(*size, *loss, *delay, *pingInterval, *timeout, log); err != nil {
		fmt.Fprintln(os.Stderr, "bench:", err)
		os.Exit(1)
	}
}

type benchNode struct {
	node *node.Node
	emu  *emulator.NetworkEmulator
}

func run(size, loss int, delay, pingInterval, timeout time.Duration, log *zap.Logger) error {
	if size < 2 {
		return errors.Newf("need at least 2 nodes, got %d", size)
	}
	ctx := context.Background()
	network := memnet.NewNetwork()

	cfg := cluster.DefaultLocalConfig()
	cfg.PingInterval = pingInterval
	cfg.PingTimeout = pingInterval / 2
	cfg.SyncInterval = 10 * pingInterval

	nodes := make([]benchNode, 0, size)
	defer func() {
		for _, bn := range nodes {
			_ = bn.node.Shutdown(ctx)
		}
	}()

	start := time.Now()
	var seed transport.Address
	for i := 0; i < size; i++ {
		tr := emulator.New(network.BindAuto(), log)
		tr.Emulator().SetDefaultOutboundSettings(loss, delay)
		c := cfg
		if i > 0 {
			c.SeedMembers = []transport.Address{seed}
		}
		n, err := node.Join(ctx, tr, c, []byte(fmt.Sprintf(`{"index":"%d"}`, i)), log)
		if err != nil {
			return err
		}
		if i == 0 {
			seed = n.Address()
		}
		nodes = append(nodes, benchNode{node: n, emu: tr.Emulator()})
	}
	joined := time.Since(start)

	converged, err := waitFor(timeout, func() bool {
		for _, bn := range nodes {
			if bn.node.StatusCounts()[cluster.Alive.String()] != size {
				return false
			}
		}
		return true
	})
	if err != nil {
		return errors.Wrap(err, "convergence")
	}
	fmt.Printf("nodes=%d loss=%d%% delay=%s\n", size, loss, delay)
	fmt.Printf("join:        %s\n", joined)
	fmt.Printf("convergence: %s\n", converged+joined)

	victim := nodes[len(nodes)-1]
	victim.emu.BlockAllOutbound()
	victim.emu.BlockAllInbound()
	survivors := nodes[:len(nodes)-1]

	suspected, err := waitFor(timeout, func() bool {
		for _, bn := range survivors {
			if r, ok := bn.node.Record(victim.node.Member().ID); ok && r.IsAlive() {
				return false
			}
		}
		return true
	})
	if err != nil {
		return errors.Wrap(err, "suspicion")
	}
	removed, err := waitFor(timeout, func() bool {
		for _, bn := range survivors {
			if _, ok := bn.node.MemberByID(victim.node.Member().ID); ok {
				return false
			}
		}
		return true
	})
	if err != nil {
		return errors.Wrap(err, "removal")
	}
	fmt.Printf("crash suspected by all: %s\n", suspected)
	fmt.Printf("crash removed by all:   %s (suspicion timeout %s)\n",
		suspected+removed, cluster.SuspicionTimeout(cfg.SuspicionMult, size, cfg.PingInterval))

	var sent, lostOut, lostIn int64
	for _, bn := range nodes {
		sent += bn.emu.TotalMessageSentCount()
		lostOut += bn.emu.TotalOutboundMessageLostCount()
		lostIn += bn.emu.TotalInboundMessageLostCount()
	}
	fmt.Printf("messages sent=%d lost outbound=%d lost inbound=%d\n", sent, lostOut, lostIn)
	return nil
}

func waitFor(timeout time.Duration, done func() bool) (time.Duration, error) {
	start := time.Now()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for range tick.C {
		if done() {
			return time.Since(start), nil
		}
		if time.Since(start) > timeout {
			return 0, errors.Newf("not reached within %s", timeout)
		}
	}
	return 0, nil
}
