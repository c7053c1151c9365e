package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/HieraChain-PBFT/config"
	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/api"
	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/ledger"
	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/monitoring"
	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/network"
	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/node"
)

// Version information
const (
	Version = "0.1.0"
	Name    = "HieraChain-PBFT"
)

var cmdMain = &cobra.Command{
	Use:     "hierachain-pbft <ID>",
	Short:   "PBFT consensus node",
	Version: Version,
	Args:    cobra.ExactArgs(1),
	RunE:    runNode,
}

var flagMain struct {
	Config     string
	Connect    string
	Verbose    int
	Dead       int
	TxInterval time.Duration
}

func init() {
	cmdMain.Flags().StringVarP(&flagMain.Config, "config", "c", "", "Configuration file")
	cmdMain.Flags().StringVar(&flagMain.Connect, "connect", "", "Listen endpoint, overrides the configuration")
	cmdMain.Flags().CountVarP(&flagMain.Verbose, "verbose", "v", "Increase log verbosity")
	cmdMain.Flags().IntVar(&flagMain.Dead, "dead", 0, "Stop reacting after this many seconds")
	cmdMain.Flags().DurationVar(&flagMain.TxInterval, "tx-interval", 0, "Submit a synthetic transaction at this interval")
}

func main() {
	if err := cmdMain.Execute(); err != nil {
		os.Exit(1)
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid node id %q: %w", args[0], err)
	}

	cfg, err := config.Load(flagMain.Config)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.NodeID = id
	if flagMain.Connect != "" {
		cfg.Listen = flagMain.Connect
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := monitoring.NewLogger(flagMain.Verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg, logger)
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	consensusCfg, err := cfg.ConsensusConfig()
	if err != nil {
		return err
	}
	networkCfg, err := cfg.NetworkConfig()
	if err != nil {
		return err
	}
	self := networkCfg.PeerID

	chain, err := ledger.OpenChain(ledger.ChainConfig{
		DataDir:   cfg.DataDir,
		BlockSize: cfg.BlockSize,
		Signer:    self,
	}, ledger.NewMempool(cfg.MempoolSize), logger.Named("ledger"))
	if err != nil {
		return fmt.Errorf("opening chain: %w", err)
	}
	defer func() { _ = chain.Close() }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(registry)

	svc := network.NewNetworkService(networkCfg, logger.Named("network"))

	opts := []node.Option{
		node.WithLogger(logger.Named("consensus")),
		node.WithMetrics(metrics),
	}
	if flagMain.Dead > 0 {
		opts = append(opts, node.WithDeathAfter(time.Duration(flagMain.Dead)*time.Second))
	}
	n, err := node.New(node.Config{
		NodeID:            cfg.NodeID,
		Consensus:         consensusCfg,
		CheckpointPeriod:  cfg.CheckpointPeriod,
		LogWindow:         cfg.LogWindow,
		ProposeInterval:   cfg.ProposeInterval,
		ValidationWorkers: cfg.ValidationWorkers,
	}, chain, svc, opts...)
	if err != nil {
		return err
	}

	svc.SetHandler(func(from consensus.PeerID, payload []byte) {
		if err := n.Deliver(from, payload); err != nil {
			logger.Debug("dropped inbound message", zap.Stringer("from", from), zap.Error(err))
		}
	})
	if err := svc.Start(); err != nil {
		return fmt.Errorf("starting network: %w", err)
	}
	defer svc.Stop()

	logger.Info("node started",
		zap.String("name", Name),
		zap.String("version", Version),
		zap.Uint64("node", cfg.NodeID),
		zap.Stringer("peer", self),
		zap.String("listen", cfg.Listen))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Run(ctx) })

	if cfg.MetricsAddress != "" {
		server := monitoring.NewMetricsServer(cfg.MetricsAddress, registry, healthCheck(n.Health, svc.GetStatus))
		g.Go(server.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Stop(shutdownCtx)
		})
	}

	if cfg.SnapshotAddress != "" {
		server := api.NewSnapshotServer(chain, n.Status, api.NewAuthenticator(cfg.AuthToken), logger.Named("api"))
		if err := server.Listen(cfg.SnapshotAddress); err != nil {
			return err
		}
		g.Go(server.Serve)
		g.Go(func() error {
			<-ctx.Done()
			server.Stop()
			return nil
		})
	}

	if flagMain.TxInterval > 0 {
		g.Go(func() error {
			return generateTransactions(ctx, chain, cfg.NodeID, flagMain.TxInterval, logger.Named("workload"))
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	netStatus := svc.GetStatus()
	logger.Info("node stopped",
		zap.Stringer("status", n.Status()),
		zap.Int("peers", netStatus.PeerCount),
		zap.Int("healthy_peers", netStatus.HealthyPeers))
	return nil
}
