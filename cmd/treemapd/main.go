package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"golang.org/x/sync/errgroup"

	"treemapdb/internal/http"
	"treemapdb/pkg/cluster"
	"treemapdb/pkg/config"
	"treemapdb/pkg/raftadapter"
	"treemapdb/pkg/types"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the node config")
	flag.Parse()

	cfg, err := initConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, &cfg); err != nil {
		slog.Error("treemapd stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("treemapd stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	locals, closePartitions, err := initPartitions(cfg)
	if err != nil {
		return err
	}
	defer closePartitions()

	g, gctx := errgroup.WithContext(ctx)
	for _, lp := range locals {
		svc := lp.service
		g.Go(func() error {
			svc.Run(gctx)
			return nil
		})
	}

	// Партиции этой ноды: через raft, если он включён, иначе напрямую
	served := make(map[types.PartitionID]http.ServedPartition, len(locals))
	var node *raftadapter.Node
	if cfg.Raft.Enabled {
		regs := make(raftadapter.Registries, len(locals))
		for id, lp := range locals {
			regs[id] = lp.registry
		}
		node, err = raftadapter.NewNode(&cfg.Raft, regs)
		if err != nil {
			return err
		}
		for id, lp := range locals {
			served[id] = raftadapter.NewReplicatedPartition(id, node, lp.registry)
		}
		g.Go(func() error {
			if err := node.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	} else {
		for id, lp := range locals {
			served[id] = cluster.NewLocalPartition(id, lp.registry)
		}
	}

	server := http.NewServer(http.Options{
		Port:              cfg.Server.Port,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		Logger:            slog.Default(),
	}, slices.Collect(maps.Values(served))...)
	if node != nil {
		server.SetRaftNode(node)
	}

	if len(cfg.Zookeeper.Servers) > 0 {
		membership, err := cluster.NewZKMembership(cfg.Zookeeper.Servers, cfg.Zookeeper.RootPath,
			cfg.Node.Address, cfg.Zookeeper.SessionTimeout, slog.Default())
		if err != nil {
			return err
		}
		defer membership.Close()

		if err := membership.RegisterPartitions(partitionIDs(cfg.LocalPartitions())); err != nil {
			return err
		}
		// вид кластера с этой ноды; свои партиции отвечают напрямую
		view, err := cluster.NewProxy(cluster.NewPartitioner(&cfg.TreeMap), slog.Default())
		if err != nil {
			return err
		}
		membership.RunWatch(gctx, view, func(id types.PartitionID, address string) cluster.Partition {
			if p, ok := served[id]; ok && address == cfg.Node.Address {
				return p
			}
			return cluster.NewHTTPPartition(id, address, cfg.Server.RemoteTimeout)
		})
	}

	if err := server.Start(); err != nil {
		return err
	}
	slog.Info("treemapd is running",
		"map", cfg.TreeMap.Name,
		"partitions", cfg.TreeMap.Partitions,
		"local", cfg.LocalPartitions(),
		"raft", cfg.Raft.Enabled,
		"zookeeper", len(cfg.Zookeeper.Servers) > 0)

	<-gctx.Done()

	if err := server.Stop(); err != nil {
		slog.Warn("Error stopping server", "error", err)
	}
	return g.Wait()
}
