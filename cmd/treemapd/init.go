package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.etcd.io/bbolt"

	"treemapdb/pkg/config"
	"treemapdb/pkg/partition"
	"treemapdb/pkg/service"
	"treemapdb/pkg/types"
)

// initConfig загружает конфиг: YAML поверх config.Default(), затем TREEMAP_* из окружения.
func initConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// initLogger настраивает глобальный slog.Logger (JSON или текстовый).
func initLogger(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Logger.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{AddSource: true, Level: level}

	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("node", cfg.Node.ID)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", level.String(), "json", cfg.Logger.JSON)
}

func partitionIDs(names []string) []types.PartitionID {
	ids := make([]types.PartitionID, len(names))
	for i, n := range names {
		ids[i] = types.PartitionID(n)
	}
	return ids
}

// localPartition is a partition served by this process.
type localPartition struct {
	service  *partition.Service[string]
	registry *service.Registry
}

// initPartitions opens storage and registers the services of the local
// partitions. The returned close func releases them all.
func initPartitions(cfg *config.Config) (map[types.PartitionID]*localPartition, func(), error) {
	var db *bbolt.DB
	if cfg.Storage.Backend == "bolt" {
		if err := os.MkdirAll(cfg.Storage.Path, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create storage dir: %w", err)
		}
		var err error
		db, err = partition.OpenBolt(cfg.Storage.Path + "/" + cfg.TreeMap.Name + ".db")
		if err != nil {
			return nil, nil, err
		}
	}

	locals := make(map[types.PartitionID]*localPartition)
	closeAll := func() {
		for id, lp := range locals {
			if err := lp.service.Close(); err != nil {
				slog.Warn("close partition", "partition", id, "error", err)
			}
		}
		if db != nil {
			if err := db.Close(); err != nil {
				slog.Warn("close storage", "error", err)
			}
		}
	}

	for _, id := range partitionIDs(cfg.LocalPartitions()) {
		var backend partition.Backend[string]
		if db != nil {
			b, err := partition.NewBoltBackend[string](db, id)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			backend = b
		} else {
			backend = partition.NewMemoryBackend[string]()
		}

		svc, err := partition.NewService[string](id, backend, partition.Options{
			CursorBatchSize:   cfg.TreeMap.CursorBatchSize,
			CursorIdleTimeout: cfg.TreeMap.CursorIdleTimeout,
			EventBuffer:       cfg.TreeMap.EventBuffer,
			Logger:            slog.Default(),
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		reg := service.NewRegistry(slog.Default().With("partition", string(id)))
		if err := svc.Register(reg); err != nil {
			_ = svc.Close()
			closeAll()
			return nil, nil, err
		}
		locals[id] = &localPartition{service: svc, registry: reg}
	}
	return locals, closeAll, nil
}
