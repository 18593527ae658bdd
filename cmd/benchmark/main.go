package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"treemapdb/pkg/cluster"
	"treemapdb/pkg/config"
	"treemapdb/pkg/treemap"
	"treemapdb/pkg/types"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

// op выполняет одну операцию i-й итерации горутины g
type op func(ctx context.Context, g, i int) error

func main() {
	configPath := flag.String("config", "config.yaml", "path to the cluster config")
	static := flag.String("partitions", "p1=http://localhost:8080,p2=http://localhost:8080,p3=http://localhost:8080",
		"partitions, id=url[,id=url...]")
	total := flag.Int("ops", 1000, "operations per test")
	concurrency := flag.Int("concurrency", 10, "goroutines for the concurrent tests")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	var parts []cluster.Partition
	for _, item := range strings.Split(*static, ",") {
		id, addr, ok := strings.Cut(item, "=")
		if !ok {
			log.Fatalf("bad partition %q, want id=url", item)
		}
		parts = append(parts, cluster.NewHTTPPartition(types.PartitionID(id), addr, cfg.Server.RemoteTimeout))
	}
	proxy, err := cluster.NewProxy(cluster.NewPartitioner(&cfg.TreeMap), slog.Default(), parts...)
	if err != nil {
		log.Fatalf("proxy: %v", err)
	}

	ctx := context.Background()
	m := treemap.New[string](cfg.TreeMap.Name, proxy, treemap.Options{BatchSize: cfg.TreeMap.CursorBatchSize})
	defer m.Close(ctx)

	fmt.Println("=== TreeMapDB Benchmark Test ===")
	fmt.Printf("Map: %s, partitions: %d\n\n", m.Name(), len(parts))

	key := func(g, i int) string { return fmt.Sprintf("bench_key_%03d_%06d", g, i) }
	put := func(ctx context.Context, g, i int) error {
		_, err := m.Put(ctx, key(g, i), []byte(fmt.Sprintf("bench_value_%d", time.Now().UnixNano())))
		return err
	}
	get := func(ctx context.Context, g, i int) error {
		_, err := m.Get(ctx, key(g, i))
		return err
	}
	ceiling := func(ctx context.Context, g, i int) error {
		_, _, err := m.CeilingKey(ctx, key(g, i)+"~")
		return err
	}
	scan := func(ctx context.Context, g, i int) error {
		it, err := m.SubMap(key(g, i), true, key(g, i+50), false).Entries(ctx)
		if err != nil {
			return err
		}
		defer it.Close(ctx)
		for it.Next(ctx) {
		}
		return it.Err()
	}

	tests := []struct {
		name        string
		op          op
		ops         int
		concurrency int
	}{
		{"Sequential Writes", put, *total, 1},
		{"Sequential Reads", get, *total, 1},
		{"Concurrent Writes", put, *total, *concurrency},
		{"Concurrent Reads", get, *total, *concurrency},
		{"Concurrent Ceiling", ceiling, *total, *concurrency},
		{"Range Scans (50 keys)", scan, *total / 50, *concurrency},
	}
	for n, tc := range tests {
		fmt.Printf("Test %d: %s (%d operations, %d goroutines)\n", n+1, tc.name, tc.ops, tc.concurrency)
		printResult(tc.name, run(ctx, tc.op, tc.ops, tc.concurrency))
		fmt.Println()
	}

	if size, err := m.Size(ctx); err == nil {
		fmt.Printf("Map size: %d\n", size)
	}
	fmt.Println("=== Benchmark Complete ===")
}

func run(ctx context.Context, fn op, totalOps, concurrency int) BenchmarkResult {
	start := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex

	successful := 0
	failed := 0
	latencies := make([]time.Duration, 0, totalOps)

	opsPerGoroutine := totalOps / concurrency
	remainder := totalOps % concurrency

	for g := 0; g < concurrency; g++ {
		wg.Add(1)
		go func(goroutineID int) {
			defer wg.Done()

			ops := opsPerGoroutine
			if goroutineID < remainder {
				ops++
			}

			for j := 0; j < ops; j++ {
				opStart := time.Now()
				err := fn(ctx, goroutineID, j)
				latency := time.Since(opStart)

				mu.Lock()
				if err == nil {
					successful++
				} else {
					failed++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}(g)
	}

	wg.Wait()
	duration := time.Since(start)

	// Вычисление статистики латентности
	var min, max, sum time.Duration
	for i, l := range latencies {
		if i == 0 || l < min {
			min = l
		}
		if l > max {
			max = l
		}
		sum += l
	}
	var avg time.Duration
	if len(latencies) > 0 {
		avg = sum / time.Duration(len(latencies))
	}

	return BenchmarkResult{
		TotalOps:      totalOps,
		SuccessfulOps: successful,
		FailedOps:     failed,
		Duration:      duration,
		OpsPerSec:     float64(successful) / duration.Seconds(),
		AvgLatency:    avg,
		MinLatency:    min,
		MaxLatency:    max,
	}
}

func printResult(name string, r BenchmarkResult) {
	fmt.Printf("  %s Results:\n", name)
	fmt.Printf("    Total Operations:    %d\n", r.TotalOps)
	fmt.Printf("    Successful:          %d\n", r.SuccessfulOps)
	fmt.Printf("    Failed:              %d\n", r.FailedOps)
	fmt.Printf("    Duration:            %v\n", r.Duration)
	fmt.Printf("    Throughput:          %.2f ops/sec\n", r.OpsPerSec)
	fmt.Printf("    Avg Latency:         %v\n", r.AvgLatency)
	fmt.Printf("    Min Latency:         %v\n", r.MinLatency)
	fmt.Printf("    Max Latency:         %v\n", r.MaxLatency)
}
