package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"treemapdb/pkg/cluster"
	"treemapdb/pkg/config"
	"treemapdb/pkg/treemap"
	"treemapdb/pkg/types"
	"treemapdb/pkg/versioned"
)

// printer выводит события подписки
type printer struct{ name string }

func (p printer) Event(ev versioned.Event[string]) {
	value := ev.NewValue
	if value == nil {
		value = ev.OldValue
	}
	fmt.Printf("[listener %s] %s key=%s value=%s\n", p.name, ev.Type, ev.Key, value.Value)
}

var interactive bool

func pause(msg string) {
	fmt.Println()
	fmt.Println(msg)
	if !interactive {
		return
	}
	fmt.Print("Нажми Enter, чтобы продолжить...")
	_, _ = bufio.NewReader(os.Stdin).ReadBytes('\n')
}

// parseStatic разбирает "p1=http://node1:8080,p2=http://node2:8080".
func parseStatic(list string, timeout time.Duration) ([]cluster.Partition, error) {
	var parts []cluster.Partition
	for _, item := range strings.Split(list, ",") {
		id, addr, ok := strings.Cut(strings.TrimSpace(item), "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("bad partition %q, want id=url", item)
		}
		parts = append(parts, cluster.NewHTTPPartition(types.PartitionID(id), addr, timeout))
	}
	return parts, nil
}

// connect builds the proxy either from the static list or from ZooKeeper.
func connect(ctx context.Context, cfg *config.Config, static string) (*cluster.Proxy, func(), error) {
	partitioner := cluster.NewPartitioner(&cfg.TreeMap)
	if static != "" {
		parts, err := parseStatic(static, cfg.Server.RemoteTimeout)
		if err != nil {
			return nil, nil, err
		}
		proxy, err := cluster.NewProxy(partitioner, slog.Default(), parts...)
		return proxy, func() {}, err
	}
	if len(cfg.Zookeeper.Servers) == 0 {
		return nil, nil, errors.New("neither -partitions nor zookeeper.servers is set")
	}

	membership, err := cluster.NewZKMembership(cfg.Zookeeper.Servers, cfg.Zookeeper.RootPath, "",
		cfg.Zookeeper.SessionTimeout, slog.Default())
	if err != nil {
		return nil, nil, err
	}
	proxy, err := cluster.NewProxy(partitioner, slog.Default())
	if err != nil {
		_ = membership.Close()
		return nil, nil, err
	}
	membership.RunWatch(ctx, proxy, func(id types.PartitionID, address string) cluster.Partition {
		return cluster.NewHTTPPartition(id, address, cfg.Server.RemoteTimeout)
	})

	// ждём, пока все партиции карты появятся в ZK
	deadline := time.Now().Add(30 * time.Second)
	for len(proxy.Partitions()) < len(cfg.TreeMap.Partitions) {
		if time.Now().After(deadline) {
			_ = membership.Close()
			return nil, nil, fmt.Errorf("only %d of %d partitions advertised",
				len(proxy.Partitions()), len(cfg.TreeMap.Partitions))
		}
		time.Sleep(200 * time.Millisecond)
	}
	return proxy, func() { _ = membership.Close() }, nil
}

func check(err error) {
	if err != nil {
		log.Fatalf("error: %v", err)
	}
}

func must[T any](v T, err error) T {
	check(err)
	return v
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the cluster config")
	static := flag.String("partitions", "", "static partitions, id=url[,id=url...]")
	flag.BoolVar(&interactive, "interactive", false, "wait for Enter between steps")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proxy, disconnect, err := connect(ctx, &cfg, *static)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer disconnect()

	m := treemap.New[string](cfg.TreeMap.Name, proxy, treemap.Options{BatchSize: cfg.TreeMap.CursorBatchSize})
	defer func() {
		if err := m.Close(ctx); err != nil {
			log.Printf("close map: %v", err)
		}
	}()

	fmt.Println("=== [ШАГ 1] подписка на хвост карты от user:2 ===")
	tail := m.TailMap("user:2", true)
	check(tail.AddListener(ctx, printer{name: "tail"}))

	fmt.Println("\n=== [ШАГ 2] запись ключей ===")
	for _, kv := range [][2]string{
		{"user:1", "Alice"}, {"user:2", "Bob"}, {"user:3", "Brioshe"},
		{"config:timeout", "30s"}, {"user:4", "Dave"},
	} {
		prev := must(m.Put(ctx, kv[0], []byte(kv[1])))
		fmt.Printf("[client] PUT key=%s value=%s previous=%v\n", kv[0], kv[1], prev != nil)
	}

	fmt.Println("\n=== [ШАГ 3] навигация ===")
	first, _, _ := m.FirstKey(ctx)
	last, _, _ := m.LastKey(ctx)
	fmt.Printf("  first=%s last=%s size=%d\n", first, last, must(m.Size(ctx)))
	if k, ok := must2(m.CeilingKey(ctx, "user:")); ok {
		fmt.Printf("  ceiling(user:)=%s\n", k)
	}
	if k, ok := must2(m.LowerKey(ctx, "user:1")); ok {
		fmt.Printf("  lower(user:1)=%s\n", k)
	}

	fmt.Println("\n=== [ШАГ 4] диапазон user:1..user:3 в обратном порядке ===")
	users := m.SubMap("user:1", true, "user:3", true).DescendingMap()
	it := must(users.Entries(ctx))
	for it.Next(ctx) {
		e := it.Value()
		fmt.Printf("  %s = %s (version %d)\n", e.Key, e.Value.Value, e.Value.Version)
	}
	if err := it.Err(); err != nil {
		log.Printf("iterate: %v", err)
	}
	_ = it.Close(ctx)

	fmt.Println("\n=== [ШАГ 5] условное обновление ===")
	v := must(m.ComputeIf(ctx, "user:2",
		func(cur *versioned.Versioned) bool { return cur != nil },
		func(_ string, cur *versioned.Versioned) []byte { return append([]byte("Mr. "), cur.Value...) }))
	fmt.Printf("  user:2 -> %s (version %d)\n", v.Value, v.Version)
	swapped := must(m.ReplaceValue(ctx, "user:3", []byte("nobody"), []byte("Carol")))
	fmt.Printf("  replace user:3 if nobody: %v\n", swapped)

	pause(`=== [ШАГ 6] ОТКАЗ ПАРТИЦИИ ===
Останови одну из нод, например:
   docker compose stop node3
Запросы ко всем партициям должны вернуть ошибку этой партиции.`)

	if n, err := m.Size(ctx); err != nil {
		fmt.Printf("  size: %v\n", err)
	} else {
		fmt.Printf("  size=%d\n", n)
	}

	fmt.Println("\n=== [ШАГ 7] удаление ===")
	for _, k := range []string{"user:4", "config:timeout"} {
		old, err := m.Remove(ctx, k)
		if err != nil {
			fmt.Printf("[client] REMOVE key=%s: %v\n", k, err)
			continue
		}
		fmt.Printf("[client] REMOVE key=%s existed=%v\n", k, old != nil)
	}
	// события доставляются асинхронно
	time.Sleep(500 * time.Millisecond)
	check(tail.RemoveListener(ctx, printer{name: "tail"}))
	fmt.Println("Готово 💚")
}

func must2[T any](v T, ok bool, err error) (T, bool) {
	check(err)
	return v, ok
}
