package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/beebs-dev/dorch-sub000/internal/engine/badger"
	"github.com/beebs-dev/dorch-sub000/internal/engine/memory"
	"github.com/beebs-dev/dorch-sub000/internal/metrics"
	"github.com/beebs-dev/dorch-sub000/internal/protocol"
	"github.com/beebs-dev/dorch-sub000/pkg/logger"
)

var version = "dev"

var (
	addr        = flag.String("addr", ":6379", "server address")
	metricsAddr = flag.String("metrics-addr", ":9121", "prometheus exporter address (empty disables)")
	spillDir    = flag.String("spill-dir", "", "badger directory for large values (empty keeps everything in memory)")
	spillBytes  = flag.Int("spill-threshold", 1<<20, "values larger than this many bytes go to the spill dir")
	maxMemory   = flag.Int64("maxmemory", 0, "memory limit in bytes (0 is unlimited)")
	evictPolicy = flag.String("maxmemory-policy", string(memory.PolicyNoEviction),
		"eviction policy when maxmemory is set; use a volatile-* policy, since allkeys-* can evict "+
			"a party's meta hash while its member set survives")
	subBuffer   = flag.Int("subscriber-buffer", 256, "undelivered messages kept per local subscriber")
	logLevel    = flag.String("log-level", "info", "debug, info, warn or error")

	// CLI flags
	cliMode = flag.Bool("cli", false, "run in CLI mode")
	cliHost = flag.String("h", "127.0.0.1", "server host (CLI mode)")
	cliPort = flag.Int("p", 6379, "server port (CLI mode)")
)

func main() {
	flag.Parse()

	if *cliMode {
		os.Exit(runCLI(*cliHost, *cliPort, flag.Args()))
	}

	log, err := logger.New(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	if err := checkEvictPolicy(*evictPolicy, *maxMemory, log); err != nil {
		log.Fatal("invalid -maxmemory-policy", zap.Error(err))
	}

	cfg := memory.DefaultConfig()
	cfg.MaxMemory = *maxMemory
	cfg.EvictPolicy = *evictPolicy
	cfg.SubscriberBuffer = *subBuffer
	cfg.SpillThreshold = *spillBytes

	var spill *badger.Store
	if *spillDir != "" {
		spill, err = badger.NewStore(*spillDir)
		if err != nil {
			log.Fatal("opening spill dir", zap.String("dir", *spillDir), zap.Error(err))
		}
		cfg.Spill = spill
		log.Info("spilling large values", zap.String("dir", *spillDir), zap.Int("threshold", *spillBytes))
	}

	store := memory.NewStore(cfg)
	server := protocol.NewServer(*addr, store, log)
	if err := server.Listen(); err != nil {
		log.Fatal("listen", zap.String("addr", *addr), zap.Error(err))
	}

	metrics.InitInfo(version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	var exporter *metrics.Exporter
	if *metricsAddr != "" {
		exporter = metrics.NewExporter(*metricsAddr, metrics.NewCollector(keyspace(store)))
		go func() {
			if err := exporter.Start(); err != nil {
				log.Error("metrics exporter stopped", zap.Error(err))
			}
		}()
	}

	go func() {
		if err := server.Serve(); err != nil {
			log.Fatal("serve", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.Info("shutting down", zap.String("signal", sig.String()))

	if err := server.Stop(); err != nil {
		log.Warn("stopping server", zap.Error(err))
	}
	if exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := exporter.Stop(ctx); err != nil {
			log.Warn("stopping metrics exporter", zap.Error(err))
		}
		cancel()
	}
	if err := store.Close(); err != nil {
		log.Warn("closing store", zap.Error(err))
	}
	if spill != nil {
		if err := spill.Close(); err != nil {
			log.Warn("closing spill dir", zap.Error(err))
		}
	}
}

func keyspace(s *memory.Store) func() metrics.Keyspace {
	return func() metrics.Keyspace {
		keys, _ := s.DBSize(context.Background())
		st := s.GetStats()
		return metrics.Keyspace{
			Keys:          keys,
			VolatileKeys:  s.VolatileKeys(),
			Hits:          st.Hits.Load(),
			Misses:        st.Misses.Load(),
			Expired:       st.ExpiredKeys.Load(),
			Evicted:       st.EvictedKeys.Load(),
			Transactions:  st.Transactions.Load(),
			PubSubDropped: s.Broker().Dropped(),
		}
	}
}

// checkEvictPolicy rejects unknown policies and warns about allkeys-*
// policies. Party records carry no TTL, so only the volatile-* policies
// leave them alone.
func checkEvictPolicy(policy string, maxMemory int64, log *zap.Logger) error {
	switch memory.EvictPolicy(policy) {
	case memory.PolicyNoEviction, memory.PolicyVolatileLRU, memory.PolicyVolatileLFU, memory.PolicyVolatileTTL:
		return nil
	case memory.PolicyAllKeysLRU, memory.PolicyAllKeysLFU, memory.PolicyAllKeysRandom:
		if maxMemory > 0 {
			log.Warn("allkeys eviction can split party records; prefer a volatile-* policy",
				zap.String("policy", policy))
		}
		return nil
	default:
		return fmt.Errorf("unknown eviction policy %q", policy)
	}
}
