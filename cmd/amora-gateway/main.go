package main

import (
	"context"
	"hash/fnv"
	"os"
	"os/signal"
	"syscall"

	"github.com/amora-chat/amora/config"
	"github.com/amora-chat/amora/logger"
	"github.com/amora-chat/amora/service/rt"
	"github.com/amora-chat/amora/service/storage"
	"github.com/amora-chat/amora/tools/ids"
)

func main() {
	defer logger.Sync()

	cfg := config.MustLoad()
	ids.SetNodeID(nodeBits(cfg.NodeID))

	store, err := storage.Open(storage.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	})
	if err != nil {
		logger.Errorf("connect redis %s: %v", cfg.RedisAddr, err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := rt.NewServer(cfg, store)
	defer srv.Dispatcher().Close()

	logger.Infof("amora gateway node=%s starting", cfg.NodeID)
	if err := srv.Run(ctx); err != nil {
		logger.Errorf("gateway exited: %v", err)
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

// nodeBits folds the configured node name into the 10-bit snowflake node id.
func nodeBits(name string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum32() & 0x3FF)
}
