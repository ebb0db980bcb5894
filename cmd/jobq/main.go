// Command jobq runs the persistent, priority-aware job queue: submit work,
// inspect its state, and serve an HTTP/WebSocket facade over it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Dicklesworthstone/jobq/internal/cli"
	"github.com/Dicklesworthstone/jobq/internal/config"
	"github.com/Dicklesworthstone/jobq/internal/queue"
	"github.com/Dicklesworthstone/jobq/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "jobq:", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	fileCfg := config.Default()
	if path := os.Getenv("JOBQ_CONFIG"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		fileCfg = *loaded
	}
	cfg := fileCfg.ToQueueConfig()

	var st queue.Store
	if cfg.EnablePersistence {
		s, err := store.Open(cfg.StorePath, logger)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()
		st = s
	}

	mgr := queue.NewManager(cfg, st, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := mgr.Start(ctx, true); err != nil {
		return fmt.Errorf("start manager: %w", err)
	}
	defer mgr.Stop(10 * time.Second)

	root := cli.NewRootCmd(mgr)
	return root.Execute()
}
