package main

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/leo-guinan/loveops-world-model/cmd"
	"github.com/leo-guinan/loveops-world-model/internal/config"
	"github.com/leo-guinan/loveops-world-model/internal/queue"
	"github.com/leo-guinan/loveops-world-model/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg))

	if err := os.MkdirAll(cfg.BasePath, 0755); err != nil {
		fatal("failed to create base path", err)
	}
	if dir := filepath.Dir(cfg.EventDBPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			fatal("failed to create event log directory", err)
		}
	}

	events, err := storage.NewStore(cfg.EventDBPath)
	if err != nil {
		fatal("failed to initialize event log", err)
	}
	defer events.Close()

	queues := make([]*queue.Store, 0, len(cfg.Queues))
	for _, q := range cfg.Queues {
		s, err := queue.Open(cfg.BasePath, q.Name)
		if err != nil {
			fatal("failed to open queue", err)
		}
		queues = append(queues, s)
	}

	cmd.Execute(cfg, events, queues)
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
