package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/leo-guinan/loveops-world-model/internal/api"
	"github.com/leo-guinan/loveops-world-model/internal/config"
	"github.com/leo-guinan/loveops-world-model/internal/handler"
	"github.com/leo-guinan/loveops-world-model/internal/queue"
	"github.com/leo-guinan/loveops-world-model/internal/storage"
	"github.com/leo-guinan/loveops-world-model/internal/worker"
)

const statusFile = "worker.status"

// WorkerStatus is written next to the queues while a processor runs.
type WorkerStatus struct {
	Role      string    `json:"role"`
	Queues    []string  `json:"queues"`
	Count     int       `json:"count"`
	StartedAt time.Time `json:"startedAt"`
	Pid       int       `json:"pid"`
}

func writeStatus(path string, status WorkerStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func WorkerCmd(cfg *config.Config, events *storage.Store, queues []*queue.Store) *cobra.Command {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run and maintain the processor",
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the processor for this node's role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role, _ := cmd.Flags().GetString("role"); role != "" {
				switch role {
				case config.RoleWorldModel, config.RoleViews, config.RoleBoth:
					cfg.Role = role
				default:
					return fmt.Errorf("unknown role %q", role)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			wm := handler.NewWorldModel(events, handler.NewMetricsSink(cfg.MetricsPath))
			p, err := worker.New(cfg, wm.Handle,
				worker.WithMetrics(worker.NewMetrics(prometheus.DefaultRegisterer)),
				worker.WithLogger(slog.Default()))
			if err != nil {
				return err
			}

			count := 0
			for _, name := range p.Queues() {
				q, _ := cfg.Queue(name)
				count += q.Workers
			}
			statusPath := filepath.Join(cfg.BasePath, statusFile)
			if err := writeStatus(statusPath, WorkerStatus{
				Role:      cfg.Role,
				Queues:    p.Queues(),
				Count:     count,
				StartedAt: time.Now(),
				Pid:       os.Getpid(),
			}); err != nil {
				slog.Warn("could not write worker status", "error", err)
			}
			defer os.Remove(statusPath)

			var srv *http.Server
			if cfg.HTTPAddr != "" {
				srv = &http.Server{
					Addr:              cfg.HTTPAddr,
					Handler:           api.NewServer(cfg, queues, nil).Handler(),
					ReadHeaderTimeout: 10 * time.Second,
				}
				go func() {
					slog.Info("admin API listening", "addr", cfg.HTTPAddr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						slog.Error("admin API stopped", "error", err)
						stop()
					}
				}()
			}

			slog.Info("starting processor", "role", cfg.Role, "node_id", cfg.NodeID, "workers", count)
			p.Start(ctx)

			<-ctx.Done()
			slog.Info("shutting down")
			p.Stop()
			p.Wait()

			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					slog.Warn("admin API shutdown", "error", err)
				}
			}
			slog.Info("all workers have shut down")
			return nil
		},
	}
	startCmd.Flags().String("role", "", "Processor role (world-model, views, both); defaults to VQ_PROCESSOR_ROLE")

	reapCmd := &cobra.Command{
		Use:   "reap",
		Short: "Return expired in_progress jobs of a queue to ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("queue")
			store, err := findQueue(queues, name)
			if err != nil {
				return err
			}
			lease, _ := cmd.Flags().GetDuration("lease")
			if lease <= 0 {
				q, _ := cfg.Queue(name)
				lease = q.LeaseTimeout()
			}
			if lease <= 0 {
				return fmt.Errorf("no lease: pass --lease or set leaseTimeoutMs for %s", name)
			}

			n, err := store.ReapExpired(lease)
			if err != nil {
				return err
			}
			fmt.Printf("Requeued %d job(s) from %s.\n", n, name)
			return nil
		},
	}
	reapCmd.Flags().String("queue", "", "Queue name")
	reapCmd.Flags().Duration("lease", 0, "Requeue jobs claimed longer ago than this")
	reapCmd.MarkFlagRequired("queue")

	workerCmd.AddCommand(startCmd)
	workerCmd.AddCommand(reapCmd)
	return workerCmd
}
