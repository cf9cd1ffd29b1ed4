package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/quest-radar/internal/clock"
	"github.com/ChuLiYu/quest-radar/internal/config"
	"github.com/ChuLiYu/quest-radar/internal/dispatch"
	"github.com/ChuLiYu/quest-radar/internal/httpapi"
	"github.com/ChuLiYu/quest-radar/internal/metrics"
	"github.com/ChuLiYu/quest-radar/internal/mqttbridge"
	"github.com/ChuLiYu/quest-radar/internal/notify"
	"github.com/ChuLiYu/quest-radar/internal/radar"
	"github.com/ChuLiYu/quest-radar/internal/server"
	"github.com/ChuLiYu/quest-radar/internal/snapshot"
	"github.com/ChuLiYu/quest-radar/internal/storage/sqlite"
	"github.com/ChuLiYu/quest-radar/internal/storage/wal"
	"github.com/ChuLiYu/quest-radar/pkg/types"
)

const (
	journalFile  = "quests.wal"
	snapshotFile = "quests.snapshot"
)

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the quest dispatch server",
		Long:  "Start the dispatch engine with its gRPC and HTTP surfaces; stops gracefully on SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
}

// resources run 期間開啟、結束時要釋放的外部資源
type resources struct {
	store *sqlite.Store
	mqtt  mqtt.Client
}

func (r *resources) close() {
	if r.mqtt != nil {
		r.mqtt.Disconnect(250)
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			slog.Warn("Failed to close analytics store", "error", err)
		}
	}
}

// runServer 組裝所有元件並執行到 ctx 結束
func runServer(ctx context.Context, c *config.Config) error {
	slog.Info("Starting questd", "grpc", c.Server.GRPCAddr, "http", c.Server.HTTPAddr, "storage", c.Storage.Dir)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	res := &resources{}
	defer res.close()

	deps, err := buildDeps(ctx, c, reg, res)
	if err == nil {
		var engine *dispatch.Engine
		if engine, err = dispatch.New(deps); err == nil {
			return serve(ctx, c, reg, engine)
		}
		err = fmt.Errorf("failed to create engine: %w", err)
	}
	if deps.Journal != nil {
		if closeErr := deps.Journal.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close journal: %w", closeErr))
		}
	}
	return err
}

// serve 啟動引擎與對外服務，ctx 結束後依序關閉
func serve(ctx context.Context, c *config.Config, reg *prometheus.Registry, engine *dispatch.Engine) error {
	if err := engine.Start(ctx); err != nil {
		return errors.Join(fmt.Errorf("failed to start engine: %w", err), engine.Stop())
	}

	lis, err := net.Listen("tcp", c.Server.GRPCAddr)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to listen on %s: %w", c.Server.GRPCAddr, err), engine.Stop())
	}
	gs := server.NewGRPCServer(engine)
	slog.Info("gRPC server listening", "addr", lis.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Serve(gctx, gs, lis) })
	if c.Server.HTTPAddr != "" {
		var gatherer prometheus.Gatherer
		if c.Metrics.Enabled {
			gatherer = reg
		}
		handler := httpapi.New(httpapi.Config{Engine: engine, Gatherer: gatherer})
		g.Go(func() error { return httpapi.Serve(gctx, c.Server.HTTPAddr, handler) })
	}

	slog.Info("System started successfully")
	serveErr := g.Wait()

	slog.Info("Shutting down...")
	stopErr := engine.Stop()
	if err := errors.Join(serveErr, stopErr); err != nil {
		return err
	}
	slog.Info("System stopped. Goodbye!")
	return nil
}

// buildDeps 依設定開啟儲存與 MQTT，組出引擎依賴
func buildDeps(ctx context.Context, c *config.Config, reg prometheus.Registerer, res *resources) (dispatch.Deps, error) {
	deps := dispatch.Deps{
		Config:           c.Engine,
		Clock:            clock.Real{},
		Metrics:          metrics.NewCollector(reg),
		SnapshotInterval: c.SnapshotInterval(),
		SnapshotBackups:  c.Storage.SnapshotBackups,
		Oracle:           newcomerOracle,
	}

	if dir := c.Storage.Dir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return deps, fmt.Errorf("failed to create storage dir: %w", err)
		}
		journal, err := wal.NewWAL(filepath.Join(dir, journalFile), c.Storage.SyncOnAppend)
		if err != nil {
			return deps, fmt.Errorf("failed to open journal: %w", err)
		}
		deps.Journal = journal
		deps.Snapshots = snapshot.NewManager(filepath.Join(dir, snapshotFile))
	}

	if path := c.Storage.SQLitePath; path != "" {
		store, err := sqlite.OpenAndInit(ctx, path)
		if err != nil {
			return deps, fmt.Errorf("failed to open analytics store: %w", err)
		}
		res.store = store
		deps.Analytics = store
		deps.Reliability = store
		deps.Oracle = store
	}

	if c.MQTT.Enabled {
		client, err := mqttbridge.Connect(ctx, c.MQTT.Broker, c.MQTT.ClientID)
		if err != nil {
			return deps, err
		}
		res.mqtt = client

		fixes, err := mqttbridge.NewFixCache(c.MQTT.FixCacheSize, c.FixMaxAge(), clock.Real{})
		if err != nil {
			return deps, err
		}
		if err := fixes.Subscribe(ctx, client, c.MQTT.FixTopic); err != nil {
			return deps, err
		}
		deps.Locations = fixes
		deps.Notifier = notify.Multi{notify.LogSink{}, mqttbridge.NewNotifier(client, c.MQTT.NotifyTopicPrefix)}
	}

	return deps, nil
}

// newcomerOracle 沒有 SQLite 時所有接單者都視為新手
var newcomerOracle = radar.OracleFunc(func(context.Context, string) (types.Eligibility, error) {
	return types.Eligibility{}, nil
})
