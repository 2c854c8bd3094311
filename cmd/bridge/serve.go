package bridge

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/config"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/mcpbridge"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/tracing"
)

const toolSyncInterval = 5 * time.Second

func serveCmd() *cobra.Command {
	var tags []string
	var tagMode string
	var enableTracing bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge, connecting to all configured upstreams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeWithFilter(tags, tagMode, enableTracing)
		},
	}
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "restrict the aggregated view to upstreams carrying these tags")
	cmd.Flags().StringVar(&tagMode, "tag-mode", "intersection", "intersection|union matching for --tags")
	cmd.Flags().BoolVar(&enableTracing, "tracing", false, "export upstream spans via OTLP/HTTP (see OTEL_EXPORTER_OTLP_ENDPOINT)")
	return cmd
}

func runServe() error {
	return runServeWithFilter(nil, "intersection", false)
}

func runServeWithFilter(tags []string, tagMode string, enableTracing bool) error {
	setupLogging()

	cfgPath := config.ResolvePath(cfgFile)
	file, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("bridge.serve.config_load_failed", "path", cfgPath, "error", err)
		return err
	}

	sup := mcpbridge.NewSupervisor()
	servers, bridgeCfg := file.Snapshot()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.InitTracerProvider(ctx, enableTracing)
	if err != nil {
		slog.Warn("bridge.serve.tracing_init_failed", "error", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		if err := shutdownTracing(stopCtx); err != nil {
			slog.Debug("bridge.serve.tracing_shutdown_failed", "error", err)
		}
	}()

	slog.Info("bridge.serve.connecting", "upstreams", len(servers), "run_id", sup.RunID())
	sup.ConnectAll(ctx, servers, bridgeCfg)
	sup.Start(ctx)
	defer sup.Stop()

	mode := mcpbridge.TagModeIntersection
	if tagMode == "union" {
		mode = mcpbridge.TagModeUnion
	}
	var facadeOpts []mcpbridge.FacadeOption
	if len(tags) > 0 {
		facadeOpts = append(facadeOpts, mcpbridge.WithTagFilter(tags, mode))
	}
	facade := mcpbridge.NewFacade(sup, facadeOpts...)

	downstream := mcpbridge.NewDownstreamServer(facade, "goclaw-bridge", Version)
	go downstream.RunSyncLoop(ctx, toolSyncInterval)

	watcher, err := config.NewWatcher(cfgPath, func(reloadCtx context.Context, reloaded *config.BridgeFile) error {
		newServers, newBridge := reloaded.Snapshot()
		return sup.UpdateServers(reloadCtx, newServers, newBridge)
	})
	if err != nil {
		slog.Warn("bridge.serve.watcher_unavailable", "error", err)
	} else if err := watcher.Start(ctx); err != nil {
		slog.Warn("bridge.serve.watcher_start_failed", "error", err)
	} else {
		defer watcher.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("bridge.serve.shutdown_initiated", "signal", sig)
		cancel()
	}()

	slog.Info("bridge.serve.listening")
	if err := server.ServeStdio(downstream.MCPServer()); err != nil {
		select {
		case <-ctx.Done():
			return nil
		default:
			slog.Error("bridge.serve.stdio_failed", "error", err)
			return err
		}
	}
	return nil
}

func setupLogging() {
	logLevel := mcpbridge.BridgeLogLevel
	if verbose {
		logLevel.Set(slog.LevelDebug)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}
