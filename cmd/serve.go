package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-gateway/internal/aggregator"
	gwconfig "github.com/giantswarm/mcp-gateway/internal/config"
	"github.com/giantswarm/mcp-gateway/internal/endpoint"
	"github.com/giantswarm/mcp-gateway/internal/gateway"
	"github.com/giantswarm/mcp-gateway/internal/metrics"
	"github.com/giantswarm/mcp-gateway/internal/model"
	"github.com/giantswarm/mcp-gateway/internal/transport"
	"github.com/giantswarm/mcp-gateway/pkg/logging"
)

var (
	serveConfigPath    string
	serveSettingsPath  string
	serveDiscoveryDirs []string
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the aggregation gateway",
		Long: `Starts the MCP aggregation gateway: loads upstream server config,
materializes every upstream as Disconnected, auto-enables the ones flagged
enabled=true, starts the health-check loop, and serves the client-facing
Streamable HTTP+SSE endpoint.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to an mcpServers JSON document")
	cmd.Flags().StringVar(&serveSettingsPath, "settings", "", "Path to a gateway settings YAML file")
	cmd.Flags().StringSliceVar(&serveDiscoveryDirs, "discovery-dir", nil, "Editor config directory to scan/watch for mcpServers documents (repeatable)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	settings, err := gwconfig.LoadGatewaySettings(serveSettingsPath)
	if err != nil {
		return fmt.Errorf("load gateway settings: %w", err)
	}
	logging.Init(logging.ParseLevel(settings.LogLevel), os.Stderr)
	endpoint.SetServerVersion(rootCmd.Version)

	var configured []*model.UpstreamConfig
	if serveConfigPath != "" {
		configured, err = gwconfig.LoadUpstreams(serveConfigPath)
		if err != nil {
			return fmt.Errorf("load upstream config: %w", err)
		}
	}

	var discovered []*model.UpstreamConfig
	for _, dir := range serveDiscoveryDirs {
		found, err := gwconfig.ScanDiscoveryDir(dir, dir)
		if err != nil {
			logging.Warn("CLI", "scan discovery dir %s: %v", dir, err)
			continue
		}
		discovered = append(discovered, found...)
	}

	gw := gateway.New(aggregator.ByName, newTransportFactory(), gateway.Settings{
		HealthCheckInterval: settings.HealthCheckInterval,
		ConnectionTimeout:   settings.ConnectionTimeout,
		DefaultMaxRetries:   settings.MaxRetries,
	})
	gw.LoadUpstreams(configured, discovered)

	recorder, err := metrics.New()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	gw.OnEvent(func(ev gateway.ServerEvent) {
		recorder.RecordStatusTransition(context.Background(), ev.Upstream, ev.Old, ev.New)
		logging.Info("Gateway", "upstream %s: %s -> %s", ev.Upstream, ev.Old, ev.New)
	})
	gw.OnCall(func(ev gateway.CallEvent) {
		recorder.RecordCall(context.Background(), ev.Upstream, ev.Kind, ev.Elapsed.Seconds(), ev.Success)
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw.StartAutoEnabled(ctx)
	gw.StartHealthLoop(ctx)

	var watcher *gwconfig.DiscoveryWatcher
	if len(serveDiscoveryDirs) > 0 {
		watcher, err = gwconfig.NewDiscoveryWatcher(serveDiscoveryDirs, func() {
			var fresh []*model.UpstreamConfig
			for _, dir := range serveDiscoveryDirs {
				found, err := gwconfig.ScanDiscoveryDir(dir, dir)
				if err != nil {
					logging.Warn("CLI", "rescan discovery dir %s: %v", dir, err)
					continue
				}
				fresh = append(fresh, found...)
			}
			gw.RefreshDiscovery(fresh)
		})
		if err != nil {
			logging.Warn("CLI", "discovery watcher: %v", err)
		}
	}

	host := settings.Host
	// Span 11: the preferred port plus the next 10.
	port, err := gwconfig.ResolvePort(host, settings.Port, 11)
	if err != nil {
		return fmt.Errorf("resolve listen port: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", endpoint.New(gw, settings.AllowAutoSession))
	mux.Handle("/metrics", recorder.Handler())

	addr := fmt.Sprintf("%s:%d", host, port)
	srv := &http.Server{Addr: addr, Handler: mux}

	logging.Info("CLI", "mcp-gateway listening on %s (%d upstreams configured)", addr, len(gw.List()))

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logging.Info("CLI", "shutdown signal received, draining")
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	gw.Stop(shutdownCtx)
	_ = recorder.Shutdown(shutdownCtx)
	if watcher != nil {
		_ = watcher.Close()
	}
	return nil
}

// newTransportFactory builds the transport appropriate to an upstream's
// configuration (spec §3: "exactly one of {command, url} is set").
func newTransportFactory() gateway.TransportFactory {
	return func(cfg *model.UpstreamConfig) transport.Transport {
		if cfg.IsStdio() {
			return transport.NewStdioTransport(cfg.Name, cfg.Command, cfg.Args, cfg.Env)
		}
		return transport.NewHTTPSSETransport(cfg.Name, cfg.URL, cfg.ResolvedSSEEndpoint(), cfg.ResolvedMessagesEndpoint(), cfg.MaxRetries)
	}
}
