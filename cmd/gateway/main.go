// Command gateway is the bpgateway entrypoint: loads configuration,
// wires the resource pool to a browser launcher, and serves the HTTP
// surface described by spec.md §4.E/§4.F until an OS signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"bpgateway/config"
	"bpgateway/http"
	"bpgateway/http/handlers"
	"bpgateway/logger"
	"bpgateway/services/browserpool"
	"bpgateway/services/health"
	"bpgateway/services/monitoring"
	"bpgateway/services/resourcepool"
	"bpgateway/services/shutdown"
	"bpgateway/services/upstreamprobe"
	"bpgateway/services/wsproxy"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(cfg.Logger.Level, cfg.Logger.Encoding)
	log := logger.Logger
	defer log.Sync()

	launcher := newLauncher(cfg, log)

	events := browserpool.NewEventPublisher(cfg.KafkaBrokers, log)
	diagnostics := browserpool.NewDiagnosticsArchiver(cfg.DiagnosticsS3Bucket, log)

	var probe *browserpool.DeepHealthProbe
	if cfg.BrowserPool.PlaywrightHealthProbe {
		probe, err = browserpool.NewDeepHealthProbe(log)
		if err != nil {
			log.Warn("deep health probe unavailable, continuing without it", logger.ConvertArgsToFields(err)...)
			probe = nil
		}
	}

	adapter := browserpool.NewAdapter(browserpool.AdapterConfig{
		BasePort:           cfg.BrowserPool.DebuggingPortStart,
		MaxStartupAttempts: cfg.BrowserPool.MaxStartupAttempts,
	}, launcher, events, diagnostics, probe, log)

	pool := resourcepool.New(resourcepool.Config{
		MaxInstances:        cfg.BrowserPool.MaxInstances,
		WarmResources:       cfg.BrowserPool.NumWarm,
		HealthCheckInterval: cfg.BrowserPool.HealthCheckIntervalDuration(),
		ScaleDownInterval:   cfg.BrowserPool.ScaleDownIntervalDuration(),
	}, adapter.Callbacks(), log)
	adapter.SetPool(pool)
	pool.Start()

	prober := upstreamprobe.New(cfg.Proxy.ConnectionTimeoutDuration(), log)
	proxy := wsproxy.New(prober, log)
	gateway := handlers.NewGatewayHandler(pool, adapter, prober, proxy, cfg.RateLimit.RPS, cfg.RateLimit.Burst, log)
	healthHandler := health.NewHealthHandler(pool, adapter)
	healthHandler.StartBackgroundChecks(30 * time.Second)

	server := http.NewServer(cfg, gateway, healthHandler, log)

	coordinator := shutdown.NewCoordinator(20 * time.Second)
	coordinator.RegisterHandler("browser_pool", shutdown.CreateBrowserPoolShutdown(pool))
	coordinator.RegisterHandler("event_publisher", shutdown.CreateEventPublisherShutdown(events))
	coordinator.Start()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		coordinator.WaitForShutdown()
		cancel()
	}()

	sysMetrics := monitoring.NewSystemMetricsCollector(monitoring.NewApplicationMetrics())
	go sysMetrics.Start(ctx)

	log.Info("bpgateway starting", logger.ConvertArgsToFields(cfg.ListenAddr)...)
	if err := server.Listen(ctx, cfg.ListenAddr); err != nil {
		log.Error("server exited with error", logger.ConvertArgsToFields(err)...)
	}
	if probe != nil {
		_ = probe.Close()
	}
}

// newLauncher selects the configured launch backend. Per SPEC_FULL.md
// §4.G, an unreachable Docker daemon at startup falls back to the
// process backend with a logged warning rather than aborting startup.
func newLauncher(cfg *config.Config, log *zap.Logger) browserpool.Launcher {
	newProcessLauncher := func() browserpool.Launcher {
		return browserpool.NewProcessLauncher(browserpool.LauncherConfig{
			ProfileBaseDir:   cfg.BrowserPool.ChromiumProfileBaseDir,
			PurgeProfileBase: cfg.BrowserPool.PurgeProfileBaseDir,
		}, log)
	}

	if cfg.BrowserPool.LaunchBackend != "docker" {
		return newProcessLauncher()
	}

	launcher, err := browserpool.NewDockerLauncher(cfg.BrowserPool.DockerImage, log)
	if err != nil {
		log.Warn("docker daemon unreachable, falling back to process launcher", logger.ConvertArgsToFields(err)...)
		return newProcessLauncher()
	}
	return launcher
}
