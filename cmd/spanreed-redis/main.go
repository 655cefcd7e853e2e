// Main package for the Spanreed Redis proxy: a pipelining RESP proxy in front of one or more Redis
// servers, reachable over TCP and optionally WebSockets.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sessamekesh/spanreed-redis-proxy/internal"
	"github.com/sessamekesh/spanreed-redis-proxy/pkg/dispatch"
	"github.com/sessamekesh/spanreed-redis-proxy/pkg/proxy"
	"github.com/sessamekesh/spanreed-redis-proxy/pkg/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if dotenvErr := godotenv.Load(); dotenvErr != nil && !os.IsNotExist(dotenvErr) {
		fmt.Printf("Failed to load .env file! %s", dotenvErr.Error())
	}

	logger := zap.Must(zap.NewProduction())
	if os.Getenv("APP_ENV") == "development" {
		logger = zap.Must(zap.NewDevelopment())
	}
	defer logger.Sync()

	//
	// Flags
	listenAddress := flag.String("listen", envString("SPANREED_LISTEN_ADDRESS", ":6380"), "Address the RESP listener binds to")
	useWebsockets := flag.Bool("websockets", envBool("SPANREED_WEBSOCKETS", false), "Set to true to also accept RESP over WebSockets")
	wsPort := flag.Int("ws-port", envInt("SPANREED_WS_PORT", 3000), "Port on which the WebSocket server should run")
	wsEndpoint := flag.String("ws-endpoint", envString("SPANREED_WS_ENDPOINT", "/redis"), "HTTP endpoint that listens for WebSocket connections")
	wsOrigins := flag.String("ws-allowed-origins", envString("SPANREED_WS_ALLOWED_ORIGINS", ""), "Comma separated WebSocket origins to accept (empty accepts all)")
	wsDeniedOrigins := flag.String("ws-denied-origins", envString("SPANREED_WS_DENIED_ORIGINS", ""), "Comma separated WebSocket origins to refuse")

	upstreams := flag.String("upstreams", envString("SPANREED_UPSTREAMS", "127.0.0.1:6379"), "Comma separated Redis addresses; several addresses are sharded by key")
	workers := flag.Int("workers", envInt("SPANREED_WORKERS", dispatch.DefaultWorkers), "Maximum concurrent upstream commands")
	opTimeout := flag.Duration("op-timeout", envDuration("SPANREED_OP_TIMEOUT", dispatch.DefaultOpTimeout), "Per-command upstream timeout")

	statPrefix := flag.String("stat-prefix", envString("SPANREED_STAT_PREFIX", "spanreed"), "Prefix for proxy statistics")
	metricsAddress := flag.String("metrics-address", envString("SPANREED_METRICS_ADDRESS", ":9121"), "Address serving /metrics (empty disables it)")

	maxConnections := flag.Int("max-connections", envInt("SPANREED_MAX_CONNECTIONS", 0), "Maximum concurrent client connections (0 is unlimited)")
	acceptRate := flag.Float64("accept-rate", envFloat("SPANREED_ACCEPT_RATE", 0), "New TCP connections accepted per second (0 is unlimited)")
	acceptBurst := flag.Int("accept-burst", envInt("SPANREED_ACCEPT_BURST", 64), "Burst of TCP accepts allowed above accept-rate")

	drainClosePercent := flag.Int("drain-close-percent", envInt("SPANREED_DRAIN_CLOSE_PERCENT", 100), "Percent of draining sessions closed once idle")
	drainTimeout := flag.Duration("drain-timeout", envDuration("SPANREED_DRAIN_TIMEOUT", 30*time.Second), "Time allowed for connections to drain on shutdown")
	flag.Parse()

	//
	// Statistics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	//
	// Upstream + proxy setup
	backend, err := dispatch.CreateRedisBackend(dispatch.RedisBackendParams{
		Addresses: splitList(*upstreams),
		Password:  os.Getenv("SPANREED_UPSTREAM_PASSWORD"),
		OpTimeout: *opTimeout,
		Workers:   *workers,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("Failed to create Redis backend", zap.Error(err))
		return
	}
	defer backend.Close()

	drainManager := &proxy.DrainManager{}
	runtimeFlags := proxy.NewRuntimeFlags()
	runtimeFlags.SetPercent(proxy.DrainCloseRuntimeKey, uint64(max(*drainClosePercent, 0)))

	proxyConfig, err := proxy.CreateProxyConfig(proxy.ProxyConfigParams{
		StatPrefix:    *statPrefix,
		Registerer:    registry,
		DrainDecision: drainManager,
		Runtime:       runtimeFlags,
	})
	if err != nil {
		logger.Error("Invalid proxy configuration", zap.Error(err))
		return
	}

	redisProxy, err := proxy.CreateProxy(proxy.ProxyParams{
		Config:     proxyConfig,
		Dispatcher: dispatch.CreateSplitter(backend, dispatch.SplitterParams{Logger: logger}),
		Logger:     logger,
	})
	if err != nil {
		logger.Error("Failed to create proxy", zap.Error(err))
		return
	}

	store := internal.CreateConnectionStore(*maxConnections)

	sigCtx, sigRelease := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer sigRelease()
	serveCtx, serveRelease := context.WithCancel(context.Background())
	defer serveRelease()

	g, gCtx := errgroup.WithContext(serveCtx)

	//
	// Listeners
	tcpHandler, err := redisProxy.CreateClientHandlerFactory("TCP")
	if err != nil {
		logger.Error("Failed to create TCP client handler", zap.Error(err))
		return
	}
	tcpListener, err := transport.CreateTcpClientListener(tcpHandler, transport.TcpClientListenerParams{
		ListenAddress: *listenAddress,
		AcceptRate:    *acceptRate,
		AcceptBurst:   *acceptBurst,
		Store:         store,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("Failed to create TCP listener", zap.Error(err))
		return
	}
	g.Go(func() error {
		return tcpListener.Start(gCtx)
	})

	if *useWebsockets {
		wsHandler, err := redisProxy.CreateClientHandlerFactory("WebSocket")
		if err != nil {
			logger.Error("Failed to create WebSocket client handler", zap.Error(err))
			return
		}

		allowedOrigins := splitList(*wsOrigins)
		wsListener, err := transport.CreateWebsocketClientListener(wsHandler, transport.WebsocketClientListenerParams{
			ListenAddress:    fmt.Sprintf(":%d", *wsPort),
			ListenEndpoint:   *wsEndpoint,
			AllowAllHosts:    len(allowedOrigins) == 0,
			AllowlistedHosts: allowedOrigins,
			DenylistedHosts:  splitList(*wsDeniedOrigins),
			Store:            store,
			Logger:           logger,
		})
		if err != nil {
			logger.Error("Failed to create WebSocket listener", zap.Error(err))
			return
		}
		g.Go(func() error {
			return wsListener.Start(gCtx)
		})
	}

	if *metricsAddress != "" {
		g.Go(func() error {
			return serveMetrics(gCtx, *metricsAddress, registry, logger)
		})
	}

	//
	// Graceful shutdown: stop taking new work, let sessions finish what they have, then close.
	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return nil
		case <-sigCtx.Done():
		}

		logger.Info("Shutdown requested, draining client connections", zap.Duration("timeout", *drainTimeout))
		drainManager.StartDraining()
		store.DrainAll()

		deadline := time.After(*drainTimeout)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for store.Len() > 0 {
			select {
			case <-deadline:
				logger.Warn("Drain timeout elapsed, closing remaining connections", zap.Int("remaining", store.Len()))
				serveRelease()
				return nil
			case <-ticker.C:
			}
		}

		serveRelease()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Proxy exited with error", zap.Error(err))
		return
	}
	logger.Info("Proxy shut down cleanly")
}

func serveMetrics(ctx context.Context, address string, registry *prometheus.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	server := &http.Server{
		Addr:    address,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownRelease()
		server.Shutdown(shutdownCtx)
	}()

	logger.Sugar().Infof("Serving metrics at %s", address)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
