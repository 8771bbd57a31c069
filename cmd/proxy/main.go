// Package main is the entrypoint for the connection pooling proxy.
// It loads configuration, initializes health checks and metrics,
// and sets up graceful shutdown handling.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joao-brasil/dbproxy/internal/config"
	"github.com/joao-brasil/dbproxy/internal/coordinator"
	"github.com/joao-brasil/dbproxy/internal/filter"
	"github.com/joao-brasil/dbproxy/internal/health"
	"github.com/joao-brasil/dbproxy/internal/listener"
	"github.com/joao-brasil/dbproxy/internal/metrics"
	"github.com/joao-brasil/dbproxy/internal/monitor"
	"github.com/joao-brasil/dbproxy/internal/pool"
	"github.com/joao-brasil/dbproxy/internal/queue"
	"github.com/joao-brasil/dbproxy/internal/router"
	"github.com/joao-brasil/dbproxy/internal/usercache"
	"github.com/joao-brasil/dbproxy/internal/worker"
	"github.com/joao-brasil/dbproxy/pkg/bucket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

var (
	proxyConfigPath   = flag.String("config", "configs/proxy.yaml", "Path to proxy configuration file")
	bucketsConfigPath = flag.String("buckets", "configs/buckets.yaml", "Path to buckets configuration file")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] Starting MariaDB/MySQL connection pooling proxy")

	// ─── Load Configuration ───────────────────────────────────────────
	cfg, err := config.Load(*proxyConfigPath, *bucketsConfigPath)
	if err != nil {
		log.Fatalf("[main] Failed to load configuration: %v", err)
	}
	log.Printf("[main] Configuration loaded: %d buckets, instance=%s", len(cfg.Buckets), cfg.Proxy.InstanceID)

	for _, b := range cfg.Buckets {
		log.Printf("[main]   Bucket %s → %s:%d (max_conn=%d, min_idle=%d)",
			b.ID, b.Host, b.Port, b.MaxConnections, b.MinIdle)
	}

	// ─── Initialize Metrics ──────────────────────────────────────────
	// Pre-register metric labels for each bucket so Grafana shows them immediately
	for _, b := range cfg.Buckets {
		metrics.ConnectionsActive.WithLabelValues(b.ID).Set(0)
		metrics.ConnectionsIdle.WithLabelValues(b.ID).Set(0)
		metrics.ConnectionsMax.WithLabelValues(b.ID).Set(float64(b.MaxConnections))
		metrics.QueueLength.WithLabelValues(b.ID).Set(0)
	}
	metrics.InstanceHeartbeat.WithLabelValues(cfg.Proxy.InstanceID).Set(1)

	// Metrics HTTP server (Prometheus scrape endpoint)
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Proxy.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] Metrics server listening on :%d/metrics", cfg.Proxy.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] Metrics server error: %v", err)
		}
	}()

	// ─── Initialize Health Checker ───────────────────────────────────
	checker := health.NewChecker(cfg)
	healthServer := checker.ServeHTTP(context.Background())
	log.Printf("[main] Health check server listening on :%d/health", cfg.Proxy.HealthCheckPort)

	// ─── Run Initial Health Check ────────────────────────────────────
	log.Println("[main] Running initial health check...")
	report := checker.Check(context.Background())
	for _, comp := range report.Components {
		status := "✅"
		if comp.Status == health.StatusUnhealthy {
			status = "❌"
		}
		log.Printf("[main]   %s %s: %s (latency: %s)", status, comp.Name, comp.Message, comp.Latency)
	}
	log.Printf("[main] Overall health: %s", report.Status)

	// ─── Phase 1 — Initialize Connection Pool Manager ─────────
	log.Println("[main] Initializing connection pool manager...")
	poolMgr, err := pool.NewManager(context.Background(), cfg)
	if err != nil {
		log.Fatalf("[main] Failed to initialize pool manager: %v", err)
	}
	defer func() {
		log.Println("[main] Closing pool manager...")
		if err := poolMgr.Close(); err != nil {
			log.Printf("[main] Pool manager close error: %v", err)
		}
	}()
	log.Println("[main] Pool manager ready")
	for _, s := range poolMgr.Stats() {
		log.Printf("[main]   Pool %s: idle=%d, active=%d, max=%d", s.BucketID, s.Idle, s.Active, s.Max)
	}

	// ─── Background context for long-running subsystems ──────────────
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	// ─── User Cache ──────────────────────────────────────────────────
	ucShared := usercache.NewShared(64)
	ucCollector := usercache.NewCollector(cfg.Proxy.HealthCheckInterval)
	ucCollector.Attach(ucShared)
	go ucCollector.Run(bgCtx)
	if len(cfg.Buckets) > 0 {
		ucSource := usercache.NewSQLSource(poolMgr, cfg.Buckets[0].ID)
		ucRefresher := usercache.NewRefresher(ucSource, ucShared, cfg.Proxy.HealthCheckInterval, rate.Limit(1), 5)
		go ucRefresher.Run(bgCtx)
		log.Println("[main] User cache refresher started")
	}

	// ─── Phase 3 — Initialize Redis Coordinator ─────────────────────
	log.Println("[main] Initializing Redis coordinator...")
	rc, err := coordinator.NewRedisCoordinator(context.Background(), cfg)
	if err != nil {
		log.Fatalf("[main] Failed to initialize Redis coordinator: %v", err)
	}
	defer func() {
		log.Println("[main] Closing Redis coordinator...")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		if err := rc.Close(shutCtx); err != nil {
			log.Printf("[main] Coordinator close error: %v", err)
		}
	}()
	if rc.IsFallback() {
		log.Println("[main] ⚠️  Coordinator started in FALLBACK mode (Redis unavailable)")
	} else {
		log.Println("[main] Coordinator ready (Redis connected)")
	}

	// Start heartbeat.
	hb := coordinator.NewHeartbeat(rc)
	hb.Start(context.Background())
	defer hb.Stop()

	// ─── Phase 4 — Initialize Distributed Queue ───────────────────────
	dq := queue.NewDistributedQueue(rc, cfg.Proxy.QueueTimeout, cfg.Proxy.MaxQueueSize)
	log.Printf("[main] Distributed queue ready (timeout=%s, max_queue_size=%d)",
		cfg.Proxy.QueueTimeout, cfg.Proxy.MaxQueueSize)

	// ─── Worker Pool ───────────────────────────────────────────────
	workers := worker.NewPool(bgCtx, cfg.Proxy.Workers)
	log.Printf("[main] Worker pool started: %d workers", cfg.Proxy.Workers)
	defer workers.Stop()

	// ─── Monitor Snapshot (consumer-side contract; see internal/monitor) ──
	monShared := monitor.NewShared(256)
	monCollector := monitor.NewCollector(&monitor.Snapshot{Servers: map[string]monitor.ServerStatus{}}, cfg.Proxy.HealthCheckInterval, monitor.FoldLatestByServerID)
	monCollector.Attach(monShared)
	go monCollector.Run(bgCtx)
	go bridgeHealthToMonitor(bgCtx, checker, cfg.Buckets, monShared, cfg.Proxy.HealthCheckInterval)

	bucketPtrs := make([]*bucket.Bucket, len(cfg.Buckets))
	for i := range cfg.Buckets {
		bucketPtrs[i] = &cfg.Buckets[i]
	}
	rt := router.New(bucketPtrs, monShared, router.LeastConnections, cfg.Proxy.RlagMax)

	basePipeline, err := filter.Build(cfg.Proxy.Filters, poolMgr)
	if err != nil {
		log.Fatalf("[main] Failed to build filter chain: %v", err)
	}
	log.Printf("[main] Filter chain ready: %d stage(s)", len(cfg.Proxy.Filters))
	pipelines := func() *filter.Pipeline { return basePipeline.Clone() }

	// ─── Phase 2 — Initialize MariaDB Wire Protocol Proxy ──────────
	proxyServer := listener.NewServer(cfg, poolMgr, rc, dq, rt, workers, pipelines)
	if err := proxyServer.Start(context.Background()); err != nil {
		log.Fatalf("[main] Failed to start proxy listener: %v", err)
	}
	defer func() {
		log.Println("[main] Stopping proxy listener...")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		if err := proxyServer.Stop(shutCtx); err != nil {
			log.Printf("[main] Proxy listener stop error: %v", err)
		}
	}()
	log.Printf("[main] Proxy listener on %s:%d", cfg.Proxy.ListenAddr, cfg.Proxy.ListenPort)

	// ─── Graceful Shutdown ───────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Println("[main] Proxy is ready. Waiting for shutdown signal...")
	sig := <-sigCh
	log.Printf("[main] Received signal %v, shutting down gracefully...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Shutdown in reverse order
	metrics.InstanceHeartbeat.WithLabelValues(cfg.Proxy.InstanceID).Set(0)

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Health server shutdown error: %v", err)
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Metrics server shutdown error: %v", err)
	}

	if err := checker.Close(); err != nil {
		log.Printf("[main] Health checker close error: %v", err)
	}

	log.Println("[main] Shutdown complete.")
}

// bridgeHealthToMonitor is a stand-in monitor source: it reuses the
// existing liveness health checker and republishes each bucket's up/down
// state as a monitor.ServerStatus, treating every reachable bucket as an
// eligible master (no replication topology discovery is implemented here;
// see internal/monitor's package doc for why the real SHOW SLAVE STATUS
// poller is out of scope for this proxy core).
func bridgeHealthToMonitor(ctx context.Context, checker *health.Checker, buckets []bucket.Bucket, shared *monitor.Shared, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report := checker.Check(ctx)
		up := make(map[string]bool, len(report.Components))
		for _, comp := range report.Components {
			up[comp.Name] = comp.Status == health.StatusHealthy
		}
		for _, b := range buckets {
			shared.SendUpdate(monitor.ServerStatus{
				ServerID:    b.ID,
				Running:     up["mariadb-"+b.ID],
				Master:      up["mariadb-"+b.ID],
				MasterGroup: b.ServerGroup,
			})
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
