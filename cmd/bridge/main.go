// sv2bridge translates legacy V1 Stratum miners into a single upstream V2
// (Stratum V2) extended mining channel over a Noise-encrypted connection.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carlosrabelo/sv2bridge/internal/bridge"
	"github.com/carlosrabelo/sv2bridge/internal/config"
	"github.com/carlosrabelo/sv2bridge/internal/metrics"
	"github.com/carlosrabelo/sv2bridge/internal/proxysocks"
	"github.com/carlosrabelo/sv2bridge/internal/ratelimit"
	"github.com/carlosrabelo/sv2bridge/internal/session"
	"github.com/carlosrabelo/sv2bridge/internal/state"
	"github.com/carlosrabelo/sv2bridge/internal/supervisor"
	"github.com/carlosrabelo/sv2bridge/internal/telemetry"
	"github.com/carlosrabelo/sv2bridge/internal/upstream"
	"github.com/carlosrabelo/sv2bridge/internal/vardiff"
	"github.com/carlosrabelo/sv2bridge/pkg/logger"
)

// defaultListeningAddr is used when no --listening-addr/config/env value is
// set; config.Load intentionally leaves this field undefaulted.
const defaultListeningAddr = "0.0.0.0:3333"

// shutdownGrace gives in-flight sessions and background loops a moment to
// unwind after cancellation before the process exits.
const shutdownGrace = 2 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	log := logger.New(logger.ParseLevel(cfg.LogLevel, "info"))
	log.Info("starting sv2bridge in %s environment", cfg.Environment())

	if cfg.ListeningAddr == "" {
		cfg.ListeningAddr = defaultListeningAddr
	}

	upstreamAddr, err := cfg.ResolveUpstreamAddr()
	if err != nil {
		log.Error("resolve upstream address: %v", err)
		os.Exit(2)
	}
	staticKey, err := cfg.ParsePoolStaticKey()
	if err != nil {
		log.Error("%v", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := supervisor.New(ctx)
	mx := metrics.NewCollector()
	metrics.InitPrometheus("sv2bridge", mx)
	proxyState := state.New()

	rl := ratelimit.NewLimiter(&ratelimit.Config{
		Enabled:                 cfg.RateLimit.Enabled,
		MaxConnectionsPerIP:     cfg.RateLimit.MaxConnectionsPerIP,
		MaxConnectionsPerMinute: cfg.RateLimit.MaxConnectionsPerMinute,
		BanDurationSeconds:      cfg.RateLimit.BanDurationSeconds,
		CleanupIntervalSeconds:  cfg.RateLimit.CleanupIntervalSeconds,
	})
	sup.Spawn("", supervisor.AcceptConnections, rl.Run)

	egress, err := proxysocks.NewProxyDialer(&proxysocks.Config{
		Enabled:  cfg.SocksProxy.Enabled,
		Type:     cfg.SocksProxy.Type,
		Host:     cfg.SocksProxy.Host,
		Port:     cfg.SocksProxy.Port,
		Username: cfg.SocksProxy.Username,
		Password: cfg.SocksProxy.Password,
	})
	if err != nil {
		log.Error("socks proxy dialer: %v", err)
		os.Exit(2)
	}

	sink := telemetry.NewSink(telemetry.Config{
		BaseURL: cfg.TelemetryBaseURL(),
		Token:   cfg.Token,
	}, log)
	sink.Run(ctx, sup)

	var maxTarget [32]byte
	for i := range maxTarget {
		maxTarget[i] = 0xff
	}

	upCfg := upstream.Config{
		Addr:               upstreamAddr,
		RemoteStaticKey:    staticKey,
		UserIdentity:       cfg.Token,
		NominalHashrate:    cfg.DownstreamHashrate,
		MaxTarget:          maxTarget,
		MinExtranonceSize:  4,
		VendorIdentity:     "sv2bridge",
		ProtocolVersionMin: 2,
		ProtocolVersionMax: 2,
		Egress:             egress,
	}

	br := bridge.NewBridge(bridge.Config{MaxChannels: cfg.Proxy.MaxChannels}, nil)
	br.SetShareSink(sink)

	upClient := upstream.NewClient(upCfg, br, mx)
	br.SetUpstream(upClient)

	sup.Spawn("", supervisor.UpstreamIO, func(ctx context.Context) {
		upClient.Run(ctx, sup)
	})

	vd := vardiff.NewManager(&vardiff.Config{
		Enabled:              true,
		TargetShareRate:      1.0 / 15.0,
		MinDifficulty:        1,
		MaxDifficulty:        1e12,
		AdjustmentIntervalMs: cfg.AdjustmentInterval,
	}, mx)
	sup.Spawn("", supervisor.SessionVardiff, vd.Run)

	sup.Spawn("", supervisor.UpstreamIO, func(ctx context.Context) {
		watchUpstreamHealth(ctx, upClient, proxyState)
	})

	sessionCfg := session.Config{
		ReadBufBytes:       cfg.Proxy.ReadBufBytes,
		PreHandshakeIdle:   30 * time.Second,
		PostHandshakeIdle:  10 * time.Minute,
		ExpectedHashrate:   cfg.DownstreamHashrate,
		OutboundQueueDepth: 64,
	}
	if sessionCfg.ReadBufBytes <= 0 {
		sessionCfg.ReadBufBytes = 4096
	}

	startHTTPServer(ctx, cfg, mx, rl, proxyState, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := acceptLoop(ctx, cfg, sup, rl, br, vd, mx, sink, sessionCfg, proxyState, log); err != nil {
			log.Error("accept loop: %v", err)
			cancel()
		}
	}()

	<-sigCh
	log.Info("shutting down")
	cancel()
	sup.Shutdown()
	time.Sleep(shutdownGrace)
	log.Info("shutdown complete")
}

// watchUpstreamHealth mirrors the upstream connection's Ready() flag into
// the process-wide health snapshot the status endpoint reports.
func watchUpstreamHealth(ctx context.Context, up *upstream.Client, ps *state.ProxyState) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if up.Ready() {
				ps.SetUpstream(state.UpstreamUp)
			} else {
				ps.SetUpstream(state.UpstreamDown)
			}
		}
	}
}

var connCounter atomic.Uint64

func acceptLoop(
	ctx context.Context,
	cfg *config.Config,
	sup *supervisor.Supervisor,
	rl *ratelimit.Limiter,
	br *bridge.Bridge,
	vd *vardiff.Manager,
	mx *metrics.Collector,
	telemetrySink *telemetry.Sink,
	sessionCfg session.Config,
	ps *state.ProxyState,
	log *logger.Logger,
) error {
	ln, err := net.Listen("tcp", cfg.ListeningAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListeningAddr, err)
	}
	log.Info("accepting V1 connections on %s", cfg.ListeningAddr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				ps.SetDownstream(state.DownstreamFaulty)
				log.Warn("accept: %v", err)
				continue
			}
		}

		if !rl.AllowConnection(conn.RemoteAddr()) {
			log.Debug("rejecting connection from %s: rate limited", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		id := strconv.FormatUint(connCounter.Add(1), 10)
		sess := session.New(id, conn, sessionCfg, br, vd, mx, telemetrySink, log)
		sup.Spawn(id, supervisor.AcceptConnections, func(ctx context.Context) {
			defer rl.ReleaseConnection(conn.RemoteAddr())
			sess.Serve(ctx, sup)
		})
	}
}

func startHTTPServer(ctx context.Context, cfg *config.Config, mx *metrics.Collector, rl *ratelimit.Limiter, ps *state.ProxyState, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		snap := mx.Snapshot()
		ps := ps.Snapshot()
		out := map[string]any{
			"upstream_connected":  snap.UpConnected,
			"shares_ok":           snap.SharesOK,
			"shares_bad":          snap.SharesBad,
			"clients_active":      snap.ClientsActive,
			"channels_active":     snap.ChannelsActive,
			"last_set_difficulty": snap.LastSetDifficulty,
			"last_notify":         snap.LastNotify,
			"vardiff_adjustments": snap.VardiffAdjustments,
			"ratelimit":           rl.GetGlobalStats(),
			"state": map[string]any{
				"upstream":      ps.Upstream,
				"downstream":    ps.Downstream,
				"inconsistency": ps.Inconsistency,
				"code":          ps.Code,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := ":" + cfg.APIServerPort
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

