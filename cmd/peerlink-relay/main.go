package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/echo"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/turnrest"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/webrtcpeer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	// Built before listening so a bad port range or NAT setting fails startup.
	api, err := webrtcpeer.NewAPI(cfg, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	logger.Info("starting peerlink-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"ice_servers", len(cfg.ICEServers),
		"redis_roster", cfg.RedisAddr != "",
		"turn_rest", cfg.TURNREST.Enabled(),
		"relay_max_message_bytes", cfg.RelayMaxMessageBytes,
		"relay_messages_per_second", cfg.RelayMessagesPerSecond,
	)
	logStartupSecurityWarnings(logger, cfg)

	var roster relay.Roster
	if cfg.RedisAddr != "" {
		redisRoster := relay.NewRedisRoster(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer redisRoster.Close()
		roster = redisRoster
	}

	turn, err := turnrest.NewIssuer(cfg.TURNREST, nil)
	if err != nil {
		logger.Error("failed to configure turn rest credentials", "err", err)
		os.Exit(2)
	}

	m := metrics.New()
	hub, err := relay.NewHub(cfg, roster, m, logger.With("component", "relay"))
	if err != nil {
		logger.Error("failed to configure relay", "err", err)
		os.Exit(2)
	}
	echoSrv := echo.NewServer(api, cfg, m, logger.With("component", "echo"))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpserver.Options{
		Metrics:    m,
		ReadyCheck: hub.Ready,
		TURN:       turn,
	})
	srv.Mux().Handle("GET /ws", hub)
	srv.Mux().Handle("OPTIONS /offer", srv.WithOriginPolicy(echoSrv.ServeHTTP))
	srv.Mux().Handle("POST /offer", srv.WithOriginPolicy(echoSrv.ServeHTTP))

	// Hijacked WebSocket connections are not tracked by http.Server.Shutdown.
	srv.RegisterOnShutdown(hub.Close)
	srv.RegisterOnShutdown(echoSrv.Close)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		hub.Close()
		echoSrv.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// ldflags values win; go build info fills the gaps for `go run` builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return commit, buildTime
}
