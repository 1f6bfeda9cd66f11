// Command server runs the build-swarm control plane: the scheduler, the
// drone health and self-healing monitors, the payload and release
// registries, and the public/admin HTTP listeners.
//
// # Usage
//
//	server --config /etc/build-swarm/config.yaml
//
// # Configuration
//
// Defaults come from the built-in table, overridden by the YAML config
// file, overridden by environment variables (CONTROL_PLANE_PORT,
// ADMIN_PORT, ADMIN_SECRET, SWARM_STATE_DIR, ...).
//
// # Exit codes
//
//	0 clean shutdown
//	1 general failure (port bind, runtime)
//	2 invalid arguments or configuration
//	3 dependency failure (database open)
//	4 authentication misconfiguration (secrets backend)
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/buildswarm/controlplane/internal/api"
	"github.com/buildswarm/controlplane/internal/config"
	"github.com/buildswarm/controlplane/internal/eventbus"
	"github.com/buildswarm/controlplane/internal/health"
	"github.com/buildswarm/controlplane/internal/payload"
	"github.com/buildswarm/controlplane/internal/protocollog"
	"github.com/buildswarm/controlplane/internal/release"
	"github.com/buildswarm/controlplane/internal/scheduler"
	"github.com/buildswarm/controlplane/internal/secrets"
	"github.com/buildswarm/controlplane/internal/selfheal"
	"github.com/buildswarm/controlplane/internal/sshprobe"
	"github.com/buildswarm/controlplane/internal/store"
)

const (
	exitOK         = 0
	exitGeneral    = 1
	exitUsage      = 2
	exitDependency = 3
	exitAuth       = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "YAML config file path")
		debug      = flag.Bool("debug", false, "enable debug logging")
		version    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("build-swarm control plane v0.4.0")
		return exitOK
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		return exitUsage
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logOut := io.Writer(os.Stderr)
	if f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640); err == nil {
		defer f.Close()
		logOut = io.MultiWriter(os.Stderr, f)
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: logLevel}))

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Error("failed to open state database", "path", cfg.DBPath, "error", err)
		return exitDependency
	}
	defer st.Close()
	logger.Info("state database open", "path", cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider, err := secrets.New(secrets.ConfigFromEnv(cfg.SecretsBackend), logger)
	if err != nil {
		logger.Error("secrets backend unavailable", "backend", cfg.SecretsBackend, "error", err)
		return exitAuth
	}
	defer provider.Close()

	if cfg.AdminKeyGenerated {
		if v, err := provider.Secret(ctx, secrets.AdminSecretName); err == nil && v != "" {
			cfg.AdminKey = v
		} else {
			logger.Warn("no admin key configured, generated one for this run", "admin_key", cfg.AdminKey)
		}
	}

	key, err := provider.ProvisioningKey(ctx)
	if err != nil {
		logger.Error("failed to resolve provisioning SSH key", "error", err)
		return exitAuth
	}
	logger.Info("provisioning key ready", "fingerprint", key.Fingerprint)

	bus := eventbus.New(st, eventbus.Config{}, logger)
	if cfg.RedisAddr != "" {
		mirror := eventbus.NewRedisMirror(cfg.RedisAddr, logger)
		defer mirror.Close()
		bus.SetMirror(mirror)
		logger.Info("event mirror enabled", "redis", cfg.RedisAddr)
	}
	bus.Start(ctx)
	defer bus.Stop()

	plog := protocollog.New(st, protocollog.Config{}, logger)
	plog.Start(ctx)
	defer plog.Stop()

	pinger := sshprobe.NewPinger()
	rebooter := sshprobe.DefaultRebooter{
		Pinger:   pinger,
		Username: "root",
		Key:      key.PrivateKey,
		Timeout:  10 * time.Second,
	}

	hm := health.New(st, rebooter, bus, health.Config{
		MaxFailures:       cfg.MaxFailures,
		GroundingTimeout:  cfg.GroundingTimeout,
		ProtectedHosts:    cfg.ProtectedHosts,
		MaxUploadFailures: cfg.MaxUploadFailures,
	}, logger)

	sched := scheduler.New(st, hm, bus, scheduler.Config{
		MaxPrefetchPerDrone:     cfg.MaxPrefetchPerDrone,
		FailureWindow:           cfg.FailureAge,
		ReclaimOfflineThreshold: cfg.ReclaimOfflineThreshold,
		ReclaimLease:            cfg.ReclaimLease,
		SweeperPrefix:           cfg.SweeperPrefix,
	}, logger)
	if err := sched.Restore(ctx); err != nil {
		logger.Error("failed to restore scheduler state", "error", err)
		return exitDependency
	}
	sched.Start(ctx)
	defer sched.Stop()

	sh := selfheal.New(st, sshProber{pinger: pinger, key: key.PrivateKey}, bus, selfheal.Config{
		ProbeInterval:          cfg.ProbeInterval,
		MinConsecutiveFailures: cfg.MinConsecutiveFailures,
		MinFailureWindow:       cfg.MinFailureWindow,
		ProtectedHosts:         cfg.ProtectedHosts,
	}, logger)
	sh.Start(ctx)
	defer sh.Stop()

	registry := payload.NewRegistry(st, cfg.PayloadCacheRoot, nil, logger)
	deployer := payload.NewDeployer(registry, st, payload.SSHTransport{}, bus, payload.DeployerConfig{
		DefaultKey: key.PrivateKey,
	})
	releases := release.NewRegistry(st, cfg.ReleaseCacheRoot, bus, logger)

	srv := api.NewServer(st, sched, hm, sh, bus, plog, registry, deployer, releases, api.Config{
		AdminKey:         cfg.AdminKey,
		OrchestratorName: "build-swarm",
		PublicPort:       cfg.PublicPort,
		LogFile:          cfg.LogFile,
		SSHKey:           key.PrivateKey,
	}, logger)

	publicSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.PublicPort),
		Handler:      srv.Public(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	adminSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.AdminPort),
		Handler:      srv.Admin(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("public listener starting", "port", cfg.PublicPort)
		if err := publicSrv.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- fmt.Errorf("public listener: %w", err)
		}
	}()
	go func() {
		logger.Info("admin listener starting", "port", cfg.AdminPort)
		if err := adminSrv.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin listener: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("listener failed", "error", err)
		return exitGeneral
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := publicSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("public shutdown error", "error", err)
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return exitOK
}

// sshProber adapts the pooled SSH pinger to the self-healing monitor's
// probe interface, filling in the provisioning key when a drone has no
// per-drone credential.
type sshProber struct {
	pinger sshprobe.Pinger
	key    []byte
}

func (p sshProber) toConfig(t selfheal.ProbeTarget) sshprobe.Config {
	key := t.Key
	if len(key) == 0 {
		key = p.key
	}
	return sshprobe.Config{
		Host:       t.Host,
		Port:       t.Port,
		Username:   t.Username,
		Password:   t.Password,
		PrivateKey: key,
		Timeout:    t.Timeout,
	}
}

func (p sshProber) Ping(ctx context.Context, t selfheal.ProbeTarget) (time.Duration, error) {
	return p.pinger.Ping(ctx, p.toConfig(t))
}

func (p sshProber) RestartService(ctx context.Context, t selfheal.ProbeTarget, service string) error {
	return p.pinger.RestartService(ctx, p.toConfig(t), service)
}

func (p sshProber) Reboot(ctx context.Context, t selfheal.ProbeTarget) error {
	return p.pinger.Reboot(ctx, p.toConfig(t))
}
