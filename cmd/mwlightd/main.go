package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mwnet/config"
	"mwnet/crypto"
	"mwnet/light"
	"mwnet/observability/logging"
	telemetry "mwnet/observability/otel"
	"mwnet/p2p"
	"mwnet/storage"
)

func main() {
	configFile := flag.String("config", "./mwlightd.toml", "Path to the configuration file (.toml or .yaml)")
	subscribe := flag.String("subscribe", "", "Comma separated bulletin board channels to follow")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup("mwlightd", cfg.Log.Env, logging.Output{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err := run(cfg, *subscribe, logger); err != nil {
		logger.Error("mwlightd stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, subscribe string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	headers := cfg.Telemetry.Headers
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"); raw != "" {
		headers = telemetry.ParseHeaders(raw)
	}
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "mwlightd",
		Environment: cfg.Log.Env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	channels, err := parseChannels(subscribe)
	if err != nil {
		return err
	}
	checksum, err := cfg.CfgChecksum()
	if err != nil {
		return err
	}
	var owner *crypto.PrivateKey
	if cfg.OwnerKey != "" {
		id, err := p2p.LoadIdentity(cfg.OwnerKey)
		if err != nil {
			return fmt.Errorf("load owner key: %w", err)
		}
		owner = id.PrivateKey
		logger.Info("Owner key loaded", logging.MaskField("owner_id", id.ID.String()))
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("prepare data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "light"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	connCfg := cfg.Connection()
	connCfg.Guard = p2p.NewNonceGuard(10*time.Minute, 4096)
	connCfg.Logger = logger.With(slog.String("component", "p2p_conn"))

	netw, err := light.New(light.Config{
		Nodes:            cfg.Nodes,
		ReconnectTimeout: cfg.Network.ReconnectTimeout.Duration,
		PollPeriod:       cfg.Network.PollPeriod.Duration,
		DesiredRate:      cfg.Network.DesiredRate.Duration,
		UpdateInterval:   cfg.Peers.UpdateInterval.Duration,
		RollbackWindow:   cfg.Sync.RollbackWindow,
		CfgChecksum:      checksum,
		SendPeers:        cfg.Network.SendPeers,
		OwnerKey:         owner,
		Connection:       connCfg,
		Peers:            cfg.PeerManager(),
		Store:            db,
		Logger:           logger.With(slog.String("component", "light_network")),
	}, &logClient{logger: logger.With(slog.String("component", "light_client")), owner: owner})
	if err != nil {
		return err
	}

	if cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", slog.Any("error", err))
			}
		}()
		defer srv.Close()
		logger.Info("Metrics endpoint listening", logging.MaskField("listen_address", cfg.Metrics.Listen))
	}

	if cfg.Listen != "" {
		node, err := p2p.LoadOrCreateIdentity(cfg.NodeKeyPath())
		if err != nil {
			return fmt.Errorf("load node key: %w", err)
		}
		logger.Info("Node key loaded", logging.MaskField("node_id", node.ID.String()))
		events := inboundEvents{
			logger:  logger.With(slog.String("component", "p2p_inbound")),
			nodeKey: node.PrivateKey,
			peers:   netw,
		}
		inbound := p2p.NewServer(connCfg, func(*p2p.Connection) p2p.Events { return events })
		go func() {
			if err := inbound.ListenAndServe(ctx, cfg.Listen); err != nil {
				logger.Error("Inbound listener failed", slog.Any("error", err))
			}
		}()
	}

	for _, ch := range channels {
		if err := netw.Subscribe(ch, true); err != nil {
			return err
		}
	}
	// Subscribe only queues; the loop picks the commands up once running.
	return netw.Run(ctx)
}

func parseChannels(raw string) ([]uint32, error) {
	var out []uint32
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ch, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid channel %q: %w", part, err)
		}
		out = append(out, uint32(ch))
	}
	return out, nil
}
