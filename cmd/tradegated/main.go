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
	"syscall"
	"time"

	"tradegate/cmd/internal/passphrase"
	"tradegate/config"
	"tradegate/crypto"
	"tradegate/deal"
	"tradegate/gateway"
	"tradegate/ledger"
	"tradegate/observability/logging"
	"tradegate/observability/otel"
	"tradegate/storage"
)

const (
	passphraseEnv   = "TRADEGATE_KEYSTORE_PASSPHRASE"
	shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "/etc/tradegate/config.yaml", "path to the gateway configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "tradegated: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup(cfg.Observability.ServiceName, cfg.Observability.Environment,
		logging.ParseLevel(cfg.Observability.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := otel.Init(ctx, otel.Config{
		ServiceName: cfg.Observability.ServiceName,
		Environment: cfg.Observability.Environment,
		Endpoint:    cfg.Observability.OTLPEndpoint,
		Insecure:    cfg.Observability.OTLPInsecure,
		Headers:     otel.ParseHeaders(cfg.Observability.OTLPHeaders),
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	pass, err := passphrase.NewSource(passphraseEnv).Get()
	if err != nil {
		return err
	}
	masterKey, err := crypto.LoadOrCreateMasterKey(cfg.KeystoreDir, pass)
	if err != nil {
		return fmt.Errorf("load master key: %w", err)
	}
	sealer, err := crypto.NewSealer(masterKey)
	if err != nil {
		return fmt.Errorf("build sealer: %w", err)
	}

	store, err := storage.Open(cfg.DatabasePath, sealer)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	client := ledger.NewRPCClient(ledger.Options{
		URL:            cfg.Ledger.URL,
		AuthToken:      cfg.Ledger.AuthToken,
		RequestTimeout: cfg.Ledger.RequestTimeout.Duration,
		ConfirmTimeout: cfg.Ledger.ConfirmTimeout.Duration,
		RetryBaseDelay: cfg.Ledger.RetryBaseDelay.Duration,
		MaxRetries:     cfg.Ledger.MaxRetries,
	})

	engineOpts := []deal.Option{
		deal.WithLogger(logger.With("component", "deal")),
		deal.WithDeadlines(cfg.Deals.CancelAfterDays, cfg.Deals.FinishAfterDays),
		deal.WithFaucet(cfg.Ledger.FaucetEnabled),
	}
	if tl := cfg.Ledger.Trustline; tl.Currency != "" {
		engineOpts = append(engineOpts, deal.WithTrustline(tl.Currency, tl.Issuer, tl.Limit))
	}
	engine, err := deal.NewEngine(store, client, engineOpts...)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	secrets := make(map[string]string, len(cfg.Security.APIKeys))
	for _, key := range cfg.Security.APIKeys {
		secrets[key.Key] = key.Secret
	}
	auth := gateway.NewAuthenticator(secrets, cfg.Security.TimestampSkew.Duration,
		cfg.Security.NonceTTL.Duration, cfg.Security.NonceCapacity, nil)
	server, err := gateway.NewServer(engine, auth, store,
		gateway.WithServerLogger(logger.With("component", "gateway")),
		gateway.WithRateLimit(cfg.Security.RatePerSecond, cfg.Security.RateBurst),
	)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	go pruneIdempotencyLoop(ctx, store, cfg.Security.IdempotencyTTL.Duration, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", slog.String("address", cfg.ListenAddress))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// pruneIdempotencyLoop periodically expires cached idempotent responses.
func pruneIdempotencyLoop(ctx context.Context, store *storage.Store, ttl time.Duration, logger *slog.Logger) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.PruneIdempotency(ctx, ttl); err != nil {
				logger.Warn("idempotency prune failed", "error", err)
			}
		}
	}
}
