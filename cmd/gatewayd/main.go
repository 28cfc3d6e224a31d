package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"paygate/daemon/internal/chains"
	"paygate/daemon/internal/chains/evm"
	"paygate/daemon/internal/chains/hyperliquid"
	"paygate/daemon/internal/config"
	"paygate/daemon/internal/keyring"
	"paygate/daemon/internal/logger"
	"paygate/daemon/internal/models"
	"paygate/daemon/internal/services"
	"paygate/daemon/internal/stores"
	"paygate/daemon/internal/utils/address"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gatewayd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.toml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat, cfg.Debug)

	secrets, err := config.SecretsFromEnv()
	if err != nil {
		return err
	}
	recipient, err := address.Checksummed(secrets.Recipient)
	if err != nil {
		return fmt.Errorf("RECIPIENT_ADDRESS: %w", err)
	}
	secrets.Recipient = recipient
	keys, err := keyring.New(secrets.SeedPhrase, cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	invoices, err := stores.NewLocalInvoiceStore(filepath.Join(cfg.DataDir, "invoices.db"))
	if err != nil {
		return fmt.Errorf("opening invoice store: %w", err)
	}
	defer invoices.Close()
	checkpoints, err := stores.NewLocalCheckpointStore(filepath.Join(cfg.DataDir, "checkpoints.db"))
	if err != nil {
		return fmt.Errorf("opening checkpoint store: %w", err)
	}
	defer checkpoints.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	health := services.NewHealth()
	clients := make(map[models.Chain]chains.Client, len(cfg.Chains))
	watchers := make(map[models.Chain]*services.Watcher, len(cfg.Chains))
	for i := range cfg.Chains {
		cc := &cfg.Chains[i]
		var client chains.Client
		switch models.ChainFamily(cc.Family) {
		case models.FamilyEVM:
			client = evm.NewClient(cc, log)
		case models.FamilyHyperliquid:
			client = hyperliquid.NewClient(ctx, cc, log)
		default:
			return fmt.Errorf("chain %q: unknown family %q", cc.Name, cc.Family)
		}
		chain := models.Chain(cc.Name)
		clients[chain] = client
		watchers[chain] = services.NewWatcher(client, checkpoints, cc, health, log)
	}

	forwarder := services.NewForwarder(clients, keys, cfg, secrets, log)

	reconcilers := make(map[models.Chain]*services.Reconciler, len(cfg.Chains))
	expirers := make(map[models.Chain]services.Expirer, len(cfg.Chains))
	for chain, watcher := range watchers {
		rec := services.NewReconciler(chain, cfg, invoices, keys, watcher, forwarder, health, log)
		reconcilers[chain] = rec
		expirers[chain] = rec
	}

	reaper := services.NewReaper(invoices, expirers, cfg, log)
	api := services.NewApiService(cfg, invoices, reconcilers, health, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return forwarder.Start(ctx) })
	g.Go(func() error { return reaper.Start(ctx) })
	for chain := range watchers {
		watcher, rec := watchers[chain], reconcilers[chain]
		// one chain failing hard must not take the others down: log, mark
		// unhealthy, and keep serving
		g.Go(func() error {
			if err := watcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				health.SetFailed(chain, err.Error())
				log.Error().Err(err).Str("chain", string(chain)).Msg("watcher stopped")
			}
			return nil
		})
		g.Go(func() error {
			if err := rec.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				health.SetFailed(chain, err.Error())
				log.Error().Err(err).Str("chain", string(chain)).Msg("reconciler stopped")
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return api.Shutdown(shutdownCtx)
	})

	log.Info().Str("addr", cfg.ListenAddr).Int("chains", len(cfg.Chains)).Msg("gateway started")
	if err := api.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		stop()
		g.Wait()
		return err
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("gateway stopped")
	return nil
}
