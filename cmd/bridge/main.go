package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/whiskerlink/whisker-bridge/internal/account"
	"github.com/whiskerlink/whisker-bridge/internal/bridge"
	"github.com/whiskerlink/whisker-bridge/internal/config"
	"github.com/whiskerlink/whisker-bridge/internal/credentials"
	"github.com/whiskerlink/whisker-bridge/internal/httpapi"
	"github.com/whiskerlink/whisker-bridge/internal/logging"
	"github.com/whiskerlink/whisker-bridge/internal/poller"
	"github.com/whiskerlink/whisker-bridge/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logging.New(slog.LevelInfo).Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		logger.Error("failed to create db directory", "err", err)
		os.Exit(1)
	}

	repo, err := storage.New(ctx, cfg.DBPath, logger)
	if err != nil {
		logger.Error("failed to initialize storage", "err", err)
		os.Exit(1)
	}
	defer repo.Close()

	acct := account.New(account.Config{
		IdentityURL:       cfg.IdentityURL,
		RESTBaseURL:       cfg.RESTEndpoint,
		RESTAPIKey:        cfg.RESTAPIKey,
		LR4GraphQLURL:     cfg.LR4Endpoint,
		FeederGraphQLURL:  cfg.FeederEndpoint,
		LR4RealtimeURL:    cfg.LR4RealtimeURL,
		FeederRealtimeURL: cfg.FeederRealtimeURL,
		ConfirmTimeout:    cfg.ConfirmTimeout,
	}, logger)

	// Seed cached tokens so a restart resumes on the refresh token instead
	// of a fresh password login, and persist every rotation.
	if cached, err := repo.LoadTokens(ctx); err == nil {
		if err := acct.Credentials().Update(cached); err != nil {
			logger.Warn("cached tokens unusable; will log in fresh", "err", err)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		logger.Warn("token cache read failed", "err", err)
	}
	acct.Credentials().OnUpdate(func(tokens credentials.Tokens) {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := repo.SaveTokens(saveCtx, tokens); err != nil {
			logger.Warn("token cache write failed", "err", err)
		}
	})

	if err := acct.Connect(ctx, cfg.Username, cfg.Password); err != nil {
		logger.Error("account connect failed", "err", err)
		os.Exit(1)
	}
	defer acct.Disconnect()

	devicePoller := poller.New(acct, cfg.PollInterval, logger)
	go devicePoller.Run(ctx)

	go recordHistory(ctx, acct, repo, logger)

	if cfg.MQTT.BrokerURL != "" {
		mqttBridge, err := bridge.Connect(cfg.MQTT, logger.With("component", "mqtt"))
		if err != nil {
			logger.Error("mqtt connect failed", "err", err)
			os.Exit(1)
		}
		defer mqttBridge.Close()
		go mqttBridge.Run(ctx, acct)
	}

	api := httpapi.New(acct, devicePoller, repo, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("server starting", "addr", httpServer.Addr)
	if err := httpapi.RunServer(ctx, httpServer, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated with error", "err", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// recordHistory appends every observed state change to the snapshot table.
func recordHistory(ctx context.Context, acct *account.Account, repo *storage.Repository, logger *slog.Logger) {
	sub := acct.Subscribe(64)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			current, err := acct.GetState(event.Serial)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = repo.AppendHistory(writeCtx, storage.HistoryEntry{
				Serial:     current.Serial,
				Attributes: current.Attributes,
				Source:     string(event.Source),
				RecordedAt: event.Timestamp,
			})
			cancel()
			if err != nil {
				logger.Warn("history write failed", "serial", event.Serial, "err", err)
			}
		}
	}
}
