package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TimurManjosov/appconfig/appconfig"
	"github.com/TimurManjosov/appconfig/internal/cli"
	"github.com/TimurManjosov/appconfig/internal/config"
	"github.com/TimurManjosov/appconfig/internal/logging"
	"github.com/TimurManjosov/appconfig/internal/rules"
	"github.com/TimurManjosov/appconfig/internal/telemetry"
)

// loadConfig resolves settings from flags, the environment and the profile file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}

	for dst, v := range map[*string]string{
		&cfg.Region:             region,
		&cfg.GUID:               guid,
		&cfg.APIKey:             apiKey,
		&cfg.CollectionID:       collection,
		&cfg.EnvironmentID:      environment,
		&cfg.ServiceURL:         serviceURL,
		&cfg.BootstrapFile:      bootstrap,
		&cfg.PersistentCacheDir: cacheDir,
	} {
		if v != "" {
			*dst = v
		}
	}
	if cmd.Flags().Changed("offline") {
		cfg.LiveUpdates = !offline
	}

	if err := cli.ApplyProfile(cfg, profile); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *zap.Logger {
	level := cfg.LogLevel
	switch {
	case verbose:
		level = "debug"
	case quiet:
		level = "error"
	}
	return logging.New(level, cfg.LogFormat)
}

// connect initializes the SDK for the configured context. With fetch set and
// live updates enabled it waits for the first configuration download.
func connect(ctx context.Context, cfg *config.Config, logger *zap.Logger, metrics *telemetry.Metrics, fetch bool) (*appconfig.AppConfiguration, error) {
	app := appconfig.New(appconfig.Settings{
		FetchRetryInterval: cfg.FetchRetryInterval,
		SocketRetryDelay:   cfg.SocketRetryDelay,
		HTTPTimeout:        cfg.HTTPTimeout,
		ProbeAddr:          cfg.ProbeAddr,
		ProbeInterval:      cfg.ProbeInterval,
		ProbeTimeout:       cfg.ProbeTimeout,
		MeteringInterval:   cfg.MeteringInterval,
		MeteringRetryDelay: cfg.MeteringRetryDelay,
		MeteringBatchLimit: cfg.MeteringBatchLimit,
		RolloutSalt:        cfg.RolloutSalt,
		Logger:             logger,
		Metrics:            metrics,
	})
	if cfg.ServiceURL != "" {
		app.OverrideServiceURL(cfg.ServiceURL)
	}
	if cfg.IAMURL != "" {
		app.OverrideIAMURL(cfg.IAMURL)
	}
	app.UsePrivateEndpoint(cfg.PrivateEndpoint)

	if err := app.Init(cfg.Region, cfg.GUID, cfg.APIKey); err != nil {
		return nil, err
	}
	err := app.SetContext(cfg.CollectionID, cfg.EnvironmentID, appconfig.ContextOptions{
		BootstrapFile:      cfg.BootstrapFile,
		PersistentCacheDir: cfg.PersistentCacheDir,
		LiveUpdates:        cfg.LiveUpdates,
	})
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	if fetch && cfg.LiveUpdates {
		if err := app.FetchConfigurations(ctx); err != nil {
			if cfg.PersistentCacheDir == "" && cfg.BootstrapFile == "" {
				_ = app.Close()
				return nil, fmt.Errorf("failed to fetch configuration: %w", err)
			}
			logger.Warn("fetch failed, using local configuration", zap.Error(err))
		}
	}
	return app, nil
}

// parseAttrs turns repeated key=value flags into an attribute map. Values
// that parse as JSON keep their type; anything else is a string.
func parseAttrs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	attrs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid attribute %q, expected key=value", pair)
		}
		attrs[key] = raw
		if json.Valid([]byte(raw)) {
			if v, err := rules.DecodeValue([]byte(raw)); err == nil {
				attrs[key] = v
			}
		}
	}
	return attrs, nil
}

func closeApp(app *appconfig.AppConfiguration, logger *zap.Logger) {
	if err := app.Close(); err != nil {
		logger.Warn("usage flush failed", zap.Error(err))
	}
	_ = logger.Sync()
}
