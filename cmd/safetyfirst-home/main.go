package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"safetyfirst-home/internal/docstore"
	"safetyfirst-home/internal/hub"
	"safetyfirst-home/internal/locallink"
	"safetyfirst-home/internal/provision"
	"safetyfirst-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Cloud struct {
		UserID  string `yaml:"user_id"`
		Backend string `yaml:"backend"` // "memory", "bolt", "mqtt"
		Path    string `yaml:"path"`    // bolt file
		MQTT    struct {
			Broker      string `yaml:"broker"`
			Username    string `yaml:"username"`
			Password    string `yaml:"password"`
			ClientID    string `yaml:"client_id"`
			TopicPrefix string `yaml:"topic_prefix"`
		} `yaml:"mqtt"`
	} `yaml:"cloud"`
	Provision struct {
		BaseSSIDPrefix   string `yaml:"base_ssid_prefix"`
		SensorSSIDPrefix string `yaml:"sensor_ssid_prefix"`
		ExchangeTimeout  string `yaml:"exchange_timeout"`
	} `yaml:"provision"`
	Decommission struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"decommission"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Cloud.UserID == "" {
		return fmt.Errorf("cloud.user_id is required")
	}
	switch c.Cloud.Backend {
	case "memory", "bolt":
	case "mqtt":
		if c.Cloud.MQTT.Broker == "" {
			return fmt.Errorf("cloud.mqtt.broker is required for the mqtt backend")
		}
	default:
		return fmt.Errorf("unknown cloud.backend: %q (supported: memory, bolt, mqtt)", c.Cloud.Backend)
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("safetyfirst-home starting", "version", version, "backend", cfg.Cloud.Backend)

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("open document store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	exchangeTimeout, err := parseDuration(cfg.Provision.ExchangeTimeout, 30*time.Second)
	if err != nil {
		logger.Error("parse provision.exchange_timeout", "err", err)
		os.Exit(1)
	}
	decoTimeout, err := parseDuration(cfg.Decommission.Timeout, 10*time.Second)
	if err != nil {
		logger.Error("parse decommission.timeout", "err", err)
		os.Exit(1)
	}

	h := hub.New(store, locallink.NewNMCLIRadio(logger), hub.Config{
		UserID: cfg.Cloud.UserID,
		Provision: provision.Config{
			BaseSSIDPrefix:   cfg.Provision.BaseSSIDPrefix,
			SensorSSIDPrefix: cfg.Provision.SensorSSIDPrefix,
			ExchangeTimeout:  exchangeTimeout,
		},
		DecommissionTimeout: decoTimeout,
	}, logger)

	if err := h.Start(); err != nil {
		logger.Error("start hub", "err", err)
		os.Exit(1)
	}

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))

	webServer := web.NewServer(h, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // decommission waits ride on the request
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	h.Stop()

	logger.Info("goodbye")
}

func openStore(cfg *Config, logger *slog.Logger) (docstore.Store, error) {
	switch cfg.Cloud.Backend {
	case "memory":
		return docstore.NewMemoryStore(logger), nil
	case "bolt":
		return docstore.NewBoltStore(cfg.Cloud.Path, logger)
	case "mqtt":
		return docstore.NewMQTTStore(docstore.MQTTConfig{
			Broker:      cfg.Cloud.MQTT.Broker,
			Username:    cfg.Cloud.MQTT.Username,
			Password:    cfg.Cloud.MQTT.Password,
			ClientID:    cfg.Cloud.MQTT.ClientID,
			TopicPrefix: cfg.Cloud.MQTT.TopicPrefix,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown backend: %q", cfg.Cloud.Backend)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Cloud.Backend == "" {
		cfg.Cloud.Backend = "bolt"
	}
	if cfg.Cloud.Path == "" {
		cfg.Cloud.Path = "safetyfirst-home.db"
	}
	if cfg.Cloud.MQTT.TopicPrefix == "" {
		cfg.Cloud.MQTT.TopicPrefix = "safetyfirst"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
