package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sakamotopaya/code-agent-sub007/core"
	"github.com/sakamotopaya/code-agent-sub007/server"
	"github.com/sakamotopaya/code-agent-sub007/shared/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment variable names
const (
	EnvConfigYAML = "AGENT_CONFIG_YAML"
)

func main() {
	logerConfig := zap.NewProductionConfig()
	logerConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := logerConfig.Build()
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	configYAML := flag.String("config-yaml", "", "Path to YAML configuration file")
	listenAddr := flag.String("listen", "", "Listen address, overrides the config (e.g. :8080)")
	flag.Parse()

	yamlPath := os.Getenv(EnvConfigYAML)
	if *configYAML != "" {
		yamlPath = *configYAML
	}
	if yamlPath == "" {
		yamlPath = "config.yaml"
	}

	logger.Info("Loading configuration from YAML file", zap.String("path", yamlPath))
	cfg, err := config.NewYamlConfig(yamlPath, logger)
	if err != nil {
		logger.Fatal("Failed to create YAML config", zap.Error(err))
	}
	defer cfg.Close()

	applyLogLevel(logger, logerConfig.Level, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalCh
		logger.Info("Received termination signal")
		cancel()
	}()

	cfg.OnReload(func() { applyLogLevel(logger, logerConfig.Level, cfg) })
	if err := cfg.Watch(ctx); err != nil {
		logger.Warn("Config hot reload disabled", zap.Error(err))
	}

	core.RegisterTelemetry(core.NewZapTelemetry(logger))

	errChan, err := server.Start(ctx, logger, cfg, server.WithListenAddr(*listenAddr))
	if err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	if err := <-errChan; err != nil {
		logger.Fatal("Server encountered an error", zap.Error(err))
	}
	logger.Info("Server stopped")
}

// applyLogLevel sets the shared atomic level from the config.
func applyLogLevel(logger *zap.Logger, level zap.AtomicLevel, cfg config.IConfig) {
	logLevel, err := cfg.LogLevel()
	if err != nil || logLevel == "" {
		return
	}
	var parsed zapcore.Level
	if err := parsed.UnmarshalText([]byte(logLevel)); err != nil {
		logger.Warn("Invalid log level in config, keeping current", zap.String("level", logLevel), zap.Error(err))
		return
	}
	if parsed != level.Level() {
		logger.Info("Updating log level", zap.String("level", logLevel))
		level.SetLevel(parsed)
	}
}
