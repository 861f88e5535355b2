package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sebas/voicebridge/internal/banner"
	"github.com/sebas/voicebridge/internal/logger"
	"github.com/sebas/voicebridge/internal/voicebridge/app"
	"github.com/sebas/voicebridge/internal/voicebridge/config"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicebridge: %v\n", err)
		os.Exit(2)
	}

	outputs := []io.Writer{os.Stdout}
	if cfg.LogFile != "" {
		fw := logger.NewFileWriter(logger.FileConfig{
			Path:       cfg.LogFile,
			MaxSizeMB:  cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAgeDays: cfg.LogMaxAgeDays,
		})
		defer fw.Close()
		outputs = append(outputs, fw)
	}
	logger.InitLogger(outputs...)
	logger.SetLevel(cfg.LogLevel)

	banner.Print("VoiceBridge call-session orchestrator", []banner.ConfigLine{
		{Label: "SIP", Value: fmt.Sprintf("%s:%d (advertise %s)", cfg.BindAddr, cfg.Port, cfg.AdvertiseAddr)},
		{Label: "API", Value: cfg.APIAddr},
		{Label: "Media servers", Value: strings.Join(cfg.MediaServerAddrs, ", ")},
		{Label: "Flow", Value: fmt.Sprintf("%s (%s, transfer by %s)", cfg.FlowPath, cfg.Flow.Kind, cfg.Flow.Transfer.Method)},
		{Label: "Snapshots", Value: snapshotTarget(cfg)},
		{Label: "Log level", Value: logger.GetLevel()},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	vb, err := app.NewServer(ctx, cfg)
	if err != nil {
		slog.Error("Failed to create voicebridge", "error", err)
		os.Exit(1)
	}
	defer vb.Close()

	slog.Info("Starting voicebridge", "config", cfg)
	if err := vb.Run(ctx); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Voicebridge stopped")
}

func snapshotTarget(cfg *config.Config) string {
	if cfg.RedisAddr != "" {
		return "redis " + cfg.RedisAddr
	}
	return "memory"
}
