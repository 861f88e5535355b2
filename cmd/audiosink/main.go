// Command audiosink accepts forked call audio over WebSocket and records it.
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

	"github.com/caarlos0/env/v11"

	"github.com/sebas/voicebridge/internal/audiosink"
	"github.com/sebas/voicebridge/internal/banner"
	"github.com/sebas/voicebridge/internal/logger"
	"github.com/sebas/voicebridge/internal/voicebridge/config"
)

type sinkConfig struct {
	Port     int    `env:"SINK_PORT" envDefault:"3001"`
	Bind     string `env:"SINK_BIND" envDefault:"0.0.0.0"`
	Dir      string `env:"SINK_DIR"`
	Path     string `env:"SINK_FILE"`
	Encoding string `env:"SINK_ENCODING" envDefault:"l16"`
	LogLevel string `env:"LOGLEVEL" envDefault:"info"`
}

func main() {
	if err := config.LoadEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "audiosink: load env file: %v\n", err)
		os.Exit(2)
	}
	cfg := sinkConfig{}
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "audiosink: %v\n", err)
		os.Exit(2)
	}

	fs := flag.NewFlagSet("audiosink", flag.ExitOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "listen port")
	fs.StringVar(&cfg.Bind, "bind", cfg.Bind, "listen address")
	fs.StringVar(&cfg.Dir, "dir", cfg.Dir, "directory for per-connection recordings")
	fs.StringVar(&cfg.Path, "file", cfg.Path, "single recording file, overwritten per connection")
	fs.StringVar(&cfg.Encoding, "encoding", cfg.Encoding, "output encoding: l16, ulaw or alaw")
	fs.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "log level")
	_ = fs.Parse(os.Args[1:])

	encoding, err := audiosink.ParseEncoding(cfg.Encoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audiosink: %v\n", err)
		os.Exit(2)
	}

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	output := cfg.Path
	if output == "" {
		output = cfg.Dir
		if output == "" {
			output = os.TempDir()
		}
	}
	addr := fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port)
	banner.Print("VoiceBridge audio sink", []banner.ConfigLine{
		{Label: "Listen", Value: addr},
		{Label: "Subprotocol", Value: audiosink.Subprotocol},
		{Label: "Output", Value: output},
		{Label: "Encoding", Value: string(encoding)},
	})

	sink := audiosink.NewServer(audiosink.Config{
		Dir:      cfg.Dir,
		Path:     cfg.Path,
		Encoding: encoding,
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           sink,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Audio sink shutdown error", "error", err)
		}
	}()

	slog.Info("Audio sink listening", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Audio sink error", "error", err)
		os.Exit(1)
	}
	slog.Info("Audio sink stopped", "active", sink.Active())
}
