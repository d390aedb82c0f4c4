// Command chatd serves streaming LLM conversations over WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"monadic-chat/internal/infra/config"
	"monadic-chat/internal/infra/logger"
	"monadic-chat/internal/infra/tracer"
)

// cliFlags override the matching config fields when set.
type cliFlags struct {
	ConfigPath string
	Addr       string
	LogLevel   string
}

func parseFlags(args []string) (cliFlags, error) {
	var f cliFlags
	fs := pflag.NewFlagSet("chatd", pflag.ContinueOnError)
	fs.StringVarP(&f.ConfigPath, "config", "c", "config.yaml", "config file (.yaml or .toml)")
	fs.StringVar(&f.Addr, "addr", "", "listen address, overrides gateway.addr")
	fs.StringVar(&f.LogLevel, "log-level", "", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	return f, nil
}

func main() {
	flags, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatd: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flags); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, flags cliFlags) error {
	// 1. Config
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if flags.Addr != "" {
		cfg.Gateway.Addr = flags.Addr
	}
	if flags.LogLevel != "" {
		cfg.Logger.Level = flags.LogLevel
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. Tools
	tools, err := initTools(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("tools: %w", err)
	}
	defer tools.Close()

	// 4. Persistence & housekeeping
	storage, err := initStorage(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer storage.Close()

	// 5. Engine & gateway
	srv, err := initEngine(cfg, tools, storage, log)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	log.Info("chatd starting", "addr", cfg.Gateway.Addr, "provider", cfg.LLM.DefaultProvider, "store", cfg.Store.Type)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	log.Info("chatd stopped")
	return nil
}
