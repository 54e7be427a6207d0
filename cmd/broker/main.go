package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mama165/sdk-go/logs"

	"github.com/omochice/chatroom-session/internal/broker"
	"github.com/omochice/chatroom-session/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadBroker()
	if err != nil {
		return err
	}

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Address for WebSocket clients, and TCP clients unless -tcp-addr is set")
	flag.StringVar(&cfg.TCPAddr, "tcp-addr", cfg.TCPAddr, "Separate address for raw TCP clients")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		return err
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := broker.New(log, broker.WithQueueSize(cfg.QueueSize))
	srv := broker.NewServer(cfg.Addr, cfg.TCPAddr, b, log)

	log.Info("Starting broker", "addr", cfg.Addr, "tcp_addr", cfg.TCPAddr)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("broker error: %w", err)
	}
	log.Info("Broker stopped")
	return nil
}
