package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mama165/sdk-go/logs"

	"github.com/omochice/chatroom-session/internal/client"
	"github.com/omochice/chatroom-session/internal/config"
	"github.com/omochice/chatroom-session/internal/session"
	"github.com/omochice/chatroom-session/internal/transport/stomp"
	"github.com/omochice/chatroom-session/internal/transport/wire"
	"github.com/omochice/chatroom-session/pkg/protocol"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}

	// Flags override the environment.
	flag.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "Broker endpoint (ws://host:port/ws or tcp://host:port)")
	flag.StringVar(&cfg.Transport, "transport", cfg.Transport, "Broker protocol: wire or stomp")
	flag.StringVar(&cfg.Username, "username", cfg.Username, "Username for chat")
	flag.DurationVar(&cfg.ConnectTimeout, "timeout", cfg.ConnectTimeout, "Connect timeout")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Username == "" {
		return errors.New("username is required, use -username or CHAT_USERNAME")
	}

	logger := logs.GetLoggerFromString(cfg.LogLevel)
	term := newTerminal(os.Stdout, protocol.Identity(cfg.Username))

	c := client.New(newDialer(cfg, logger), client.Options{
		Endpoint: cfg.Endpoint,
		Hooks:    term.hooks(),
		Logger:   logger,
	})
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := connect(ctx, c, cfg); err != nil {
		return err
	}

	term.help()
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			logger.Error("failed to read input", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := term.execute(c, parseCommand(line)); quit {
				return nil
			}
			if c.State() == session.StateTerminated {
				return errors.New("session ended")
			}
		}
	}
}

func connect(ctx context.Context, c *client.Client, cfg config.Client) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	h, err := c.Connect(ctx, protocol.Identity(cfg.Username))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	if err := h.Wait(ctx); err != nil {
		return fmt.Errorf("failed to join %s: %w", cfg.Endpoint, err)
	}
	return nil
}

func newDialer(cfg config.Client, logger *slog.Logger) session.Dialer {
	if cfg.Transport == config.TransportStomp {
		return stomp.NewDialer(stomp.Options{
			Login:    cfg.Login,
			Passcode: cfg.Passcode,
			Logger:   logger,
		})
	}
	return wire.NewDialer(logger)
}
