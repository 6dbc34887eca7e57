package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dhcgn/mail-notify/cmd"
	"github.com/dhcgn/mail-notify/config"
	"github.com/dhcgn/mail-notify/handlers"
	"github.com/dhcgn/mail-notify/mailservice"
	"github.com/dhcgn/mail-notify/metrics"
	"github.com/dhcgn/mail-notify/notification"
	"github.com/dhcgn/mail-notify/runner"
	"github.com/dhcgn/mail-notify/server"
)

func main() {
	rootCmd, err := newRootCmd(os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(stdout io.Writer) (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:          "mail-notify",
		Short:        "Poll a mailbox and dispatch new mail to registered handlers",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := config.LoadOptions(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(opts, stdout)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)

			cfg, err := config.FromOptions(opts, logger)
			if err != nil {
				return err
			}
			logger.Info("starting mail-notify",
				"protocol", cfg.StoreProtocol,
				"lookupTime", cfg.Notification.LookupTime,
				"once", opts.Once)

			return run(cmd.Context(), opts, cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		return nil, err
	}
	cmd.Register(rootCmd)
	return rootCmd, nil
}

func run(ctx context.Context, opts config.Options, cfg config.Config, logger *slog.Logger) error {
	svc, err := mailservice.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("mailservice.New: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("closing mail service failed", "err", err)
		}
	}()

	engine, err := notification.New(cfg, svc, logger, notification.WithSink(metrics.Sink{}))
	if errors.Is(err, notification.ErrDisabled) {
		logger.Info("mail notification disabled, nothing to do")
		return nil
	}
	if err != nil {
		return fmt.Errorf("notification.New: %w", err)
	}

	if err := registerHandlers(engine, cfg, svc, logger); err != nil {
		return err
	}

	r := runner.New(logger)
	switch {
	case opts.AdminAddr == "":
	case opts.Once:
		// the engine never runs as a component in single poll mode
		logger.Info("admin server skipped in single poll mode", "addr", opts.AdminAddr)
	default:
		r.Add(server.New(opts.AdminAddr, engineStatus(engine), metrics.Handler(), logger))
	}

	if opts.Once {
		r.AddStage("once", func(ctx context.Context) error {
			n, err := engine.PollOnce(ctx)
			if err != nil {
				return err
			}
			logger.Info("single poll completed", "mails", n)
			r.Shutdown()
			return nil
		})
	} else {
		r.Add(engine)
	}

	if err := r.Run(ctx); err != nil {
		return err
	}
	logger.Info("mail-notify stopped", engine.Summary().LogAttrs()...)
	return nil
}

func registerHandlers(engine *notification.Service, cfg config.Config, sender handlers.Sender, logger *slog.Logger) error {
	engine.RegisterConsumer(handlers.Log(logger))

	if len(cfg.Notification.Forward.To) == 0 {
		return nil
	}
	fwd, err := handlers.NewForward(cfg.Notification.Forward, sender, logger)
	if err != nil {
		return fmt.Errorf("handlers.NewForward: %w", err)
	}
	h := engine.RegisterMessageHandler(fwd)
	logger.Info("forward handler registered", "handle", h.String(), "to", cfg.Notification.Forward.To)
	return nil
}

func engineStatus(engine *notification.Service) server.StatusFunc {
	return func() server.Status {
		consumers, msgHandlers := engine.Registry().Len()
		return server.Status{
			State:     engine.State().String(),
			Running:   engine.IsRunning(),
			Consumers: consumers,
			Handlers:  msgHandlers,
			Summary:   engine.Summary(),
		}
	}
}

func setupLogger(opts config.Options, stdout io.Writer) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch opts.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if opts.LogDir != "" {
		if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		rotator := &lumberjack.Logger{
			Filename:   filepath.Join(opts.LogDir, "mail-notify.log"),
			MaxSize:    20,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		handler := slog.NewTextHandler(io.MultiWriter(stdout, rotator), handlerOpts)
		return slog.New(handler), rotator.Close, nil
	}

	handler := slog.NewTextHandler(stdout, handlerOpts)
	return slog.New(handler), cleanup, nil
}
