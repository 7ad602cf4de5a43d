package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/antoniostano/livecall/internal/app"
	"github.com/antoniostano/livecall/internal/config"
	"github.com/antoniostano/livecall/internal/device"
	"github.com/antoniostano/livecall/internal/logging"
	"github.com/antoniostano/livecall/internal/memory"
	"github.com/antoniostano/livecall/internal/persona"
	"github.com/antoniostano/livecall/internal/session"
)

var (
	logLevel string
	noAudio  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "livecall",
		Short:         "Real-time voice calls with Gemini Live personas",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override APP_LOG_LEVEL")
	rootCmd.PersistentFlags().BoolVar(&noAudio, "no-audio", false, "Use silent audio devices (AUDIO_BACKEND=none)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(callCmd())
	rootCmd.AddCommand(personasCmd())
	rootCmd.AddCommand(devicesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "livecall:", err)
		os.Exit(1)
	}
}

func loadRuntime() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("config error: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if noAudio {
		cfg.AudioBackend = config.AudioBackendNone
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogPretty, os.Stderr)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := app.Build(ctx, cfg, app.Options{Logger: logger})
			if err != nil {
				return err
			}
			defer func() {
				if err := res.Cleanup(); err != nil {
					logger.Error().Err(err).Msg("cleanup failed")
				}
			}()

			httpServer := &http.Server{
				Addr:              cfg.BindAddr,
				Handler:           res.API.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			listenErr := make(chan error, 1)
			go func() {
				logger.Info().
					Str("addr", cfg.BindAddr).
					Str("audio_backend", res.Backend).
					Int("personas", res.Personas).
					Str("history", memory.Backend(res.Store)).
					Bool("recap", res.Recap).
					Msg("server listening")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					listenErr <- err
				}
				close(listenErr)
			}()

			select {
			case <-ctx.Done():
				logger.Info().Msg("shutdown signal received")
			case err, ok := <-listenErr:
				if ok {
					return fmt.Errorf("listen error: %w", err)
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("graceful shutdown failed")
				_ = httpServer.Close()
			}
			logger.Info().Msg("shutdown complete")
			return nil
		},
	}
}

func callCmd() *cobra.Command {
	var (
		personaID string
		kind      string
		recap     bool
	)
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Place an interactive call from the terminal",
		Long: "Place a call with a persona. While connected type m to toggle the mic, s to\n" +
			"toggle the speaker, a to request an activity, q to hang up, or any other\n" +
			"line to send it as text.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			console := newConsoleNotifier(cmd.OutOrStdout())
			res, err := app.Build(ctx, cfg, app.Options{Logger: logger, Notifier: console})
			if err != nil {
				return err
			}
			defer func() {
				if err := res.Cleanup(); err != nil {
					logger.Error().Err(err).Msg("cleanup failed")
				}
			}()

			p, err := res.Catalog.Get(strings.TrimSpace(personaID))
			if err != nil {
				return fmt.Errorf("%w: %q (see `livecall personas`)", err, personaID)
			}
			if err := res.Engine.StartLiveCall(ctx, p, session.Kind(kind)); err != nil {
				return err
			}
			runConsole(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), res.Engine, console, recap)
			if snap, ok := res.Engine.Snapshot(); ok && snap.Recap != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "\nRecap: %s\n", snap.Recap)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&personaID, "persona", "p", "", "Persona ID to call")
	cmd.Flags().StringVarP(&kind, "kind", "k", string(session.KindCasual), "Session kind: casual or lesson")
	cmd.Flags().BoolVar(&recap, "recap", true, "Generate a recap when hanging up")
	_ = cmd.MarkFlagRequired("persona")
	return cmd
}

func personasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "personas",
		Short: "List the persona catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			catalog, err := persona.Load(cfg.PersonaCatalogPath)
			if err != nil {
				return err
			}
			printPersonas(cmd.OutOrStdout(), catalog.List())
			return nil
		},
	}
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio devices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			terminate, err := device.Init()
			if err != nil {
				return err
			}
			defer terminate()
			infos, err := device.List()
			if err != nil {
				return err
			}
			printDevices(cmd.OutOrStdout(), infos)
			return nil
		},
	}
}
