package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RichardoC/stargazer/internal/api"
	"github.com/RichardoC/stargazer/internal/config"
	"github.com/RichardoC/stargazer/internal/llm"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func newRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "server",
		Short: "Streaming chat proxy for the stargazer widget",
		Long:  "server exposes POST /api/chat, forwarding conversations to the configured OpenAI model and streaming the reply as server-sent events.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default ~/.config/stargazer/config.yaml)")
	return rootCmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	llmOpts := []llm.Option{llm.WithLogger(logger.Named("llm"))}
	if cfg.Server.CountTokens {
		tc := llm.NewTokenCounter(cfg.Provider.Model, logger.Named("tokens"))
		llmOpts = append(llmOpts, llm.WithTokenCounter(tc))
		// Counts are estimated until the encoding is in.
		go func() {
			if err := tc.Load(); err != nil {
				logger.Warn("token encoding unavailable, estimating prompt size", zap.Error(err))
			}
		}()
	}

	llmService, err := llm.New(cfg.Provider, cfg.Server.SystemPrompt, llmOpts...)
	if err != nil {
		return fmt.Errorf("initialize LLM service: %w", err)
	}
	if !llmService.Ready() {
		logger.Warn("no provider API key configured; chat requests will fail until OPENAI_API_KEY is set")
	}

	handler := api.NewHandler(llmService, logger,
		api.WithMaxDuration(cfg.Server.MaxDuration),
		api.WithRateLimit(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.Routes(cfg.Server.StaticDir),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			zap.String("addr", cfg.Server.Addr),
			zap.String("model", cfg.Provider.Model),
			zap.Duration("maxDuration", cfg.Server.MaxDuration))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.MaxDuration+5*time.Second)
	defer cancel()
	return multierr.Append(srv.Shutdown(shutdownCtx), <-errCh)
}
