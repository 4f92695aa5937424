package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/face-compare/internal/config"
	"github.com/example/face-compare/internal/handlers"
	"github.com/example/face-compare/internal/logging"
	"github.com/example/face-compare/internal/usecase"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the face comparison HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	rootCmd := &cobra.Command{
		Use:          "face-compare",
		Short:        "Decide whether two photos show the same person",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE:         serveCmd.RunE,
	}
	rootCmd.AddCommand(serveCmd, newCompareCmd())
	return rootCmd
}

func runServe(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File, MaxAge: cfg.Log.MaxAge})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, 15*time.Second)
	defer cancel()

	extractor, closeExtractor, err := newExtractor(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise model backend", zap.Error(err), zap.String("backend", cfg.Model.Backend))
		return err
	}
	defer closeExtractor()

	cache, closeCache, err := initCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	uc := usecase.NewComparisonUseCase(extractor, cache, logger, useCaseOptions(cfg))

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(logger))
	r.MaxMultipartMemory = handlers.MaxUploadSize

	handlers.RegisterRoutes(r, uc)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           corsHandler.Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("face compare API listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("backend", extractor.Name()),
		zap.Float64("threshold", uc.Threshold()),
	)
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func useCaseOptions(cfg *config.Config) usecase.Options {
	return usecase.Options{
		Threshold:      cfg.Model.Threshold,
		ScratchDir:     cfg.Server.ScratchDir,
		MaxImageSide:   cfg.Server.MaxImageSide,
		MaxImagePixels: cfg.Server.MaxImagePixels,
		EmbeddingTTL:   cfg.Cache.EmbeddingTTL,
		ResultTTL:      cfg.Cache.ResultTTL,
	}
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
