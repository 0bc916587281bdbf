package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/Brownie44l1/ai-detector/internal/config"
	"github.com/Brownie44l1/ai-detector/internal/handlers"
	"github.com/Brownie44l1/ai-detector/internal/hub"
	"github.com/Brownie44l1/ai-detector/internal/logging"
	"github.com/Brownie44l1/ai-detector/internal/model"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var configFile string

	cmd := &cobra.Command{
		Use:           "detector",
		Short:         "Serve an upload page that flags AI-generated images",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				log.Printf("Invalid configuration: %v", err)
				return err
			}
			logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				log.Printf("Invalid logging configuration: %v", err)
				return err
			}
			slog.SetDefault(logger)

			if err := run(cmd.Context(), cfg, logger); err != nil {
				logger.Error("server stopped", "error", err)
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "optional config file (yaml, json or toml)")
	if err := config.BindFlags(cmd.Flags(), v); err != nil {
		log.Fatalf("Failed to register flags: %v", err)
	}
	return cmd
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	modelDir, err := resolveModelDir(ctx, cfg, logger)
	if err != nil {
		return err
	}

	device, err := model.ParseDevice(cfg.Device)
	if err != nil {
		return err
	}

	logger.Info("loading model", "dir", modelDir, "device_policy", device)
	modelServer, err := model.NewServer(model.Options{
		ModelDir:    modelDir,
		ONNXFile:    cfg.ONNXFile,
		LibraryPath: cfg.ORTLibrary,
		Device:      device,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize model server: %w", err)
	}
	defer modelServer.Close()

	gin.SetMode(gin.ReleaseMode)
	handler := handlers.NewHandler(modelServer, cfg.MaxUploadBytes(), cfg.MaxPixels, logger)
	router, err := handlers.NewRouter(handler, logger, cfg.CORS)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"port", cfg.Port,
			"device", modelServer.Device(),
			"labels", modelServer.Labels())
		logger.Info("endpoints",
			"GET /", "upload page",
			"POST /", "classify form upload (field image)",
			"POST /detect", "classify upload, JSON response (field file)",
			"GET /health", "health check")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// resolveModelDir returns the configured local model directory, or downloads
// the model from the registry into the cache.
func resolveModelDir(ctx context.Context, cfg *config.Config, logger *slog.Logger) (string, error) {
	if cfg.ModelDir != "" {
		return filepath.Clean(cfg.ModelDir), nil
	}

	client := &hub.Client{
		BaseURL:    cfg.HubURL,
		Token:      cfg.HubToken,
		CacheDir:   cfg.CacheDir,
		HTTPClient: &http.Client{Timeout: 10 * time.Minute},
		Logger:     logger,
	}
	dir, err := client.Fetch(ctx, cfg.ModelID, cfg.Revision,
		"?"+model.ConfigFile, "?"+model.PreprocessorFile, cfg.ONNXFile)
	if err != nil {
		return "", fmt.Errorf("failed to fetch model %s: %w", cfg.ModelID, err)
	}
	return dir, nil
}
