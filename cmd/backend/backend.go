package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pravuX/ksunira/config"
	"github.com/pravuX/ksunira/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var listenAddr string

var rootCmd = &cobra.Command{
	Use:   "backend",
	Short: "ksunira backend: sessions, queue, playback sync over websocket",
	RunE:  runBackend,
}

func init() {
	rootCmd.Flags().StringVar(&listenAddr, "addr", "", "bind address (overrides LISTEN_ADDR)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func runBackend(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	rc := cfg.RedisClient()
	if rc != nil {
		defer rc.Close()
		if err := rc.Ping().Err(); err != nil {
			return err
		}
	}
	yt := cfg.NewResolver(logger)
	uploads, err := cfg.NewUploads(logger)
	if err != nil {
		return err
	}
	srv := server.NewServer(cfg.NewStore(rc), yt, uploads, cfg.ServerConfig(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go srv.Run(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("backend listening", zap.String("addr", cfg.ListenAddr), zap.Bool("redis", rc != nil))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	logger.Info("shutting down")
	srv.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
