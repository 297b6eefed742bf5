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
	"github.com/pravuX/ksunira/schedule"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var listenAddr string

var rootCmd = &cobra.Command{
	Use:   "revproxy",
	Short: "ksunira session proxy: routes REST and websocket traffic to the session's backend",
	RunE:  runRevProxy,
}

func init() {
	rootCmd.Flags().StringVar(&listenAddr, "addr", "", "bind address (overrides LISTEN_ADDR)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func runRevProxy(cmd *cobra.Command, _ []string) error {
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
	if rc == nil {
		return errors.New("revproxy reads the session registry from Redis; set REDIS_ADDR")
	}
	defer rc.Close()
	reg, err := schedule.NewStorageBackend(schedule.StorageBackendRedis, rc)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           schedule.NewLoadBalancedReverseProxy(reg, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("revproxy listening", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
