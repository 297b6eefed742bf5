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
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var listenAddr string

var rootCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "ksunira gateway: places new sessions on a backend and pins session traffic to it",
	Long: `Serves the backend API from one address. POST /sessions goes to a backend chosen
from the schedule published by the orchestrator (or the static BACKENDS list when
Redis is not configured); every other session route is proxied to the backend
hosting that session.`,
	RunE: runScheduler,
}

func init() {
	rootCmd.Flags().StringVar(&listenAddr, "addr", "", "bind address (overrides LISTEN_ADDR)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func runScheduler(cmd *cobra.Command, _ []string) error {
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
	typ := schedule.StorageBackendMem
	if rc != nil {
		defer rc.Close()
		typ = schedule.StorageBackendRedis
	}
	reg, err := schedule.NewStorageBackend(typ, rc)
	if err != nil {
		return err
	}

	sch := schedule.NewScheduler(rc, reg, cfg.ScheduleChannel, logger)
	if len(cfg.Backends) > 0 {
		info := schedule.NewScheduleInfo()
		for _, b := range cfg.Backends {
			info.Backends[schedule.Backend(b)] = 0
		}
		sch.SetInfo(info)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := sch.RunScheduler(ctx); err != nil {
			logger.Error("schedule subscription failed", zap.Error(err))
			stop()
		}
	}()

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(schedule.NewGatewayMux(sch, schedule.NewLoadBalancedReverseProxy(reg, logger)))

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("scheduler listening", zap.String("addr", cfg.ListenAddr), zap.Strings("backends", sch.Backends()))
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
