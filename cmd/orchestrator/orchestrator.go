package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pravuX/ksunira/config"
	"github.com/pravuX/ksunira/schedule"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	period      time.Duration
	leastLoaded bool
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "ksunira orchestrator: polls the backends and publishes the schedule",
	RunE:  runOrchestrator,
}

func init() {
	rootCmd.Flags().DurationVar(&period, "period", schedule.SchedulingUpdatePeriod, "poll period")
	rootCmd.Flags().BoolVar(&leastLoaded, "least-loaded", false, "place new sessions on the least loaded backends")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func runOrchestrator(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	var discover schedule.Discovery = schedule.StaticBackends(cfg.Backends)
	if cfg.KubeDiscovery {
		clientset, err := schedule.InClusterClientset()
		if err != nil {
			return err
		}
		discover = schedule.NewPodDiscovery(clientset, cfg.KubeNamespace, cfg.KubeLabelSelector, cfg.BackendPort)
	} else if len(cfg.Backends) == 0 {
		return errors.New("no backends; set BACKENDS or KUBE_DISCOVERY")
	}
	rc := cfg.RedisClient()
	if rc == nil {
		return errors.New("orchestrator publishes over Redis; set REDIS_ADDR")
	}
	defer rc.Close()

	strategy := schedule.SchedulingStrategyBalance
	if leastLoaded {
		strategy = schedule.SchedulingStrategyLeastLoaded
	}
	o := schedule.NewOrchestrator(rc, schedule.NewRedisStorage(rc), discover, cfg.ScheduleChannel, strategy, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.Info("orchestrator started",
		zap.Bool("kube_discovery", cfg.KubeDiscovery),
		zap.Strings("backends", cfg.Backends),
		zap.Duration("period", period))
	o.Run(ctx, period)
	return nil
}
