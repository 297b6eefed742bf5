package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-redis/redis"
	"github.com/pravuX/ksunira/server"
	"go.uber.org/zap"
)

const backendPollTimeout = 5 * time.Second

// Orchestrator polls every backend for the sessions it hosts, keeps the
// session registry in step and publishes the schedule to the schedulers.
type Orchestrator struct {
	store    Storage
	client   *redis.Client
	discover Discovery
	channel  string
	strategy SchedulingStrategy
	http     *http.Client
	logger   *zap.Logger
}

// NewOrchestrator creates an orchestrator for the backends discover finds.
func NewOrchestrator(rclient *redis.Client, s Storage, discover Discovery, channel string, strategy SchedulingStrategy, logger *zap.Logger) *Orchestrator {
	if channel == "" {
		channel = SchedulePubSubChannel
	}
	return &Orchestrator{
		store:    s,
		client:   rclient,
		discover: discover,
		channel:  channel,
		strategy: strategy,
		http:     &http.Client{Timeout: backendPollTimeout},
		logger:   logger,
	}
}

func (o *Orchestrator) pollBackend(ctx context.Context, host string) (*server.ServerInfoMsg, error) {
	u := url.URL{Scheme: BackendRESTScheme.Scheme, Host: host, Path: "/server"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	rsp, err := o.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer rsp.Body.Close()
	if rsp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s/server: status %d", host, rsp.StatusCode)
	}
	var m server.ServerInfoMsg
	if err := json.NewDecoder(rsp.Body).Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateBackendInfo polls the backends once. Unreachable backends are left
// out of the published schedule so no new session lands on them.
func (o *Orchestrator) UpdateBackendInfo(ctx context.Context) (*ScheduleInfo, error) {
	hosts, err := o.discover.Backends(ctx)
	if err != nil {
		return nil, err
	}
	info := &ScheduleInfo{
		Backends: make(map[Backend]ServerLoad),
		Strategy: o.strategy,
	}
	for _, host := range hosts {
		m, err := o.pollBackend(ctx, host)
		if err != nil {
			o.logger.Warn("backend unreachable", zap.String("backend", host), zap.Error(err))
			continue
		}
		for _, sid := range m.Sessions {
			if err := o.store.Set(sid, host); err != nil {
				o.logger.Warn("failed to register session", zap.String("session_id", sid), zap.Error(err))
			}
		}
		info.Backends[Backend(host)] = ServerLoad(m.NRoom)
	}

	if o.client != nil {
		msg, err := json.Marshal(info)
		if err != nil {
			return nil, err
		}
		if err := o.client.Publish(o.channel, string(msg)).Err(); err != nil {
			return info, fmt.Errorf("publish schedule: %w", err)
		}
	}
	o.logger.Debug("schedule published", zap.Int("backends", len(info.Backends)))
	return info, nil
}

// Run polls every period until ctx is done.
func (o *Orchestrator) Run(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = SchedulingUpdatePeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		if _, err := o.UpdateBackendInfo(ctx); err != nil {
			o.logger.Warn("schedule update failed", zap.Error(err))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
