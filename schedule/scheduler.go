package schedule

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"sync"
	"time"

	hostpool "github.com/bitly/go-hostpool"
	"github.com/go-redis/redis"
	"github.com/pravuX/ksunira/server"
	"go.uber.org/zap"
)

// configurable constants
const (
	SchedulingUpdatePeriod = 30 * time.Second
	SchedulePubSubChannel  = "schedule"
)

// url schemes for our backends
var (
	BackendWSScheme, _   = url.Parse("ws://example.com:8080")
	BackendRESTScheme, _ = url.Parse("http://example.com:8080")
)

var errNoBackend = errors.New("no backend available")

// SchedulingStrategy enum
type SchedulingStrategy int

// SchedulingStrategy enum values
const (
	// SchedulingStrategyBalance spreads new sessions over every live backend.
	SchedulingStrategyBalance SchedulingStrategy = iota
	// SchedulingStrategyLeastLoaded places new sessions on the backends
	// hosting the fewest sessions.
	SchedulingStrategyLeastLoaded
)

// Backend type for serialisation
type Backend string

// ServerLoad type for serialisation
type ServerLoad float64

// ScheduleInfo defines the message format used by scheduler and orchestrator
type ScheduleInfo struct {
	Backends map[Backend]ServerLoad `json:"backends"`
	Strategy SchedulingStrategy     `json:"strategy"`
}

// NewScheduleInfo creates an empty scheduleinfo message
func NewScheduleInfo() *ScheduleInfo {
	return &ScheduleInfo{make(map[Backend]ServerLoad), SchedulingStrategyBalance}
}

// hosts returns the backends eligible for the next session under the
// strategy, sorted for a stable pool order.
func (si *ScheduleInfo) hosts() []string {
	hosts := make([]string, 0, len(si.Backends))
	switch si.Strategy {
	case SchedulingStrategyLeastLoaded:
		first := true
		var least ServerLoad
		for _, l := range si.Backends {
			if first || l < least {
				least, first = l, false
			}
		}
		for h, l := range si.Backends {
			if l == least {
				hosts = append(hosts, string(h))
			}
		}
	default:
		for h := range si.Backends {
			hosts = append(hosts, string(h))
		}
	}
	sort.Strings(hosts)
	return hosts
}

type poolResponseKey struct{}

// Scheduler implements POST /sessions with the same API as the backend
// servers. It delegates the request to a backend and registers the new
// session with that backend in the session registry.
type Scheduler struct {
	store   Storage
	info    *ScheduleInfo
	pool    hostpool.HostPool
	client  *redis.Client
	channel string
	logger  *zap.Logger
	mutex   sync.RWMutex
}

// NewScheduler creates a scheduler that places sessions on backends and
// records them in s. rclient may be nil, in which case schedule updates
// only come from SetInfo.
func NewScheduler(rclient *redis.Client, s Storage, channel string, logger *zap.Logger) *Scheduler {
	if channel == "" {
		channel = SchedulePubSubChannel
	}
	return &Scheduler{
		store:   s,
		info:    NewScheduleInfo(),
		pool:    hostpool.New(nil),
		client:  rclient,
		channel: channel,
		logger:  logger,
	}
}

// SetInfo replaces the schedule info and rebuilds the backend pool.
func (sch *Scheduler) SetInfo(info *ScheduleInfo) {
	if info.Backends == nil {
		info.Backends = make(map[Backend]ServerLoad)
	}
	sch.mutex.Lock()
	sch.info = info
	sch.rebuildPool()
	sch.mutex.Unlock()
	sch.logger.Info("schedule updated", zap.Int("backends", len(info.Backends)), zap.Int("strategy", int(info.Strategy)))
}

// rebuildPool recreates the backend pool from the current schedule info.
// The caller holds the write lock.
func (sch *Scheduler) rebuildPool() {
	sch.pool.Close()
	sch.pool = hostpool.New(sch.info.hosts())
}

// Backends returns the hosts the scheduler currently picks from.
func (sch *Scheduler) Backends() []string {
	sch.mutex.RLock()
	defer sch.mutex.RUnlock()
	return sch.pool.Hosts()
}

// nextBackend picks a backend with the current strategy. The response must
// be marked with the outcome of the request sent to it.
func (sch *Scheduler) nextBackend() (hostpool.HostPoolResponse, error) {
	sch.mutex.RLock()
	defer sch.mutex.RUnlock()
	if len(sch.pool.Hosts()) == 0 {
		return nil, errNoBackend
	}
	return sch.pool.Get(), nil
}

// RunScheduler applies schedule info published by the orchestrator until
// ctx is done.
func (sch *Scheduler) RunScheduler(ctx context.Context) error {
	if sch.client == nil {
		<-ctx.Done()
		return nil
	}
	ps := sch.client.Subscribe(sch.channel)
	defer ps.Close()
	if _, err := ps.Receive(); err != nil {
		return err
	}
	ch := ps.Channel()
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return errors.New("schedule subscription closed")
			}
			var s ScheduleInfo
			if err := json.Unmarshal([]byte(m.Payload), &s); err != nil {
				sch.logger.Warn("invalid schedule info", zap.String("payload", m.Payload), zap.Error(err))
				continue
			}
			sch.SetInfo(&s)
		case <-ctx.Done():
			return nil
		}
	}
}

// ProxyDirector returns a Director function for the reverseproxy
func (sch *Scheduler) ProxyDirector() func(*http.Request) {
	return func(req *http.Request) {
		hpr := req.Context().Value(poolResponseKey{}).(hostpool.HostPoolResponse)
		req.URL.Scheme = BackendRESTScheme.Scheme
		req.URL.Host = hpr.Host()
		if _, ok := req.Header["User-Agent"]; !ok {
			req.Header.Set("User-Agent", "")
		}
	}
}

// SessionRegister returns a ModifyResponse function for the reverseproxy
// that records which backend created the session.
func (sch *Scheduler) SessionRegister() func(*http.Response) error {
	return func(rsp *http.Response) error {
		if hpr, ok := rsp.Request.Context().Value(poolResponseKey{}).(hostpool.HostPoolResponse); ok {
			hpr.Mark(nil)
		}
		if rsp.StatusCode != http.StatusCreated {
			return nil
		}
		b, err := io.ReadAll(rsp.Body)
		if err != nil {
			return err
		}
		if err := rsp.Body.Close(); err != nil {
			return err
		}
		var m server.SessionCreatedMsg
		if err := json.Unmarshal(b, &m); err != nil || m.ID == "" {
			return errors.New("internal error during session creation")
		}
		if err := sch.store.Set(m.ID, rsp.Request.URL.Host); err != nil {
			return err
		}
		sch.logger.Info("session scheduled", zap.String("session_id", m.ID), zap.String("backend", rsp.Request.URL.Host))
		// put the original content back
		rsp.Body = io.NopCloser(bytes.NewReader(b))
		return nil
	}
}

func (sch *Scheduler) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	if hpr, ok := r.Context().Value(poolResponseKey{}).(hostpool.HostPoolResponse); ok {
		hpr.Mark(err)
	}
	sch.logger.Warn("backend request failed", zap.String("backend", r.URL.Host), zap.Error(err))
	server.RespondWithError("backend unavailable", http.StatusBadGateway, w)
}

// GetProxy returns the reverse proxy http.Handler
func (sch *Scheduler) GetProxy() http.Handler {
	rp := &httputil.ReverseProxy{
		Director:       sch.ProxyDirector(),
		ModifyResponse: sch.SessionRegister(),
		ErrorHandler:   sch.proxyError,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hpr, err := sch.nextBackend()
		if err != nil {
			server.RespondWithError(err.Error(), http.StatusServiceUnavailable, w)
			return
		}
		rp.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), poolResponseKey{}, hpr)))
	})
}
