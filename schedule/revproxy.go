package schedule

import (
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/koding/websocketproxy"
	"github.com/pravuX/ksunira/errs"
	"github.com/pravuX/ksunira/server"
	"go.uber.org/zap"
)

// path prefixes that carry a session id as their next segment
var sessionPathPrefixes = []string{
	"/ws/session/",
	"/sessions/",
	"/static/sessions/",
}

// SessionIDFromPath extracts the session id from a backend url path, or ""
// when the path is not scoped to a session.
func SessionIDFromPath(path string) string {
	for _, prefix := range sessionPathPrefixes {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		rest := strings.TrimPrefix(path, prefix)
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		return rest
	}
	return ""
}

// LoadBalancedReverseProxy is a reverse proxy that serves as an entry point
// for multiple backend servers. Every request scoped to a session, REST or
// websocket, goes to the backend hosting that session.
type LoadBalancedReverseProxy struct {
	reg      ReadOnlyStorage
	upgrader *websocket.Upgrader
	logger   *zap.Logger
}

// NewLoadBalancedReverseProxy creates a new reverse proxy backed by the
// session registry
func NewLoadBalancedReverseProxy(sessionReg ReadOnlyStorage, logger *zap.Logger) *LoadBalancedReverseProxy {
	return &LoadBalancedReverseProxy{
		reg: sessionReg,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// lookup returns the backend host of the session addressed by req.
func (r *LoadBalancedReverseProxy) lookup(req *http.Request) (string, error) {
	sid := SessionIDFromPath(req.URL.Path)
	if sid == "" {
		return "", errs.ErrNotFound
	}
	target, err := r.reg.Get(sid)
	if errors.Is(err, errs.ErrNotFound) {
		return "", errs.ErrSessionGone
	}
	return target, err
}

// ProxyBackend returns the websocket backend url for req
func (r *LoadBalancedReverseProxy) ProxyBackend(target string) func(*http.Request) *url.URL {
	return func(req *http.Request) *url.URL {
		u := *BackendWSScheme
		u.Host = target
		u.Fragment = req.URL.Fragment
		u.Path = req.URL.Path
		u.RawQuery = req.URL.RawQuery
		return &u
	}
}

func (r *LoadBalancedReverseProxy) restDirector(target string) func(*http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = BackendRESTScheme.Scheme
		req.URL.Host = target
		if _, ok := req.Header["User-Agent"]; !ok {
			req.Header.Set("User-Agent", "")
		}
	}
}

func (r *LoadBalancedReverseProxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	target, err := r.lookup(req)
	if err != nil {
		r.logger.Debug("unroutable request", zap.String("path", req.URL.Path), zap.Error(err))
		server.RespondWithErr(err, w)
		return
	}

	if websocket.IsWebSocketUpgrade(req) {
		wp := &websocketproxy.WebsocketProxy{
			Backend:  r.ProxyBackend(target),
			Upgrader: r.upgrader,
		}
		wp.ServeHTTP(w, req)
		return
	}

	rp := &httputil.ReverseProxy{
		Director: r.restDirector(target),
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			r.logger.Warn("backend request failed", zap.String("backend", target), zap.Error(err))
			server.RespondWithError("backend unavailable", http.StatusBadGateway, w)
		},
	}
	rp.ServeHTTP(w, req)
}

// NewGatewayMux serves the whole client-facing API from one address: new
// sessions are placed by the scheduler, everything else is pinned to the
// session's backend.
func NewGatewayMux(sch *Scheduler, rp *LoadBalancedReverseProxy) http.Handler {
	mux := http.NewServeMux()
	sessions := sch.GetProxy()
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			server.RespondWithError("method not allowed", http.StatusMethodNotAllowed, w)
			return
		}
		sessions.ServeHTTP(w, r)
	})
	mux.Handle("/", rp)
	return mux
}
