package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pravuX/ksunira/errs"
	"github.com/pravuX/ksunira/queue"
	"github.com/pravuX/ksunira/resolver"
	"github.com/pravuX/ksunira/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const (
	resolveTimeout = 30 * time.Second
	maxJSONBody    = 1 << 20
)

// ServerInfoMsg is served on /server and polled by the orchestrator.
type ServerInfoMsg struct {
	OK       bool     `json:"ok"`
	NRoom    int      `json:"nroom"`
	Sessions []string `json:"sessions"`
}

// SessionCreatedMsg is returned once, to the creator; it is the only
// response that carries the host secret.
type SessionCreatedMsg struct {
	ID         string    `json:"id"`
	HostSecret string    `json:"host_secret"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

type SessionInfoMsg struct {
	ID        string    `json:"id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type JoinRequest struct {
	Nickname   string `json:"nickname"`
	IsHost     bool   `json:"is_host"`
	HostSecret string `json:"host_secret"`
}

// UserMsg answers a join. It carries the user id, which is only ever given
// to the user who joined.
type UserMsg struct {
	store.User
	Online bool `json:"online"`
}

// ParticipantMsg is how the rest of the session sees a user.
type ParticipantMsg struct {
	Nickname string    `json:"nickname"`
	IsHost   bool      `json:"is_host"`
	JoinedAt time.Time `json:"joined_at"`
	Online   bool      `json:"online"`
}

type AddTrackRequest struct {
	SourceURL string `json:"source_url"`
	Source    string `json:"source"`
	UserID    string `json:"user_id"`
}

type VoteRequest struct {
	Vote   queue.Vote `json:"vote"`
	UserID string     `json:"user_id"`
}

type QueueListMsg struct {
	Items []queue.Item `json:"items"`
}

func RespondWithJSON(m interface{}, statusCode int, w http.ResponseWriter) {
	payload, _ := json.Marshal(m)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(payload)
}

func RespondWithError(reason string, statusCode int, w http.ResponseWriter) {
	RespondWithJSON(map[string]interface{}{
		"ok":     false,
		"reason": reason,
	}, statusCode, w)
}

// RespondWithErr maps an error from the errs taxonomy to its status.
func RespondWithErr(err error, w http.ResponseWriter) {
	code := errs.HTTPStatus(err)
	reason := err.Error()
	if code == http.StatusInternalServerError {
		reason = "An internal error occurred."
	}
	RespondWithError(reason, code, w)
}

func hostSecretMatches(sess *store.Session, secret string) bool {
	return secret != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(sess.HostSecret)) == 1
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%v: %w", err, errs.ErrInvalidRequest)
	}
	return nil
}

func (s *Server) getServerInfo(w http.ResponseWriter, r *http.Request) {
	ids := s.SessionIDs()
	RespondWithJSON(&ServerInfoMsg{
		OK:       true,
		NRoom:    len(ids),
		Sessions: ids,
	}, http.StatusOK, w)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.CreateSession(r.Context())
	if err != nil {
		s.logger.Error("failed to create session", zap.Error(err))
		RespondWithErr(err, w)
		return
	}
	s.logger.Info("session created", zap.String("session_id", sess.ID))
	RespondWithJSON(&SessionCreatedMsg{
		ID:         sess.ID,
		HostSecret: sess.HostSecret,
		Active:     sess.Active,
		CreatedAt:  sess.CreatedAt,
	}, http.StatusCreated, w)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), mux.Vars(r)["sid"])
	if err != nil {
		RespondWithErr(err, w)
		return
	}
	RespondWithJSON(&SessionInfoMsg{
		ID:        sess.ID,
		Active:    sess.Active,
		CreatedAt: sess.CreatedAt,
	}, http.StatusOK, w)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.EndSession(r.Context(), mux.Vars(r)["sid"], "deleted"); err != nil {
		RespondWithErr(err, w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) joinSession(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	var req JoinRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondWithErr(err, w)
		return
	}
	req.Nickname = strings.TrimSpace(req.Nickname)
	if req.Nickname == "" {
		RespondWithError("nickname is required", http.StatusBadRequest, w)
		return
	}

	sess, err := s.store.GetSession(r.Context(), sid)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			err = errs.ErrSessionGone
		}
		RespondWithErr(err, w)
		return
	}
	if req.IsHost && !hostSecretMatches(sess, req.HostSecret) {
		s.logger.Info("rejected host join", zap.String("session_id", sid))
		RespondWithErr(fmt.Errorf("host secret mismatch: %w", errs.ErrForbidden), w)
		return
	}

	u, err := s.store.AddUser(r.Context(), sid, req.Nickname, req.IsHost)
	if err != nil {
		RespondWithErr(err, w)
		return
	}
	RespondWithJSON(&UserMsg{User: *u}, http.StatusOK, w)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	users, err := s.store.ListUsers(r.Context(), sid)
	if err != nil {
		RespondWithErr(err, w)
		return
	}
	var online map[string]bool
	if room := s.lookupRoom(sid); room != nil {
		online = room.Online()
	}
	msgs := make([]ParticipantMsg, len(users))
	for i, u := range users {
		msgs[i] = ParticipantMsg{
			Nickname: u.Nickname,
			IsHost:   u.IsHost,
			JoinedAt: u.JoinedAt,
			Online:   online[u.ID],
		}
	}
	RespondWithJSON(msgs, http.StatusOK, w)
}

// addedBy resolves a user id to the nickname shown next to a track.
func (s *Server) addedBy(r *http.Request, sid, userID string) string {
	if userID == "" {
		return ""
	}
	u, err := s.store.GetUser(r.Context(), sid, userID)
	if err != nil {
		return ""
	}
	return u.Nickname
}

// enqueue refreshes the session before adding to it, so a session that
// expired after its room was looked up is torn down instead of growing.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, room *Room, t queue.Track) {
	if err := s.store.Touch(r.Context(), room.ID); err != nil {
		if errors.Is(err, errs.ErrSessionGone) || errors.Is(err, errs.ErrNotFound) {
			s.logger.Info("session expired during enqueue", zap.String("session_id", room.ID))
			s.closeRoom(room, "expired")
			RespondWithErr(errs.ErrSessionGone, w)
			return
		}
		s.logger.Warn("failed to refresh session", zap.String("session_id", room.ID), zap.Error(err))
	}
	item, err := room.Enqueue(t)
	if err != nil {
		RespondWithErr(err, w)
		return
	}
	RespondWithJSON(item, http.StatusCreated, w)
}

func (s *Server) addTrack(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	var req AddTrackRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondWithErr(err, w)
		return
	}
	source := req.SourceURL
	if source == "" {
		source = req.Source
	}
	userID := req.UserID
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}

	room, err := s.GetRoom(r.Context(), sid)
	if err != nil {
		RespondWithErr(err, w)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), resolveTimeout)
	defer cancel()
	t, err := s.resolver.Resolve(ctx, source)
	if err != nil {
		s.logger.Debug("unresolvable source", zap.String("session_id", sid), zap.String("source", source), zap.Error(err))
		if !errors.Is(err, errs.ErrUnresolvableSource) {
			err = fmt.Errorf("%v: %w", err, errs.ErrUnresolvableSource)
		}
		RespondWithErr(err, w)
		return
	}
	t.AddedBy = s.addedBy(r, sid, userID)
	s.enqueue(w, r, room, t)
}

func (s *Server) uploadTrack(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	if s.uploads == nil {
		RespondWithError("uploads are disabled", http.StatusNotImplemented, w)
		return
	}
	room, err := s.GetRoom(r.Context(), sid)
	if err != nil {
		RespondWithErr(err, w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.uploads.MaxBytes()+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		RespondWithErr(fmt.Errorf("file: %v: %w", err, errs.ErrInvalidRequest), w)
		return
	}
	defer file.Close()

	t, err := s.uploads.Save(r.Context(), sid, header.Filename, header.Header.Get("Content-Type"), file)
	if err != nil {
		s.logger.Debug("upload rejected", zap.String("session_id", sid), zap.Error(err))
		RespondWithErr(err, w)
		return
	}
	t.AddedBy = s.addedBy(r, sid, r.URL.Query().Get("user_id"))
	s.enqueue(w, r, room, t)
}

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	room, err := s.GetRoom(r.Context(), mux.Vars(r)["sid"])
	if err != nil {
		RespondWithErr(err, w)
		return
	}
	items, err := room.List(r.URL.Query().Get("user_id"))
	if err != nil {
		RespondWithErr(err, w)
		return
	}
	RespondWithJSON(&QueueListMsg{Items: items}, http.StatusOK, w)
}

func (s *Server) getQueueItem(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	room, err := s.GetRoom(r.Context(), vars["sid"])
	if err != nil {
		RespondWithErr(err, w)
		return
	}
	item, err := room.Get(vars["qid"], r.URL.Query().Get("user_id"))
	if err != nil {
		RespondWithErr(err, w)
		return
	}
	RespondWithJSON(item, http.StatusOK, w)
}

func (s *Server) vote(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req VoteRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondWithErr(err, w)
		return
	}
	room, err := s.GetRoom(r.Context(), vars["sid"])
	if err != nil {
		RespondWithErr(err, w)
		return
	}
	// only members vote, one entry each
	if _, err := s.store.GetUser(r.Context(), vars["sid"], req.UserID); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			err = fmt.Errorf("user %q has not joined: %w", req.UserID, errs.ErrInvalidVote)
		}
		RespondWithErr(err, w)
		return
	}
	item, err := room.Vote(vars["qid"], req.UserID, req.Vote)
	if err != nil {
		RespondWithErr(err, w)
		return
	}
	RespondWithJSON(item, http.StatusOK, w)
}

func (s *Server) pop(w http.ResponseWriter, r *http.Request) {
	room, err := s.GetRoom(r.Context(), mux.Vars(r)["sid"])
	if err != nil {
		RespondWithErr(err, w)
		return
	}
	item, ok, err := room.Advance()
	if err != nil {
		RespondWithErr(err, w)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	RespondWithJSON(item, http.StatusOK, w)
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	room, err := s.GetRoom(r.Context(), mux.Vars(r)["sid"])
	if err != nil {
		RespondWithErr(err, w)
		return
	}
	snap, err := room.Snapshot()
	if err != nil {
		RespondWithErr(err, w)
		return
	}
	RespondWithJSON(snap, http.StatusOK, w)
}

// NewRestMux makes the router of a backend: the REST API, the websocket
// endpoint, uploaded files and metrics.
func NewRestMux(s *Server) *mux.Router {
	restMux := mux.NewRouter().StrictSlash(true)
	restMux.HandleFunc("/server", s.getServerInfo).Methods("GET")
	restMux.Handle("/metrics", promhttp.Handler())

	restMux.HandleFunc("/sessions", s.createSession).Methods("POST")
	restMux.HandleFunc("/sessions/{sid}", s.getSession).Methods("GET")
	restMux.HandleFunc("/sessions/{sid}", s.deleteSession).Methods("DELETE")
	restMux.HandleFunc("/sessions/{sid}/users", s.joinSession).Methods("POST")
	restMux.HandleFunc("/sessions/{sid}/users", s.listUsers).Methods("GET")
	restMux.HandleFunc("/sessions/{sid}/state", s.getState).Methods("GET")
	restMux.HandleFunc("/sessions/{sid}/queue", s.listQueue).Methods("GET")
	restMux.HandleFunc("/sessions/{sid}/queue", s.addTrack).Methods("POST")
	restMux.HandleFunc("/sessions/{sid}/queue/upload", s.uploadTrack).Methods("POST")
	restMux.HandleFunc("/sessions/{sid}/queue/pop", s.pop).Methods("POST")
	restMux.HandleFunc("/sessions/{sid}/queue/{qid}", s.getQueueItem).Methods("GET")
	restMux.HandleFunc("/sessions/{sid}/queue/{qid}/vote", s.vote).Methods("POST")

	restMux.HandleFunc("/ws/session/{sid}", s.handleWSClient)

	if s.uploads != nil {
		restMux.PathPrefix(resolver.StaticPrefix).Handler(
			http.StripPrefix(resolver.StaticPrefix, http.FileServer(http.Dir(s.uploads.Dir()))))
	}
	return restMux
}

// Handler returns the complete backend handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(NewRestMux(s))
}
