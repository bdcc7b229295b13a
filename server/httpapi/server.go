// Package httpapi exposes the archive's query and administration
// surface over HTTP: list inventory, message and thread reads, search,
// message purge and reconciliation triggers, plus health and metrics
// endpoints.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ietf-svn-conversion/mailarch/config"
	"github.com/ietf-svn-conversion/mailarch/consts"
	"github.com/ietf-svn-conversion/mailarch/db"
	"github.com/ietf-svn-conversion/mailarch/index"
	"github.com/ietf-svn-conversion/mailarch/logger"
	"github.com/ietf-svn-conversion/mailarch/reconcile"
	"github.com/ietf-svn-conversion/mailarch/storage"
)

// Store is the archive-store read/delete surface the API serves from.
type Store interface {
	Lists(ctx context.Context, activeOnly bool) ([]db.EmailList, error)
	GetList(ctx context.Context, name string) (*db.EmailList, error)
	ListMessages(ctx context.Context, listName string, limit, offset int) ([]db.Message, error)
	GetMessage(ctx context.Context, listName, msgid string) (*db.Message, error)
	ThreadMessages(ctx context.Context, threadID int64) ([]db.Message, error)
	DeleteMessage(ctx context.Context, listName, msgid string) (*db.Message, error)
}

// Searcher runs full-text queries against the search index.
type Searcher interface {
	Search(ctx context.Context, query, emailList string, limit int) ([]index.SearchHit, error)
}

// IndexWriter removes index documents when messages are purged.
type IndexWriter interface {
	Delete(ctx context.Context, emailList, msgid string)
}

// FreshnessRunner triggers the store/index freshness job on demand.
type FreshnessRunner interface {
	Run(ctx context.Context, window time.Duration, repair bool) (*reconcile.FreshnessReport, error)
}

// Server is the HTTP API endpoint.
type Server struct {
	store     Store
	search    Searcher
	indexer   IndexWriter
	raw       storage.RawStore
	freshness FreshnessRunner
	apiKey    string
	server    *http.Server
}

func New(store Store, search Searcher, indexer IndexWriter, raw storage.RawStore, freshness FreshnessRunner, cfg *config.HTTPConfig) *Server {
	s := &Server{
		store:     store,
		search:    search,
		indexer:   indexer,
		raw:       raw,
		freshness: freshness,
		apiKey:    cfg.APIKey,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/lists", s.handleLists).Methods(http.MethodGet)
	api.HandleFunc("/lists/{list}/messages", s.handleListMessages).Methods(http.MethodGet)
	api.HandleFunc("/lists/{list}/messages/{msgid}", s.handleGetMessage).Methods(http.MethodGet)
	api.HandleFunc("/lists/{list}/messages/{msgid}/raw", s.handleGetRaw).Methods(http.MethodGet)
	api.HandleFunc("/lists/{list}/messages/{msgid}", s.requireAPIKey(s.handlePurgeMessage)).Methods(http.MethodDelete)
	api.HandleFunc("/threads/{id}", s.handleThread).Methods(http.MethodGet)
	api.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/reconcile/freshness", s.requireAPIKey(s.handleFreshness)).Methods(http.MethodPost)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Start serves until the listener closes.
func (s *Server) Start() error {
	logger.Info("HTTP: listening", "addr", s.server.Addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			s.writeError(w, http.StatusForbidden, "administration endpoints disabled: no api_key configured")
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix ||
			subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("HTTP: failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, consts.ErrMessageNotFound), errors.Is(err, consts.ErrListNotFound),
		errors.Is(err, consts.ErrThreadNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, consts.ErrStoreUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, "archive store unavailable")
	default:
		logger.Error("HTTP: request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLists(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	lists, err := s.store.Lists(r.Context(), activeOnly)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	type listOut struct {
		Name    string `json:"name"`
		Private bool   `json:"private"`
		Active  bool   `json:"active"`
	}
	out := make([]listOut, 0, len(lists))
	for _, l := range lists {
		out = append(out, listOut{Name: l.Name, Private: l.Private, Active: l.Active})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"lists": out})
}

// messageOut is the wire shape of one archived message.
type messageOut struct {
	MsgID       string    `json:"msgid"`
	EmailList   string    `json:"email_list"`
	Subject     string    `json:"subject"`
	Frm         string    `json:"frm"`
	Date        time.Time `json:"date"`
	ThreadID    int64     `json:"thread_id"`
	ThreadOrder int       `json:"thread_order"`
	ThreadDepth int       `json:"thread_depth"`
	Hash        string    `json:"hashcode"`
	SpamScore   int       `json:"spam_score,omitempty"`
}

func toMessageOut(m *db.Message) messageOut {
	return messageOut{
		MsgID:       m.MsgID,
		EmailList:   m.ListName,
		Subject:     m.Subject,
		Frm:         m.Frm,
		Date:        m.Date,
		ThreadID:    m.ThreadID,
		ThreadOrder: m.ThreadOrder,
		ThreadDepth: m.ThreadDepth,
		Hash:        m.Hash,
		SpamScore:   m.SpamScore,
	}
}

func queryInt(r *http.Request, key, fallback string) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		v = fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	listName := mux.Vars(r)["list"]
	if _, err := s.store.GetList(r.Context(), listName); err != nil {
		s.writeStoreError(w, err)
		return
	}

	limit := queryInt(r, "limit", "100")
	offset := queryInt(r, "offset", "0")
	messages, err := s.store.ListMessages(r.Context(), listName, limit, offset)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	out := make([]messageOut, 0, len(messages))
	for i := range messages {
		out = append(out, toMessageOut(&messages[i]))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	msg, err := s.store.GetMessage(r.Context(), vars["list"], vars["msgid"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toMessageOut(msg))
}

func (s *Server) handleGetRaw(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	msg, err := s.store.GetMessage(r.Context(), vars["list"], vars["msgid"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	raw, err := s.raw.Read(r.Context(), msg.RawPath)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "raw message not available")
		return
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "message/rfc822")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	threadID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid thread id")
		return
	}
	messages, err := s.store.ThreadMessages(r.Context(), threadID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	out := make([]messageOut, 0, len(messages))
	for i := range messages {
		out = append(out, toMessageOut(&messages[i]))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"thread_id": threadID, "messages": out})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		s.writeError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}
	hits, err := s.search.Search(r.Context(), query, r.URL.Query().Get("list"), queryInt(r, "limit", "40"))
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "search index unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}

// handlePurgeMessage removes a message everywhere: store record (with
// attachments and empty-thread cleanup), index document and raw bytes.
func (s *Server) handlePurgeMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	listName, msgid := vars["list"], vars["msgid"]

	msg, err := s.store.DeleteMessage(r.Context(), listName, msgid)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.indexer.Delete(r.Context(), listName, msgid)
	if err := s.raw.Delete(r.Context(), msg.RawPath); err != nil {
		logger.Warn("HTTP: failed to delete raw object during purge",
			"list", listName, "msgid", msgid, "key", msg.RawPath, "error", err)
	}

	logger.Info("HTTP: message purged", "list", listName, "msgid", msgid)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "purged", "msgid": msgid})
}

func (s *Server) handleFreshness(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Window string `json:"window"`
		Repair bool   `json:"repair"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	window := 24 * time.Hour
	if body.Window != "" {
		parsed, err := time.ParseDuration(body.Window)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid window duration")
			return
		}
		window = parsed
	}

	report, err := s.freshness.Run(r.Context(), window, body.Repair)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}
