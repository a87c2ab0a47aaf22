package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/0xphantomotr/ndchat/pkg/history"
	"github.com/0xphantomotr/ndchat/pkg/node"
	"github.com/0xphantomotr/ndchat/pkg/types"
)

const maxBodySize = 1 << 20

// Backend is the node surface the API serves.
type Backend interface {
	Self() types.Host
	Connected() []types.Host
	Known() []types.Host
	AddPeer(host types.Host) error
	RemovePeer(id uuid.UUID) (types.Host, error)
	UpdatePeer(id uuid.UUID, name, address string, port int) (types.Host, error)
	LookupPeer(ref string) (types.Host, error)
	Send(to *uuid.UUID, msg types.ChatMessage) (history.Entry, int, error)
	Vote(seq uint64, option string) (history.Entry, int, error)
	Messages(since uint64, limit int) []history.Entry
	Subscribe(fn func(history.Entry)) func()
}

var _ Backend = (*node.Node)(nil)

type Config struct {
	ListenAddr  string
	CORSOrigins []string
	Logger      *slog.Logger
}

type PeerRequest struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    int    `json:"port"`
}

type VotingRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Options     []string `json:"options"`
}

type SendRequest struct {
	// To is a peer id or name. Empty broadcasts.
	To     string         `json:"to,omitempty"`
	Text   string         `json:"text"`
	Voting *VotingRequest `json:"voting,omitempty"`
}

type SendResponse struct {
	Entry     history.Entry `json:"entry"`
	Delivered int           `json:"delivered"`
}

type VoteRequest struct {
	Option string `json:"option"`
}

type Server struct {
	backend    Backend
	log        *slog.Logger
	router     *httprouter.Router
	events     *eventHub
	handler    http.Handler
	httpServer *http.Server
}

func NewServer(backend Backend, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		backend: backend,
		log:     logger.With("component", "rpc"),
		router:  httprouter.New(),
	}
	srv.events = newEventHub(backend, srv.log)

	srv.router.GET("/healthz", srv.handleHealth)
	srv.router.GET("/self", srv.handleSelf)
	srv.router.GET("/peers", srv.handleConnected)
	srv.router.GET("/peers/known", srv.handleKnown)
	srv.router.POST("/peers", srv.handleAddPeer)
	srv.router.PUT("/peers/:id", srv.handleUpdatePeer)
	srv.router.DELETE("/peers/:id", srv.handleRemovePeer)
	srv.router.GET("/messages", srv.handleMessages)
	srv.router.POST("/messages", srv.handleSend)
	srv.router.POST("/messages/:seq/votes", srv.handleVote)
	srv.router.GET("/events", srv.events.handle)
	srv.router.Handler(http.MethodGet, "/debug/vars", expvar.Handler())

	srv.handler = newCorsHandler(srv.router, cfg.CORSOrigins)
	srv.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

func newCorsHandler(h http.Handler, allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		return h
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"*"},
		MaxAge:         600,
	})
	return c.Handler(h)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Serve runs the API on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown stops accepting requests and closes every event stream.
func (s *Server) Shutdown(ctx context.Context) error {
	s.events.close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSelf(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.backend.Self())
}

func (s *Server) handleConnected(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.backend.Connected())
}

func (s *Server) handleKnown(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.backend.Known())
}

func (s *Server) handleAddPeer(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req PeerRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err))
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse(errors.New("name is required")))
		return
	}
	host := types.NewHost(req.Name, req.Address, req.Port)
	if err := s.backend.AddPeer(host); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, host)
}

func (s *Server) handleUpdatePeer(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := uuid.Parse(ps.ByName("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err))
		return
	}
	var req PeerRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err))
		return
	}
	host, err := s.backend.UpdatePeer(id, req.Name, req.Address, req.Port)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, host)
}

func (s *Server) handleRemovePeer(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := uuid.Parse(ps.ByName("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err))
		return
	}
	if _, err := s.backend.RemovePeer(id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	var since uint64
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse(fmt.Errorf("since: %w", err)))
			return
		}
		since = n
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse(fmt.Errorf("limit: invalid value %q", v)))
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.backend.Messages(since, limit))
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req SendRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err))
		return
	}

	var to *uuid.UUID
	if req.To != "" {
		peer, err := s.backend.LookupPeer(req.To)
		if err != nil {
			s.writeError(w, err)
			return
		}
		to = &peer.ID
	}

	msg := types.NewChatMessage(req.Text)
	if req.Voting != nil {
		if strings.TrimSpace(req.Voting.Title) == "" || len(req.Voting.Options) == 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse(errors.New("voting needs a title and at least one option")))
			return
		}
		msg = types.NewPollMessage(types.NewVoting(req.Voting.Title, req.Voting.Description, req.Voting.Options...))
	}

	entry, delivered, err := s.backend.Send(to, msg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SendResponse{Entry: entry, Delivered: delivered})
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	seq, err := strconv.ParseUint(ps.ByName("seq"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err))
		return
	}
	var req VoteRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err))
		return
	}
	entry, delivered, err := s.backend.Vote(seq, req.Option)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SendResponse{Entry: entry, Delivered: delivered})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "err", err)
	}
	writeJSON(w, status, errorResponse(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, node.ErrUnknownPeer), errors.Is(err, history.ErrEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInvalidHost),
		errors.Is(err, types.ErrUnknownOption),
		errors.Is(err, history.ErrNotAPoll),
		errors.Is(err, node.ErrEmptyMessage),
		errors.Is(err, node.ErrAmbiguousPeer):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Helpers

type errorPayload struct {
	Error string `json:"error"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func errorResponse(err error) errorPayload {
	return errorPayload{Error: err.Error()}
}
