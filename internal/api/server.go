package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"mt5bridge/internal/domain"
	"mt5bridge/internal/ports"
	"mt5bridge/internal/smartqueue"
)

// Engine is the surface of the smart queue the HTTP shell consumes.
type Engine interface {
	// GetPositions serves a user's open positions through the read-through cache.
	GetPositions(ctx context.Context, req *smartqueue.PollRequest) ([]domain.PositionView, error)
	// WithSession gives serialized direct access to a logged-in terminal session.
	WithSession(ctx context.Context, creds domain.Credentials, fn func(driver ports.TerminalDriver) error) error
	// Ping checks that the terminal can be initialized.
	Ping(ctx context.Context) error
	// QueueSize reports the number of pending poll requests.
	QueueSize() int
}

// connection is one entry in the active-connections registry.
type connection struct {
	Login        int64  `json:"login"`
	Server       string `json:"server"`
	ConnectedAt  string `json:"connected_at"`
	LastActivity string `json:"last_activity"`
}

// Config holds configuration specific to the HTTP shell.
type Config struct {
	APIKey             string
	AllowedOrigins     []string
	DefaultHistoryDays int
	Engine             Engine
	Logger             ports.Logger
}

// Server is the thin HTTP shell in front of the smart queue engine.
type Server struct {
	apiKey             string
	allowedOrigins     map[string]bool
	defaultHistoryDays int
	engine             Engine
	logger             ports.Logger
	router             *mux.Router

	mu          sync.Mutex
	connections map[string]*connection
}

// NewServer creates the HTTP shell and wires its routes.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for API server")
	}
	days := cfg.DefaultHistoryDays
	if days <= 0 {
		days = 30
	}

	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = true
	}

	s := &Server{
		apiKey:             cfg.APIKey,
		allowedOrigins:     origins,
		defaultHistoryDays: days,
		engine:             cfg.Engine,
		logger:             cfg.Logger,
		connections:        make(map[string]*connection),
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	protected := r.PathPrefix("/mt5").Subrouter()
	protected.Use(s.apiKeyMiddleware)
	protected.HandleFunc("/connect", s.handleConnect).Methods(http.MethodPost)
	protected.HandleFunc("/account", s.handleAccount).Methods(http.MethodPost)
	protected.HandleFunc("/positions", s.handlePositions).Methods(http.MethodPost)
	protected.HandleFunc("/trades", s.handleTrades).Methods(http.MethodPost)
	protected.HandleFunc("/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	protected.HandleFunc("/connections", s.handleConnections).Methods(http.MethodGet)

	s.router = r
	return s, nil
}

// Handler returns the root HTTP handler. CORS and request tagging wrap the
// router itself so preflight requests are answered before route matching.
func (s *Server) Handler() http.Handler {
	return s.requestIDMiddleware(s.corsMiddleware(s.router))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": detail})
}

func isoNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}
