package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"mt5bridge/internal/domain"
	"mt5bridge/internal/ports"
	"mt5bridge/internal/smartqueue"
)

type positionsRequest struct {
	domain.Credentials
	UserID    string `json:"user_id"`
	AccountID string `json:"account_id"`
}

type tradesRequest struct {
	domain.Credentials
	Days int `json:"days"`
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func validateCredentials(creds domain.Credentials) error {
	if creds.Login == 0 || creds.Password == "" || creds.Server == "" {
		return fmt.Errorf("%w: login, password and server are required", ports.ErrInvalidRequest)
	}
	return nil
}

// connectionID identifies a stored connection as login@server.
func connectionID(creds domain.Credentials) string {
	return fmt.Sprintf("%d@%s", creds.Login, creds.Server)
}

func sessionErrorStatus(err error) int {
	switch {
	case errors.Is(err, ports.ErrAuthFailed):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":     "MT5 Bridge",
		"version":     "1.0.0",
		"status":      "running",
		"description": "Self-hosted MetaTrader 5 integration API",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	initialized := s.engine.Ping(r.Context()) == nil

	s.mu.Lock()
	active := len(s.connections)
	s.mu.Unlock()

	status := "ok"
	if !initialized {
		status = "error"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             status,
		"message":            "MT5 Bridge is running",
		"mt5_initialized":    initialized,
		"active_connections": active,
		"queue_size":         s.engine.QueueSize(),
		"timestamp":          isoNow(),
	})
}

// handleConnect logs in, returns the account summary and stores the
// connection in the registry.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var creds domain.Credentials
	if err := decodeBody(r, &creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateCredentials(creds); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	account, err := s.fetchAccount(r, creds)
	if err != nil {
		writeError(w, sessionErrorStatus(err), err.Error())
		return
	}

	id := connectionID(creds)
	now := isoNow()
	s.mu.Lock()
	s.connections[id] = &connection{
		Login:        creds.Login,
		Server:       creds.Server,
		ConnectedAt:  now,
		LastActivity: now,
	}
	s.mu.Unlock()

	s.logger.Info(r.Context(), "Account connected", map[string]interface{}{"connectionID": id})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"connection_id": id,
		"account":       account,
	})
}

// handleAccount returns the account summary without storing a connection.
func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	var creds domain.Credentials
	if err := decodeBody(r, &creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateCredentials(creds); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	account, err := s.fetchAccount(r, creds)
	if err != nil {
		writeError(w, sessionErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"account": account,
	})
}

func (s *Server) fetchAccount(r *http.Request, creds domain.Credentials) (*domain.AccountInfo, error) {
	var account *domain.AccountInfo
	err := s.engine.WithSession(r.Context(), creds, func(driver ports.TerminalDriver) error {
		info, err := driver.AccountInfo(r.Context())
		if err != nil {
			return err
		}
		account = info
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// handlePositions serves open positions through the smart queue's
// read-through cache, which coalesces bursts of callers for the same user
// onto a single terminal round-trip.
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	var req positionsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateCredentials(req.Credentials); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID := req.UserID
	if userID == "" {
		userID = connectionID(req.Credentials)
	}

	positions, err := s.engine.GetPositions(r.Context(), &smartqueue.PollRequest{
		UserID:      userID,
		Credentials: req.Credentials,
		AccountID:   req.AccountID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if positions == nil {
		positions = []domain.PositionView{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"positions": positions,
		"count":     len(positions),
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConnectionID string `json:"connection_id"`
	}
	if err := decodeBody(r, &body); err != nil || body.ConnectionID == "" {
		writeError(w, http.StatusBadRequest, "connection_id is required")
		return
	}

	s.mu.Lock()
	_, found := s.connections[body.ConnectionID]
	delete(s.connections, body.ConnectionID)
	s.mu.Unlock()

	if !found {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": false, "message": "connection not found"})
		return
	}
	s.logger.Info(r.Context(), "Account disconnected", map[string]interface{}{"connectionID": body.ConnectionID})
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "disconnected " + body.ConnectionID})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	connections := make(map[string]*connection, len(s.connections))
	for id, c := range s.connections {
		connections[id] = c
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"connections": connections,
		"count":       len(connections),
	})
}
