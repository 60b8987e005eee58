package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/mt5-bridge/internal/driver"
	"github.com/eddiefleurent/mt5-bridge/internal/engine"
	"github.com/eddiefleurent/mt5-bridge/internal/models"
)

type tradesRequest struct {
	models.Credentials
	Days int `json:"days"`
}

type disconnectRequest struct {
	ConnectionID string `json:"connection_id"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"service":     "mt5-bridge",
		"version":     Version,
		"status":      "running",
		"description": "Self-hosted MetaTrader 5 integration API",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()

	status := "ok"
	if !st.Running {
		status = "error"
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":             status,
		"engine_running":     st.Running,
		"queue_depth":        st.QueueDepth,
		"cached_users":       st.CachedUsers,
		"active_connections": s.registry.Count(),
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	})
}

// handleConnect verifies credentials against the terminal and registers the
// connection. Nothing credential-shaped is stored, follow-up requests carry
// their own login data.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	creds, err := decodeCredentials(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := s.engine.Account(r.Context(), creds)
	if err != nil {
		s.logger.WithError(err).WithField("login", creds.Login).Warn("Connect verification failed")
		s.writeError(w, errorStatus(err), err.Error())
		return
	}

	id, _ := s.registry.Connect(creds)
	s.logger.WithFields(logrus.Fields{
		"connection_id": id,
	}).Info("Terminal connection verified")

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"connection_id": id,
		"account":       info,
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	creds, err := decodeCredentials(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := s.engine.Account(r.Context(), creds)
	if err != nil {
		s.logger.WithError(err).WithField("login", creds.Login).Warn("Account fetch failed")
		s.writeError(w, errorStatus(err), err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"account": info,
	})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	var req tradesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding request body: %v", err))
		return
	}
	if err := validateCredentials(req.Credentials); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	trades, err := s.engine.TradeHistory(r.Context(), req.Credentials, req.Days)
	if err != nil {
		s.logger.WithError(err).WithField("login", req.Login).Warn("Trade history failed")
		s.writeError(w, errorStatus(err), err.Error())
		return
	}
	if trades == nil {
		trades = []models.GroupedTrade{}
	}

	days := req.Days
	if days <= 0 {
		days = engine.DefaultHistoryDays
	}
	to := time.Now().UTC()

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"trades":    trades,
		"count":     len(trades),
		"from_date": to.AddDate(0, 0, -days).Format(time.RFC3339),
		"to_date":   to.Format(time.RFC3339),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	creds, err := decodeCredentials(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID := creds.ConnectionID()
	accountID := strconv.FormatInt(creds.Login, 10)

	positions, err := s.engine.GetPositions(r.Context(), userID, creds, accountID, nil)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Warn("Positions fetch failed")
		s.writeError(w, errorStatus(err), err.Error())
		return
	}
	if positions == nil {
		positions = []models.OpenPosition{}
	}

	s.registry.Touch(userID)

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"positions": positions,
		"count":     len(positions),
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding request body: %v", err))
		return
	}
	if req.ConnectionID == "" {
		s.writeError(w, http.StatusBadRequest, "connection_id is required")
		return
	}

	if s.registry.Disconnect(req.ConnectionID) {
		s.logger.WithField("connection_id", req.ConnectionID).Info("Connection removed")
		s.writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": fmt.Sprintf("Disconnected %s", req.ConnectionID),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": false,
		"message": "Connection not found",
	})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.registry.List()

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"connections": conns,
		"count":       len(conns),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func decodeCredentials(r *http.Request) (models.Credentials, error) {
	var creds models.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		return creds, fmt.Errorf("decoding request body: %w", err)
	}
	return creds, validateCredentials(creds)
}

func validateCredentials(c models.Credentials) error {
	if c.Login <= 0 {
		return fmt.Errorf("login is required")
	}
	if c.Password == "" {
		return fmt.Errorf("password is required")
	}
	if c.Server == "" {
		return fmt.Errorf("server is required")
	}
	return nil
}

// errorStatus maps engine and driver failures onto HTTP status codes. Login
// rejections surface as 401 like the original service, saturation and
// timeouts get their own codes so clients can tell them from hard failures.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, driver.ErrAuthFailed):
		return http.StatusUnauthorized
	case errors.Is(err, engine.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
