package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/koltyakov/botfleet/internal/domain"
	"github.com/koltyakov/botfleet/internal/session"
)

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	number := strings.TrimSpace(r.URL.Query().Get("number"))
	if number == "" {
		writeError(w, http.StatusBadRequest, "Number parameter is required", "missing_number")
		return
	}
	if !s.limiter.allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "Too many requests", "rate_limited")
		return
	}
	res, err := s.sessions.Pair(r.Context(), number)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleActive(w http.ResponseWriter, _ *http.Request) {
	numbers := s.sessions.Active()
	if numbers == nil {
		numbers = []string{}
	}
	writeJSON(w, http.StatusOK, domain.ActiveResponse{Count: len(numbers), Numbers: numbers})
}

func (s *Server) handleConnectAll(w http.ResponseWriter, r *http.Request) {
	results, err := s.sessions.ConnectRoster(r.Context())
	s.writeBulk(w, results, err)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	results, err := s.sessions.ReconnectStored(r.Context())
	s.writeBulk(w, results, err)
}

func (s *Server) writeBulk(w http.ResponseWriter, results []domain.BulkResult, err error) {
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.BulkResponse{Status: "success", Total: len(results), Connections: results})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	settings, err := s.sessions.Settings(r.Context(), mux.Vars(r)["number"])
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeJSONBody(w, r, maxConfigBodyBytes, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", "invalid_json")
		return
	}
	patch, err := domain.SettingsFromPatch(body)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	settings, err := s.sessions.UpdateSettings(r.Context(), mux.Vars(r)["number"], patch)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// writeServiceError maps manager errors onto HTTP statuses. Internal error
// text is only logged.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidTenantID):
		writeError(w, http.StatusBadRequest, "Invalid number", "invalid_number")
	case errors.Is(err, domain.ErrUnknownSetting):
		writeError(w, http.StatusBadRequest, err.Error(), "unknown_setting")
	case errors.Is(err, session.ErrNothingToConnect):
		writeError(w, http.StatusNotFound, "No numbers found to connect", "nothing_to_connect")
	case errors.Is(err, domain.ErrServiceUnavailable):
		s.log.Warn("request failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "Service Unavailable", "service_unavailable")
	default:
		s.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error", "internal")
	}
}
