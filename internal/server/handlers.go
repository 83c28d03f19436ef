package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/poaipnet/beacon/internal/geo"
	"github.com/poaipnet/beacon/internal/models"
	"github.com/poaipnet/beacon/internal/vars"
	"github.com/rs/zerolog/log"
)

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError sends the standard error envelope.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"status":  "error",
		"code":    code,
		"message": message,
	})
}

// writeCodedError maps a CodedError to its HTTP status. Unexpected errors
// are logged with context and returned opaque.
func writeCodedError(w http.ResponseWriter, err error) {
	var coded *models.CodedError
	if !errors.As(err, &coded) {
		log.Error().Err(err).Msg("Unexpected handler failure")
		writeError(w, http.StatusInternalServerError, models.CodeInternal, "internal failure")
		return
	}

	status := http.StatusBadRequest
	switch coded.Code {
	case models.CodeUnknownNode:
		status = http.StatusNotFound
	case models.CodeInvalidClient, models.CodeIPBlocked:
		status = http.StatusForbidden
	case models.CodeRateLimited:
		status = http.StatusTooManyRequests
	case models.CodeInternal:
		status = http.StatusInternalServerError
	}

	writeError(w, status, coded.Code, coded.Message)
}

// decodeBody reads a bounded JSON request body into dst.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		log.Debug().Err(err).Str("ip", clientIP(r)).Msg("Invalid JSON body")
		writeError(w, http.StatusBadRequest, models.CodeInvalidFormat, "request body is not valid JSON")
		return false
	}

	return true
}

// handleRegister processes node registrations: validation, upsert, identity
// geography tagging, and bootstrap metadata observation.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	rec, err := s.registry.Register(req)
	if err != nil {
		log.Debug().Err(err).Str("ip", clientIP(r)).Str("node_id", req.NodeID).Msg("Registration rejected")
		writeCodedError(w, err)
		return
	}

	if s.reputation.RecordIdentity(rec.NodeID, clientIP(r), time.Now()) {
		log.Warn().Str("ip", clientIP(r)).Str("node_id", rec.NodeID).Msg("Registration source blacklisted by geography heuristic")
	}

	s.bootstrap.Observe(req)

	log.Debug().
		Str("node_id", rec.NodeID).
		Str("type", rec.NodeType).
		Str("ip", clientIP(r)).
		Msg("Node registered")

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"node_id": rec.NodeID,
	})
}

// handleKeepalive refreshes a node's liveness.
func (s *Server) handleKeepalive(w http.ResponseWriter, r *http.Request) {
	var req models.KeepaliveRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	if err := s.registry.Keepalive(req.NodeID); err != nil {
		writeCodedError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// handleNetworkMap returns the bounded, distance-ranked peer subset for the
// requester's coordinates.
func (s *Server) handleNetworkMap(w http.ResponseWriter, r *http.Request) {
	var req models.NetworkMapRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	if !geo.ValidCoordinates(req.RequesterLatitude, req.RequesterLongitude) {
		writeError(w, http.StatusBadRequest, models.CodeInvalidCoordinates, "requester latitude/longitude out of range")
		return
	}

	payload, err := s.maps.Build(req.RequesterLatitude, req.RequesterLongitude, req.Limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build network map")
		writeError(w, http.StatusInternalServerError, models.CodeInternal, "internal failure")
		return
	}

	writeJSON(w, http.StatusOK, payload)
}

// handleHealth reports liveness and the running version.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
		"version":   vars.Version,
	})
}

// handleStats returns the public traffic summary.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	rep := s.reputation.Stats()
	conns, lastHour := s.monitor.Stats(time.Now())

	writeJSON(w, http.StatusOK, models.StatsResponse{
		BlockedIPs:            rep.BlockedIPs,
		SuspiciousIPs:         rep.SuspiciousIPs,
		ActiveConnections:     conns,
		TotalRequestsLastHour: lastHour,
	})
}

// handleAdminStats returns the full operator view: reputation, registry,
// bootstrap state, active alerts, and host resources.
func (s *Server) handleAdminStats(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	conns, lastHour := s.monitor.Stats(now)
	cpuPct, memPct := s.monitor.Resources()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"build":                    vars.Info(),
		"reputation":               s.reputation.Stats(),
		"registered_nodes":         s.registry.Size(),
		"active_nodes":             len(s.registry.ActiveNodes()),
		"bootstrap":                s.bootstrap.State(),
		"alerts":                   s.monitor.ActiveAlerts(now),
		"active_connections":       conns,
		"total_requests_last_hour": lastHour,
		"cpu_percent":              cpuPct,
		"memory_percent":           memPct,
	})
}

// handleUnblock removes an IP from the blacklist. This is the operator
// recovery path for heuristic false positives.
func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	if ip == "" {
		writeError(w, http.StatusBadRequest, models.CodeInvalidFormat, "missing ip path parameter")
		return
	}

	s.reputation.Unblock(ip)
	log.Info().Str("ip", ip).Msg("IP unblocked by operator")

	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "ip": ip})
}
