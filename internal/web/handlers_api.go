package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"safetyfirst-home/internal/decommission"
	"safetyfirst-home/internal/docstore"
	"safetyfirst-home/internal/locallink"
	"safetyfirst-home/internal/provision"
	"safetyfirst-home/internal/registry"
)

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	bases, err := s.hub.Registry().ListBases(r.Context(), s.hub.UserID())
	if err != nil {
		s.logger.Error("status: list bases", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"version":    s.version,
		"user":       s.hub.UserID(),
		"base_count": len(bases),
	})
}

func (s *Server) handleAPIListBases(w http.ResponseWriter, r *http.Request) {
	bases, err := s.hub.Registry().ListBases(r.Context(), s.hub.UserID())
	if err != nil {
		s.logger.Error("list bases", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, bases)
}

func (s *Server) handleAPIGetBase(w http.ResponseWriter, r *http.Request) {
	mac := r.PathValue("mac")
	base, err := s.hub.Registry().GetBase(r.Context(), s.hub.UserID(), mac)
	if errors.Is(err, docstore.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "base station not found"})
		return
	}
	if err != nil {
		s.logger.Error("get base", "err", err, "mac", mac)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, base)
}

func (s *Server) handleAPIListSensors(w http.ResponseWriter, r *http.Request) {
	mac := r.PathValue("mac")
	sensors, err := s.hub.Registry().ListSensors(r.Context(), s.hub.UserID(), mac)
	if err != nil {
		s.logger.Error("list sensors", "err", err, "mac", mac)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, sensors)
}

type provisionBaseRequest struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

func (s *Server) handleAPIProvisionBase(w http.ResponseWriter, r *http.Request) {
	var req provisionBaseRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.SSID == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ssid must not be empty"})
		return
	}

	res, err := s.hub.Provisioning().AddBaseStation(r.Context(), req.SSID, req.Password)
	if err != nil {
		s.writeProvisionError(w, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type provisionSensorRequest struct {
	BaseMac  string `json:"baseMac"`
	Location string `json:"location"`
}

func (s *Server) handleAPIProvisionSensor(w http.ResponseWriter, r *http.Request) {
	var req provisionSensorRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.BaseMac == "" || req.Location == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "baseMac and location must not be empty"})
		return
	}

	if _, err := s.hub.Registry().GetBase(r.Context(), s.hub.UserID(), req.BaseMac); errors.Is(err, docstore.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "base station not found"})
		return
	}

	res, err := s.hub.Provisioning().AddSensor(r.Context(), req.BaseMac, req.Location)
	if err != nil {
		s.writeProvisionError(w, err, res)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// writeProvisionError maps provisioning failures onto HTTP statuses. A
// partial sensor batch is reported alongside the error.
func (s *Server) writeProvisionError(w http.ResponseWriter, err error, partial *provision.SensorResult) {
	s.logger.Warn("provisioning request failed", "err", err)

	body := map[string]any{"error": err.Error()}
	if partial != nil && len(partial.Added) > 0 {
		body["added"] = partial.Added
	}

	var gw *provision.GatewayError
	var pe *provision.ParseError
	var we *registry.WriteError
	switch {
	case errors.Is(err, provision.ErrSessionActive), errors.Is(err, locallink.ErrBusy):
		s.writeJSON(w, http.StatusConflict, body)
	case errors.Is(err, locallink.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, body)
	case errors.As(err, &gw), errors.As(err, &pe):
		s.writeJSON(w, http.StatusBadGateway, body)
	case errors.As(err, &we):
		// The device accepted the configuration but the record did not
		// persist.
		s.writeJSON(w, http.StatusServiceUnavailable, body)
	default:
		s.writeJSON(w, http.StatusInternalServerError, body)
	}
}

type decommissionResponse struct {
	Mac     string               `json:"mac"`
	Outcome decommission.Outcome `json:"outcome"`
}

func (s *Server) handleAPIDecommission(w http.ResponseWriter, r *http.Request) {
	mac := r.PathValue("mac")
	if _, err := s.hub.Registry().GetBase(r.Context(), s.hub.UserID(), mac); errors.Is(err, docstore.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "base station not found"})
		return
	}

	ticket, err := s.hub.Decommission().RequestReset(r.Context(), s.hub.UserID(), mac)
	if errors.Is(err, decommission.ErrPending) {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "decommission already pending"})
		return
	}
	if err != nil {
		s.logger.Error("request reset", "err", err, "mac", mac)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	outcome, err := ticket.Wait(r.Context())
	if err != nil {
		// Client went away; the ticket keeps running.
		s.logger.Debug("decommission wait aborted", "err", err, "mac", mac)
		return
	}

	resp := decommissionResponse{Mac: mac, Outcome: outcome}
	if outcome == decommission.OutcomeConfirmed {
		s.writeJSON(w, http.StatusOK, resp)
		return
	}
	// Timed out or unreachable: the ticket awaits a force or abandon call.
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleAPIDecommissionForce(w http.ResponseWriter, r *http.Request) {
	mac := r.PathValue("mac")
	ticket, ok := s.hub.Decommission().Get(mac)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no pending decommission"})
		return
	}
	if err := ticket.ForceDelete(r.Context()); err != nil {
		s.logger.Error("force delete", "err", err, "mac", mac)
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, decommissionResponse{Mac: mac, Outcome: ticket.Outcome()})
}

func (s *Server) handleAPIDecommissionAbandon(w http.ResponseWriter, r *http.Request) {
	mac := r.PathValue("mac")
	ticket, ok := s.hub.Decommission().Get(mac)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no pending decommission"})
		return
	}
	if err := ticket.Abandon(); err != nil {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, decommissionResponse{Mac: mac, Outcome: ticket.Outcome()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
