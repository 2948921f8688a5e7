package httpapi

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/jmrl23/capstone-backend/internal/directory"
	"github.com/jmrl23/capstone-backend/internal/metrics"
	"github.com/jmrl23/capstone-backend/internal/middleware"
	"github.com/jmrl23/capstone-backend/internal/mqtt"
	"github.com/jmrl23/capstone-backend/internal/store"
	"github.com/jmrl23/capstone-backend/internal/topic"
)

type Server struct {
	devices *directory.Devices
	broker  mqtt.Broker
	pubKey  *rsa.PublicKey
	ws      http.Handler
}

func NewServer(devices *directory.Devices, broker mqtt.Broker, pubKey *rsa.PublicKey, ws http.Handler) *Server {
	return &Server{devices: devices, broker: broker, pubKey: pubKey, ws: ws}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	if s.ws != nil {
		r.Handle("/ws", s.ws)
	}

	r.Route("/api/devices", func(r chi.Router) {
		r.Use(middleware.JWTAuthMiddlewareRS256(s.pubKey))
		r.Post("/register", s.handleRegister)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Delete("/{id}", s.handleUnregister)
		r.Get("/{id}/presses", s.handlePresses)
		r.Put("/{id}/alarm", s.handleAlarm)
	})

	return r
}

type registerRequest struct {
	DeviceKey string `json:"device_key"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	device, err := s.devices.Register(r.Context(), userID, req.DeviceKey)
	if err != nil {
		writeDirectoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": device})
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	device, err := s.devices.Unregister(r.Context(), id, userID)
	if err != nil {
		writeDirectoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": device})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	devices, err := s.devices.ListByUser(r.Context(), userID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "device list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	device, ok := s.ownedDevice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": device})
}

func (s *Server) handlePresses(w http.ResponseWriter, r *http.Request) {
	device, ok := s.ownedDevice(w, r)
	if !ok {
		return
	}
	var from, to time.Time
	if v := r.URL.Query().Get("created_at_from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid created_at_from")
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("created_at_to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid created_at_to")
			return
		}
		to = t
	}
	presses, err := s.devices.ListPresses(r.Context(), device.ID, from, to)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "press query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"presses": presses})
}

type alarmRequest struct {
	State bool `json:"state"`
}

func (s *Server) handleAlarm(w http.ResponseWriter, r *http.Request) {
	device, ok := s.ownedDevice(w, r)
	if !ok {
		return
	}
	var req alarmRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	updated, err := s.devices.SetRinging(r.Context(), device.ID, req.State)
	if err != nil {
		writeDirectoryError(w, err)
		return
	}
	// Nudge firmware and listeners to re-sync the new state.
	if s.broker != nil {
		_ = s.broker.Publish(topic.Format(topic.SyncRequest, updated.DeviceKey), nil)
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": updated})
}

// ownedDevice loads the device from the id route param and enforces that the
// caller owns it. Devices owned by others surface as 404, not 403.
func (s *Server) ownedDevice(w http.ResponseWriter, r *http.Request) (*store.DeviceView, bool) {
	userID, ok := middleware.UserID(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid device id")
		return nil, false
	}
	device, err := s.devices.GetByID(r.Context(), id, false)
	if err != nil {
		writeDirectoryError(w, err)
		return nil, false
	}
	if device.UserID == nil || *device.UserID != userID {
		writeJSONError(w, http.StatusNotFound, "device not found")
		return nil, false
	}
	return device, true
}

func writeDirectoryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, directory.ErrConflict):
		writeJSONError(w, http.StatusConflict, "device already registered to a different user")
	case errors.Is(err, directory.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "device not found")
	case errors.Is(err, directory.ErrInvalidKey):
		writeJSONError(w, http.StatusBadRequest, "invalid device key")
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message, "code": status})
}
