package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"home-registry/internal/registry"
	"home-registry/internal/state"
)

const maxBodyBytes = 1 << 20

// envelope is the body of every non-empty response. Errors carry only a
// message.
type envelope struct {
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// registerDeviceRequest is the body of POST /devices.
type registerDeviceRequest struct {
	Identifier     string         `json:"identifier"`
	Name           string         `json:"name"`
	Type           string         `json:"type"`
	ControllerName string         `json:"controller_name"`
	RoomIdentifier string         `json:"room_identifier"`
	Attributes     map[string]any `json:"attributes"`
	DependsOn      []string       `json:"depends_on"`
	StateProviders []string       `json:"state_providers"`
}

type registerRoomRequest struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	devices, err := s.registry.ListDevices(registry.DeviceFilter{
		ControllerName: q.Get("controller_name"),
		RoomIdentifier: q.Get("room_identifier"),
	})
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	s.writeData(w, http.StatusOK, "Retrieved all devices", devices)
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	view, err := s.registry.RegisterDevice(registry.Device{
		Identifier:     req.Identifier,
		Name:           req.Name,
		Type:           req.Type,
		ControllerName: req.ControllerName,
		RoomIdentifier: req.RoomIdentifier,
		Attributes:     req.Attributes,
		DependsOn:      req.DependsOn,
		StateProviders: req.StateProviders,
	})
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	s.writeData(w, http.StatusCreated, "Device registered", view)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	view, err := s.registry.GetDevice(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err, "Device not found")
		return
	}
	s.writeData(w, http.StatusOK, "Device found", view)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DeleteDevice(r.PathValue("id")); err != nil {
		s.writeError(w, err, "Device not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.registry.ListRooms()
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	s.writeData(w, http.StatusOK, "Retrieved all rooms", rooms)
}

func (s *Server) handleRegisterRoom(w http.ResponseWriter, r *http.Request) {
	var req registerRoomRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	view, err := s.registry.RegisterRoom(registry.Room{Identifier: req.Identifier, Name: req.Name})
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	s.writeData(w, http.StatusCreated, "Room registered", view)
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	view, err := s.registry.GetRoom(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err, "Room not found")
		return
	}
	s.writeData(w, http.StatusOK, "Room found", view)
}

func (s *Server) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DeleteRoom(r.PathValue("id")); err != nil {
		s.writeError(w, err, "Room not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	ds, err := s.states.State(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err, "Device not found")
		return
	}
	s.writeData(w, http.StatusOK, "Device state", ds)
}

func (s *Server) handlePatchState(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	u, err := state.ParseUpdate(body)
	if err != nil {
		s.writeError(w, err, "")
		return
	}

	ds, err := s.states.UpdateState(r.Context(), r.PathValue("id"), u)
	if err != nil {
		s.writeError(w, err, "Device not found")
		return
	}
	s.writeData(w, http.StatusOK, "Device state updated", ds)
}

// decodeJSON reads a JSON request body into v. It writes a 400 response and
// returns false when the body is malformed.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.logger.Debug("decode request body", "path", r.URL.Path, "err", err)
		s.writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// writeError maps an error from the registry or a controller to a status
// code and message. notFound is the message used for ErrNotFound.
func (s *Server) writeError(w http.ResponseWriter, err error, notFound string) {
	var verr *registry.ValidationError
	switch {
	case errors.As(err, &verr):
		s.writeMessage(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, registry.ErrValidation):
		s.writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrInvalidReference):
		s.writeMessage(w, http.StatusBadRequest, "Room does not exist")
	case errors.Is(err, registry.ErrConflict):
		s.writeMessage(w, http.StatusBadRequest, "Cannot delete a room that has devices")
	case errors.Is(err, registry.ErrNotFound):
		if notFound == "" {
			notFound = "Not found"
		}
		s.writeMessage(w, http.StatusNotFound, notFound)
	case errors.Is(err, registry.ErrController):
		s.logger.Warn("controller failure", "err", err)
		s.writeMessage(w, http.StatusBadGateway, "Controller error")
	default:
		s.logger.Error("request failed", "err", err)
		s.writeMessage(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (s *Server) writeData(w http.ResponseWriter, status int, message string, data any) {
	s.writeJSON(w, status, envelope{Message: message, Data: data})
}

func (s *Server) writeMessage(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, envelope{Message: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
