package session

import (
	"encoding/json"
	"errors"
	"net/http"
)

// StartCallRequest is the body of POST /api/v1/calls.
type StartCallRequest struct {
	CallID    string `json:"callId,omitempty"`
	RemoteID  string `json:"remoteId"`
	Initiator *bool  `json:"initiator,omitempty"` // nil defaults to true
}

// Routes registers the call API on mux.
func (m *Manager) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/calls", m.HandleStartCall)
	mux.HandleFunc("GET /api/v1/calls", m.HandleListCalls)
	mux.HandleFunc("GET /api/v1/calls/{callId}", m.HandleGetCall)
	mux.HandleFunc("DELETE /api/v1/calls/{callId}", m.HandleEndCall)
}

// HandleStartCall handles POST /api/v1/calls
func (m *Manager) HandleStartCall(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req StartCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.RemoteID == "" {
		writeError(w, http.StatusBadRequest, "remoteId required")
		return
	}

	// Check initiator flag (defaults to true if absent)
	initiator := true
	if req.Initiator != nil {
		initiator = *req.Initiator
	}

	info, err := m.StartCall(CallRequest{
		CallID:    req.CallID,
		RemoteID:  req.RemoteID,
		Initiator: initiator,
	})
	if err != nil {
		m.logger.Error("failed to start call", "callID", req.CallID, "remoteID", req.RemoteID, "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	json.NewEncoder(w).Encode(info)
}

// HandleListCalls handles GET /api/v1/calls
func (m *Manager) HandleListCalls(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"calls": m.List(),
	})
}

// HandleGetCall handles GET /api/v1/calls/{callId}
func (m *Manager) HandleGetCall(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	info, ok := m.Get(r.PathValue("callId"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrCallNotFound.Error())
		return
	}
	json.NewEncoder(w).Encode(info)
}

// HandleEndCall handles DELETE /api/v1/calls/{callId}
func (m *Manager) HandleEndCall(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	callID := r.PathValue("callId")
	if callID == "" {
		writeError(w, http.StatusBadRequest, "callId required")
		return
	}

	if err := m.EndCall(callID); err != nil {
		m.logger.Error("failed to end call", "callID", callID, "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ended",
		"callId": callID,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrCallNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrCallExists):
		return http.StatusConflict
	case errors.Is(err, ErrTooManyCalls):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrInvalidConfig):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
