package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"contia/internal/domain/connection"
	"contia/internal/domain/syncwindow"
	"contia/internal/infrastructure/provider"
	"contia/internal/interfaces/jobs"
)

// ConnectionHandler exposes the connection lifecycle: create, trigger sync,
// submit MFA, disconnect.
type ConnectionHandler struct {
	lifecycle *connection.Service
	enqueuer  jobs.Enqueuer
	logger    *zap.Logger
}

func NewConnectionHandler(lifecycle *connection.Service, enqueuer jobs.Enqueuer, logger *zap.Logger) *ConnectionHandler {
	return &ConnectionHandler{lifecycle: lifecycle, enqueuer: enqueuer, logger: logger}
}

type createConnectionRequest struct {
	CompanyID   int64             `json:"companyId"`
	ConnectorID int64             `json:"connectorId"`
	Credentials map[string]string `json:"credentials"`
}

type mfaRequest struct {
	Value string `json:"value"`
}

type triggerResponse struct {
	Status       string                 `json:"status"`
	Message      string                 `json:"message"`
	MFAParameter *provider.MFAParameter `json:"mfaParameter,omitempty"`
	SyncStarted  bool                   `json:"syncStarted"`
	SyncStats    *connection.SyncStats  `json:"syncStats,omitempty"`
}

type queuedSyncResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

func (h *ConnectionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Malformed JSON", http.StatusBadRequest)
		return
	}
	if req.CompanyID == 0 || req.ConnectorID == 0 || len(req.Credentials) == 0 {
		http.Error(w, "companyId, connectorId and credentials are required", http.StatusBadRequest)
		return
	}

	result, err := h.lifecycle.Create(r.Context(), req.CompanyID, req.ConnectorID, req.Credentials)
	if err != nil {
		h.logger.Error("connection create failed",
			zap.Int64("connector", req.ConnectorID), zap.Error(err))
		http.Error(w, "Failed to create connection", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusCreated, toTriggerResponse(result))
}

// HandleSync is the manual sync trigger. The async path enqueues a job and
// returns its id; when the queue cannot take the job, the sync runs inline
// and the response carries the transaction counts.
func (h *ConnectionHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	connectionID := r.PathValue("id")
	if connectionID == "" {
		http.Error(w, "Connection ID is required", http.StatusBadRequest)
		return
	}

	if h.enqueuer != nil {
		job := jobs.NewJob(jobs.KindManualSync, connectionID, "", nil)
		if err := h.enqueuer.Enqueue(r.Context(), job); err == nil {
			writeJSON(w, http.StatusAccepted, queuedSyncResponse{JobID: job.ID, Status: "queued"})
			return
		} else {
			h.logger.Warn("manual sync enqueue failed, running inline",
				zap.String("connection", connectionID), zap.Error(err))
		}
	}

	result, err := h.lifecycle.TriggerUpdate(r.Context(), connectionID, syncwindow.TriggerManual)
	if errors.Is(err, connection.ErrNotFound) {
		http.Error(w, "Connection not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("manual sync failed",
			zap.String("connection", connectionID), zap.Error(err))
		http.Error(w, "Failed to sync connection", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, toTriggerResponse(result))
}

func (h *ConnectionHandler) HandleMFA(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	connectionID := r.PathValue("id")
	if connectionID == "" {
		http.Error(w, "Connection ID is required", http.StatusBadRequest)
		return
	}

	var req mfaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == "" {
		http.Error(w, "value is required", http.StatusBadRequest)
		return
	}

	result, err := h.lifecycle.SubmitMFA(r.Context(), connectionID, req.Value)
	if errors.Is(err, connection.ErrNotFound) {
		http.Error(w, "Connection not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("MFA submit failed",
			zap.String("connection", connectionID), zap.Error(err))
		http.Error(w, "Failed to submit MFA", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, toTriggerResponse(result))
}

func (h *ConnectionHandler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	connectionID := r.PathValue("id")
	if connectionID == "" {
		http.Error(w, "Connection ID is required", http.StatusBadRequest)
		return
	}

	err := h.lifecycle.Disconnect(r.Context(), connectionID)
	if errors.Is(err, connection.ErrNotFound) {
		http.Error(w, "Connection not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("disconnect failed",
			zap.String("connection", connectionID), zap.Error(err))
		http.Error(w, "Failed to disconnect", http.StatusBadGateway)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func toTriggerResponse(result *connection.TriggerResult) triggerResponse {
	return triggerResponse{
		Status:       string(result.Status),
		Message:      result.Message,
		MFAParameter: result.MFAParameter,
		SyncStarted:  result.SyncStarted,
		SyncStats:    result.SyncStats,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
