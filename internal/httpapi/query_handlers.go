package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type queryRequest struct {
	ThreadID string         `json:"thread_id"`
	Message  string         `json:"message"`
	Meta     map[string]any `json:"meta"`
}

// handleQuery implements POST /v1/query: runs the full query orchestrator
// pipeline and returns the AssistantResponse envelope. A model-not-allowed
// configuration surfaces as 400 with the fixed MODEL_NOT_ALLOWED text.
func (s *QueryServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}
	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}

	resp := s.orch.Handle(r.Context(), threadID, req.Message, req.Meta)
	status := http.StatusOK
	if resp.Route == "ERROR" {
		status = http.StatusBadRequest
	}
	respondJSON(w, status, resp)
}
