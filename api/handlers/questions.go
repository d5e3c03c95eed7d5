package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/malbeclabs/analyst/agent/pkg/orchestrator"
)

// AskQuestionRequest is the body of POST /api/sessions/{id}/questions.
type AskQuestionRequest struct {
	Question string `json:"question"`
}

// AskQuestionResponse returns the ID of the started run.
type AskQuestionResponse struct {
	RunID uuid.UUID `json:"run_id"`
}

// ApprovalVerdictRequest is the body of POST /api/runs/{id}/approval.
type ApprovalVerdictRequest struct {
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// AskQuestion starts a background analysis for a session's question.
func AskQuestion(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	var req AskQuestionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Question == "" {
		http.Error(w, "question is required", http.StatusBadRequest)
		return
	}

	runID, err := Manager.StartRun(r.Context(), sessionID, req.Question)
	if err != nil {
		if _, busy := Manager.GetRunningRunID(sessionID); busy {
			http.Error(w, "session already has a running analysis", http.StatusConflict)
			return
		}
		http.Error(w, internalError("Failed to start analysis", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, AskQuestionResponse{RunID: runID})
}

// GetRun returns one analysis run by ID.
func GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid run ID", http.StatusBadRequest)
		return
	}

	run, err := GetAnalysisRun(r.Context(), id)
	if err != nil {
		http.Error(w, internalError("Failed to get run", err), http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetSessionRun returns the session's latest analysis run.
func GetSessionRun(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	run, err := GetLatestSessionRun(r.Context(), sessionID)
	if err != nil {
		http.Error(w, internalError("Failed to get session run", err), http.StatusInternalServerError)
		return
	}
	if run == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "no_workflow"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// SubmitRunApproval delivers an approval verdict to a blocked run.
func SubmitRunApproval(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid run ID", http.StatusBadRequest)
		return
	}

	var req ApprovalVerdictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ApprovalID == "" {
		http.Error(w, "approval_id is required", http.StatusBadRequest)
		return
	}

	if !Manager.SubmitApproval(id, req.ApprovalID, req.Approved) {
		http.Error(w, "No pending approval for this run", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"submitted": true})
}

// CancelRun cancels a running analysis.
func CancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid run ID", http.StatusBadRequest)
		return
	}

	if !Manager.CancelRun(id) {
		http.Error(w, "Run is not running", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// StreamRun streams a run's events over SSE. It first replays catch-up
// events from the persisted state, then relays live events with a heartbeat.
func StreamRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid run ID", http.StatusBadRequest)
		return
	}

	run, err := GetAnalysisRun(r.Context(), id)
	if err != nil {
		http.Error(w, internalError("Failed to get run", err), http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	sendEvent := func(eventType string, data any) {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, string(jsonData))
		flusher.Flush()
	}

	// Replay persisted state so late subscribers see where the run is.
	for _, ev := range catchUpEvents(run) {
		sendEvent(ev.Type, ev.Data)
	}

	// Finished runs have nothing live to stream.
	if run.Status != RunStatusRunning {
		return
	}

	sub := Manager.Subscribe(id)
	if sub == nil {
		// The run finished between the DB read and the subscribe; re-read
		// so the client gets the terminal event.
		finished, err := GetAnalysisRun(r.Context(), id)
		if err == nil && finished != nil {
			for _, ev := range terminalEvents(finished) {
				sendEvent(ev.Type, ev.Data)
			}
		}
		return
	}
	defer Manager.Unsubscribe(id, sub)

	heartbeatTicker := time.NewTicker(15 * time.Second)
	defer heartbeatTicker.Stop()

	for {
		select {
		case event := <-sub.Events:
			sendEvent(event.Type, event.Data)
		case <-sub.Done:
			return
		case <-r.Context().Done():
			return
		case <-heartbeatTicker.C:
			sendEvent("heartbeat", map[string]string{})
		}
	}
}

// catchUpEvents builds the replay events for a run from its persisted state:
// the run metadata, the last workflow status snapshot, and terminal events
// for finished runs.
func catchUpEvents(run *AnalysisRun) []RunEvent {
	events := []RunEvent{{
		Type: "run",
		Data: map[string]any{
			"id":       run.ID,
			"status":   run.Status,
			"question": run.Question,
		},
	}}

	if len(run.Context) > 0 {
		if wc, err := orchestrator.DecodeContext(run.Context); err == nil {
			events = append(events, RunEvent{Type: "status", Data: map[string]any{
				"current_step":     wc.CurrentStep,
				"step_history":     wc.StepHistory,
				"total_tool_calls": len(wc.ToolCalls),
			}})
		}
	}

	events = append(events, terminalEvents(run)...)
	return events
}

// terminalEvents maps a finished run's status to its closing SSE events.
func terminalEvents(run *AnalysisRun) []RunEvent {
	switch run.Status {
	case RunStatusCompleted:
		answer := ""
		if run.Answer != nil {
			answer = *run.Answer
		}
		return []RunEvent{{Type: "done", Data: map[string]any{"answer": answer}}}
	case RunStatusFailed:
		errMsg := "analysis failed"
		if run.Error != nil {
			errMsg = *run.Error
		}
		return []RunEvent{{Type: "error", Data: map[string]any{"error": errMsg}}}
	case RunStatusDenied:
		return []RunEvent{{Type: "denied"}}
	case RunStatusCancelled:
		return []RunEvent{{Type: "error", Data: map[string]any{"error": "analysis was cancelled"}}}
	}
	return nil
}
