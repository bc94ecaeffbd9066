package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/rendis/flowplane/internal/store"
	"github.com/rendis/flowplane/internal/validation"
	"github.com/rendis/flowplane/pkg/schema"
)

// handlePublishWorkflow validates, compiles, and stores an executable
// document as a new workflow version.
func (s *Server) handlePublishWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string              `json:"name,omitempty"`
		Document    json.RawMessage     `json:"document"`
		Connections map[string][]string `json:"connections,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if len(body.Document) == 0 {
		writeError(w, http.StatusBadRequest, "document is required")
		return
	}

	result := s.deps.Compiler.ValidateAndCompile(body.Document, validation.Options{Connections: body.Connections})
	if !result.OK {
		writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}

	wv := &store.WorkflowVersion{
		WorkflowID: result.DAG.WorkflowID,
		Version:    result.DAG.Version,
		UserID:     result.DAG.UserID,
		Name:       body.Name,
		Executable: body.Document,
		DAG:        result.DAG,
	}
	if err := s.deps.Store.PutWorkflowVersion(r.Context(), wv); err != nil {
		writeFlowError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"workflow_id": result.DAG.WorkflowID,
		"version":     result.DAG.Version,
		"report":      result.Report,
		"repairs":     result.Repairs,
	})
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.deps.Store.ListWorkflowVersions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	version, err := strconv.Atoi(vars["version"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "version must be an integer")
		return
	}
	wv, err := s.deps.Store.GetWorkflowVersion(r.Context(), vars["id"], version)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wv)
}

// handleStartRun activates a workflow manually with caller-supplied
// inputs. Version 0 means the latest published version.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkflowID    string         `json:"workflow_id"`
		Version       int            `json:"version,omitempty"`
		TriggerNodeID string         `json:"trigger_node_id,omitempty"`
		UserID        string         `json:"user_id,omitempty"`
		Inputs        map[string]any `json:"inputs,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.WorkflowID == "" {
		writeError(w, http.StatusBadRequest, "workflow_id is required")
		return
	}
	if body.Version == 0 {
		latest, err := s.deps.Store.LatestWorkflowVersion(r.Context(), body.WorkflowID)
		if err != nil {
			writeFlowError(w, err)
			return
		}
		body.Version = latest.Version
	}

	run, err := s.deps.Executor.Activate(r.Context(), &schema.Activation{
		WorkflowID:    body.WorkflowID,
		Version:       body.Version,
		TriggerNodeID: body.TriggerNodeID,
		UserID:        body.UserID,
		Payload:       body.Inputs,
		Source:        schema.SourceManual,
	})
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunNodes(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	if _, err := s.deps.Store.GetRun(r.Context(), runID); err != nil {
		writeFlowError(w, err)
		return
	}
	execs, err := s.deps.Store.ListNodeExecutions(r.Context(), runID)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	if !s.deps.Executor.CancelRun(runID) {
		writeError(w, http.StatusNotFound, "run is not executing on this instance")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": runID, "cancelling": true})
}

// --- Schedules ---

func (s *Server) handleUpsertSchedule(w http.ResponseWriter, r *http.Request) {
	var sched schema.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sched); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	out, err := s.deps.Scheduler.UpsertSchedule(r.Context(), &sched)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"schedule_id": out.ScheduleID,
		"next_run_at": out.NextRunAt,
	})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	scheds, err := s.deps.Scheduler.ListSchedules(r.Context(), store.ScheduleFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		UserID:     r.URL.Query().Get("user_id"),
		Limit:      queryInt(r, "limit", 0),
		Offset:     queryInt(r, "offset", 0),
	})
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scheds)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, fires, err := s.deps.Scheduler.GetSchedule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schedule": sched,
		"preview":  fires,
	})
}

func (s *Server) handlePauseSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Paused bool `json:"paused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.deps.Scheduler.PauseSchedule(r.Context(), id, body.Paused); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule_id": id, "paused": body.Paused})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.DeleteSchedule(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeFlowError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListScheduleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.deps.Scheduler.ListScheduleRuns(r.Context(), mux.Vars(r)["id"], queryInt(r, "limit", 50))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}
