package api

import (
	"encoding/json"
	"net/http"

	"taskboard/pkg/lifecycle"
	"taskboard/pkg/store"
	"taskboard/pkg/task"
)

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.TaskFilter{
		App:   q.Get("app"),
		Plan:  q.Get("plan"),
		State: task.State(q.Get("state")),
	}
	tasks, err := s.engine.Tasks(r.Context(), f)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, 200, tasks)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.Task(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var in lifecycle.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	t, err := s.engine.CreateTask(r.Context(), principal(r), in)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, 201, t)
}

func (s *Server) handleTaskNotes(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Notes string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	id := r.PathValue("id")
	notes, err := s.engine.UpdateNotes(r.Context(), principal(r), id, req.Notes)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, 200, map[string]string{"id": id, "notes": notes})
}

func (s *Server) handleTaskPlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Plan string `json:"plan"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	t, err := s.engine.UpdatePlan(r.Context(), principal(r), r.PathValue("id"), req.Plan)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, 200, t)
}

type moveResponse struct {
	ID    string     `json:"id"`
	State task.State `json:"state"`
	Owner string     `json:"owner"`
}

func (s *Server) handleTaskPromote(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.Promote(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, 200, moveResponse{ID: t.ID, State: t.State, Owner: t.Owner})
}

func (s *Server) handleTaskDemote(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.Demote(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, 200, moveResponse{ID: t.ID, State: t.State, Owner: t.Owner})
}
