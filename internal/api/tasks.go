package api

import (
	"encoding/json"
	"net/http"
	"time"

	"clinic-tasks/pkg/board"
	"clinic-tasks/pkg/lifecycle"
	"clinic-tasks/pkg/reconcile"
	"clinic-tasks/pkg/recurrence"
	"clinic-tasks/pkg/task"
)

var commands = map[string]lifecycle.Command{
	"claim":    lifecycle.Claim,
	"start":    lifecycle.Start,
	"complete": lifecycle.Complete,
	"undo":     lifecycle.Undo,
	"putback":  lifecycle.PutBack,
}

type occurrenceView struct {
	ID   string    `json:"id"`
	Date string    `json:"date"`
	Task task.Task `json:"task"`
}

type boardView struct {
	From          string           `json:"from"`
	To            string           `json:"to"`
	Unassigned    []occurrenceView `json:"unassigned"`
	Mine          []occurrenceView `json:"mine"`
	CompletedByMe []occurrenceView `json:"completed_by_me"`
}

func viewOf(occ []recurrence.Occurrence) []occurrenceView {
	out := make([]occurrenceView, len(occ))
	for i, o := range occ {
		out[i] = occurrenceView{ID: o.ID(), Date: o.Key.Date.Format(time.DateOnly), Task: o.Task}
	}
	return out
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	clinic := r.PathValue("clinic")
	actor, ok := s.member(w, r, clinic)
	if !ok {
		return
	}

	win := board.Days(time.Now().In(s.loc), s.days)
	if v := r.URL.Query().Get("from"); v != "" {
		from, err := time.ParseInLocation(time.DateOnly, v, s.loc)
		if err != nil {
			writeError(w, 400, "invalid from date: "+v)
			return
		}
		win = board.Days(from, s.days)
	}
	if v := r.URL.Query().Get("to"); v != "" {
		to, err := time.ParseInLocation(time.DateOnly, v, s.loc)
		if err != nil {
			writeError(w, 400, "invalid to date: "+v)
			return
		}
		win.To = to
	}

	snap, err := board.Build(r.Context(), s.tasks, clinic, actor, win)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, 200, boardView{
		From:          win.From.Format(time.DateOnly),
		To:            win.To.Format(time.DateOnly),
		Unassigned:    viewOf(snap.Board.Sorted(reconcile.Unassigned)),
		Mine:          viewOf(snap.Board.Sorted(reconcile.Mine)),
		CompletedByMe: viewOf(snap.Board.Sorted(reconcile.CompletedByMe)),
	})
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(r.Context(), reconcile.BaseID(r.PathValue("id")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var t task.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	t.ClinicID = r.PathValue("clinic")
	if t.Title == "" {
		writeError(w, 400, "title is required")
		return
	}
	result, err := s.svc.CreateTask(r.Context(), actorID(r), &t)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, 201, result)
}

func (s *Server) handleTaskCommand(w http.ResponseWriter, r *http.Request) {
	cmd, ok := commands[r.PathValue("command")]
	if !ok {
		writeError(w, 404, "unknown command "+r.PathValue("command"))
		return
	}
	t, err := s.svc.Run(r.Context(), actorID(r), r.PathValue("id"), cmd, "")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskReassign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssistantID string `json:"assistant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	if req.AssistantID == "" {
		writeError(w, 400, "assistant_id is required")
		return
	}
	t, err := s.svc.ReassignTask(r.Context(), actorID(r), r.PathValue("id"), req.AssistantID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteTask(r.Context(), actorID(r), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
