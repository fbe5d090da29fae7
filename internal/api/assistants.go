package api

import (
	"encoding/json"
	"net/http"

	"clinic-tasks/pkg/authority"
)

func (s *Server) handleAssistantList(w http.ResponseWriter, r *http.Request) {
	list, err := s.staff.List(r.Context(), r.PathValue("clinic"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, 200, list)
}

// handleAssistantRegister adds a staff member. Only an owner or admin of the
// clinic may do so.
func (s *Server) handleAssistantRegister(w http.ResponseWriter, r *http.Request) {
	clinic := r.PathValue("clinic")
	caller, err := s.staff.Get(r.Context(), actorID(r))
	if err != nil || caller.ClinicID != clinic || !caller.IsActive || !caller.Actor().Elevated() {
		writeError(w, 403, "only an owner or admin may add staff")
		return
	}

	var req struct {
		Name  string         `json:"name"`
		Email string         `json:"email"`
		Role  authority.Role `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	if req.Role == "" {
		req.Role = authority.Assistant
	}
	a, err := s.staff.Register(r.Context(), clinic, req.Name, req.Email, req.Role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, 201, a)
}

func (s *Server) handleAssistantRemove(w http.ResponseWriter, r *http.Request) {
	released, err := s.svc.RemoveAssistant(r.Context(), actorID(r), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, 200, map[string]any{"released": released})
}
