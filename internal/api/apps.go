package api

import (
	"net/http"
)

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := s.engine.Permissions(r.Context(), principal(r), r.PathValue("acronym"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, 200, perms)
}
