package httpapi

import (
	"net/http"

	"github.com/controlcoreio/control-core/internal/model"
)

func (s *Server) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	skip, limit := pagination(r)
	entryType := model.AuditEntryType(r.URL.Query().Get("type"))
	entries, err := s.store.ListAuditEntries(r.Context(), scope, entryType, skip, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
