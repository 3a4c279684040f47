package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/loyalty_layer/internal/app/domain/audit"
)

func (h *handler) listAuditLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilter(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	page, err := h.app.Audit.List(r.Context(), filter)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *handler) clientAuditLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilter(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	page, err := h.app.Audit.ForClient(r.Context(), mux.Vars(r)["clientId"], filter)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *handler) accountAuditLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilter(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	vars := mux.Vars(r)
	// The account must belong to the client in the path.
	if _, err := h.app.Ledger.GetAccount(r.Context(), vars["clientId"], vars["accountId"]); err != nil {
		writeError(w, h.log, err)
		return
	}
	page, err := h.app.Audit.ForAccount(r.Context(), vars["accountId"], filter)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func auditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	filter := audit.Filter{
		Action:       audit.Action(q.Get("action")),
		ResourceType: audit.ResourceType(q.Get("resource_type")),
		ClientID:     q.Get("client_id"),
		AccountID:    q.Get("account_id"),
		Cursor:       q.Get("cursor"),
	}
	var err error
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		return audit.Filter{}, err
	}
	if filter.StartDate, err = queryTime(r, "start_date", false); err != nil {
		return audit.Filter{}, err
	}
	if filter.EndDate, err = queryTime(r, "end_date", true); err != nil {
		return audit.Filter{}, err
	}
	return filter, nil
}
