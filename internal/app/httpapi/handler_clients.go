package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/loyalty_layer/internal/app/domain/client"
	"github.com/R3E-Network/loyalty_layer/internal/errors"
)

func (h *handler) createClient(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ID               string                   `json:"id"`
		Name             string                   `json:"name"`
		Email            *string                  `json:"email"`
		IdentityDocument *client.IdentityDocument `json:"identity_document"`
		Phones           []client.Phone           `json:"phones"`
		Addresses        []client.Address         `json:"addresses"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, h.log, err)
		return
	}
	created, err := h.app.Clients.Create(r.Context(), client.Client{
		ID:               payload.ID,
		Name:             payload.Name,
		Email:            payload.Email,
		IdentityDocument: payload.IdentityDocument,
		Phones:           payload.Phones,
		Addresses:        payload.Addresses,
	}, actorFrom(r.Context()))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) getClient(w http.ResponseWriter, r *http.Request) {
	c, err := h.app.Clients.Get(r.Context(), mux.Vars(r)["clientId"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handler) createGroup(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, h.log, err)
		return
	}
	group, err := h.app.Clients.CreateGroup(r.Context(), payload.Name, payload.Description, actorFrom(r.Context()))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

func (h *handler) getGroup(w http.ResponseWriter, r *http.Request) {
	group, err := h.app.Clients.GetGroup(r.Context(), mux.Vars(r)["groupId"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (h *handler) addGroupMember(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ClientID string `json:"clientId"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, h.log, err)
		return
	}
	if payload.ClientID == "" {
		writeError(w, h.log, errors.Validation("clientId", "is required"))
		return
	}
	if err := h.app.Clients.AddToGroup(r.Context(), payload.ClientID, mux.Vars(r)["groupId"], actorFrom(r.Context())); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) removeGroupMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.app.Clients.RemoveFromGroup(r.Context(), vars["clientId"], vars["groupId"], actorFrom(r.Context())); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
