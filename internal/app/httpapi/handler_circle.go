package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/loyalty_layer/internal/app/domain/circle"
	"github.com/R3E-Network/loyalty_layer/internal/errors"
)

func (h *handler) circleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.app.Circle.Info(r.Context(), mux.Vars(r)["clientId"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handler) circleMembers(w http.ResponseWriter, r *http.Request) {
	roster, err := h.app.Circle.Members(r.Context(), mux.Vars(r)["clientId"], actorFrom(r.Context()).UID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, roster)
}

func (h *handler) addCircleMember(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MemberID         string                  `json:"memberId"`
		RelationshipType circle.RelationshipType `json:"relationshipType"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, h.log, err)
		return
	}
	if payload.MemberID == "" {
		writeError(w, h.log, errors.Validation("memberId", "is required"))
		return
	}
	member, err := h.app.Circle.AddMember(r.Context(), mux.Vars(r)["clientId"], payload.MemberID, payload.RelationshipType, actorFrom(r.Context()))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

func (h *handler) removeCircleMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.app.Circle.RemoveMember(r.Context(), vars["clientId"], vars["memberId"], actorFrom(r.Context())); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) getCircleConfig(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	cfg, err := h.app.Circle.GetConfig(r.Context(), vars["clientId"], vars["accountId"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *handler) updateCircleConfig(w http.ResponseWriter, r *http.Request) {
	var update circle.ConfigUpdate
	if err := decodeJSON(w, r, &update); err != nil {
		writeError(w, h.log, err)
		return
	}
	vars := mux.Vars(r)
	cfg, err := h.app.Circle.UpdateConfig(r.Context(), vars["clientId"], vars["accountId"], update, actorFrom(r.Context()))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}
