package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/loyalty_layer/internal/app/domain/loyalty"
	"github.com/R3E-Network/loyalty_layer/internal/errors"
)

type pointsRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	OnBehalfOf  string `json:"on_behalf_of,omitempty"`
}

func (h *handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AccountName string `json:"account_name"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, h.log, err)
		return
	}
	name := strings.TrimSpace(payload.AccountName)
	if name == "" {
		writeError(w, h.log, errors.Validation("account_name", "is required"))
		return
	}
	acct, err := h.app.Ledger.CreateAccount(r.Context(), mux.Vars(r)["clientId"], name, actorFrom(r.Context()))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (h *handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := h.app.Ledger.ListAccounts(r.Context(), mux.Vars(r)["clientId"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, accts)
}

func (h *handler) getAccount(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	acct, err := h.app.Ledger.GetAccount(r.Context(), vars["clientId"], vars["accountId"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *handler) accountBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bal, err := h.app.Ledger.GetAccountBalance(r.Context(), vars["clientId"], vars["accountId"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (h *handler) allBalances(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["clientId"]
	balances, err := h.app.Ledger.GetAllBalances(r.Context(), clientID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"clientId": clientID, "balances": balances})
}

func (h *handler) credit(w http.ResponseWriter, r *http.Request) {
	h.movePoints(w, r, loyalty.TransactionCredit)
}

func (h *handler) debit(w http.ResponseWriter, r *http.Request) {
	h.movePoints(w, r, loyalty.TransactionDebit)
}

// movePoints runs a credit or debit. When on_behalf_of names a circle member,
// the member's permission on the account is checked first and the member is
// stamped as the transaction originator.
func (h *handler) movePoints(w http.ResponseWriter, r *http.Request, txType loyalty.TransactionType) {
	vars := mux.Vars(r)
	clientID, accountID := vars["clientId"], vars["accountId"]

	var payload pointsRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, h.log, err)
		return
	}
	if payload.Amount <= 0 {
		writeError(w, h.log, errors.Validation("amount", "must be a positive integer"))
		return
	}

	ctx := r.Context()
	var originator *loyalty.Originator
	if memberID := strings.TrimSpace(payload.OnBehalfOf); memberID != "" {
		rel, err := h.app.Circle.ValidateMemberTransactionPermission(ctx, clientID, memberID, accountID, txType)
		if err != nil {
			writeError(w, h.log, err)
			return
		}
		originator = &loyalty.Originator{ClientID: memberID, IsCircleMember: true, RelationshipType: rel}
	}

	var (
		acct loyalty.Account
		err  error
	)
	actor := actorFrom(ctx)
	if txType == loyalty.TransactionCredit {
		acct, err = h.app.Ledger.CreditPoints(ctx, clientID, accountID, payload.Amount, payload.Description, actor, originator)
	} else {
		acct, err = h.app.Ledger.DebitPoints(ctx, clientID, accountID, payload.Amount, payload.Description, actor, originator)
	}
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	query := loyalty.TransactionQuery{
		ClientID:  vars["clientId"],
		AccountID: vars["accountId"],
		Cursor:    r.URL.Query().Get("cursor"),
		Type:      loyalty.TransactionType(r.URL.Query().Get("type")),
	}
	if query.Type != "" && !query.Type.Valid() {
		writeError(w, h.log, errors.Validation("type", "must be credit or debit"))
		return
	}
	var err error
	if query.Limit, err = queryInt(r, "limit"); err != nil {
		writeError(w, h.log, err)
		return
	}
	if query.StartDate, err = queryTime(r, "start_date", false); err != nil {
		writeError(w, h.log, err)
		return
	}
	if query.EndDate, err = queryTime(r, "end_date", true); err != nil {
		writeError(w, h.log, err)
		return
	}

	page, err := h.app.Ledger.ListTransactions(r.Context(), query)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
