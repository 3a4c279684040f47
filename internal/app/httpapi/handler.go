package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	app "github.com/R3E-Network/loyalty_layer/internal/app"
	"github.com/R3E-Network/loyalty_layer/internal/app/idempotency"
	"github.com/R3E-Network/loyalty_layer/internal/app/metrics"
	"github.com/R3E-Network/loyalty_layer/internal/errors"
	"github.com/R3E-Network/loyalty_layer/pkg/logger"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Options configures the route layer.
type Options struct {
	JWTSecret string
	Issuer    string

	// RateLimit is requests per second per actor; zero disables limiting.
	RateLimit float64
	Burst     int

	Idempotency    idempotency.Store
	IdempotencyTTL time.Duration

	// CORSOrigins lists allowed browser origins; "*" allows any.
	CORSOrigins []string

	Logger *logger.Logger
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
	log *logger.Logger
}

// NewHandler returns the router exposing the loyalty REST API.
func NewHandler(application *app.Application, opts Options) http.Handler {
	log := opts.Logger
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	if opts.Idempotency == nil {
		opts.Idempotency = idempotency.NewMemoryStore()
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = idempotency.DefaultTTL
	}

	h := &handler{app: application, log: log}
	idem := newIdempotencyMiddleware(opts.Idempotency, opts.IdempotencyTTL, log)

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, log, errors.NotFoundWithCode(errors.CodeNotFound, "route not found"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody(string(errors.CodeValidation), "method not allowed"))
	})

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/").Subrouter()
	api.Use(newAuthenticator(opts.JWTSecret, opts.Issuer, log).Handler)
	if opts.RateLimit > 0 {
		api.Use(newRateLimiter(opts.RateLimit, opts.Burst, log).Handler)
	}

	api.HandleFunc("/clients", h.createClient).Methods(http.MethodPost)
	api.HandleFunc("/clients/{clientId}", h.getClient).Methods(http.MethodGet)
	api.HandleFunc("/clients/{clientId}/balances", h.allBalances).Methods(http.MethodGet)
	api.HandleFunc("/clients/{clientId}/audit-logs", h.clientAuditLogs).Methods(http.MethodGet)

	api.HandleFunc("/clients/{clientId}/accounts", h.createAccount).Methods(http.MethodPost)
	api.HandleFunc("/clients/{clientId}/accounts", h.listAccounts).Methods(http.MethodGet)
	api.HandleFunc("/clients/{clientId}/accounts/{accountId}", h.getAccount).Methods(http.MethodGet)
	api.HandleFunc("/clients/{clientId}/accounts/{accountId}/balance", h.accountBalance).Methods(http.MethodGet)
	api.Handle("/clients/{clientId}/accounts/{accountId}/credit", idem.Handler(http.HandlerFunc(h.credit))).Methods(http.MethodPost)
	api.Handle("/clients/{clientId}/accounts/{accountId}/debit", idem.Handler(http.HandlerFunc(h.debit))).Methods(http.MethodPost)
	api.HandleFunc("/clients/{clientId}/accounts/{accountId}/transactions", h.listTransactions).Methods(http.MethodGet)
	api.HandleFunc("/clients/{clientId}/accounts/{accountId}/audit-logs", h.accountAuditLogs).Methods(http.MethodGet)
	api.HandleFunc("/clients/{clientId}/accounts/{accountId}/family-circle-config", h.getCircleConfig).Methods(http.MethodGet)
	api.HandleFunc("/clients/{clientId}/accounts/{accountId}/family-circle-config", h.updateCircleConfig).Methods(http.MethodPatch, http.MethodPut)

	api.HandleFunc("/clients/{clientId}/family-circle", h.circleInfo).Methods(http.MethodGet)
	api.HandleFunc("/clients/{clientId}/family-circle/members", h.circleMembers).Methods(http.MethodGet)
	api.HandleFunc("/clients/{clientId}/family-circle/members", h.addCircleMember).Methods(http.MethodPost)
	api.HandleFunc("/clients/{clientId}/family-circle/members/{memberId}", h.removeCircleMember).Methods(http.MethodDelete)

	api.HandleFunc("/groups", h.createGroup).Methods(http.MethodPost)
	api.HandleFunc("/groups/{groupId}", h.getGroup).Methods(http.MethodGet)
	api.HandleFunc("/groups/{groupId}/members", h.addGroupMember).Methods(http.MethodPost)
	api.HandleFunc("/groups/{groupId}/members/{clientId}", h.removeGroupMember).Methods(http.MethodDelete)

	api.HandleFunc("/audit-logs", h.listAuditLogs).Methods(http.MethodGet)

	var root http.Handler = r
	root = newCORS(opts.CORSOrigins).Handler(root)
	root = newTracing(log).Handler(root)
	return metrics.InstrumentHandler(root)
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"services": h.app.Services(),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return errors.Validation("body", "request body is required")
		}
		return errors.Validation("body", "malformed JSON: "+err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func errorBody(code, message string) map[string]interface{} {
	return map[string]interface{}{"error": map[string]interface{}{"code": code, "message": message}}
}

// writeError maps any error onto the JSON error envelope. Errors that are not
// ServiceErrors are logged and reported as internal.
func writeError(w http.ResponseWriter, log *logger.Logger, err error) {
	svcErr := errors.GetServiceError(err)
	if svcErr == nil {
		log.WithError(err).Error("unhandled error")
		svcErr = errors.Internal("internal server error", err)
	}
	body := map[string]interface{}{"code": string(svcErr.Code), "message": svcErr.Message}
	if len(svcErr.Details) > 0 {
		body["details"] = svcErr.Details
	}
	writeJSON(w, svcErr.HTTPStatus, map[string]interface{}{"error": body})
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Validation(name, "must be an integer")
	}
	return v, nil
}

// queryTime accepts RFC3339 timestamps or plain dates. A plain end date covers
// the whole day.
func queryTime(r *http.Request, name string, endOfDay bool) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, errors.Validation(name, "must be an RFC3339 timestamp or YYYY-MM-DD date")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
