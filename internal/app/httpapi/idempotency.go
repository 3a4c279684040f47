package httpapi

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/R3E-Network/loyalty_layer/internal/app/idempotency"
	"github.com/R3E-Network/loyalty_layer/internal/errors"
	"github.com/R3E-Network/loyalty_layer/pkg/logger"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
	maxKeyLength      = 255
)

// responseRecorder captures response status and body for idempotency caching.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

type idempotencyMiddleware struct {
	store idempotency.Store
	ttl   time.Duration
	log   *logger.Logger
}

func newIdempotencyMiddleware(store idempotency.Store, ttl time.Duration, log *logger.Logger) *idempotencyMiddleware {
	return &idempotencyMiddleware{store: store, ttl: ttl, log: log}
}

// Handler replays the first recorded response for a repeated Idempotency-Key.
// Keys are scoped to the caller and the request path. Server errors are not
// recorded so the client can retry them.
func (m *idempotencyMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
		if r.Method != http.MethodPost || key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxKeyLength {
			writeError(w, m.log, errors.Validation(idempotencyHeader, "is too long"))
			return
		}
		scoped := actorFrom(r.Context()).UID + "|" + r.URL.Path + "|" + key

		entry, ok, err := m.store.Get(r.Context(), scoped)
		if err != nil {
			m.log.WithError(err).Warn("idempotency lookup failed")
		} else if ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(replayedHeader, "true")
			w.WriteHeader(entry.Status)
			_, _ = w.Write(entry.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.statusCode >= http.StatusInternalServerError {
			return
		}
		if err := m.store.Put(r.Context(), scoped, idempotency.Entry{Status: rec.statusCode, Body: rec.body.Bytes()}, m.ttl); err != nil {
			m.log.WithError(err).Warn("idempotency record failed")
		}
	})
}
