//go:build integration && postgres

package httpapi

import (
	"context"
	"net/http"
	"os"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	app "github.com/R3E-Network/loyalty_layer/internal/app"
	"github.com/R3E-Network/loyalty_layer/internal/app/storage/postgres"
	"github.com/R3E-Network/loyalty_layer/pkg/logger"
)

// Integration test against Postgres to ensure migrations + core flows work with persistence.
func TestIntegrationPostgres(t *testing.T) {
	_ = godotenv.Load()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping Postgres integration")
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if err := postgres.Migrate(db.DB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.Exec(`DELETE FROM documents`); err != nil {
		t.Fatalf("reset documents: %v", err)
	}

	application, err := app.New(app.Stores{Documents: postgres.New(db)}, app.Options{ReconcileSchedule: "@hourly"}, logger.NewNop())
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer application.Stop(context.Background())

	s := &testServer{t: t, handler: NewHandler(application, Options{JWTSecret: testSecret, Logger: logger.NewNop()}), token: signToken(t, "admin-1", "")}

	s.expect(s.do(http.MethodPost, "/clients", map[string]any{"id": "h1", "name": "Holder", "email": "h1@example.com"}), http.StatusCreated)
	accountID := s.expect(s.do(http.MethodPost, "/clients/h1/accounts", map[string]any{"account_name": "Main"}), http.StatusCreated).Get("id").String()
	base := "/clients/h1/accounts/" + accountID

	s.expect(s.do(http.MethodPost, base+"/credit", map[string]any{"amount": 100}), http.StatusOK)
	s.expect(s.do(http.MethodPost, base+"/debit", map[string]any{"amount": 30}), http.StatusOK)
	s.expect(s.do(http.MethodPost, base+"/debit", map[string]any{"amount": 500}), http.StatusBadRequest)

	if got := s.expect(s.do(http.MethodGet, "/clients/h1/balances", nil), http.StatusOK).Get("balances." + accountID).Int(); got != 70 {
		t.Fatalf("mirror = %d, want 70", got)
	}
	page := s.expect(s.do(http.MethodGet, base+"/transactions?limit=1", nil), http.StatusOK)
	if page.Get("transactions.0.type").String() != "debit" || page.Get("nextCursor").String() == "" {
		t.Fatalf("unexpected page: %s", page.Raw)
	}

	report, err := application.Reconcile.Run(context.Background())
	if err != nil || len(report.Drift) != 0 {
		t.Fatalf("unexpected drift: %+v %v", report, err)
	}
}
