package ledger

import (
	"context"
	"math"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/R3E-Network/loyalty_layer/internal/app/domain/audit"
	"github.com/R3E-Network/loyalty_layer/internal/app/domain/client"
	"github.com/R3E-Network/loyalty_layer/internal/app/domain/loyalty"
	auditsvc "github.com/R3E-Network/loyalty_layer/internal/app/services/audit"
	"github.com/R3E-Network/loyalty_layer/internal/app/storage"
	"github.com/R3E-Network/loyalty_layer/internal/app/storage/memory"
	svcerrors "github.com/R3E-Network/loyalty_layer/internal/errors"
	"github.com/R3E-Network/loyalty_layer/pkg/testutil"
)

var admin = audit.Actor{UID: "admin-1"}

type fixture struct {
	store  *memory.Store
	audit  *auditsvc.Service
	ledger *Service
}

func newFixture(t *testing.T, clientIDs ...string) fixture {
	t.Helper()
	store := memory.New(
		memory.WithMaxAttempts(200),
		memory.WithClock(testutil.StepClock(time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC), time.Millisecond)),
	)
	for _, id := range clientIDs {
		if err := store.Create(context.Background(), storage.ClientPath(id), client.Client{ID: id, Name: "client " + id}); err != nil {
			t.Fatalf("seed client: %v", err)
		}
	}
	auditor := auditsvc.New(store, nil)
	return fixture{store: store, audit: auditor, ledger: New(store, auditor, nil)}
}

func (f fixture) auditCount(t *testing.T, accountID string, action audit.Action) int {
	t.Helper()
	page, err := f.audit.ForAccount(context.Background(), accountID, audit.Filter{Action: action, Limit: 100})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	return len(page.Logs)
}

func TestCreateAccountRoundTrip(t *testing.T) {
	f := newFixture(t, "c1")
	ctx := context.Background()

	acct, err := f.ledger.CreateAccount(ctx, "c1", "Main", admin)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if acct.Points != 0 || acct.Name != "Main" || acct.ClientID != "c1" {
		t.Fatalf("unexpected account: %+v", acct)
	}
	if acct.FamilyCircleConfig != nil {
		t.Fatalf("new accounts carry no circle config")
	}

	got, err := f.ledger.GetAccount(ctx, "c1", acct.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.ID != acct.ID || got.Name != acct.Name || got.Points != 0 {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, acct)
	}
	again, err := f.ledger.GetAccount(ctx, "c1", acct.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !reflect.DeepEqual(got, again) {
		t.Fatalf("reads without writes must be identical")
	}

	balances, err := f.ledger.GetAllBalances(ctx, "c1")
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if v, ok := balances[acct.ID]; !ok || v != 0 {
		t.Fatalf("mirror not initialised: %+v", balances)
	}
	if n := f.auditCount(t, acct.ID, audit.ActionAccountCreated); n != 1 {
		t.Fatalf("expected one ACCOUNT_CREATED record, got %d", n)
	}
}

func TestCreateAccountUnknownClient(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.CreateAccount(context.Background(), "ghost", "Main", admin)
	if !svcerrors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListAccountsNewestFirst(t *testing.T) {
	f := newFixture(t, "c1")
	ctx := context.Background()
	first, _ := f.ledger.CreateAccount(ctx, "c1", "First", admin)
	second, _ := f.ledger.CreateAccount(ctx, "c1", "Second", admin)

	accounts, err := f.ledger.ListAccounts(ctx, "c1")
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	if len(accounts) != 2 || accounts[0].ID != second.ID || accounts[1].ID != first.ID {
		t.Fatalf("unexpected order: %+v", accounts)
	}
}

func TestCreditThenDebit(t *testing.T) {
	f := newFixture(t, "c1")
	ctx := context.Background()
	acct, _ := f.ledger.CreateAccount(ctx, "c1", "Main", admin)

	acct, err := f.ledger.CreditPoints(ctx, "c1", acct.ID, 100, "bonus", admin, nil)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if acct.Points != 100 {
		t.Fatalf("expected 100 points, got %d", acct.Points)
	}
	acct, err = f.ledger.DebitPoints(ctx, "c1", acct.ID, 30, "redemption", admin, nil)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if acct.Points != 70 {
		t.Fatalf("expected 70 points, got %d", acct.Points)
	}

	page, err := f.ledger.ListTransactions(ctx, loyalty.TransactionQuery{ClientID: "c1", AccountID: acct.ID})
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(page.Transactions) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(page.Transactions))
	}
	if page.Transactions[0].Type != loyalty.TransactionDebit || page.Transactions[1].Type != loyalty.TransactionCredit {
		t.Fatalf("expected newest first")
	}
	if page.Transactions[0].BalanceAfter != 70 || page.Transactions[0].OriginatedBy != nil {
		t.Fatalf("unexpected debit record: %+v", page.Transactions[0])
	}
	if page.NextCursor != nil {
		t.Fatalf("no further page expected")
	}

	balance, err := f.ledger.GetAccountBalance(ctx, "c1", acct.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Points != 70 {
		t.Fatalf("authoritative balance mismatch: %d", balance.Points)
	}
	if n := f.auditCount(t, acct.ID, audit.ActionPointsCredited); n != 1 {
		t.Fatalf("expected one credit audit record, got %d", n)
	}
	if n := f.auditCount(t, acct.ID, audit.ActionPointsDebited); n != 1 {
		t.Fatalf("expected one debit audit record, got %d", n)
	}
}

func TestDebitInsufficientBalanceWritesNothing(t *testing.T) {
	f := newFixture(t, "c1")
	ctx := context.Background()
	acct, _ := f.ledger.CreateAccount(ctx, "c1", "Main", admin)
	if _, err := f.ledger.CreditPoints(ctx, "c1", acct.ID, 10, "seed", admin, nil); err != nil {
		t.Fatalf("credit: %v", err)
	}

	_, err := f.ledger.DebitPoints(ctx, "c1", acct.ID, 11, "too much", admin, nil)
	if !svcerrors.HasCode(err, svcerrors.CodeInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if svcerrors.IsValidation(err) {
		t.Fatalf("insufficient balance is not a validation error")
	}

	balance, _ := f.ledger.GetAccountBalance(ctx, "c1", acct.ID)
	if balance.Points != 10 {
		t.Fatalf("points changed by failed debit: %d", balance.Points)
	}
	page, _ := f.ledger.ListTransactions(ctx, loyalty.TransactionQuery{ClientID: "c1", AccountID: acct.ID})
	if len(page.Transactions) != 1 {
		t.Fatalf("failed debit left a transaction record")
	}
	if n := f.auditCount(t, acct.ID, audit.ActionPointsDebited); n != 0 {
		t.Fatalf("failed debit left an audit record")
	}
	balances, _ := f.ledger.GetAllBalances(ctx, "c1")
	if balances[acct.ID] != 10 {
		t.Fatalf("mirror changed by failed debit: %d", balances[acct.ID])
	}
}

func TestAuditFailureRollsBackCredit(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	if err := store.Create(ctx, storage.ClientPath("c1"), client.Client{ID: "c1", Name: "client c1"}); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	recorder := &testutil.MockAuditRecorder{}
	ledger := New(store, recorder, nil)
	acct, err := ledger.CreateAccount(ctx, "c1", "Main", admin)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	recorder.Err = svcerrors.Internal("audit down", nil)
	if _, err := ledger.CreditPoints(ctx, "c1", acct.ID, 25, "bonus", admin, nil); err == nil {
		t.Fatalf("expected credit to fail with the audit write")
	}
	balance, err := ledger.GetAccountBalance(ctx, "c1", acct.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Points != 0 {
		t.Fatalf("points = %d after rolled back credit", balance.Points)
	}
	page, _ := ledger.ListTransactions(ctx, loyalty.TransactionQuery{ClientID: "c1", AccountID: acct.ID})
	if len(page.Transactions) != 0 {
		t.Fatalf("rolled back credit left %d transactions", len(page.Transactions))
	}
	if actions := recorder.Actions(); len(actions) != 1 || actions[0] != audit.ActionAccountCreated {
		t.Fatalf("unexpected audit actions: %v", actions)
	}
}

func TestMovePointsValidation(t *testing.T) {
	f := newFixture(t, "c1")
	ctx := context.Background()
	acct, _ := f.ledger.CreateAccount(ctx, "c1", "Main", admin)

	for _, amount := range []int64{0, -5} {
		if _, err := f.ledger.CreditPoints(ctx, "c1", acct.ID, amount, "", admin, nil); !svcerrors.IsValidation(err) {
			t.Fatalf("amount %d: expected validation error, got %v", amount, err)
		}
	}
	if _, err := f.ledger.CreditPoints(ctx, "c1", "missing", 5, "", admin, nil); !svcerrors.IsNotFound(err) {
		t.Fatalf("expected not found for missing account, got %v", err)
	}
}

func TestCreditOverflowRejected(t *testing.T) {
	f := newFixture(t, "c1")
	ctx := context.Background()
	acct, _ := f.ledger.CreateAccount(ctx, "c1", "Main", admin)
	if _, err := f.ledger.CreditPoints(ctx, "c1", acct.ID, 1, "seed", admin, nil); err != nil {
		t.Fatalf("credit: %v", err)
	}

	_, err := f.ledger.CreditPoints(ctx, "c1", acct.ID, math.MaxInt64, "overflow", admin, nil)
	if !svcerrors.IsValidation(err) {
		t.Fatalf("expected validation error for overflowing credit, got %v", err)
	}
	balance, _ := f.ledger.GetAccountBalance(ctx, "c1", acct.ID)
	if balance.Points != 1 {
		t.Fatalf("points = %d after rejected credit, want 1", balance.Points)
	}
	balances, _ := f.ledger.GetAllBalances(ctx, "c1")
	if balances[acct.ID] != 1 {
		t.Fatalf("mirror = %d after rejected credit, want 1", balances[acct.ID])
	}
	page, _ := f.ledger.ListTransactions(ctx, loyalty.TransactionQuery{ClientID: "c1", AccountID: acct.ID})
	if len(page.Transactions) != 1 {
		t.Fatalf("rejected credit left a transaction record")
	}
	if n := f.auditCount(t, acct.ID, audit.ActionPointsCredited); n != 1 {
		t.Fatalf("credited audit records = %d, want 1", n)
	}

	// Filling the balance exactly to the limit is still allowed.
	acct2, _ := f.ledger.CreateAccount(ctx, "c1", "Spare", admin)
	if _, err := f.ledger.CreditPoints(ctx, "c1", acct2.ID, math.MaxInt64, "max", admin, nil); err != nil {
		t.Fatalf("credit to max: %v", err)
	}
}

func TestListTransactionsPagination(t *testing.T) {
	f := newFixture(t, "c1")
	ctx := context.Background()
	acct, _ := f.ledger.CreateAccount(ctx, "c1", "Main", admin)
	for i := 1; i <= 3; i++ {
		if _, err := f.ledger.CreditPoints(ctx, "c1", acct.ID, int64(i), "earn", admin, nil); err != nil {
			t.Fatalf("credit %d: %v", i, err)
		}
	}

	page, err := f.ledger.ListTransactions(ctx, loyalty.TransactionQuery{ClientID: "c1", AccountID: acct.ID, Limit: 2})
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(page.Transactions) != 2 || page.NextCursor == nil {
		t.Fatalf("expected 2 records and a cursor, got %d", len(page.Transactions))
	}
	if *page.NextCursor != page.Transactions[1].ID {
		t.Fatalf("cursor must equal the id of the second record")
	}

	rest, err := f.ledger.ListTransactions(ctx, loyalty.TransactionQuery{ClientID: "c1", AccountID: acct.ID, Limit: 2, Cursor: *page.NextCursor})
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(rest.Transactions) != 1 || rest.NextCursor != nil {
		t.Fatalf("expected 1 remaining record and no cursor, got %d", len(rest.Transactions))
	}
	if rest.Transactions[0].Amount != 1 {
		t.Fatalf("expected the oldest credit last, got %+v", rest.Transactions[0])
	}

	ignored, err := f.ledger.ListTransactions(ctx, loyalty.TransactionQuery{ClientID: "c1", AccountID: acct.ID, Cursor: "vanished"})
	if err != nil {
		t.Fatalf("missing cursor should be ignored: %v", err)
	}
	if len(ignored.Transactions) != 3 {
		t.Fatalf("missing cursor should restart from the top, got %d", len(ignored.Transactions))
	}
}

func TestListTransactionsFilters(t *testing.T) {
	f := newFixture(t, "c1")
	ctx := context.Background()
	acct, _ := f.ledger.CreateAccount(ctx, "c1", "Main", admin)
	f.ledger.CreditPoints(ctx, "c1", acct.ID, 50, "earn", admin, nil)
	f.ledger.DebitPoints(ctx, "c1", acct.ID, 20, "spend", admin, nil)
	f.ledger.CreditPoints(ctx, "c1", acct.ID, 5, "earn", admin, nil)

	credits, err := f.ledger.ListTransactions(ctx, loyalty.TransactionQuery{ClientID: "c1", AccountID: acct.ID, Type: loyalty.TransactionCredit})
	if err != nil {
		t.Fatalf("filter by type: %v", err)
	}
	if len(credits.Transactions) != 2 {
		t.Fatalf("expected 2 credits, got %d", len(credits.Transactions))
	}

	all, _ := f.ledger.ListTransactions(ctx, loyalty.TransactionQuery{ClientID: "c1", AccountID: acct.ID})
	start := all.Transactions[1].Timestamp
	end := all.Transactions[1].Timestamp
	ranged, err := f.ledger.ListTransactions(ctx, loyalty.TransactionQuery{ClientID: "c1", AccountID: acct.ID, StartDate: &start, EndDate: &end})
	if err != nil {
		t.Fatalf("filter by date: %v", err)
	}
	if len(ranged.Transactions) != 1 || ranged.Transactions[0].Type != loyalty.TransactionDebit {
		t.Fatalf("inclusive range should return only the debit, got %+v", ranged.Transactions)
	}

	if _, err := f.ledger.ListTransactions(ctx, loyalty.TransactionQuery{ClientID: "c1", AccountID: acct.ID, Type: "refund"}); !svcerrors.IsValidation(err) {
		t.Fatalf("expected validation error for unknown type, got %v", err)
	}
	if _, err := f.ledger.ListTransactions(ctx, loyalty.TransactionQuery{ClientID: "c1", AccountID: "nope"}); !svcerrors.IsNotFound(err) {
		t.Fatalf("expected not found for unknown account, got %v", err)
	}
}

func TestMirrorMatchesAuthoritativeBalance(t *testing.T) {
	f := newFixture(t, "c1")
	ctx := context.Background()
	var ids []string
	for _, name := range []string{"A", "B", "C"} {
		acct, err := f.ledger.CreateAccount(ctx, "c1", name, admin)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, acct.ID)
	}

	rng := rand.New(rand.NewSource(42))
	for step := 0; step < 150; step++ {
		id := ids[rng.Intn(len(ids))]
		amount := int64(rng.Intn(40) + 1)
		var err error
		if rng.Intn(2) == 0 {
			_, err = f.ledger.CreditPoints(ctx, "c1", id, amount, "earn", admin, nil)
		} else {
			_, err = f.ledger.DebitPoints(ctx, "c1", id, amount, "spend", admin, nil)
			if svcerrors.IsInsufficientBalance(err) {
				err = nil
			}
		}
		if err != nil {
			t.Fatalf("step %d: %v", step, err)
		}

		mirror, err := f.ledger.GetAllBalances(ctx, "c1")
		if err != nil {
			t.Fatalf("mirror: %v", err)
		}
		for _, accountID := range ids {
			balance, err := f.ledger.GetAccountBalance(ctx, "c1", accountID)
			if err != nil {
				t.Fatalf("balance: %v", err)
			}
			if balance.Points < 0 {
				t.Fatalf("step %d: negative balance %d", step, balance.Points)
			}
			if mirror[accountID] != balance.Points {
				t.Fatalf("step %d: mirror %d != authoritative %d for %s", step, mirror[accountID], balance.Points, accountID)
			}
		}
	}
}

func TestConcurrentCreditsSerialize(t *testing.T) {
	f := newFixture(t, "c1")
	ctx := context.Background()
	acct, _ := f.ledger.CreateAccount(ctx, "c1", "Main", admin)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.ledger.CreditPoints(ctx, "c1", acct.ID, 5, "burst", admin, nil); err != nil {
				t.Errorf("credit: %v", err)
			}
		}()
	}
	wg.Wait()

	balance, _ := f.ledger.GetAccountBalance(ctx, "c1", acct.ID)
	if balance.Points != 100 {
		t.Fatalf("lost update: expected 100, got %d", balance.Points)
	}
	mirror, _ := f.ledger.GetAllBalances(ctx, "c1")
	if mirror[acct.ID] != 100 {
		t.Fatalf("mirror drifted: %d", mirror[acct.ID])
	}
	page, _ := f.ledger.ListTransactions(ctx, loyalty.TransactionQuery{ClientID: "c1", AccountID: acct.ID, Limit: 100})
	if len(page.Transactions) != 20 {
		t.Fatalf("expected 20 transaction records, got %d", len(page.Transactions))
	}
}
