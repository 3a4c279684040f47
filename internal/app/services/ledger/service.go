package ledger

import (
	"context"
	stderrors "errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/loyalty_layer/internal/app/domain/audit"
	"github.com/R3E-Network/loyalty_layer/internal/app/domain/client"
	"github.com/R3E-Network/loyalty_layer/internal/app/domain/loyalty"
	"github.com/R3E-Network/loyalty_layer/internal/app/metrics"
	"github.com/R3E-Network/loyalty_layer/internal/app/storage"
	"github.com/R3E-Network/loyalty_layer/internal/errors"
	"github.com/R3E-Network/loyalty_layer/pkg/logger"
)

const (
	defaultTransactionLimit = 20
	maxTransactionLimit     = 100
)

// AuditWriter records ledger events. StageEvent must write into the given
// transaction so the record commits with the balance change.
type AuditWriter interface {
	RecordEvent(ctx context.Context, req audit.Request) (audit.Log, error)
	StageEvent(tx storage.Tx, req audit.Request) error
}

// Service owns loyalty accounts and their point balances.
type Service struct {
	store storage.Store
	audit AuditWriter
	log   *logger.Logger
}

// New constructs a ledger service.
func New(store storage.Store, auditWriter AuditWriter, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Service{store: store, audit: auditWriter, log: log}
}

// CreateAccount opens a zero-balance account for the client and seeds the
// client's balance mirror in the same transaction.
func (s *Service) CreateAccount(ctx context.Context, clientID, name string, actor audit.Actor) (loyalty.Account, error) {
	name = strings.TrimSpace(name)
	if err := requireID("client_id", clientID); err != nil {
		return loyalty.Account{}, err
	}
	if name == "" {
		return loyalty.Account{}, errors.Validation("name", "is required")
	}

	accountID := uuid.NewString()
	accountPath := storage.AccountPath(clientID, accountID)
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.Get(ctx, storage.ClientPath(clientID)); err != nil {
			return s.notFoundOr(err, "client", clientID)
		}
		now := tx.Time()
		tx.Create(accountPath, loyalty.Account{
			ID:        accountID,
			ClientID:  clientID,
			Name:      name,
			Points:    0,
			CreatedAt: now,
			UpdatedAt: now,
		})
		tx.Merge(storage.ClientPath(clientID), map[string]interface{}{
			mirrorField(accountID): int64(0),
		})
		return nil
	})
	if err != nil {
		return loyalty.Account{}, s.fail("create account", err)
	}

	acct, err := s.readAccount(ctx, clientID, accountID)
	if err != nil {
		return loyalty.Account{}, err
	}
	if _, err := s.audit.RecordEvent(ctx, audit.Request{
		Action:       audit.ActionAccountCreated,
		ResourceType: audit.ResourceLoyaltyAccount,
		ResourceID:   accountID,
		ClientID:     clientID,
		AccountID:    accountID,
		Actor:        actor,
		Changes:      &audit.Changes{Before: nil, After: acct},
	}); err != nil {
		s.log.WithError(err).Warnf("account %s created but audit record failed", accountID)
		return loyalty.Account{}, err
	}

	s.log.Infof("loyalty account %s created for client %s", accountID, clientID)
	return acct, nil
}

// ListAccounts returns the client's accounts, newest first.
func (s *Service) ListAccounts(ctx context.Context, clientID string) ([]loyalty.Account, error) {
	if err := requireID("client_id", clientID); err != nil {
		return nil, err
	}
	if _, err := s.store.Get(ctx, storage.ClientPath(clientID)); err != nil {
		return nil, s.fail("list accounts", s.notFoundOr(err, "client", clientID))
	}

	snaps, err := s.store.Query(ctx, storage.Query{
		Collection: storage.AccountsPath(clientID),
		OrderBy:    storage.Order{Field: loyalty.FieldCreatedAt, Type: storage.FieldTime, Desc: true},
	})
	if err != nil {
		return nil, s.fail("list accounts", err)
	}
	accounts := make([]loyalty.Account, 0, len(snaps))
	for _, snap := range snaps {
		acct, err := decodeAccount(snap)
		if err != nil {
			return nil, s.fail("list accounts", err)
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

// GetAccount reads one account.
func (s *Service) GetAccount(ctx context.Context, clientID, accountID string) (loyalty.Account, error) {
	if err := requireID("client_id", clientID); err != nil {
		return loyalty.Account{}, err
	}
	if err := requireID("account_id", accountID); err != nil {
		return loyalty.Account{}, err
	}
	return s.readAccount(ctx, clientID, accountID)
}

// CreditPoints adds amount to the account. originator is nil when the holder
// acted directly.
func (s *Service) CreditPoints(ctx context.Context, clientID, accountID string, amount int64, description string, actor audit.Actor, originator *loyalty.Originator) (loyalty.Account, error) {
	return s.movePoints(ctx, loyalty.TransactionCredit, clientID, accountID, amount, description, actor, originator)
}

// DebitPoints subtracts amount from the account. It fails with
// INSUFFICIENT_BALANCE, writing nothing, when the balance would go negative.
func (s *Service) DebitPoints(ctx context.Context, clientID, accountID string, amount int64, description string, actor audit.Actor, originator *loyalty.Originator) (loyalty.Account, error) {
	return s.movePoints(ctx, loyalty.TransactionDebit, clientID, accountID, amount, description, actor, originator)
}

func (s *Service) movePoints(ctx context.Context, txType loyalty.TransactionType, clientID, accountID string, amount int64, description string, actor audit.Actor, originator *loyalty.Originator) (loyalty.Account, error) {
	start := time.Now()
	if err := requireID("client_id", clientID); err != nil {
		return loyalty.Account{}, err
	}
	if err := requireID("account_id", accountID); err != nil {
		return loyalty.Account{}, err
	}
	if amount <= 0 {
		return loyalty.Account{}, errors.Validation("amount", "must be a positive integer")
	}

	action := audit.ActionPointsCredited
	if txType == loyalty.TransactionDebit {
		action = audit.ActionPointsDebited
	}

	accountPath := storage.AccountPath(clientID, accountID)
	txID := uuid.NewString()
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		snap, err := tx.Get(ctx, accountPath)
		if err != nil {
			return s.notFoundOr(err, "account", accountID)
		}
		acct, err := decodeAccount(snap)
		if err != nil {
			return err
		}

		before := acct.Points
		if txType == loyalty.TransactionCredit && amount > math.MaxInt64-before {
			return errors.Validation("amount", "credit would overflow the account balance")
		}
		after := before + amount
		if txType == loyalty.TransactionDebit {
			after = before - amount
			if after < 0 {
				return errors.InsufficientBalance(before, amount)
			}
		}

		now := tx.Time()
		tx.Merge(accountPath, map[string]interface{}{
			loyalty.FieldPoints:    after,
			loyalty.FieldUpdatedAt: now,
		})
		tx.Merge(storage.ClientPath(clientID), map[string]interface{}{
			mirrorField(accountID): after,
		})
		tx.Create(storage.TransactionPath(clientID, accountID, txID), loyalty.Transaction{
			ID:           txID,
			AccountID:    accountID,
			ClientID:     clientID,
			Type:         txType,
			Amount:       amount,
			Description:  description,
			BalanceAfter: after,
			OriginatedBy: originator,
			Timestamp:    now,
		})

		meta := &audit.Metadata{Description: description}
		return s.audit.StageEvent(tx, audit.Request{
			Action:        action,
			ResourceType:  audit.ResourceLoyaltyAccount,
			ResourceID:    accountID,
			ClientID:      clientID,
			AccountID:     accountID,
			TransactionID: txID,
			Actor:         actor,
			Changes: &audit.Changes{
				Before: map[string]interface{}{loyalty.FieldPoints: before},
				After:  map[string]interface{}{loyalty.FieldPoints: after},
			},
			Metadata: meta,
		})
	})
	if err != nil {
		metrics.RecordLedgerOperation(string(txType), outcome(err), amount, time.Since(start))
		return loyalty.Account{}, s.fail(string(txType)+" points", err)
	}
	metrics.RecordLedgerOperation(string(txType), "ok", amount, time.Since(start))
	metrics.RecordAuditWrite(string(action), "staged")

	acct, err := s.readAccount(ctx, clientID, accountID)
	if err != nil {
		return loyalty.Account{}, err
	}
	s.log.Infof("%s of %d points on account %s (transaction %s)", txType, amount, accountID, txID)
	return acct, nil
}

// GetAllBalances returns the balance mirror kept on the client document. It
// does not read the accounts themselves.
func (s *Service) GetAllBalances(ctx context.Context, clientID string) (map[string]int64, error) {
	if err := requireID("client_id", clientID); err != nil {
		return nil, err
	}
	snap, err := s.store.Get(ctx, storage.ClientPath(clientID))
	if err != nil {
		return nil, s.fail("get balances", s.notFoundOr(err, "client", clientID))
	}
	var c client.Client
	if err := snap.DataTo(&c); err != nil {
		return nil, s.fail("get balances", err)
	}
	if c.AccountBalances == nil {
		return map[string]int64{}, nil
	}
	return c.AccountBalances, nil
}

// GetAccountBalance reads the authoritative balance from the account itself.
func (s *Service) GetAccountBalance(ctx context.Context, clientID, accountID string) (loyalty.Balance, error) {
	acct, err := s.GetAccount(ctx, clientID, accountID)
	if err != nil {
		return loyalty.Balance{}, err
	}
	return loyalty.Balance{AccountID: acct.ID, Points: acct.Points, AsOf: acct.UpdatedAt}, nil
}

// ListTransactions returns one page of the account's history, newest first.
// A cursor that no longer resolves to a transaction is ignored.
func (s *Service) ListTransactions(ctx context.Context, query loyalty.TransactionQuery) (loyalty.TransactionPage, error) {
	if _, err := s.GetAccount(ctx, query.ClientID, query.AccountID); err != nil {
		return loyalty.TransactionPage{}, err
	}
	if query.Type != "" && !query.Type.Valid() {
		return loyalty.TransactionPage{}, errors.Validation("type", "must be credit or debit")
	}

	limit := clampLimit(query.Limit)
	q := storage.Query{
		Collection: storage.TransactionsPath(query.ClientID, query.AccountID),
		OrderBy:    storage.Order{Field: loyalty.FieldTimestamp, Type: storage.FieldTime, Desc: true},
		Limit:      limit + 1,
	}
	if query.StartDate != nil {
		q = q.Where(loyalty.FieldTimestamp, storage.OpGreaterEqual, query.StartDate.UTC())
	}
	if query.EndDate != nil {
		q = q.Where(loyalty.FieldTimestamp, storage.OpLessEqual, query.EndDate.UTC())
	}
	if query.Type != "" {
		q = q.Where(loyalty.FieldType, storage.OpEqual, string(query.Type))
	}

	if query.Cursor != "" && storage.ValidID(query.Cursor) {
		cursor, err := s.store.Get(ctx, storage.TransactionPath(query.ClientID, query.AccountID, query.Cursor))
		switch {
		case err == nil:
			q.StartAfter = &cursor
		case !stderrors.Is(err, storage.ErrNotFound):
			return loyalty.TransactionPage{}, s.fail("list transactions", err)
		}
	}

	snaps, err := s.store.Query(ctx, q)
	if err != nil {
		return loyalty.TransactionPage{}, s.fail("list transactions", err)
	}

	page := loyalty.TransactionPage{Transactions: make([]loyalty.Transaction, 0, limit)}
	for i, snap := range snaps {
		if i == limit {
			next := page.Transactions[limit-1].ID
			page.NextCursor = &next
			break
		}
		var record loyalty.Transaction
		if err := snap.DataTo(&record); err != nil {
			return loyalty.TransactionPage{}, s.fail("list transactions", err)
		}
		page.Transactions = append(page.Transactions, record)
	}
	return page, nil
}

func (s *Service) readAccount(ctx context.Context, clientID, accountID string) (loyalty.Account, error) {
	snap, err := s.store.Get(ctx, storage.AccountPath(clientID, accountID))
	if err != nil {
		return loyalty.Account{}, s.fail("get account", s.notFoundOr(err, "account", accountID))
	}
	acct, err := decodeAccount(snap)
	if err != nil {
		return loyalty.Account{}, s.fail("get account", err)
	}
	return acct, nil
}

func decodeAccount(snap storage.Snapshot) (loyalty.Account, error) {
	var acct loyalty.Account
	if err := snap.DataTo(&acct); err != nil {
		return loyalty.Account{}, err
	}
	if acct.ID == "" {
		acct.ID = snap.ID
	}
	return acct, nil
}

// notFoundOr converts a store miss into a typed NotFound and passes anything
// else through.
func (s *Service) notFoundOr(err error, resource, id string) error {
	if stderrors.Is(err, storage.ErrNotFound) {
		return errors.NotFound(resource, id)
	}
	return err
}

// fail returns typed errors unchanged and hides everything else behind an
// Internal error after logging it.
func (s *Service) fail(op string, err error) error {
	if svcErr := errors.GetServiceError(err); svcErr != nil {
		return svcErr
	}
	if stderrors.Is(err, storage.ErrContention) {
		s.log.WithError(err).Warnf("%s: contention", op)
		return errors.Conflict(errors.CodeConflict, "the account is busy, retry the operation")
	}
	s.log.WithError(err).Errorf("%s failed", op)
	return errors.Internal("failed to "+op, err)
}

func outcome(err error) string {
	switch {
	case errors.IsInsufficientBalance(err):
		return "insufficient_balance"
	case errors.IsNotFound(err):
		return "not_found"
	case errors.GetServiceError(err) != nil:
		return "rejected"
	}
	return "error"
}

func mirrorField(accountID string) string {
	return client.FieldAccountBalances + "." + accountID
}

func requireID(field, id string) error {
	if !storage.ValidID(id) {
		return errors.Validation(field, "is required")
	}
	return nil
}

func clampLimit(limit int) int {
	switch {
	case limit == 0:
		return defaultTransactionLimit
	case limit < 1:
		return 1
	case limit > maxTransactionLimit:
		return maxTransactionLimit
	}
	return limit
}
