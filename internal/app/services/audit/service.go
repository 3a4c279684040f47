package audit

import (
	"context"
	stderrors "errors"

	"github.com/google/uuid"

	"github.com/R3E-Network/loyalty_layer/internal/app/domain/audit"
	"github.com/R3E-Network/loyalty_layer/internal/app/metrics"
	"github.com/R3E-Network/loyalty_layer/internal/app/storage"
	"github.com/R3E-Network/loyalty_layer/internal/errors"
	"github.com/R3E-Network/loyalty_layer/pkg/logger"
)

const (
	defaultLimit = 30
	maxLimit     = 100
)

// Service appends immutable audit records and queries them back.
type Service struct {
	store storage.Store
	log   *logger.Logger
}

// New constructs an audit service.
func New(store storage.Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("audit")
	}
	return &Service{store: store, log: log}
}

// RecordEvent writes one record in its own transaction and returns it as
// stored, including the server-assigned timestamp. A failure is returned to
// the caller as is; nothing the caller committed earlier is undone.
func (s *Service) RecordEvent(ctx context.Context, req audit.Request) (audit.Log, error) {
	if err := validateRequest(req); err != nil {
		return audit.Log{}, err
	}
	id := uuid.NewString()
	err := s.store.RunTransaction(ctx, func(_ context.Context, tx storage.Tx) error {
		tx.Create(storage.AuditLogPath(id), buildLog(id, req, tx))
		return nil
	})
	if err != nil {
		s.log.WithError(err).Errorf("write audit record %s (%s)", id, req.Action)
		return audit.Log{}, errors.Internal("failed to write audit log", err)
	}

	snap, err := s.store.Get(ctx, storage.AuditLogPath(id))
	if err != nil {
		s.log.WithError(err).Errorf("read back audit record %s", id)
		return audit.Log{}, errors.Internal("failed to read audit log", err)
	}
	var out audit.Log
	if err := snap.DataTo(&out); err != nil {
		return audit.Log{}, errors.Internal("failed to decode audit log", err)
	}
	metrics.RecordAuditWrite(string(req.Action), "standalone")
	return out, nil
}

// StageEvent stages a record into an active transaction. It is committed, or
// discarded, together with the rest of that transaction.
func (s *Service) StageEvent(tx storage.Tx, req audit.Request) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	id := uuid.NewString()
	tx.Create(storage.AuditLogPath(id), buildLog(id, req, tx))
	return nil
}

// List returns one page of records newest first.
func (s *Service) List(ctx context.Context, filter audit.Filter) (audit.Page, error) {
	limit := clampLimit(filter.Limit)
	q := storage.Query{
		Collection: storage.AuditLogsCollection,
		OrderBy:    storage.Order{Field: audit.FieldTimestamp, Type: storage.FieldTime, Desc: true},
		Limit:      limit + 1,
	}
	if filter.Action != "" {
		q = q.Where(audit.FieldAction, storage.OpEqual, string(filter.Action))
	}
	if filter.ResourceType != "" {
		q = q.Where(audit.FieldResourceType, storage.OpEqual, string(filter.ResourceType))
	}
	if filter.ClientID != "" {
		q = q.Where(audit.FieldClientID, storage.OpEqual, filter.ClientID)
	}
	if filter.AccountID != "" {
		q = q.Where(audit.FieldAccountID, storage.OpEqual, filter.AccountID)
	}
	if filter.StartDate != nil {
		q = q.Where(audit.FieldTimestamp, storage.OpGreaterEqual, filter.StartDate.UTC())
	}
	if filter.EndDate != nil {
		q = q.Where(audit.FieldTimestamp, storage.OpLessEqual, filter.EndDate.UTC())
	}

	if filter.Cursor != "" {
		if !storage.ValidID(filter.Cursor) {
			return audit.Page{}, errors.Validation("cursor", "invalid cursor")
		}
		cursor, err := s.store.Get(ctx, storage.AuditLogPath(filter.Cursor))
		if stderrors.Is(err, storage.ErrNotFound) {
			return audit.Page{}, errors.NotFound("audit log", filter.Cursor)
		}
		if err != nil {
			s.log.WithError(err).Errorf("resolve audit cursor %s", filter.Cursor)
			return audit.Page{}, errors.Internal("failed to list audit logs", err)
		}
		q.StartAfter = &cursor
	}

	snaps, err := s.store.Query(ctx, q)
	if err != nil {
		s.log.WithError(err).Error("query audit logs")
		return audit.Page{}, errors.Internal("failed to list audit logs", err)
	}

	page := audit.Page{Logs: make([]audit.Log, 0, limit)}
	for i, snap := range snaps {
		if i == limit {
			next := page.Logs[limit-1].ID
			page.NextCursor = &next
			break
		}
		var entry audit.Log
		if err := snap.DataTo(&entry); err != nil {
			s.log.WithError(err).Errorf("decode audit log %s", snap.ID)
			return audit.Page{}, errors.Internal("failed to list audit logs", err)
		}
		page.Logs = append(page.Logs, entry)
	}
	return page, nil
}

// ForClient lists records correlated with one client.
func (s *Service) ForClient(ctx context.Context, clientID string, filter audit.Filter) (audit.Page, error) {
	if clientID == "" {
		return audit.Page{}, errors.Validation("client_id", "is required")
	}
	filter.ClientID = clientID
	return s.List(ctx, filter)
}

// ForAccount lists records correlated with one loyalty account.
func (s *Service) ForAccount(ctx context.Context, accountID string, filter audit.Filter) (audit.Page, error) {
	if accountID == "" {
		return audit.Page{}, errors.Validation("account_id", "is required")
	}
	filter.AccountID = accountID
	return s.List(ctx, filter)
}

func buildLog(id string, req audit.Request, tx storage.Tx) audit.Log {
	return audit.Log{
		ID:            id,
		Action:        req.Action,
		ResourceType:  req.ResourceType,
		ResourceID:    req.ResourceID,
		ClientID:      req.ClientID,
		AccountID:     req.AccountID,
		GroupID:       req.GroupID,
		TransactionID: req.TransactionID,
		Actor:         req.Actor,
		Changes:       req.Changes,
		Metadata:      req.Metadata,
		Timestamp:     tx.Time(),
	}
}

func validateRequest(req audit.Request) error {
	switch {
	case req.Action == "":
		return errors.Validation("action", "is required")
	case req.ResourceType == "":
		return errors.Validation("resource_type", "is required")
	case req.ResourceID == "":
		return errors.Validation("resource_id", "is required")
	}
	return nil
}

func clampLimit(limit int) int {
	switch {
	case limit == 0:
		return defaultLimit
	case limit < 1:
		return 1
	case limit > maxLimit:
		return maxLimit
	}
	return limit
}
