// Package testutil provides common testing utilities and mock implementations.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/loyalty_layer/internal/app/domain/audit"
	"github.com/R3E-Network/loyalty_layer/internal/app/storage"
)

// StepClock returns a goroutine-safe clock that advances by step on every
// call, starting one step after start. Plug it into memory.WithClock to get
// strictly increasing server timestamps.
func StepClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(step)
		return now
	}
}

// MockAuditRecorder records audit requests in memory. When Err is set every
// call fails with it and nothing is recorded.
type MockAuditRecorder struct {
	mu       sync.Mutex
	requests []audit.Request
	Err      error
}

// RecordEvent implements the standalone audit write.
func (m *MockAuditRecorder) RecordEvent(_ context.Context, req audit.Request) (audit.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return audit.Log{}, m.Err
	}
	m.requests = append(m.requests, req)
	return audit.Log{
		ID:            uuid.NewString(),
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
		Timestamp:     time.Now().UTC(),
	}, nil
}

// StageEvent records the request without touching the transaction.
func (m *MockAuditRecorder) StageEvent(_ storage.Tx, req audit.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.requests = append(m.requests, req)
	return nil
}

// Requests returns a copy of the recorded requests.
func (m *MockAuditRecorder) Requests() []audit.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Request(nil), m.requests...)
}

// Actions returns the recorded actions in call order.
func (m *MockAuditRecorder) Actions() []audit.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audit.Action, 0, len(m.requests))
	for _, req := range m.requests {
		out = append(out, req.Action)
	}
	return out
}
