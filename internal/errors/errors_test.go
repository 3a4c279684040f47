package errors

import (
	"database/sql"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestNotFound(t *testing.T) {
	err := NotFound("account", "abc123")

	expected := `NOT_FOUND: account "abc123" not found`
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
	if !stderrors.Is(err, ErrNotFound) {
		t.Error("expected error to wrap ErrNotFound")
	}
	if !IsNotFound(fmt.Errorf("lookup: %w", err)) {
		t.Error("IsNotFound should see through wrapping")
	}
	if err.HTTPStatus != http.StatusNotFound {
		t.Errorf("unexpected status %d", err.HTTPStatus)
	}
}

func TestNotFound_NoID(t *testing.T) {
	err := NotFound("client", "")
	if err.Message != "client not found" {
		t.Errorf("unexpected message %q", err.Message)
	}
}

func TestForbiddenCodes(t *testing.T) {
	err := Forbidden(CodeNotCircleHolder, "only the circle holder may do this")
	if !IsForbidden(err) {
		t.Error("IsForbidden should return true")
	}
	if !HasCode(err, CodeNotCircleHolder) {
		t.Error("expected NOT_CIRCLE_HOLDER code")
	}
	if err.HTTPStatus != http.StatusForbidden {
		t.Errorf("unexpected status %d", err.HTTPStatus)
	}
}

func TestInsufficientBalanceIsNotValidation(t *testing.T) {
	err := InsufficientBalance(10, 30)
	if !IsInsufficientBalance(err) {
		t.Error("expected insufficient balance kind")
	}
	if IsValidation(err) {
		t.Error("insufficient balance must be distinct from validation")
	}
	if err.Details["balance"] != int64(10) || err.Details["requested"] != int64(30) {
		t.Errorf("unexpected details %v", err.Details)
	}
}

func TestInternalHidesCause(t *testing.T) {
	err := Internal("failed to credit points", sql.ErrConnDone)
	if err.Error() != "INTERNAL_ERROR: failed to credit points" {
		t.Errorf("cause leaked into message: %q", err.Error())
	}
	if !stderrors.Is(err, sql.ErrConnDone) {
		t.Error("cause should remain reachable for logging")
	}
}

func TestWrapPreservesServiceError(t *testing.T) {
	orig := Conflict(CodeMemberAlreadyInCircle, "member already in a circle")
	if Wrap(fmt.Errorf("tx: %w", orig), "ignored") != orig {
		t.Error("Wrap should return the existing ServiceError")
	}
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should return nil")
	}
	if !IsConflict(orig) {
		t.Error("IsConflict should return true")
	}
}
