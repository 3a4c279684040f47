package loyalty

import (
	"time"

	"github.com/R3E-Network/loyalty_layer/internal/app/domain/circle"
)

// Document field names.
const (
	FieldPoints             = "points"
	FieldFamilyCircleConfig = "familyCircleConfig"
	FieldCreatedAt          = "created_at"
	FieldUpdatedAt          = "updated_at"
	FieldTimestamp          = "timestamp"
	FieldType               = "type"
)

// SystemActor stamps defaults that no caller set.
const SystemActor = "system"

// Account is a loyalty account owned by exactly one client. Points is the
// source of truth and never negative.
type Account struct {
	ID                 string              `json:"id"`
	ClientID           string              `json:"client_id"`
	Name               string              `json:"name"`
	Points             int64               `json:"points"`
	FamilyCircleConfig *FamilyCircleConfig `json:"familyCircleConfig"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// FamilyCircleConfig controls whether circle members may move points on the
// account it is attached to.
type FamilyCircleConfig struct {
	AllowMemberCredits bool      `json:"allowMemberCredits"`
	AllowMemberDebits  bool      `json:"allowMemberDebits"`
	UpdatedAt          time.Time `json:"updatedAt"`
	UpdatedBy          string    `json:"updatedBy"`
}

// TransactionType is credit or debit.
type TransactionType string

const (
	TransactionCredit TransactionType = "credit"
	TransactionDebit  TransactionType = "debit"
)

// Valid reports whether t is credit or debit.
func (t TransactionType) Valid() bool {
	return t == TransactionCredit || t == TransactionDebit
}

// Originator identifies the delegate that acted on the holder's behalf.
type Originator struct {
	ClientID         string                  `json:"clientId"`
	IsCircleMember   bool                    `json:"isCircleMember"`
	RelationshipType circle.RelationshipType `json:"relationshipType,omitempty"`
}

// Transaction is an immutable point movement recorded under an account.
type Transaction struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	ClientID     string          `json:"client_id"`
	Type         TransactionType `json:"type"`
	Amount       int64           `json:"amount"`
	Description  string          `json:"description"`
	BalanceAfter int64           `json:"balance_after"`
	OriginatedBy *Originator     `json:"originatedBy"`
	Timestamp    time.Time       `json:"timestamp"`
}

// TransactionQuery selects a page of an account's history.
type TransactionQuery struct {
	ClientID  string
	AccountID string
	Limit     int
	Cursor    string
	StartDate *time.Time
	EndDate   *time.Time
	Type      TransactionType
}

// TransactionPage is one page of history, newest first.
type TransactionPage struct {
	Transactions []Transaction `json:"transactions"`
	NextCursor   *string       `json:"nextCursor"`
}

// Balance is the authoritative balance of one account.
type Balance struct {
	AccountID string    `json:"accountId"`
	Points    int64     `json:"points"`
	AsOf      time.Time `json:"asOf"`
}
