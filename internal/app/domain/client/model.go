package client

import (
	"time"

	"github.com/R3E-Network/loyalty_layer/internal/app/domain/circle"
)

// Document field names written by the ledger and the family-circle service.
const (
	FieldAccountBalances = "account_balances"
	FieldFamilyCircle    = "familyCircle"
	FieldAffinityGroups  = "affinityGroups"
	FieldUpdatedAt       = "updated_at"
	FieldEmail           = "email"
	FieldMemberCount     = "member_count"
)

// IdentityDocument is an optional government id attached to a client.
type IdentityDocument struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

// Phone is a client phone entry.
type Phone struct {
	Label  string `json:"label,omitempty"`
	Number string `json:"number"`
}

// Address is a client postal address.
type Address struct {
	Label   string `json:"label,omitempty"`
	Line1   string `json:"line1"`
	Line2   string `json:"line2,omitempty"`
	City    string `json:"city,omitempty"`
	Region  string `json:"region,omitempty"`
	Postal  string `json:"postal,omitempty"`
	Country string `json:"country,omitempty"`
}

// Client is the identity root that owns loyalty accounts.
//
// AccountBalances mirrors each owned account's points. It is written only in
// the same transaction that changes the account.
type Client struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Email            *string           `json:"email"`
	IdentityDocument *IdentityDocument `json:"identity_document,omitempty"`
	Phones           []Phone           `json:"phones,omitempty"`
	Addresses        []Address         `json:"addresses,omitempty"`
	AccountBalances  map[string]int64  `json:"account_balances"`
	FamilyCircle     *circle.Pointer   `json:"familyCircle"`
	AffinityGroups   []string          `json:"affinityGroups"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// AffinityGroup groups clients. Membership lives on Client.AffinityGroups.
type AffinityGroup struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	MemberCount int64     `json:"member_count"`
	CreatedAt   time.Time `json:"created_at"`
}
