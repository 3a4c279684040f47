package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Collections.
const (
	ClientsCollection             = "clients"
	LoyaltyAccountsCollection     = "loyalty_accounts"
	TransactionsCollection        = "transactions"
	FamilyCircleMembersCollection = "family_circle_members"
	AffinityGroupsCollection      = "affinity_groups"
	AuditLogsCollection           = "audit_logs"
	UniqueKeysCollection          = "unique_keys"
)

// Snapshot is a document as read from the store. Data is canonical JSON.
type Snapshot struct {
	Path       string
	ID         string
	Data       []byte
	CreateTime time.Time
	UpdateTime time.Time
	Version    int64
}

// DataTo decodes the document into v after normalising timestamp values.
func (s Snapshot) DataTo(v interface{}) error {
	normalized, err := NormalizeTimestamps(s.Data)
	if err != nil {
		return fmt.Errorf("decode %s: %w", s.Path, err)
	}
	if err := json.Unmarshal(normalized, v); err != nil {
		return fmt.Errorf("decode %s: %w", s.Path, err)
	}
	return nil
}

// Field returns the value at a dotted field path, decoded generically with
// numbers kept as json.Number.
func (s Snapshot) Field(path string) (interface{}, bool) {
	doc, err := decodeObject(s.Data)
	if err != nil {
		return nil, false
	}
	return lookupField(doc, path)
}

// ValidID reports whether id can be used as a path segment.
func ValidID(id string) bool {
	return id != "" && !strings.Contains(id, "/") && strings.TrimSpace(id) == id
}

// Join builds a slash-separated path.
func Join(parts ...string) string {
	return strings.Join(parts, "/")
}

// Parent returns the collection path containing a document path.
func Parent(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[:i]
	}
	return ""
}

// ID returns the final segment of a path.
func ID(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

func ClientPath(clientID string) string {
	return Join(ClientsCollection, clientID)
}

func AccountsPath(clientID string) string {
	return Join(ClientsCollection, clientID, LoyaltyAccountsCollection)
}

func AccountPath(clientID, accountID string) string {
	return Join(AccountsPath(clientID), accountID)
}

func TransactionsPath(clientID, accountID string) string {
	return Join(AccountPath(clientID, accountID), TransactionsCollection)
}

func TransactionPath(clientID, accountID, txID string) string {
	return Join(TransactionsPath(clientID, accountID), txID)
}

func MembersPath(holderID string) string {
	return Join(ClientsCollection, holderID, FamilyCircleMembersCollection)
}

func MemberPath(holderID, memberID string) string {
	return Join(MembersPath(holderID), memberID)
}

func GroupPath(groupID string) string {
	return Join(AffinityGroupsCollection, groupID)
}

func AuditLogPath(logID string) string {
	return Join(AuditLogsCollection, logID)
}

// UniqueKeyPath addresses a reservation document that enforces uniqueness of
// an arbitrary value, such as a client email.
func UniqueKeyPath(kind, value string) string {
	return Join(UniqueKeysCollection, kind+":"+url.PathEscape(strings.ToLower(strings.TrimSpace(value))))
}

// Encode marshals a value into canonical document JSON. Raw JSON is accepted
// as-is after validation.
func Encode(v interface{}) ([]byte, error) {
	switch raw := v.(type) {
	case json.RawMessage:
		if !json.Valid(raw) {
			return nil, fmt.Errorf("invalid raw document")
		}
		return compact(raw)
	case []byte:
		if !json.Valid(raw) {
			return nil, fmt.Errorf("invalid raw document")
		}
		return compact(raw)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("document must encode to a JSON object")
	}
	return data, nil
}

func compact(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
