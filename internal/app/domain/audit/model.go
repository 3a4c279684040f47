package audit

import "time"

// Action is the audited operation.
type Action string

const (
	ActionClientCreated          Action = "CLIENT_CREATED"
	ActionGroupCreated           Action = "GROUP_CREATED"
	ActionClientAddedToGroup     Action = "CLIENT_ADDED_TO_GROUP"
	ActionClientRemovedFromGroup Action = "CLIENT_REMOVED_FROM_GROUP"
	ActionAccountCreated         Action = "ACCOUNT_CREATED"
	ActionPointsCredited         Action = "POINTS_CREDITED"
	ActionPointsDebited          Action = "POINTS_DEBITED"
	ActionCircleMemberAdded      Action = "FAMILY_CIRCLE_MEMBER_ADDED"
	ActionCircleMemberRemoved    Action = "FAMILY_CIRCLE_MEMBER_REMOVED"
	ActionAccountConfigUpdated   Action = "LOYALTY_ACCOUNT_FAMILY_CONFIG_UPDATED"
)

// ResourceType is the kind of resource an audit entry refers to.
type ResourceType string

const (
	ResourceClient         ResourceType = "client"
	ResourceLoyaltyAccount ResourceType = "loyalty_account"
	ResourceTransaction    ResourceType = "transaction"
	ResourceAffinityGroup  ResourceType = "affinity_group"
	ResourceFamilyCircle   ResourceType = "family_circle"
)

// Field names used by audit queries.
const (
	FieldAction       = "action"
	FieldResourceType = "resource_type"
	FieldClientID     = "client_id"
	FieldAccountID    = "account_id"
	FieldTimestamp    = "timestamp"
)

// Actor is the authenticated caller an operation is attributed to.
type Actor struct {
	UID   string  `json:"uid"`
	Email *string `json:"email"`
}

// Changes is a before/after snapshot. Either side may be nil.
type Changes struct {
	Before interface{} `json:"before"`
	After  interface{} `json:"after"`
}

// Metadata is free-form request context.
type Metadata struct {
	IPAddress   string `json:"ip_address,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	Description string `json:"description,omitempty"`
}

// Request is the input to the audit writer.
type Request struct {
	Action        Action
	ResourceType  ResourceType
	ResourceID    string
	ClientID      string
	AccountID     string
	GroupID       string
	TransactionID string
	Actor         Actor
	Changes       *Changes
	Metadata      *Metadata
}

// Log is an immutable audit record.
type Log struct {
	ID            string       `json:"id"`
	Action        Action       `json:"action"`
	ResourceType  ResourceType `json:"resource_type"`
	ResourceID    string       `json:"resource_id"`
	ClientID      string       `json:"client_id,omitempty"`
	AccountID     string       `json:"account_id,omitempty"`
	GroupID       string       `json:"group_id,omitempty"`
	TransactionID string       `json:"transaction_id,omitempty"`
	Actor         Actor        `json:"actor"`
	Changes       *Changes     `json:"changes,omitempty"`
	Metadata      *Metadata    `json:"metadata,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
}

// Filter selects audit records. Zero values mean "no constraint".
type Filter struct {
	Action       Action
	ResourceType ResourceType
	ClientID     string
	AccountID    string
	StartDate    *time.Time
	EndDate      *time.Time
	Limit        int
	Cursor       string
}

// Page is one page of audit records, newest first.
type Page struct {
	Logs       []Log   `json:"logs"`
	NextCursor *string `json:"nextCursor"`
}
