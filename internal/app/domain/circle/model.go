package circle

import "time"

// Role is a client's position in a family circle.
type Role string

const (
	RoleHolder Role = "holder"
	RoleMember Role = "member"
)

// RelationshipType describes how a member relates to the holder.
type RelationshipType string

const (
	RelationshipSpouse  RelationshipType = "spouse"
	RelationshipChild   RelationshipType = "child"
	RelationshipParent  RelationshipType = "parent"
	RelationshipSibling RelationshipType = "sibling"
	RelationshipFriend  RelationshipType = "friend"
	RelationshipOther   RelationshipType = "other"
)

// Valid reports whether r is one of the known relationship types.
func (r RelationshipType) Valid() bool {
	switch r {
	case RelationshipSpouse, RelationshipChild, RelationshipParent,
		RelationshipSibling, RelationshipFriend, RelationshipOther:
		return true
	}
	return false
}

// Pointer is the familyCircle field stored on a Client. A nil pointer (or an
// empty role) means the client is in no circle.
type Pointer struct {
	Role             Role             `json:"role"`
	HolderID         string           `json:"holderId,omitempty"`
	RelationshipType RelationshipType `json:"relationshipType,omitempty"`
	JoinedAt         *time.Time       `json:"joinedAt,omitempty"`
}

// IsHolder reports whether the pointer marks a circle holder.
func (p *Pointer) IsHolder() bool { return p != nil && p.Role == RoleHolder }

// IsMember reports whether the pointer marks a circle member.
func (p *Pointer) IsMember() bool { return p != nil && p.Role == RoleMember }

// Member is the edge record stored under the holder, keyed by member id.
type Member struct {
	MemberID         string           `json:"memberId"`
	RelationshipType RelationshipType `json:"relationshipType"`
	AddedBy          string           `json:"addedBy"`
	AddedAt          time.Time        `json:"addedAt"`
}

// Info describes a client's view of its circle.
type Info struct {
	InCircle         bool             `json:"inCircle"`
	Role             Role             `json:"role,omitempty"`
	HolderID         string           `json:"holderId,omitempty"`
	RelationshipType RelationshipType `json:"relationshipType,omitempty"`
	JoinedAt         *time.Time       `json:"joinedAt,omitempty"`
	Members          []Member         `json:"members"`
	MemberCount      int              `json:"memberCount"`
}

// Roster is the holder-only member listing.
type Roster struct {
	HolderID    string    `json:"holderId"`
	Members     []Member  `json:"members"`
	MemberCount int       `json:"memberCount"`
	RequestedBy string    `json:"requestedBy"`
	RetrievedAt time.Time `json:"retrievedAt"`
}

// ConfigUpdate carries a partial family-circle config change; nil fields keep
// their previous value.
type ConfigUpdate struct {
	AllowMemberCredits *bool `json:"allowMemberCredits,omitempty"`
	AllowMemberDebits  *bool `json:"allowMemberDebits,omitempty"`
}
