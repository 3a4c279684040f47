package circle

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/R3E-Network/loyalty_layer/internal/app/domain/audit"
	"github.com/R3E-Network/loyalty_layer/internal/app/domain/circle"
	"github.com/R3E-Network/loyalty_layer/internal/app/domain/client"
	"github.com/R3E-Network/loyalty_layer/internal/app/domain/loyalty"
	"github.com/R3E-Network/loyalty_layer/internal/app/storage"
	"github.com/R3E-Network/loyalty_layer/internal/errors"
	"github.com/R3E-Network/loyalty_layer/pkg/logger"
)

// AuditRecorder writes standalone audit records after a committed change.
type AuditRecorder interface {
	RecordEvent(ctx context.Context, req audit.Request) (audit.Log, error)
}

// Service manages the holder/member graph and the per-account delegation
// config that decides what members may do.
type Service struct {
	store storage.Store
	audit AuditRecorder
	log   *logger.Logger
	now   func() time.Time
}

// New constructs a family circle service.
func New(store storage.Store, auditRecorder AuditRecorder, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("family-circle")
	}
	return &Service{
		store: store,
		audit: auditRecorder,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Info describes the client's position in a circle. Holders get their roster,
// members get the holder they belong to.
func (s *Service) Info(ctx context.Context, clientID string) (circle.Info, error) {
	c, err := s.getClient(ctx, clientID)
	if err != nil {
		return circle.Info{}, err
	}
	ptr := c.FamilyCircle
	switch {
	case ptr.IsHolder():
		members, err := s.listMembers(ctx, clientID)
		if err != nil {
			return circle.Info{}, err
		}
		return circle.Info{
			InCircle:    true,
			Role:        circle.RoleHolder,
			Members:     members,
			MemberCount: len(members),
		}, nil
	case ptr.IsMember():
		return circle.Info{
			InCircle:         true,
			Role:             circle.RoleMember,
			HolderID:         ptr.HolderID,
			RelationshipType: ptr.RelationshipType,
			JoinedAt:         ptr.JoinedAt,
			Members:          []circle.Member{},
		}, nil
	}
	return circle.Info{InCircle: false, Members: []circle.Member{}}, nil
}

// Members lists the roster of a holder. Only a client whose own role is
// holder has a roster.
func (s *Service) Members(ctx context.Context, holderID, requesterID string) (circle.Roster, error) {
	holder, err := s.getClient(ctx, holderID)
	if err != nil {
		return circle.Roster{}, err
	}
	if !holder.FamilyCircle.IsHolder() {
		return circle.Roster{}, errors.Forbidden(errors.CodeNotCircleHolder, "client is not a family circle holder")
	}
	members, err := s.listMembers(ctx, holderID)
	if err != nil {
		return circle.Roster{}, err
	}
	return circle.Roster{
		HolderID:    holderID,
		Members:     members,
		MemberCount: len(members),
		RequestedBy: requesterID,
		RetrievedAt: s.now(),
	}, nil
}

// AddMember links memberID to holderID's circle.
func (s *Service) AddMember(ctx context.Context, holderID, memberID string, relationship circle.RelationshipType, actor audit.Actor) (circle.Member, error) {
	if !relationship.Valid() {
		return circle.Member{}, errors.Validation("relationshipType", "must be one of spouse, child, parent, sibling, friend, other")
	}
	if err := requireID("holder_id", holderID); err != nil {
		return circle.Member{}, err
	}
	if err := requireID("member_id", memberID); err != nil {
		return circle.Member{}, err
	}

	edgePath := storage.MemberPath(holderID, memberID)
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		holder, err := txClient(ctx, tx, holderID)
		if err != nil {
			return err
		}
		member, err := txClient(ctx, tx, memberID)
		if err != nil {
			return err
		}
		if holderID == memberID {
			return errors.BadRequest(errors.CodeCannotAddSelf, "cannot add self to family circle")
		}
		if holder.FamilyCircle.IsMember() {
			return errors.BadRequest(errors.CodeHolderAlreadyMember, "holder is already a member of another family circle")
		}
		if member.FamilyCircle != nil && member.FamilyCircle.Role != "" {
			return errors.Conflict(errors.CodeMemberAlreadyInCircle, "member is already in a family circle")
		}

		now := tx.Time()
		tx.Set(edgePath, circle.Member{
			MemberID:         memberID,
			RelationshipType: relationship,
			AddedBy:          actor.UID,
			AddedAt:          now,
		})
		tx.Merge(storage.ClientPath(memberID), map[string]interface{}{
			client.FieldFamilyCircle: circle.Pointer{
				Role:             circle.RoleMember,
				HolderID:         holderID,
				RelationshipType: relationship,
				JoinedAt:         &now,
			},
		})
		if !holder.FamilyCircle.IsHolder() {
			tx.Merge(storage.ClientPath(holderID), map[string]interface{}{
				client.FieldFamilyCircle: circle.Pointer{Role: circle.RoleHolder},
			})
		}
		return nil
	})
	if err != nil {
		return circle.Member{}, s.fail("add family circle member", err)
	}

	snap, err := s.store.Get(ctx, edgePath)
	if err != nil {
		return circle.Member{}, s.fail("add family circle member", err)
	}
	var edge circle.Member
	if err := snap.DataTo(&edge); err != nil {
		return circle.Member{}, s.fail("add family circle member", err)
	}

	if _, err := s.audit.RecordEvent(ctx, audit.Request{
		Action:       audit.ActionCircleMemberAdded,
		ResourceType: audit.ResourceFamilyCircle,
		ResourceID:   holderID,
		ClientID:     holderID,
		Actor:        actor,
		Changes: &audit.Changes{
			Before: nil,
			After:  edgeSnapshot(memberID, relationship),
		},
	}); err != nil {
		s.log.WithError(err).Warnf("member %s added to circle %s but audit record failed", memberID, holderID)
		return circle.Member{}, err
	}
	s.log.Infof("client %s joined family circle of %s as %s", memberID, holderID, relationship)
	return edge, nil
}

// RemoveMember unlinks memberID from holderID's circle. The holder keeps its
// holder role even when the last member leaves.
func (s *Service) RemoveMember(ctx context.Context, holderID, memberID string, actor audit.Actor) error {
	if err := requireID("holder_id", holderID); err != nil {
		return err
	}
	if err := requireID("member_id", memberID); err != nil {
		return err
	}

	edgePath := storage.MemberPath(holderID, memberID)
	var removed circle.Member
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := txClient(ctx, tx, holderID); err != nil {
			return err
		}
		if _, err := txClient(ctx, tx, memberID); err != nil {
			return err
		}
		snap, err := tx.Get(ctx, edgePath)
		if stderrors.Is(err, storage.ErrNotFound) {
			return errors.NotFoundWithCode(errors.CodeMemberNotInCircle, "member not in circle")
		}
		if err != nil {
			return err
		}
		if err := snap.DataTo(&removed); err != nil {
			return err
		}

		tx.Delete(edgePath)
		tx.Merge(storage.ClientPath(memberID), map[string]interface{}{
			client.FieldFamilyCircle: nil,
		})
		return nil
	})
	if err != nil {
		return s.fail("remove family circle member", err)
	}

	if _, err := s.audit.RecordEvent(ctx, audit.Request{
		Action:       audit.ActionCircleMemberRemoved,
		ResourceType: audit.ResourceFamilyCircle,
		ResourceID:   holderID,
		ClientID:     holderID,
		Actor:        actor,
		Changes: &audit.Changes{
			Before: edgeSnapshot(memberID, removed.RelationshipType),
			After:  nil,
		},
	}); err != nil {
		s.log.WithError(err).Warnf("member %s removed from circle %s but audit record failed", memberID, holderID)
		return err
	}
	s.log.Infof("client %s left family circle of %s", memberID, holderID)
	return nil
}

// GetConfig returns the account's delegation config, or the deny-all default
// when none was ever set.
func (s *Service) GetConfig(ctx context.Context, clientID, accountID string) (loyalty.FamilyCircleConfig, error) {
	acct, err := s.getAccount(ctx, clientID, accountID)
	if err != nil {
		return loyalty.FamilyCircleConfig{}, err
	}
	if acct.FamilyCircleConfig == nil {
		return defaultConfig(acct), nil
	}
	return *acct.FamilyCircleConfig, nil
}

// UpdateConfig merges the fields present in update over the account's current
// config. Only holders may change it.
func (s *Service) UpdateConfig(ctx context.Context, clientID, accountID string, update circle.ConfigUpdate, actor audit.Actor) (loyalty.FamilyCircleConfig, error) {
	if err := requireID("client_id", clientID); err != nil {
		return loyalty.FamilyCircleConfig{}, err
	}
	if err := requireID("account_id", accountID); err != nil {
		return loyalty.FamilyCircleConfig{}, err
	}

	accountPath := storage.AccountPath(clientID, accountID)
	var before *loyalty.FamilyCircleConfig
	var after loyalty.FamilyCircleConfig
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		holder, err := txClient(ctx, tx, clientID)
		if err != nil {
			return err
		}
		if !holder.FamilyCircle.IsHolder() {
			return errors.Forbidden(errors.CodeNotCircleHolder, "only a family circle holder can change this config")
		}
		snap, err := tx.Get(ctx, accountPath)
		if stderrors.Is(err, storage.ErrNotFound) {
			return errors.NotFound("account", accountID)
		}
		if err != nil {
			return err
		}
		var acct loyalty.Account
		if err := snap.DataTo(&acct); err != nil {
			return err
		}

		before = acct.FamilyCircleConfig
		after = loyalty.FamilyCircleConfig{}
		if before != nil {
			after = *before
		}
		if update.AllowMemberCredits != nil {
			after.AllowMemberCredits = *update.AllowMemberCredits
		}
		if update.AllowMemberDebits != nil {
			after.AllowMemberDebits = *update.AllowMemberDebits
		}
		now := tx.Time()
		after.UpdatedAt = now
		after.UpdatedBy = actor.UID

		tx.Merge(accountPath, map[string]interface{}{
			loyalty.FieldFamilyCircleConfig: after,
			loyalty.FieldUpdatedAt:          now,
		})
		return nil
	})
	if err != nil {
		return loyalty.FamilyCircleConfig{}, s.fail("update family circle config", err)
	}

	var beforeSnapshot interface{}
	if before != nil {
		beforeSnapshot = *before
	}
	if _, err := s.audit.RecordEvent(ctx, audit.Request{
		Action:       audit.ActionAccountConfigUpdated,
		ResourceType: audit.ResourceLoyaltyAccount,
		ResourceID:   accountID,
		ClientID:     clientID,
		AccountID:    accountID,
		Actor:        actor,
		Changes:      &audit.Changes{Before: beforeSnapshot, After: after},
	}); err != nil {
		s.log.WithError(err).Warnf("config of account %s updated but audit record failed", accountID)
		return loyalty.FamilyCircleConfig{}, err
	}
	return after, nil
}

// ValidateMemberTransactionPermission decides whether memberID may move
// points of the given type on holderID's account. It returns the member's
// relationship so the caller can stamp the transaction originator. A missing
// config denies.
func (s *Service) ValidateMemberTransactionPermission(ctx context.Context, holderID, memberID, accountID string, txType loyalty.TransactionType) (circle.RelationshipType, error) {
	if !txType.Valid() {
		return "", errors.Validation("type", "must be credit or debit")
	}
	member, err := s.getClient(ctx, memberID)
	if err != nil {
		return "", err
	}
	ptr := member.FamilyCircle
	if !ptr.IsMember() || ptr.HolderID != holderID {
		return "", errors.Forbidden(errors.CodeNotInCircle, "client is not a member of this family circle")
	}

	acct, err := s.getAccount(ctx, holderID, accountID)
	if err != nil {
		return "", err
	}
	cfg := acct.FamilyCircleConfig
	switch txType {
	case loyalty.TransactionCredit:
		if cfg == nil || !cfg.AllowMemberCredits {
			return "", errors.Forbidden(errors.CodeCircleCreditsNotAllowed, "family circle members may not credit this account")
		}
	case loyalty.TransactionDebit:
		if cfg == nil || !cfg.AllowMemberDebits {
			return "", errors.Forbidden(errors.CodeCircleDebitsNotAllowed, "family circle members may not debit this account")
		}
	}
	return ptr.RelationshipType, nil
}

func (s *Service) listMembers(ctx context.Context, holderID string) ([]circle.Member, error) {
	snaps, err := s.store.Query(ctx, storage.Query{
		Collection: storage.MembersPath(holderID),
		OrderBy:    storage.Order{Field: "addedAt", Type: storage.FieldTime},
	})
	if err != nil {
		return nil, s.fail("list family circle members", err)
	}
	members := make([]circle.Member, 0, len(snaps))
	for _, snap := range snaps {
		var m circle.Member
		if err := snap.DataTo(&m); err != nil {
			return nil, s.fail("list family circle members", err)
		}
		members = append(members, m)
	}
	return members, nil
}

func (s *Service) getClient(ctx context.Context, clientID string) (client.Client, error) {
	if err := requireID("client_id", clientID); err != nil {
		return client.Client{}, err
	}
	snap, err := s.store.Get(ctx, storage.ClientPath(clientID))
	if stderrors.Is(err, storage.ErrNotFound) {
		return client.Client{}, errors.NotFound("client", clientID)
	}
	if err != nil {
		return client.Client{}, s.fail("get client", err)
	}
	var c client.Client
	if err := snap.DataTo(&c); err != nil {
		return client.Client{}, s.fail("get client", err)
	}
	return c, nil
}

func (s *Service) getAccount(ctx context.Context, clientID, accountID string) (loyalty.Account, error) {
	if err := requireID("account_id", accountID); err != nil {
		return loyalty.Account{}, err
	}
	if err := requireID("client_id", clientID); err != nil {
		return loyalty.Account{}, err
	}
	snap, err := s.store.Get(ctx, storage.AccountPath(clientID, accountID))
	if stderrors.Is(err, storage.ErrNotFound) {
		return loyalty.Account{}, errors.NotFound("account", accountID)
	}
	if err != nil {
		return loyalty.Account{}, s.fail("get account", err)
	}
	var acct loyalty.Account
	if err := snap.DataTo(&acct); err != nil {
		return loyalty.Account{}, s.fail("get account", err)
	}
	return acct, nil
}

func txClient(ctx context.Context, tx storage.Tx, clientID string) (client.Client, error) {
	snap, err := tx.Get(ctx, storage.ClientPath(clientID))
	if stderrors.Is(err, storage.ErrNotFound) {
		return client.Client{}, errors.NotFound("client", clientID)
	}
	if err != nil {
		return client.Client{}, err
	}
	var c client.Client
	if err := snap.DataTo(&c); err != nil {
		return client.Client{}, err
	}
	return c, nil
}

func (s *Service) fail(op string, err error) error {
	if svcErr := errors.GetServiceError(err); svcErr != nil {
		return svcErr
	}
	if stderrors.Is(err, storage.ErrContention) {
		s.log.WithError(err).Warnf("%s: contention", op)
		return errors.Conflict(errors.CodeConflict, "the family circle is busy, retry the operation")
	}
	s.log.WithError(err).Errorf("%s failed", op)
	return errors.Internal("failed to "+op, err)
}

func defaultConfig(acct loyalty.Account) loyalty.FamilyCircleConfig {
	return loyalty.FamilyCircleConfig{
		AllowMemberCredits: false,
		AllowMemberDebits:  false,
		UpdatedAt:          acct.CreatedAt,
		UpdatedBy:          loyalty.SystemActor,
	}
}

func edgeSnapshot(memberID string, relationship circle.RelationshipType) map[string]interface{} {
	return map[string]interface{}{
		"memberId":         memberID,
		"relationshipType": relationship,
	}
}

func requireID(field, id string) error {
	if !storage.ValidID(id) {
		return errors.Validation(field, "is required")
	}
	return nil
}
