package clients

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/google/uuid"

	"github.com/R3E-Network/loyalty_layer/internal/app/domain/audit"
	"github.com/R3E-Network/loyalty_layer/internal/app/domain/client"
	"github.com/R3E-Network/loyalty_layer/internal/app/storage"
	"github.com/R3E-Network/loyalty_layer/internal/errors"
	"github.com/R3E-Network/loyalty_layer/pkg/logger"
)

const (
	uniqueEmail    = "email"
	uniqueIdentity = "identity"
)

// AuditRecorder writes standalone audit records.
type AuditRecorder interface {
	RecordEvent(ctx context.Context, req audit.Request) (audit.Log, error)
}

// Service is the client and affinity-group directory. It never touches the
// balance mirror or the family circle pointer of a client.
type Service struct {
	store storage.Store
	audit AuditRecorder
	log   *logger.Logger
}

// New constructs a client directory service.
func New(store storage.Store, auditRecorder AuditRecorder, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("clients")
	}
	return &Service{store: store, audit: auditRecorder, log: log}
}

// Create registers a client. Email and identity document must be unique.
func (s *Service) Create(ctx context.Context, c client.Client, actor audit.Actor) (client.Client, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return client.Client{}, errors.Validation("name", "is required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if !storage.ValidID(c.ID) {
		return client.Client{}, errors.Validation("id", "invalid client id")
	}
	if c.Email != nil {
		email := strings.TrimSpace(*c.Email)
		if email == "" || !strings.Contains(email, "@") {
			return client.Client{}, errors.Validation("email", "invalid email address")
		}
		c.Email = &email
	}

	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		if c.Email != nil {
			if err := reserve(ctx, tx, uniqueEmail, *c.Email, c.ID, "a client with this email already exists"); err != nil {
				return err
			}
		}
		if doc := c.IdentityDocument; doc != nil && doc.Number != "" {
			if err := reserve(ctx, tx, uniqueIdentity, doc.Type+":"+doc.Number, c.ID, "a client with this identity document already exists"); err != nil {
				return err
			}
		}
		now := tx.Time()
		c.AccountBalances = map[string]int64{}
		c.FamilyCircle = nil
		c.AffinityGroups = []string{}
		c.CreatedAt = now
		c.UpdatedAt = now
		tx.Create(storage.ClientPath(c.ID), c)
		return nil
	})
	if err != nil {
		if stderrors.Is(err, storage.ErrAlreadyExists) {
			return client.Client{}, errors.Conflict(errors.CodeConflict, "client already exists")
		}
		return client.Client{}, s.fail("create client", err)
	}

	created, err := s.Get(ctx, c.ID)
	if err != nil {
		return client.Client{}, err
	}
	if _, err := s.audit.RecordEvent(ctx, audit.Request{
		Action:       audit.ActionClientCreated,
		ResourceType: audit.ResourceClient,
		ResourceID:   created.ID,
		ClientID:     created.ID,
		Actor:        actor,
		Changes:      &audit.Changes{After: created},
	}); err != nil {
		return client.Client{}, err
	}
	s.log.Infof("client %s created", created.ID)
	return created, nil
}

// Get reads one client.
func (s *Service) Get(ctx context.Context, clientID string) (client.Client, error) {
	if !storage.ValidID(clientID) {
		return client.Client{}, errors.Validation("client_id", "is required")
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

// List returns every client ordered by id.
func (s *Service) List(ctx context.Context) ([]client.Client, error) {
	snaps, err := s.store.Query(ctx, storage.Query{Collection: storage.ClientsCollection})
	if err != nil {
		return nil, s.fail("list clients", err)
	}
	out := make([]client.Client, 0, len(snaps))
	for _, snap := range snaps {
		var c client.Client
		if err := snap.DataTo(&c); err != nil {
			return nil, s.fail("list clients", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// CreateGroup registers an affinity group.
func (s *Service) CreateGroup(ctx context.Context, name, description string, actor audit.Actor) (client.AffinityGroup, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return client.AffinityGroup{}, errors.Validation("name", "is required")
	}
	group := client.AffinityGroup{ID: uuid.NewString(), Name: name, Description: description}
	err := s.store.RunTransaction(ctx, func(_ context.Context, tx storage.Tx) error {
		group.CreatedAt = tx.Time()
		tx.Create(storage.GroupPath(group.ID), group)
		return nil
	})
	if err != nil {
		return client.AffinityGroup{}, s.fail("create group", err)
	}
	if _, err := s.audit.RecordEvent(ctx, audit.Request{
		Action:       audit.ActionGroupCreated,
		ResourceType: audit.ResourceAffinityGroup,
		ResourceID:   group.ID,
		GroupID:      group.ID,
		Actor:        actor,
		Changes:      &audit.Changes{After: group},
	}); err != nil {
		return client.AffinityGroup{}, err
	}
	return group, nil
}

// GetGroup reads one affinity group.
func (s *Service) GetGroup(ctx context.Context, groupID string) (client.AffinityGroup, error) {
	if !storage.ValidID(groupID) {
		return client.AffinityGroup{}, errors.Validation("group_id", "is required")
	}
	snap, err := s.store.Get(ctx, storage.GroupPath(groupID))
	if stderrors.Is(err, storage.ErrNotFound) {
		return client.AffinityGroup{}, errors.NotFound("affinity group", groupID)
	}
	if err != nil {
		return client.AffinityGroup{}, s.fail("get group", err)
	}
	var g client.AffinityGroup
	if err := snap.DataTo(&g); err != nil {
		return client.AffinityGroup{}, s.fail("get group", err)
	}
	return g, nil
}

// AddToGroup adds the client to the group. Adding an existing member is a
// no-op.
func (s *Service) AddToGroup(ctx context.Context, clientID, groupID string, actor audit.Actor) error {
	return s.changeGroup(ctx, clientID, groupID, actor, true)
}

// RemoveFromGroup removes the client from the group. Removing a non-member is
// a no-op.
func (s *Service) RemoveFromGroup(ctx context.Context, clientID, groupID string, actor audit.Actor) error {
	return s.changeGroup(ctx, clientID, groupID, actor, false)
}

func (s *Service) changeGroup(ctx context.Context, clientID, groupID string, actor audit.Actor, add bool) error {
	if !storage.ValidID(clientID) {
		return errors.Validation("client_id", "is required")
	}
	if !storage.ValidID(groupID) {
		return errors.Validation("group_id", "is required")
	}

	changed := false
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		changed = false
		snap, err := tx.Get(ctx, storage.ClientPath(clientID))
		if stderrors.Is(err, storage.ErrNotFound) {
			return errors.NotFound("client", clientID)
		}
		if err != nil {
			return err
		}
		if _, err := tx.Get(ctx, storage.GroupPath(groupID)); err != nil {
			if stderrors.Is(err, storage.ErrNotFound) {
				return errors.NotFound("affinity group", groupID)
			}
			return err
		}
		var c client.Client
		if err := snap.DataTo(&c); err != nil {
			return err
		}
		member := contains(c.AffinityGroups, groupID)
		if member == add {
			return nil
		}
		changed = true
		if add {
			tx.ArrayUnion(storage.ClientPath(clientID), client.FieldAffinityGroups, groupID)
			tx.Increment(storage.GroupPath(groupID), client.FieldMemberCount, 1)
		} else {
			tx.ArrayRemove(storage.ClientPath(clientID), client.FieldAffinityGroups, groupID)
			tx.Increment(storage.GroupPath(groupID), client.FieldMemberCount, -1)
		}
		tx.Merge(storage.ClientPath(clientID), map[string]interface{}{client.FieldUpdatedAt: tx.Time()})
		return nil
	})
	if err != nil {
		return s.fail("change group membership", err)
	}
	if !changed {
		return nil
	}

	action := audit.ActionClientAddedToGroup
	if !add {
		action = audit.ActionClientRemovedFromGroup
	}
	_, err = s.audit.RecordEvent(ctx, audit.Request{
		Action:       action,
		ResourceType: audit.ResourceAffinityGroup,
		ResourceID:   groupID,
		ClientID:     clientID,
		GroupID:      groupID,
		Actor:        actor,
	})
	return err
}

func reserve(ctx context.Context, tx storage.Tx, kind, value, owner, message string) error {
	path := storage.UniqueKeyPath(kind, value)
	if _, err := tx.Get(ctx, path); err == nil {
		return errors.Conflict(errors.CodeConflict, message)
	} else if !stderrors.Is(err, storage.ErrNotFound) {
		return err
	}
	tx.Create(path, map[string]interface{}{"owner": owner})
	return nil
}

func (s *Service) fail(op string, err error) error {
	if svcErr := errors.GetServiceError(err); svcErr != nil {
		return svcErr
	}
	if stderrors.Is(err, storage.ErrContention) {
		return errors.Conflict(errors.CodeConflict, "the directory is busy, retry the operation")
	}
	s.log.WithError(err).Errorf("%s failed", op)
	return errors.Internal("failed to "+op, err)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
