package actions

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/parleychat/parley/pkg/dedup"
	"github.com/parleychat/parley/pkg/events"
	"github.com/parleychat/parley/pkg/log"
	"github.com/parleychat/parley/pkg/publisher"
	"github.com/parleychat/parley/pkg/recipients"
	"github.com/parleychat/parley/pkg/storage"
	"github.com/parleychat/parley/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrEventNotDelivered means the state change was committed but its
	// events could not be handed to the delivery substrate
	ErrEventNotDelivered = errors.New("state committed, event not delivered")
	// ErrInvalidArgument is returned for requests rejected before any write
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrConflict is returned when the request collides with existing state
	ErrConflict = errors.New("conflict")
	// ErrRealmDeactivated is returned for writes to a deactivated realm
	ErrRealmDeactivated = errors.New("realm is deactivated")
)

// State reads realm state and commits changes to it. Writes return after
// the change is committed.
type State interface {
	GetRealm(id int64) (*types.Realm, error)
	GetUser(id int64) (*types.User, error)
	ListUsers(realmID int64) ([]*types.User, error)
	GetLinkifier(id int64) (*types.Linkifier, error)
	ListLinkifiers(realmID int64) ([]*types.Linkifier, error)

	CreateRealm(realm *types.Realm) (*types.Realm, error)
	UpdateRealm(realm *types.Realm) error
	CreateUser(user *types.User) (*types.User, error)
	UpdateUser(user *types.User) error
	CreateLinkifier(linkifier *types.Linkifier) (*types.Linkifier, error)
	UpdateLinkifier(linkifier *types.Linkifier) error
	DeleteLinkifier(id int64) error
	ReorderLinkifiers(linkifiers []*types.Linkifier) error
}

// Resolver computes recipient sets
type Resolver interface {
	Resolve(ctx context.Context, realmID int64, audience recipients.Audience) (recipients.Set, error)
}

// Publisher hands events to the delivery substrate
type Publisher interface {
	Publish(ctx context.Context, realmID int64, event events.Event, to recipients.Set) (publisher.Receipt, error)
}

// Outcome describes what an action did
type Outcome struct {
	// Changed is false when the requested state was already current and
	// nothing was written or published
	Changed bool
	// Duplicate is true when the idempotency key was already used
	Duplicate bool
	Receipts  []publisher.Receipt
}

// Option configures a single action call
type Option func(*callOptions)

type callOptions struct {
	key string
}

// WithIdempotencyKey makes repeated calls with the same key and action
// scope return a Duplicate outcome without acting again. The key is
// released when the action fails before committing.
func WithIdempotencyKey(key string) Option {
	return func(o *callOptions) {
		o.key = key
	}
}

// Service runs domain actions. Each action validates its input, compares
// the request with current state, commits the change, resolves recipients
// against the committed state, reads any derived state once, builds the
// events and publishes them.
type Service struct {
	state     State
	resolver  Resolver
	publisher Publisher
	guard     dedup.Guard
	logger    zerolog.Logger
}

// NewService creates a Service. guard may be nil, in which case
// idempotency keys are ignored.
func NewService(state State, resolver Resolver, pub Publisher, guard dedup.Guard) *Service {
	return &Service{
		state:     state,
		resolver:  resolver,
		publisher: pub,
		guard:     guard,
		logger:    log.WithComponent("actions"),
	}
}

// run applies the idempotency key, if any, around fn
func (s *Service) run(ctx context.Context, scope string, opts []Option, fn func() (Outcome, error)) (Outcome, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.key == "" || s.guard == nil {
		return fn()
	}

	added, err := s.guard.Add(ctx, scope, o.key)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	if !added {
		s.logger.Debug().Str("scope", scope).Str("key", o.key).Msg("Skipping repeated request")
		return Outcome{Duplicate: true}, nil
	}

	out, err := fn()
	if err != nil && !errors.Is(err, ErrEventNotDelivered) {
		// nothing was committed, so a retry must run again
		if rerr := s.guard.Remove(ctx, scope, o.key); rerr != nil {
			s.logger.Warn().Err(rerr).Str("scope", scope).Msg("Failed to release idempotency key")
		}
	}
	return out, err
}

// publish resolves the audience against committed state and publishes the
// events in order with one recipient set
func (s *Service) publish(ctx context.Context, realmID int64, audience recipients.Audience, evs ...events.Event) ([]publisher.Receipt, error) {
	to, err := s.resolver.Resolve(ctx, realmID, audience)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEventNotDelivered, err)
	}
	return s.send(ctx, realmID, to, evs)
}

func (s *Service) send(ctx context.Context, realmID int64, to recipients.Set, evs []events.Event) ([]publisher.Receipt, error) {
	receipts := make([]publisher.Receipt, 0, len(evs))
	for _, ev := range evs {
		receipt, err := s.publisher.Publish(ctx, realmID, ev, to)
		if err != nil {
			s.logger.Error().
				Err(err).
				Int64("realm_id", realmID).
				Str("event_type", string(ev.Type())).
				Msg("Committed change has no delivered event")
			return receipts, fmt.Errorf("%w: %w", ErrEventNotDelivered, err)
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}

func (s *Service) activeRealm(realmID int64) (*types.Realm, error) {
	if realmID <= 0 {
		return nil, fmt.Errorf("%w: realm id %d", ErrInvalidArgument, realmID)
	}
	realm, err := s.state.GetRealm(realmID)
	if err != nil {
		return nil, err
	}
	if realm.Deactivated {
		return nil, fmt.Errorf("%w: %d", ErrRealmDeactivated, realmID)
	}
	return realm, nil
}

func (s *Service) realmUser(realmID, userID int64) (*types.User, error) {
	user, err := s.state.GetUser(userID)
	if err != nil {
		return nil, err
	}
	if user.RealmID != realmID {
		return nil, fmt.Errorf("user %d in realm %d: %w", userID, realmID, storage.ErrNotFound)
	}
	return user, nil
}

func scope(realmID int64, action string) string {
	return fmt.Sprintf("realm:%d:%s", realmID, action)
}

// CreateRealm creates a realm. A new realm has no users, so no event is
// published.
func (s *Service) CreateRealm(ctx context.Context, stringID, name string, methods map[string]bool, opts ...Option) (*types.Realm, Outcome, error) {
	stringID = strings.TrimSpace(stringID)
	if stringID == "" {
		return nil, Outcome{}, fmt.Errorf("%w: realm string id is required", ErrInvalidArgument)
	}

	var created *types.Realm
	out, err := s.run(ctx, "realm:create:"+stringID, opts, func() (Outcome, error) {
		realm, err := s.state.CreateRealm(&types.Realm{
			StringID:              stringID,
			Name:                  name,
			AuthenticationMethods: types.CopyAuthMethods(methods),
		})
		if err != nil {
			return Outcome{}, err
		}
		created = realm
		s.logger.Info().Int64("realm_id", realm.ID).Str("string_id", stringID).Msg("Realm created")
		return Outcome{Changed: true}, nil
	})
	return created, out, err
}

// CreateUser adds an active user to a realm and announces it to every
// active user, the new one included
func (s *Service) CreateUser(ctx context.Context, realmID int64, email, fullName string, role types.UserRole, isBot bool, opts ...Option) (*types.User, Outcome, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, Outcome{}, fmt.Errorf("%w: email is required", ErrInvalidArgument)
	}
	if !role.Valid() {
		return nil, Outcome{}, fmt.Errorf("%w: role %d", ErrInvalidArgument, role)
	}

	var created *types.User
	out, err := s.run(ctx, scope(realmID, "create_user"), opts, func() (Outcome, error) {
		if _, err := s.activeRealm(realmID); err != nil {
			return Outcome{}, err
		}
		users, err := s.state.ListUsers(realmID)
		if err != nil {
			return Outcome{}, err
		}
		for _, u := range users {
			if strings.EqualFold(u.Email, email) {
				return Outcome{}, fmt.Errorf("%w: user %q already exists", ErrConflict, email)
			}
		}

		user, err := s.state.CreateUser(&types.User{
			RealmID:  realmID,
			Email:    email,
			FullName: fullName,
			Role:     role,
			IsActive: true,
			IsBot:    isBot,
		})
		if err != nil {
			return Outcome{}, err
		}
		created = user

		receipts, err := s.publish(ctx, realmID, recipients.AllActiveUsers(), events.NewRealmUserAdd(user))
		return Outcome{Changed: true, Receipts: receipts}, err
	})
	return created, out, err
}

// ChangeUserRole changes a user's role. The realm must keep at least one
// active owner.
func (s *Service) ChangeUserRole(ctx context.Context, realmID, userID int64, role types.UserRole, opts ...Option) (Outcome, error) {
	if !role.Valid() {
		return Outcome{}, fmt.Errorf("%w: role %d", ErrInvalidArgument, role)
	}

	return s.run(ctx, scope(realmID, "change_user_role"), opts, func() (Outcome, error) {
		if _, err := s.activeRealm(realmID); err != nil {
			return Outcome{}, err
		}
		user, err := s.realmUser(realmID, userID)
		if err != nil {
			return Outcome{}, err
		}
		if user.Role == role {
			return Outcome{}, nil
		}
		if user.Role == types.RoleOwner && user.IsActive {
			if err := s.ensureOtherOwner(realmID, userID); err != nil {
				return Outcome{}, err
			}
		}

		user.Role = role
		if err := s.state.UpdateUser(user); err != nil {
			return Outcome{}, err
		}

		receipts, err := s.publish(ctx, realmID, recipients.AllActiveUsers(),
			events.NewRealmUserRoleUpdate(realmID, userID, role))
		return Outcome{Changed: true, Receipts: receipts}, err
	})
}

// DeactivateUser deactivates a user. The event goes to the users still
// active after the change.
func (s *Service) DeactivateUser(ctx context.Context, realmID, userID int64, opts ...Option) (Outcome, error) {
	return s.run(ctx, scope(realmID, "deactivate_user"), opts, func() (Outcome, error) {
		if _, err := s.activeRealm(realmID); err != nil {
			return Outcome{}, err
		}
		user, err := s.realmUser(realmID, userID)
		if err != nil {
			return Outcome{}, err
		}
		if !user.IsActive {
			return Outcome{}, nil
		}
		if user.Role == types.RoleOwner {
			if err := s.ensureOtherOwner(realmID, userID); err != nil {
				return Outcome{}, err
			}
		}

		user.IsActive = false
		if err := s.state.UpdateUser(user); err != nil {
			return Outcome{}, err
		}

		receipts, err := s.publish(ctx, realmID, recipients.AllActiveUsers(),
			events.NewRealmUserActiveUpdate(realmID, userID, false))
		return Outcome{Changed: true, Receipts: receipts}, err
	})
}

// ReactivateUser reactivates a deactivated user
func (s *Service) ReactivateUser(ctx context.Context, realmID, userID int64, opts ...Option) (Outcome, error) {
	return s.run(ctx, scope(realmID, "reactivate_user"), opts, func() (Outcome, error) {
		if _, err := s.activeRealm(realmID); err != nil {
			return Outcome{}, err
		}
		user, err := s.realmUser(realmID, userID)
		if err != nil {
			return Outcome{}, err
		}
		if user.IsActive {
			return Outcome{}, nil
		}

		user.IsActive = true
		if err := s.state.UpdateUser(user); err != nil {
			return Outcome{}, err
		}

		receipts, err := s.publish(ctx, realmID, recipients.AllActiveUsers(),
			events.NewRealmUserActiveUpdate(realmID, userID, true))
		return Outcome{Changed: true, Receipts: receipts}, err
	})
}

func (s *Service) ensureOtherOwner(realmID, userID int64) error {
	users, err := s.state.ListUsers(realmID)
	if err != nil {
		return err
	}
	for _, u := range users {
		if u.ID != userID && u.IsActive && u.Role == types.RoleOwner {
			return nil
		}
	}
	return fmt.Errorf("%w: realm %d must keep an active owner", ErrConflict, realmID)
}

// SetRealmAuthenticationMethods replaces the realm's enabled
// authentication backends. At least one must stay enabled.
func (s *Service) SetRealmAuthenticationMethods(ctx context.Context, realmID int64, methods map[string]bool, opts ...Option) (Outcome, error) {
	enabled := false
	for _, on := range methods {
		enabled = enabled || on
	}
	if !enabled {
		return Outcome{}, fmt.Errorf("%w: at least one authentication method must be enabled", ErrInvalidArgument)
	}

	return s.run(ctx, scope(realmID, "set_authentication_methods"), opts, func() (Outcome, error) {
		realm, err := s.activeRealm(realmID)
		if err != nil {
			return Outcome{}, err
		}
		if types.AuthMethodsEqual(realm.AuthenticationMethods, methods) {
			s.logger.Debug().Int64("realm_id", realmID).Msg("Authentication methods unchanged")
			return Outcome{}, nil
		}

		realm.AuthenticationMethods = types.CopyAuthMethods(methods)
		if err := s.state.UpdateRealm(realm); err != nil {
			return Outcome{}, err
		}

		receipts, err := s.publish(ctx, realmID, recipients.AllActiveUsers(),
			events.NewRealmAuthMethodsUpdate(realmID, realm.AuthenticationMethods))
		return Outcome{Changed: true, Receipts: receipts}, err
	})
}

// AddLinkifier appends a linkifier to the realm's list
func (s *Service) AddLinkifier(ctx context.Context, realmID int64, pattern, urlFormat string, opts ...Option) (*types.Linkifier, Outcome, error) {
	if err := validateLinkifier(pattern, urlFormat); err != nil {
		return nil, Outcome{}, err
	}

	var created *types.Linkifier
	out, err := s.run(ctx, scope(realmID, "add_linkifier"), opts, func() (Outcome, error) {
		if _, err := s.activeRealm(realmID); err != nil {
			return Outcome{}, err
		}
		existing, err := s.state.ListLinkifiers(realmID)
		if err != nil {
			return Outcome{}, err
		}
		order := 0
		for _, l := range existing {
			if l.Pattern == pattern {
				return Outcome{}, fmt.Errorf("%w: linkifier %q already exists", ErrConflict, pattern)
			}
			if l.Order >= order {
				order = l.Order + 1
			}
		}

		linkifier, err := s.state.CreateLinkifier(&types.Linkifier{
			RealmID:   realmID,
			Pattern:   pattern,
			URLFormat: urlFormat,
			Order:     order,
		})
		if err != nil {
			return Outcome{}, err
		}
		created = linkifier

		receipts, err := s.publishLinkifiers(ctx, realmID)
		return Outcome{Changed: true, Receipts: receipts}, err
	})
	return created, out, err
}

// UpdateLinkifier changes a linkifier's pattern and URL format
func (s *Service) UpdateLinkifier(ctx context.Context, realmID, linkifierID int64, pattern, urlFormat string, opts ...Option) (Outcome, error) {
	if err := validateLinkifier(pattern, urlFormat); err != nil {
		return Outcome{}, err
	}

	return s.run(ctx, scope(realmID, "update_linkifier"), opts, func() (Outcome, error) {
		if _, err := s.activeRealm(realmID); err != nil {
			return Outcome{}, err
		}
		linkifier, err := s.realmLinkifier(realmID, linkifierID)
		if err != nil {
			return Outcome{}, err
		}
		if linkifier.Pattern == pattern && linkifier.URLFormat == urlFormat {
			return Outcome{}, nil
		}

		linkifier.Pattern = pattern
		linkifier.URLFormat = urlFormat
		if err := s.state.UpdateLinkifier(linkifier); err != nil {
			return Outcome{}, err
		}

		receipts, err := s.publishLinkifiers(ctx, realmID)
		return Outcome{Changed: true, Receipts: receipts}, err
	})
}

// RemoveLinkifier deletes a linkifier
func (s *Service) RemoveLinkifier(ctx context.Context, realmID, linkifierID int64, opts ...Option) (Outcome, error) {
	return s.run(ctx, scope(realmID, "remove_linkifier"), opts, func() (Outcome, error) {
		if _, err := s.activeRealm(realmID); err != nil {
			return Outcome{}, err
		}
		if _, err := s.realmLinkifier(realmID, linkifierID); err != nil {
			return Outcome{}, err
		}

		if err := s.state.DeleteLinkifier(linkifierID); err != nil {
			return Outcome{}, err
		}

		receipts, err := s.publishLinkifiers(ctx, realmID)
		return Outcome{Changed: true, Receipts: receipts}, err
	})
}

// ReorderLinkifiers sets the processing order. ids must list every
// linkifier of the realm exactly once.
func (s *Service) ReorderLinkifiers(ctx context.Context, realmID int64, ids []int64, opts ...Option) (Outcome, error) {
	return s.run(ctx, scope(realmID, "reorder_linkifiers"), opts, func() (Outcome, error) {
		if _, err := s.activeRealm(realmID); err != nil {
			return Outcome{}, err
		}
		existing, err := s.state.ListLinkifiers(realmID)
		if err != nil {
			return Outcome{}, err
		}

		byID := make(map[int64]*types.Linkifier, len(existing))
		for _, l := range existing {
			byID[l.ID] = l
		}
		if len(ids) != len(existing) {
			return Outcome{}, fmt.Errorf("%w: got %d ids for %d linkifiers", ErrInvalidArgument, len(ids), len(existing))
		}

		var changed []*types.Linkifier
		seen := make(map[int64]bool, len(ids))
		for order, id := range ids {
			l, ok := byID[id]
			if !ok || seen[id] {
				return Outcome{}, fmt.Errorf("%w: linkifier %d is unknown or repeated", ErrInvalidArgument, id)
			}
			seen[id] = true
			if l.Order != order {
				l.Order = order
				changed = append(changed, l)
			}
		}
		if len(changed) == 0 {
			return Outcome{}, nil
		}

		if err := s.state.ReorderLinkifiers(changed); err != nil {
			return Outcome{}, err
		}

		receipts, err := s.publishLinkifiers(ctx, realmID)
		return Outcome{Changed: true, Receipts: receipts}, err
	})
}

func (s *Service) realmLinkifier(realmID, linkifierID int64) (*types.Linkifier, error) {
	l, err := s.state.GetLinkifier(linkifierID)
	if err != nil {
		return nil, err
	}
	if l.RealmID != realmID {
		return nil, fmt.Errorf("linkifier %d in realm %d: %w", linkifierID, realmID, storage.ErrNotFound)
	}
	return l, nil
}

// publishLinkifiers sends the current and legacy linkifier events, both
// built from a single read of the list
func (s *Service) publishLinkifiers(ctx context.Context, realmID int64) ([]publisher.Receipt, error) {
	to, err := s.resolver.Resolve(ctx, realmID, recipients.AllActiveUsers())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEventNotDelivered, err)
	}

	linkifiers, err := s.state.ListLinkifiers(realmID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read linkifiers: %w", ErrEventNotDelivered, err)
	}
	current, legacy := events.LinkifierEvents(realmID, linkifiers)
	return s.send(ctx, realmID, to, []events.Event{current, legacy})
}

func validateLinkifier(pattern, urlFormat string) error {
	if pattern == "" || urlFormat == "" {
		return fmt.Errorf("%w: pattern and url_format are required", ErrInvalidArgument)
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return fmt.Errorf("%w: bad pattern: %v", ErrInvalidArgument, err)
	}
	if !strings.HasPrefix(urlFormat, "http://") && !strings.HasPrefix(urlFormat, "https://") {
		return fmt.Errorf("%w: url_format must be an http(s) URL", ErrInvalidArgument)
	}
	return nil
}
