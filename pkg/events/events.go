package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/parleychat/parley/pkg/types"
)

// Type is the wire tag identifying an event's schema
type Type string

const (
	TypeRealmLinkifiers Type = "realm_linkifiers"
	TypeRealmFilters    Type = "realm_filters"
	TypeRealmUser       Type = "realm_user"
	TypeRealm           Type = "realm"
	TypeRestart         Type = "restart"
	TypeHeartbeat       Type = "heartbeat"
)

// Ops carried by realm_user and realm events
const (
	OpAdd        = "add"
	OpUpdate     = "update"
	OpRemove     = "remove"
	OpUpdateDict = "update_dict"
)

var (
	// ErrUnknownType is returned when decoding a type outside the known set
	ErrUnknownType = errors.New("unknown event type")
	// ErrInvalid is returned (wrapped) by Validate
	ErrInvalid = errors.New("invalid event")
)

// Payload is the type-specific body of an event. The set of implementations
// is closed: only this package can add one.
type Payload interface {
	eventType() Type
	validate() error
}

// Event is an immutable, typed notification of a realm state change.
// Construct it with New or one of the typed constructors.
type Event struct {
	typ     Type
	realmID int64
	payload Payload
}

// New builds an event for realmID carrying payload. The type is taken from
// the payload, so it cannot disagree with it.
func New(realmID int64, payload Payload) Event {
	var typ Type
	if payload != nil {
		typ = payload.eventType()
	}
	return Event{typ: typ, realmID: realmID, payload: payload}
}

// Type returns the event's schema tag
func (e Event) Type() Type { return e.typ }

// RealmID returns the tenant the event belongs to
func (e Event) RealmID() int64 { return e.realmID }

// Payload returns the typed body. Callers must not mutate slices or maps
// reachable from it.
func (e Event) Payload() Payload { return e.payload }

// IsZero reports whether e was never constructed
func (e Event) IsZero() bool { return e.payload == nil && e.typ == "" && e.realmID == 0 }

// Validate rejects events that must not reach a substrate
func (e Event) Validate() error {
	if e.realmID <= 0 {
		return fmt.Errorf("%w: realm id %d", ErrInvalid, e.realmID)
	}
	if e.payload == nil {
		return fmt.Errorf("%w: %q has no payload", ErrInvalid, e.typ)
	}
	if e.payload.eventType() != e.typ {
		return fmt.Errorf("%w: type %q does not match payload %q", ErrInvalid, e.typ, e.payload.eventType())
	}
	if err := e.payload.validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, e.typ, err)
	}
	return nil
}

// MarshalJSON encodes the client wire shape: the payload fields plus "type".
// The realm is not part of the wire shape; it travels beside the event.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.payload == nil {
		return nil, fmt.Errorf("%w: cannot encode event without payload", ErrInvalid)
	}

	body, err := json.Marshal(e.payload)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	typ, err := json.Marshal(e.typ)
	if err != nil {
		return nil, err
	}
	fields["type"] = typ
	return json.Marshal(fields)
}

var decoders = map[Type]func([]byte) (Payload, error){
	TypeRealmLinkifiers: decodeAs[RealmLinkifiers],
	TypeRealmFilters:    decodeAs[RealmFilters],
	TypeRealmUser:       decodeAs[RealmUser],
	TypeRealm:           decodeAs[RealmUpdateDict],
	TypeRestart:         decodeAs[Restart],
	TypeHeartbeat:       decodeAs[Heartbeat],
}

func decodeAs[P Payload](data []byte) (Payload, error) {
	var p P
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// Decode parses a wire-shape event produced by MarshalJSON
func Decode(realmID int64, data []byte) (Event, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}

	decode, ok := decoders[head.Type]
	if !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	payload, err := decode(data)
	if err != nil {
		return Event{}, fmt.Errorf("failed to decode %s event: %w", head.Type, err)
	}

	e := New(realmID, payload)
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Known reports whether t is one of the event types parley can carry
func Known(t Type) bool {
	_, ok := decoders[t]
	return ok
}

// LinkifierEntry is one linkifier in the current (object) shape
type LinkifierEntry struct {
	Pattern   string `json:"pattern"`
	URLFormat string `json:"url_format"`
	ID        int64  `json:"id"`
}

// RealmLinkifiers carries the full, ordered linkifier list of a realm
type RealmLinkifiers struct {
	Linkifiers []LinkifierEntry `json:"realm_linkifiers"`
}

func (RealmLinkifiers) eventType() Type { return TypeRealmLinkifiers }

func (p RealmLinkifiers) validate() error {
	if p.Linkifiers == nil {
		return errors.New("realm_linkifiers must be a list")
	}
	return nil
}

// FilterTuple is one linkifier in the legacy shape, encoded as
// [pattern, url_format, id]
type FilterTuple struct {
	Pattern   string
	URLFormat string
	ID        int64
}

// MarshalJSON encodes the tuple as a 3-element array
func (f FilterTuple) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{f.Pattern, f.URLFormat, f.ID})
}

// UnmarshalJSON decodes a 3-element array
func (f *FilterTuple) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("realm filter must have 3 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &f.Pattern); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[1], &f.URLFormat); err != nil {
		return err
	}
	return json.Unmarshal(raw[2], &f.ID)
}

// RealmFilters is the legacy linkifier event for clients that predate
// realm_linkifiers
type RealmFilters struct {
	Filters []FilterTuple `json:"realm_filters"`
}

func (RealmFilters) eventType() Type { return TypeRealmFilters }

func (p RealmFilters) validate() error {
	if p.Filters == nil {
		return errors.New("realm_filters must be a list")
	}
	return nil
}

// Person is the subset of a user carried by realm_user events. Nil pointer
// fields are omitted: an update only names what changed.
type Person struct {
	UserID   int64           `json:"user_id"`
	Email    string          `json:"email,omitempty"`
	FullName string          `json:"full_name,omitempty"`
	Role     *types.UserRole `json:"role,omitempty"`
	IsActive *bool           `json:"is_active,omitempty"`
	IsBot    *bool           `json:"is_bot,omitempty"`
}

// RealmUser announces a membership change
type RealmUser struct {
	Op     string `json:"op"`
	Person Person `json:"person"`
}

func (RealmUser) eventType() Type { return TypeRealmUser }

func (p RealmUser) validate() error {
	switch p.Op {
	case OpAdd, OpUpdate, OpRemove:
	default:
		return fmt.Errorf("unknown realm_user op %q", p.Op)
	}
	if p.Person.UserID <= 0 {
		return errors.New("person.user_id is required")
	}
	return nil
}

// RealmUpdateData holds the realm properties an update_dict event can carry
type RealmUpdateData struct {
	AuthenticationMethods map[string]bool `json:"authentication_methods,omitempty"`
	Name                  string          `json:"name,omitempty"`
}

// RealmUpdateDict announces a change to realm-level settings
type RealmUpdateDict struct {
	Op       string          `json:"op"`
	Property string          `json:"property"`
	Data     RealmUpdateData `json:"data"`
}

func (RealmUpdateDict) eventType() Type { return TypeRealm }

func (p RealmUpdateDict) validate() error {
	if p.Op != OpUpdateDict {
		return fmt.Errorf("unknown realm op %q", p.Op)
	}
	if p.Property == "" {
		return errors.New("property is required")
	}
	return nil
}

// Restart tells clients the server was restarted and they should reload
type Restart struct {
	ServerGeneration int64 `json:"server_generation"`
	Immediate        bool  `json:"immediate"`
}

func (Restart) eventType() Type { return TypeRestart }
func (Restart) validate() error { return nil }

// Heartbeat keeps idle long-polls alive
type Heartbeat struct{}

func (Heartbeat) eventType() Type { return TypeHeartbeat }
func (Heartbeat) validate() error { return nil }
