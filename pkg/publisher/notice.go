package publisher

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/parleychat/parley/pkg/events"
)

// Notice is what travels through a substrate: one event, the realm it
// belongs to and the users that must receive it. The ID is assigned once
// per publish call and survives redelivery, so consumers can drop repeats.
type Notice struct {
	ID          uuid.UUID
	RealmID     int64
	Event       events.Event
	Users       []int64
	PublishedAt time.Time
}

type noticeJSON struct {
	ID          uuid.UUID       `json:"id"`
	RealmID     int64           `json:"realm_id"`
	Event       json.RawMessage `json:"event"`
	Users       []int64         `json:"users"`
	PublishedAt time.Time       `json:"published_at"`
}

// MarshalJSON encodes the notice for transport
func (n Notice) MarshalJSON() ([]byte, error) {
	body, err := json.Marshal(n.Event)
	if err != nil {
		return nil, err
	}
	users := n.Users
	if users == nil {
		users = []int64{}
	}
	return json.Marshal(noticeJSON{
		ID:          n.ID,
		RealmID:     n.RealmID,
		Event:       body,
		Users:       users,
		PublishedAt: n.PublishedAt,
	})
}

// UnmarshalJSON decodes a notice and its typed event
func (n *Notice) UnmarshalJSON(data []byte) error {
	var raw noticeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.ID == uuid.Nil {
		return fmt.Errorf("notice has no id")
	}
	e, err := events.Decode(raw.RealmID, raw.Event)
	if err != nil {
		return err
	}

	*n = Notice{
		ID:          raw.ID,
		RealmID:     raw.RealmID,
		Event:       e,
		Users:       raw.Users,
		PublishedAt: raw.PublishedAt,
	}
	return nil
}
