package queue

import (
	"encoding/json"
	"fmt"
)

// Store persists queues across restarts
type Store interface {
	SaveQueues(queues map[string][]byte) error
	LoadQueues() (map[string][]byte, error)
}

// Persist writes every queue, with its pending events and id counters, to
// store, replacing what was saved before. Called on shutdown.
func (r *Registry) Persist(store Store) error {
	r.mu.Lock()
	saved := make(map[string][]byte, len(r.clients))
	for id, c := range r.clients {
		data, err := json.Marshal(c.state())
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("failed to encode queue %s: %w", id, err)
		}
		saved[id] = data
	}
	r.mu.Unlock()

	if err := store.SaveQueues(saved); err != nil {
		return fmt.Errorf("failed to save queues: %w", err)
	}
	r.logger.Info().Int("queues", len(saved)).Msg("Persisted event queues")
	return nil
}

// Restore loads the queues saved by Persist. Each restored queue keeps its
// ids and pending events and receives a restart event, since the client may
// have missed events while the server was down. Undecodable entries are
// skipped. Returns the number of queues restored.
func (r *Registry) Restore(store Store) (int, error) {
	saved, err := store.LoadQueues()
	if err != nil {
		return 0, fmt.Errorf("failed to load queues: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	for id, data := range saved {
		var s clientState
		if err := json.Unmarshal(data, &s); err != nil {
			r.logger.Warn().Err(err).Str("queue_id", id).Msg("Skipping undecodable persisted queue")
			continue
		}
		if s.QueueID != id || s.UserID <= 0 || s.RealmID <= 0 {
			r.logger.Warn().Str("queue_id", id).Msg("Skipping inconsistent persisted queue")
			continue
		}
		if _, exists := r.clients[id]; exists {
			continue
		}

		c := &ClientDescriptor{
			QueueID:           s.QueueID,
			UserID:            s.UserID,
			RealmID:           s.RealmID,
			ClientName:        s.ClientName,
			EventTypes:        s.EventTypes,
			LegacyEventShapes: s.LegacyEventShapes,
			Lifespan:          s.Lifespan,
			LastAccess:        r.now(),
			queue:             restoreEventQueue(s.Queue, r.cfg.MaxEvents),
		}
		c.logger = clientLogger(c)
		r.add(c)
		r.pushRestart(c, false)
		restored++
	}

	r.logger.Info().Int("queues", restored).Msg("Restored event queues")
	return restored, nil
}
