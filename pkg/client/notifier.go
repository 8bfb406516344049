package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/parleychat/parley/pkg/publisher"
)

// Notifier is a publisher substrate that posts each notice to the internal
// notify endpoint of every event server it was created with (one per
// substrate.http.urls entry). A notice counts as accepted once
// every server has taken it; servers drop notices they already fanned out,
// so retrying after a partial failure is safe.
type Notifier struct {
	servers []*Client
}

// NewNotifier creates a Notifier over the given server clients, which must
// carry the internal token
func NewNotifier(servers ...*Client) *Notifier {
	return &Notifier{servers: servers}
}

// Enqueue implements publisher.Substrate
func (n *Notifier) Enqueue(ctx context.Context, notice publisher.Notice) error {
	if len(n.servers) == 0 {
		return errors.New("no event servers configured")
	}

	var errs []error
	for _, s := range n.servers {
		if err := s.Notify(ctx, notice); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.baseURL, err))
		}
	}
	return errors.Join(errs...)
}
