package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Trim removes from the owned streams the entries every consumer group has
// acknowledged and returns how many were removed. Entries still pending or
// not yet delivered to some group are kept.
func (c *Consumer) Trim(ctx context.Context) (int64, error) {
	var removed int64
	for _, stream := range c.streams {
		minID, ok, err := c.trimPoint(ctx, stream)
		if err != nil {
			return removed, err
		}
		if !ok {
			continue
		}
		n, err := c.client.XTrimMinID(ctx, stream, minID).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to trim %s: %w", stream, err)
		}
		removed += n
	}
	return removed, nil
}

// RunTrim calls Trim every interval until ctx ends
func (c *Consumer) RunTrim(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := c.Trim(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn().Err(err).Msg("Failed to trim notice streams")
				}
				continue
			}
			if removed > 0 {
				c.logger.Debug().Int64("removed", removed).Msg("Trimmed acknowledged notices")
			}
		}
	}
}

// trimPoint returns the oldest entry id some group of stream still needs:
// its oldest pending entry, or else the last entry it was handed. ok is
// false when nothing may be trimmed.
func (c *Consumer) trimPoint(ctx context.Context, stream string) (string, bool, error) {
	groups, err := c.client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to read consumer groups of %s: %w", stream, err)
	}

	var minID string
	for _, g := range groups {
		needed := g.LastDeliveredID
		if g.Pending > 0 {
			p, err := c.client.XPending(ctx, stream, g.Name).Result()
			if err != nil {
				return "", false, fmt.Errorf("failed to read pending entries of %s: %w", stream, err)
			}
			needed = p.Lower
		}
		if needed == "" || needed == "0-0" {
			// this group has not read anything yet
			return "", false, nil
		}
		if minID == "" || compareIDs(needed, minID) < 0 {
			minID = needed
		}
	}
	return minID, minID != "", nil
}

// compareIDs orders two stream entry ids of the form ms-seq
func compareIDs(a, b string) int {
	ams, aseq := splitID(a)
	bms, bseq := splitID(b)
	switch {
	case ams < bms:
		return -1
	case ams > bms:
		return 1
	case aseq < bseq:
		return -1
	case aseq > bseq:
		return 1
	}
	return 0
}

func splitID(id string) (uint64, uint64) {
	ms, seq, _ := strings.Cut(id, "-")
	m, _ := strconv.ParseUint(ms, 10, 64)
	s, _ := strconv.ParseUint(seq, 10, 64)
	return m, s
}
