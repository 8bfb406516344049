package metrics

import (
	"time"
)

// QueueSource exposes the queue registry counters the collector samples
type QueueSource interface {
	QueueCount() int
	WaiterCount() int
}

// RaftSource exposes the raft state the collector samples
type RaftSource interface {
	IsLeader() bool
	AppliedIndex() uint64
}

// Collector periodically samples gauges that are cheaper to read than to
// keep updated on every change
type Collector struct {
	queues   QueueSource
	raft     RaftSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector. Either source may be nil.
func NewCollector(queues QueueSource, raft RaftSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		queues:   queues,
		raft:     raft,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.queues != nil {
		QueuesTotal.Set(float64(c.queues.QueueCount()))
		LongPollWaiters.Set(float64(c.queues.WaiterCount()))
	}

	if c.raft != nil {
		if c.raft.IsLeader() {
			RaftLeader.Set(1)
		} else {
			RaftLeader.Set(0)
		}
		RaftAppliedIndex.Set(float64(c.raft.AppliedIndex()))
	}
}
