package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeQueues struct{ queues, waiters int }

func (f fakeQueues) QueueCount() int  { return f.queues }
func (f fakeQueues) WaiterCount() int { return f.waiters }

type fakeRaft struct {
	leader  bool
	applied uint64
}

func (f fakeRaft) IsLeader() bool       { return f.leader }
func (f fakeRaft) AppliedIndex() uint64 { return f.applied }

func TestCollectorSamplesSources(t *testing.T) {
	c := NewCollector(fakeQueues{queues: 7, waiters: 3}, fakeRaft{leader: true, applied: 42}, 0)
	c.collect()

	assert.Equal(t, 7.0, testutil.ToFloat64(QueuesTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(LongPollWaiters))
	assert.Equal(t, 1.0, testutil.ToFloat64(RaftLeader))
	assert.Equal(t, 42.0, testutil.ToFloat64(RaftAppliedIndex))

	c = NewCollector(nil, fakeRaft{leader: false}, 0)
	c.collect()
	assert.Equal(t, 0.0, testutil.ToFloat64(RaftLeader))
	assert.Equal(t, 7.0, testutil.ToFloat64(QueuesTotal), "nil queue source leaves gauges untouched")
}

func TestCollectorStartStop(t *testing.T) {
	c := NewCollector(fakeQueues{queues: 1}, nil, 0)
	c.Start()
	c.Stop()
}
