/*
Package manager holds the realm state behind raft consensus.

Realm, user and linkifier changes are proposed as Commands through
hashicorp/raft. Once a command commits, ParleyFSM applies it to the local
BoltStore on every replica and the leader returns the stored entity to
the caller. Domain actions therefore read committed state when they go on
to resolve recipients and build events.

# Cluster

A single node bootstraps itself:

	m, err := manager.NewManager(&manager.Config{
		NodeID:   "parley-1",
		BindAddr: "127.0.0.1:9993",
		DataDir:  "/var/lib/parley",
	})
	if err != nil {
		return err
	}
	if err := m.Bootstrap(); err != nil {
		return err
	}
	if err := m.WaitForLeader(10 * time.Second); err != nil {
		return err
	}

Further nodes call Join with a ClusterJoiner that reaches the leader's
HTTP API, which calls AddVoter. Writes submitted to a follower fail with
ErrNotLeader.

Raft timeouts are tuned for LAN deployments: 500ms heartbeat and election
timeouts, so a lost leader is replaced within a few seconds.

# Snapshots

Snapshot serializes the realm buckets of the store, including their ID
sequences, and Restore replaces them. Event queues are not part of the
raft state; they belong to the event server process and are persisted
separately by the queue registry.
*/
package manager
