package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/parleychat/parley/pkg/log"
	"github.com/parleychat/parley/pkg/metrics"
	"github.com/parleychat/parley/pkg/storage"
	"github.com/parleychat/parley/pkg/types"
	"github.com/rs/zerolog"
)

// ErrNotLeader is returned for writes submitted to a follower
var ErrNotLeader = errors.New("not the raft leader")

// Manager owns the realm state. Writes go through raft and are applied to
// the local store by the FSM on every replica; reads go to the local store.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft         *raft.Raft
	fsm          *ParleyFSM
	store        storage.Store
	applyTimeout time.Duration
	logger       zerolog.Logger

	observations chan raft.Observation
	observer     *raft.Observer
	stopObserve  chan struct{}
	raftStores   []*raftboltdb.BoltStore
}

// Config holds configuration for creating a Manager
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// ClusterJoiner asks a running leader to add this node as a voter
type ClusterJoiner interface {
	JoinCluster(ctx context.Context, nodeID, raftAddr string) error
}

// NewManager opens the realm store under cfg.DataDir. Raft is not running
// until Bootstrap or Join.
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	return &Manager{
		nodeID:       cfg.NodeID,
		bindAddr:     cfg.BindAddr,
		dataDir:      cfg.DataDir,
		fsm:          NewParleyFSM(store),
		store:        store,
		applyTimeout: 5 * time.Second,
		logger:       log.WithComponent("manager"),
	}, nil
}

func (m *Manager) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)

	// Tuned for LAN failover in a few seconds; the defaults target WAN
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	return config
}

// Bootstrap starts raft as the only member of a new cluster. Restarting a
// node that was already bootstrapped reuses its existing raft state.
func (m *Manager) Bootstrap() error {
	return m.startTCP(true)
}

// Join starts raft without bootstrapping and asks the leader to add this
// node. The leader replicates its log or a snapshot to it.
func (m *Manager) Join(ctx context.Context, leader ClusterJoiner) error {
	if err := m.startTCP(false); err != nil {
		return err
	}

	m.logger.Info().Str("node_id", m.nodeID).Str("raft_addr", m.bindAddr).Msg("Asking leader to join cluster")
	if err := leader.JoinCluster(ctx, m.nodeID, m.bindAddr); err != nil {
		return fmt.Errorf("failed to join cluster: %w", err)
	}
	m.logger.Info().Msg("Joined cluster")
	return nil
}

func (m *Manager) startTCP(bootstrap bool) error {
	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		_ = logStore.Close()
		return fmt.Errorf("failed to create stable store: %w", err)
	}
	m.raftStores = []*raftboltdb.BoltStore{logStore, stableStore}

	return m.start(logStore, stableStore, snapshotStore, transport, bootstrap)
}

func (m *Manager) start(logs raft.LogStore, stable raft.StableStore, snaps raft.SnapshotStore, transport raft.Transport, bootstrap bool) error {
	config := m.raftConfig()

	if bootstrap {
		existing, err := raft.HasExistingState(logs, stable, snaps)
		if err != nil {
			return fmt.Errorf("failed to inspect raft state: %w", err)
		}
		if !existing {
			configuration := raft.Configuration{
				Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
			}
			if err := raft.BootstrapCluster(config, logs, stable, snaps, transport, configuration); err != nil {
				return fmt.Errorf("failed to bootstrap cluster: %w", err)
			}
		}
	}

	r, err := raft.NewRaft(config, m.fsm, logs, stable, snaps, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	m.raft = r

	m.observations = make(chan raft.Observation, 16)
	m.observer = raft.NewObserver(m.observations, false, func(o *raft.Observation) bool {
		_, ok := o.Data.(raft.LeaderObservation)
		return ok
	})
	r.RegisterObserver(m.observer)
	m.stopObserve = make(chan struct{})
	go m.observeLeadership()

	m.logger.Info().Str("node_id", m.nodeID).Bool("bootstrap", bootstrap).Msg("Raft started")
	return nil
}

func (m *Manager) observeLeadership() {
	for {
		select {
		case o := <-m.observations:
			lo, ok := o.Data.(raft.LeaderObservation)
			if !ok {
				continue
			}
			if lo.LeaderID == "" {
				metrics.UpdateComponent(metrics.ComponentRaft, false, "no leader")
				m.logger.Warn().Msg("Raft leader lost")
				continue
			}
			metrics.UpdateComponent(metrics.ComponentRaft, true, "")
			m.logger.Info().Str("leader", string(lo.LeaderID)).Msg("Raft leader elected")
		case <-m.stopObserve:
			return
		}
	}
}

// WaitForLeader blocks until the cluster has a leader or timeout elapses
func (m *Manager) WaitForLeader(timeout time.Duration) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()

	for {
		if addr, _ := m.raft.LeaderWithID(); addr != "" {
			metrics.UpdateComponent(metrics.ComponentRaft, true, "")
			return nil
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			return fmt.Errorf("no raft leader after %s", timeout)
		}
	}
}

// AddVoter adds a manager node to the cluster
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("%w, current leader: %s", ErrNotLeader, m.LeaderAddr())
	}

	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}

	m.logger.Info().Str("voter_id", nodeID).Str("address", address).Msg("Added voter")
	return nil
}

// RemoveServer removes a server from the cluster
func (m *Manager) RemoveServer(nodeID string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("%w, current leader: %s", ErrNotLeader, m.LeaderAddr())
	}

	future := m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}
	return nil
}

// Servers returns the current cluster configuration
func (m *Manager) Servers() ([]raft.Server, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}

	future := m.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader returns true if this manager is the Raft leader
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return false
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	addr, _ := m.raft.LeaderWithID()
	return string(addr)
}

// AppliedIndex returns the index of the last log entry applied to the FSM
func (m *Manager) AppliedIndex() uint64 {
	if m.raft == nil {
		return 0
	}
	return m.raft.AppliedIndex()
}

// Stats returns raft statistics
func (m *Manager) Stats() map[string]interface{} {
	if m.raft == nil {
		return nil
	}

	return map[string]interface{}{
		"state":          m.raft.State().String(),
		"last_log_index": m.raft.LastIndex(),
		"applied_index":  m.raft.AppliedIndex(),
		"leader":         m.LeaderAddr(),
	}
}

// Apply submits a command and returns the FSM response once the command is
// committed and applied locally.
func (m *Manager) Apply(cmd Command) (interface{}, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	future := m.raft.Apply(data, m.applyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			return nil, fmt.Errorf("%w, current leader: %s", ErrNotLeader, m.LeaderAddr())
		}
		return nil, fmt.Errorf("failed to apply %s: %w", cmd.Op, err)
	}

	resp := future.Response()
	if err, ok := resp.(error); ok {
		return nil, err
	}
	return resp, nil
}

func apply[T any](m *Manager, op string, v interface{}) (T, error) {
	var zero T
	data, err := json.Marshal(v)
	if err != nil {
		return zero, err
	}

	resp, err := m.Apply(Command{Op: op, Data: data})
	if err != nil {
		return zero, err
	}
	out, ok := resp.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected response %T for %s", resp, op)
	}
	return out, nil
}

// CreateRealm commits a new realm and returns it with its assigned ID
func (m *Manager) CreateRealm(realm *types.Realm) (*types.Realm, error) {
	return apply[*types.Realm](m, OpCreateRealm, realm)
}

// UpdateRealm commits a realm change
func (m *Manager) UpdateRealm(realm *types.Realm) error {
	_, err := apply[*types.Realm](m, OpUpdateRealm, realm)
	return err
}

// CreateUser commits a new user and returns it with its assigned ID
func (m *Manager) CreateUser(user *types.User) (*types.User, error) {
	return apply[*types.User](m, OpCreateUser, user)
}

// UpdateUser commits a user change
func (m *Manager) UpdateUser(user *types.User) error {
	_, err := apply[*types.User](m, OpUpdateUser, user)
	return err
}

// CreateLinkifier commits a new linkifier and returns it with its assigned ID
func (m *Manager) CreateLinkifier(linkifier *types.Linkifier) (*types.Linkifier, error) {
	return apply[*types.Linkifier](m, OpCreateLinkifier, linkifier)
}

// UpdateLinkifier commits a linkifier change
func (m *Manager) UpdateLinkifier(linkifier *types.Linkifier) error {
	_, err := apply[*types.Linkifier](m, OpUpdateLinkifier, linkifier)
	return err
}

// DeleteLinkifier removes a linkifier
func (m *Manager) DeleteLinkifier(id int64) error {
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	_, err = m.Apply(Command{Op: OpDeleteLinkifier, Data: data})
	return err
}

// ReorderLinkifiers commits new Order values for several linkifiers in one
// log entry
func (m *Manager) ReorderLinkifiers(linkifiers []*types.Linkifier) error {
	_, err := apply[[]*types.Linkifier](m, OpReorderLinkifiers, linkifiers)
	return err
}

// Reads are served from the local store

func (m *Manager) GetRealm(id int64) (*types.Realm, error) {
	return m.store.GetRealm(id)
}

func (m *Manager) ListRealms() ([]*types.Realm, error) {
	return m.store.ListRealms()
}

func (m *Manager) GetUser(id int64) (*types.User, error) {
	return m.store.GetUser(id)
}

func (m *Manager) ListUsers(realmID int64) ([]*types.User, error) {
	return m.store.ListUsers(realmID)
}

func (m *Manager) ListActiveUserIDs(realmID int64) ([]int64, error) {
	return m.store.ListActiveUserIDs(realmID)
}

func (m *Manager) GetLinkifier(id int64) (*types.Linkifier, error) {
	return m.store.GetLinkifier(id)
}

func (m *Manager) ListLinkifiers(realmID int64) ([]*types.Linkifier, error) {
	return m.store.ListLinkifiers(realmID)
}

// Store returns the local store, used for event queue persistence
func (m *Manager) Store() storage.Store {
	return m.store
}

// Shutdown stops raft and closes the stores
func (m *Manager) Shutdown() error {
	if m.raft != nil {
		m.raft.DeregisterObserver(m.observer)
		close(m.stopObserve)

		future := m.raft.Shutdown()
		if err := future.Error(); err != nil {
			m.logger.Error().Err(err).Msg("Failed to shut down raft")
		}
		m.raft = nil
	}

	for _, s := range m.raftStores {
		if err := s.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to close raft store")
		}
	}

	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}
	return nil
}
