// Package shardmanager implements the per-replication-group view service:
// it tracks which worker is primary and which is backup via a heartbeat
// protocol, promotes a backup when the primary stops pinging, and proxies
// client-facing Get/Put/Append/Delete to the current primary.
package shardmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardkv/internal/managerapi"
	"github.com/dreamware/shardkv/internal/wire"
	"github.com/dreamware/shardkv/internal/workerapi"
)

func noPrimaryError() error {
	return wire.NewUnavailable("No primary server")
}

// DeadInterval is how long a server can go without pinging before the
// heartbeat checker considers it dead.
const DeadInterval = 3 * time.Second

// view is one entry in the append-only view history: [0] is primary, [1]
// is backup (possibly empty), anything after that is an idle pool.
type view []string

func (v view) primary() string {
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

func (v view) backup() string {
	if len(v) < 2 {
		return ""
	}
	return v[1]
}

// NewWorkerClient is overridable in tests so a Manager never makes a real
// network connection.
type NewWorkerClient func(addr string) WorkerClient

// WorkerClient is the subset of workerapi.Client the Manager proxies
// through.
type WorkerClient interface {
	Get(ctx context.Context, key string) (workerapi.GetResponse, error)
	Put(ctx context.Context, req workerapi.PutRequest) error
	Append(ctx context.Context, req workerapi.AppendRequest) error
	Delete(ctx context.Context, key string) error
}

// Manager is a single replication group's view service.
type Manager struct {
	shardmasterAddr string
	newWorkerClient NewWorkerClient

	mu           sync.Mutex
	views        []view
	current      int
	acknowledged int
	lastPing     map[string]time.Time
	primary      WorkerClient
}

// New returns a Manager that tells every Worker to use shardmasterAddr as
// its shardmaster, and that builds worker clients with newClient (pass nil
// to use the real HTTP client).
func New(shardmasterAddr string, newClient NewWorkerClient) *Manager {
	if newClient == nil {
		newClient = func(addr string) WorkerClient { return workerapi.NewClient(addr) }
	}
	return &Manager{
		shardmasterAddr: shardmasterAddr,
		newWorkerClient: newClient,
		views:           []view{{"", ""}},
		lastPing:        make(map[string]time.Time),
	}
}

func (m *Manager) latest() int { return len(m.views) - 1 }

// Ping implements the five-branch state machine that admits new workers,
// advances the acknowledged view, and grows the idle pool.
func (m *Manager) Ping(server string, viewNumber uint64) managerapi.PingResponse {
	m.mu.Lock()
	defer m.mu.Unlock()

	defer func() { m.lastPing[server] = time.Now() }()

	switch {
	case m.current == 0:
		// First ever ping: this server becomes primary of view 1.
		m.views = append(m.views, view{server, ""})
		m.current++
		m.primary = m.newWorkerClient(server)

	case server == m.views[m.current].primary():
		if viewNumber > uint64(m.acknowledged) {
			m.acknowledged = int(viewNumber)
		}
		if m.acknowledged == m.current && m.current < m.latest() {
			m.current++
		}

	case m.views[m.current].backup() == "":
		// Idle server fills the empty backup slot.
		if m.current < m.latest() {
			m.views[m.latest()][1] = server
		} else {
			m.views = append(m.views, view{m.views[m.current].primary(), server})
		}

	case server == m.views[m.current].backup():
		// No state change beyond the deferred lastPing update.

	default:
		// Ping from an idle server: add it to the idle pool of the latest
		// view if it is not already present anywhere in it.
		if !slices.Contains(m.views[m.latest()], server) {
			if m.current < m.latest() {
				m.views[m.latest()] = append(m.views[m.latest()], server)
			} else {
				m.views = append(m.views, view{
					m.views[m.current].primary(),
					m.views[m.current].backup(),
					server,
				})
			}
		}
	}

	return managerapi.PingResponse{
		Shardmaster: m.shardmasterAddr,
		Primary:     m.views[m.current].primary(),
		Backup:      m.views[m.current].backup(),
		ViewNumber:  uint64(m.current),
	}
}

// CheckHeartbeats runs one round of the heartbeat checker: it looks for a
// dead primary or dead backup and, if found, appends the corresponding new
// view and advances current. At most one death is processed per call.
func (m *Manager) CheckHeartbeats(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	primary := m.views[m.current].primary()
	backup := m.views[m.current].backup()

	if primary == "" {
		return
	}

	primaryDead := now.Sub(m.lastPing[primary]) > DeadInterval
	backupDead := backup != "" && now.Sub(m.lastPing[backup]) > DeadInterval

	switch {
	case primaryDead:
		if m.current != m.acknowledged {
			panic(fmt.Sprintf("shardmanager: primary %q declared dead with current=%d != acknowledged=%d", primary, m.current, m.acknowledged))
		}
		latest := m.views[m.latest()]
		next := append(view{}, latest[1:]...)
		for len(next) < 2 {
			next = append(next, "")
		}
		m.views = append(m.views, next)
		m.current++
		if newPrimary := m.views[m.current].primary(); newPrimary != "" {
			m.primary = m.newWorkerClient(newPrimary)
		} else {
			m.primary = nil
		}

	case backupDead:
		latest := append(view{}, m.views[m.latest()]...)
		next := append(latest[:1], latest[2:]...)
		if len(next) < 2 {
			next = append(next, "")
		}
		m.views = append(m.views, next)
		m.current++
	}
}

// Status reports the served and acknowledged view indices and how long ago
// the current primary last pinged, for logging and metrics. age is zero
// when no primary is installed.
func (m *Manager) Status(now time.Time) (current, acknowledged int, age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if primary := m.views[m.current].primary(); primary != "" {
		age = now.Sub(m.lastPing[primary])
	}
	return m.current, m.acknowledged, age
}

func (m *Manager) snapshotPrimary() WorkerClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primary
}

// Get proxies to the current primary.
func (m *Manager) Get(ctx context.Context, key string) (workerapi.GetResponse, error) {
	primary := m.snapshotPrimary()
	if primary == nil {
		return workerapi.GetResponse{}, noPrimaryError()
	}
	return primary.Get(ctx, key)
}

// Put proxies to the current primary.
func (m *Manager) Put(ctx context.Context, req workerapi.PutRequest) error {
	primary := m.snapshotPrimary()
	if primary == nil {
		return noPrimaryError()
	}
	return primary.Put(ctx, req)
}

// Append proxies to the current primary.
func (m *Manager) Append(ctx context.Context, req workerapi.AppendRequest) error {
	primary := m.snapshotPrimary()
	if primary == nil {
		return noPrimaryError()
	}
	return primary.Append(ctx, req)
}

// Delete proxies to the current primary.
func (m *Manager) Delete(ctx context.Context, key string) error {
	primary := m.snapshotPrimary()
	if primary == nil {
		return noPrimaryError()
	}
	return primary.Delete(ctx, key)
}
