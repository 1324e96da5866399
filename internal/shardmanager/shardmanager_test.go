package shardmanager

import (
	"context"
	"testing"
	"time"

	"github.com/dreamware/shardkv/internal/workerapi"
)

type stubWorkerClient struct {
	addr string
}

func (s *stubWorkerClient) Get(ctx context.Context, key string) (workerapi.GetResponse, error) {
	return workerapi.GetResponse{Data: s.addr + ":" + key}, nil
}
func (s *stubWorkerClient) Put(ctx context.Context, req workerapi.PutRequest) error    { return nil }
func (s *stubWorkerClient) Append(ctx context.Context, req workerapi.AppendRequest) error { return nil }
func (s *stubWorkerClient) Delete(ctx context.Context, key string) error                { return nil }

func newTestManager() *Manager {
	return New("sm:9000", func(addr string) WorkerClient { return &stubWorkerClient{addr: addr} })
}

func TestFirstPrimaryElection(t *testing.T) {
	m := newTestManager()

	resp := m.Ping("W1", 0)
	if resp.Primary != "W1" || resp.Backup != "" || resp.ViewNumber != 1 {
		t.Fatalf("first ping response = %+v", resp)
	}

	// W2's own ping queues it as backup in a new view, but the served view
	// cannot change until W1 acknowledges the one it is operating under.
	resp = m.Ping("W2", 0)
	if resp.Primary != "W1" || resp.Backup != "" || resp.ViewNumber != 1 {
		t.Fatalf("W2's first ping must still see view 1, got %+v", resp)
	}

	// Once W1 acks view 1, the view with W2 as backup is exposed.
	resp = m.Ping("W1", 1)
	if resp.Primary != "W1" || resp.Backup != "W2" || resp.ViewNumber != 2 {
		t.Fatalf("expected view 2 with W2 as backup after W1 acks, got %+v", resp)
	}
}

func TestPingFromPrimaryAdvancesOnAck(t *testing.T) {
	m := newTestManager()
	m.Ping("W1", 0)
	m.Ping("W2", 0) // W2 becomes backup in a new view that W1 hasn't acked yet

	// W1 still sees view 1 until it acks.
	resp := m.Ping("W1", 1)
	if resp.ViewNumber != 2 || resp.Backup != "W2" {
		t.Fatalf("expected W1 to advance to view 2 once it acks, got %+v", resp)
	}
}

func TestPrimaryDeathPromotesBackup(t *testing.T) {
	m := newTestManager()
	m.Ping("P", 0)
	m.Ping("B", 0)
	m.Ping("P", 1) // P acks view 1, current advances to view 2 (which added B as backup)
	m.Ping("P", 2) // P acks view 2 too, so acknowledged catches back up to current

	m.mu.Lock()
	if m.current != m.acknowledged {
		m.mu.Unlock()
		t.Fatalf("precondition violated: current=%d acknowledged=%d", m.current, m.acknowledged)
	}
	m.lastPing["P"] = time.Now().Add(-10 * time.Second)
	m.lastPing["B"] = time.Now()
	m.mu.Unlock()

	m.CheckHeartbeats(time.Now())

	resp := m.Ping("B", 2)
	if resp.Primary != "B" {
		t.Fatalf("expected B promoted to primary, got %+v", resp)
	}
}

func TestBackupDeathEmptiesBackupSlot(t *testing.T) {
	m := newTestManager()
	m.Ping("P", 0)
	m.Ping("B", 0)
	m.Ping("P", 1)
	m.Ping("P", 2)

	m.mu.Lock()
	m.lastPing["P"] = time.Now()
	m.lastPing["B"] = time.Now().Add(-10 * time.Second)
	m.mu.Unlock()

	m.CheckHeartbeats(time.Now())

	resp := m.Ping("P", 3)
	if resp.Primary != "P" || resp.Backup != "" {
		t.Fatalf("expected dead backup dropped from the view, got %+v", resp)
	}
}

func TestViewNumbersAreMonotonic(t *testing.T) {
	m := newTestManager()
	var last uint64
	for i, step := range []struct {
		server string
		view   uint64
	}{
		{"P", 0}, {"B", 0}, {"P", 1}, {"P", 2}, {"B", 2}, {"P", 2},
	} {
		resp := m.Ping(step.server, step.view)
		if resp.ViewNumber < last {
			t.Fatalf("step %d: view went backwards from %d to %d", i, last, resp.ViewNumber)
		}
		last = resp.ViewNumber
	}
}

func TestProxyReturnsUnavailableBeforeFirstPing(t *testing.T) {
	m := newTestManager()
	_, err := m.Get(context.Background(), "u_1")
	if err == nil {
		t.Fatal("expected an error with no primary installed")
	}
}

func TestProxyForwardsToPrimary(t *testing.T) {
	m := newTestManager()
	m.Ping("W1", 0)

	resp, err := m.Get(context.Background(), "u_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.Data != "W1:u_1" {
		t.Fatalf("Get forwarded to wrong target: %+v", resp)
	}
}
