package shardworker

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardkv/internal/managerapi"
	"github.com/dreamware/shardkv/internal/masterapi"
	"github.com/dreamware/shardkv/internal/shardrange"
	"github.com/dreamware/shardkv/internal/workerapi"
)

const (
	workerAddr  = "w1:9200"
	managerAddr = "mgr:9100"
	otherAddr   = "mgr2:9100"
)

type fakeManager struct {
	mu   sync.Mutex
	resp managerapi.PingResponse
	err  error
}

func (f *fakeManager) Ping(_ context.Context, _ string, _ uint64) (managerapi.PingResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resp, f.err
}

type fakeMaster struct {
	mu   sync.Mutex
	resp masterapi.QueryResponse
	err  error
}

func (f *fakeMaster) Query(_ context.Context) (masterapi.QueryResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resp, f.err
}

// fakeWorkerClient records what was sent to one remote endpoint and can be
// told to fail its first few calls, to exercise the retry loops.
type fakeWorkerClient struct {
	mu       sync.Mutex
	puts     []workerapi.PutRequest
	appends  []workerapi.AppendRequest
	dump     workerapi.DumpResponse
	failPuts int
}

func (f *fakeWorkerClient) Put(_ context.Context, req workerapi.PutRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPuts > 0 {
		f.failPuts--
		return assert.AnError
	}
	f.puts = append(f.puts, req)
	return nil
}

func (f *fakeWorkerClient) Append(_ context.Context, req workerapi.AppendRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends = append(f.appends, req)
	return nil
}

func (f *fakeWorkerClient) Dump(_ context.Context) (workerapi.DumpResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dump, nil
}

type env struct {
	worker  *Worker
	manager *fakeManager
	master  *fakeMaster

	mu      sync.Mutex
	clients map[string]*fakeWorkerClient
}

func newEnv() *env {
	e := &env{
		manager: &fakeManager{},
		master:  &fakeMaster{},
		clients: make(map[string]*fakeWorkerClient),
	}
	newWorker := func(addr string) WorkerClient { return e.client(addr) }
	newMaster := func(string) MasterClient { return e.master }
	e.worker = New(workerAddr, managerAddr, e.manager, nil, newWorker, newMaster)
	return e
}

func (e *env) client(addr string) *fakeWorkerClient {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.clients[addr]
	if !ok {
		c = &fakeWorkerClient{}
		e.clients[addr] = c
	}
	return c
}

func singleOwnerConfig() masterapi.QueryResponse {
	return masterapi.QueryResponse{Config: []masterapi.ConfigEntry{
		{Server: managerAddr, Shards: []shardrange.Shard{{Lower: 0, Upper: 999}}},
	}}
}

func splitOwnerConfig() masterapi.QueryResponse {
	return masterapi.QueryResponse{Config: []masterapi.ConfigEntry{
		{Server: managerAddr, Shards: []shardrange.Shard{{Lower: 0, Upper: 499}}},
		{Server: otherAddr, Shards: []shardrange.Shard{{Lower: 500, Upper: 999}}},
	}}
}

// becomePrimary drives one ping and one reconciliation round so the worker
// believes it is the primary of a group owning the whole key space.
func (e *env) becomePrimary(t *testing.T) {
	t.Helper()
	e.manager.resp = managerapi.PingResponse{
		Shardmaster: "sm:9000",
		Primary:     workerAddr,
		ViewNumber:  1,
	}
	e.master.resp = singleOwnerConfig()
	e.worker.PingShardmanager(context.Background())
	e.worker.QueryShardmaster(context.Background())
}

func TestPutAndGet(t *testing.T) {
	e := newEnv()
	e.becomePrimary(t)

	err := e.worker.Put(context.Background(), workerapi.PutRequest{Key: "u_5", Data: "alice"})
	require.NoError(t, err)

	value, err := e.worker.Get("u_5")
	require.NoError(t, err)
	assert.Equal(t, "alice", value)

	users, err := e.worker.Get(allUsersKey)
	require.NoError(t, err)
	assert.Equal(t, "u_5,", users)
}

func TestPutIsIdempotent(t *testing.T) {
	e := newEnv()
	e.becomePrimary(t)

	for i := 0; i < 2; i++ {
		require.NoError(t, e.worker.Put(context.Background(), workerapi.PutRequest{Key: "u_5", Data: "alice"}))
	}

	users, err := e.worker.Get(allUsersKey)
	require.NoError(t, err)
	assert.Equal(t, "u_5,", users, "all_users must not accumulate duplicates")
}

func TestPutRejectsUnmanagedKey(t *testing.T) {
	e := newEnv()
	e.manager.resp = managerapi.PingResponse{Shardmaster: "sm:9000", Primary: workerAddr, ViewNumber: 1}
	e.master.resp = splitOwnerConfig()
	e.worker.PingShardmanager(context.Background())
	e.worker.QueryShardmaster(context.Background())

	err := e.worker.Put(context.Background(), workerapi.PutRequest{Key: "u_700", Data: "bob"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Not responsible for key")
}

func TestGetMissingKey(t *testing.T) {
	e := newEnv()
	e.becomePrimary(t)

	_, err := e.worker.Get("u_42")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Key not found")
}

func TestDeletePrunesAllUsers(t *testing.T) {
	e := newEnv()
	e.becomePrimary(t)

	require.NoError(t, e.worker.Put(context.Background(), workerapi.PutRequest{Key: "u_5", Data: "alice"}))
	require.NoError(t, e.worker.Put(context.Background(), workerapi.PutRequest{Key: "u_7", Data: "bob"}))

	require.NoError(t, e.worker.Delete("u_5"))

	users, err := e.worker.Get(allUsersKey)
	require.NoError(t, err)
	assert.Equal(t, "u_7,", users)

	err = e.worker.Delete("u_5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Key not found")
}

func TestAppendDedupsListKeys(t *testing.T) {
	e := newEnv()
	e.becomePrimary(t)

	for i := 0; i < 2; i++ {
		require.NoError(t, e.worker.Append(context.Background(), workerapi.AppendRequest{Key: "u_5_posts", Data: "p_3"}))
	}

	posts, err := e.worker.Get("u_5_posts")
	require.NoError(t, err)
	assert.Equal(t, "p_3,", posts)
}

func TestAppendToUnseenUserKeyActsAsPut(t *testing.T) {
	e := newEnv()
	e.becomePrimary(t)

	require.NoError(t, e.worker.Append(context.Background(), workerapi.AppendRequest{Key: "u_5", Data: "alice"}))

	value, err := e.worker.Get("u_5")
	require.NoError(t, err)
	assert.Equal(t, "alice", value)

	users, err := e.worker.Get(allUsersKey)
	require.NoError(t, err)
	assert.Equal(t, "u_5,", users)
}

func TestAppendConcatsPlainKeys(t *testing.T) {
	e := newEnv()
	e.becomePrimary(t)

	require.NoError(t, e.worker.Put(context.Background(), workerapi.PutRequest{Key: "u_5", Data: "ali"}))
	require.NoError(t, e.worker.Append(context.Background(), workerapi.AppendRequest{Key: "u_5", Data: "ce"}))

	value, err := e.worker.Get("u_5")
	require.NoError(t, err)
	assert.Equal(t, "alice", value)
}

func TestPutForwardsToBackupFirst(t *testing.T) {
	e := newEnv()
	e.becomePrimary(t)

	e.manager.resp = managerapi.PingResponse{
		Shardmaster: "sm:9000",
		Primary:     workerAddr,
		Backup:      "w2:9200",
		ViewNumber:  2,
	}
	e.worker.PingShardmanager(context.Background())

	req := workerapi.PutRequest{Key: "u_5", Data: "alice"}
	require.NoError(t, e.worker.Put(context.Background(), req))

	backup := e.client("w2:9200")
	require.Len(t, backup.puts, 1)
	assert.Equal(t, req, backup.puts[0])
}

func TestAppendForwardsToBackup(t *testing.T) {
	e := newEnv()
	e.becomePrimary(t)

	e.manager.resp = managerapi.PingResponse{
		Shardmaster: "sm:9000",
		Primary:     workerAddr,
		Backup:      "w2:9200",
		ViewNumber:  2,
	}
	e.worker.PingShardmanager(context.Background())

	req := workerapi.AppendRequest{Key: "u_5_posts", Data: "p_3"}
	require.NoError(t, e.worker.Append(context.Background(), req))

	backup := e.client("w2:9200")
	require.Len(t, backup.appends, 1)
	assert.Equal(t, req, backup.appends[0])
}

func TestBackupDroppedWhenViewLosesIt(t *testing.T) {
	e := newEnv()
	e.becomePrimary(t)

	e.manager.resp = managerapi.PingResponse{Shardmaster: "sm:9000", Primary: workerAddr, Backup: "w2:9200", ViewNumber: 2}
	e.worker.PingShardmanager(context.Background())
	e.manager.resp = managerapi.PingResponse{Shardmaster: "sm:9000", Primary: workerAddr, ViewNumber: 3}
	e.worker.PingShardmanager(context.Background())

	require.NoError(t, e.worker.Put(context.Background(), workerapi.PutRequest{Key: "u_5", Data: "alice"}))
	assert.Empty(t, e.client("w2:9200").puts, "no forwarding after the backup left the view")
}

func TestPostPutMaintainsLocalAuthorList(t *testing.T) {
	e := newEnv()
	e.becomePrimary(t)

	require.NoError(t, e.worker.Put(context.Background(), workerapi.PutRequest{Key: "p_3", Data: "hello", User: "u_5"}))

	posts, err := e.worker.Get("u_5_posts")
	require.NoError(t, err)
	assert.Equal(t, "p_3,", posts)
}

func TestPostPutAppendsToRemoteAuthorList(t *testing.T) {
	e := newEnv()
	e.manager.resp = managerapi.PingResponse{Shardmaster: "sm:9000", Primary: workerAddr, ViewNumber: 1}
	e.master.resp = splitOwnerConfig()
	e.worker.PingShardmanager(context.Background())
	e.worker.QueryShardmaster(context.Background())

	// p_3 lives here, but its author u_700 belongs to the other group.
	require.NoError(t, e.worker.Put(context.Background(), workerapi.PutRequest{Key: "p_3", Data: "hello", User: "u_700"}))

	remote := e.client(otherAddr)
	require.Len(t, remote.appends, 1)
	assert.Equal(t, workerapi.AppendRequest{Key: "u_700_posts", Data: "p_3"}, remote.appends[0])
}

func TestReconciliationMigratesKeys(t *testing.T) {
	e := newEnv()
	e.becomePrimary(t)

	require.NoError(t, e.worker.Put(context.Background(), workerapi.PutRequest{Key: "u_5", Data: "alice"}))
	require.NoError(t, e.worker.Put(context.Background(), workerapi.PutRequest{Key: "u_700", Data: "bob"}))

	e.master.resp = splitOwnerConfig()
	e.worker.QueryShardmaster(context.Background())

	remote := e.client(otherAddr)
	require.Len(t, remote.puts, 1)
	assert.Equal(t, "u_700", remote.puts[0].Key)
	assert.Equal(t, "bob", remote.puts[0].Data)

	_, err := e.worker.Get("u_700")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Not responsible for key")

	value, err := e.worker.Get("u_5")
	require.NoError(t, err)
	assert.Equal(t, "alice", value)

	users, err := e.worker.Get(allUsersKey)
	require.NoError(t, err)
	assert.Equal(t, "u_5,", users, "migrated user must be pruned from all_users")
}

func TestReconciliationCarriesPostAuthor(t *testing.T) {
	e := newEnv()
	e.becomePrimary(t)

	require.NoError(t, e.worker.Put(context.Background(), workerapi.PutRequest{Key: "p_700", Data: "hello", User: "u_5"}))

	e.master.resp = splitOwnerConfig()
	e.worker.QueryShardmaster(context.Background())

	remote := e.client(otherAddr)
	require.Len(t, remote.puts, 1)
	assert.Equal(t, "u_5", remote.puts[0].User, "the migrated post must keep its author")
}

func TestReconciliationRetriesFailedPuts(t *testing.T) {
	e := newEnv()
	e.becomePrimary(t)

	require.NoError(t, e.worker.Put(context.Background(), workerapi.PutRequest{Key: "u_700", Data: "bob"}))

	e.client(otherAddr).failPuts = 1
	e.master.resp = splitOwnerConfig()
	e.worker.QueryShardmaster(context.Background())

	remote := e.client(otherAddr)
	require.Len(t, remote.puts, 1, "the put must be retried until it lands")
	assert.Equal(t, "u_700", remote.puts[0].Key)
}

func TestBackupDoesNotRedistribute(t *testing.T) {
	e := newEnv()
	e.becomePrimary(t)
	require.NoError(t, e.worker.Put(context.Background(), workerapi.PutRequest{Key: "u_700", Data: "bob"}))

	// Demoted: another worker is primary now.
	e.manager.resp = managerapi.PingResponse{Shardmaster: "sm:9000", Primary: "w2:9200", Backup: workerAddr, ViewNumber: 2}
	e.worker.PingShardmanager(context.Background())

	e.master.resp = splitOwnerConfig()
	e.worker.QueryShardmaster(context.Background())

	assert.Empty(t, e.client(otherAddr).puts, "only the primary migrates keys")
}

func TestFreshBackupPullsSnapshot(t *testing.T) {
	e := newEnv()
	e.client("prim:9200").dump = workerapi.DumpResponse{Database: map[string]string{
		"u_5":       "alice",
		allUsersKey: "u_5,",
	}}

	e.manager.resp = managerapi.PingResponse{
		Shardmaster: "sm:9000",
		Primary:     "prim:9200",
		Backup:      workerAddr,
		ViewNumber:  1,
	}
	e.master.resp = singleOwnerConfig()
	e.worker.PingShardmanager(context.Background())
	e.worker.QueryShardmaster(context.Background())

	value, err := e.worker.Get("u_5")
	require.NoError(t, err)
	assert.Equal(t, "alice", value)
}

func TestSnapshotMergeKeepsLocalValues(t *testing.T) {
	e := newEnv()
	e.worker.AdoptSnapshot(map[string]string{"u_5": "local"})
	e.worker.AdoptSnapshot(map[string]string{"u_5": "remote", "u_7": "new"})

	e.becomePrimary(t)

	value, err := e.worker.Get("u_5")
	require.NoError(t, err)
	assert.Equal(t, "local", value, "a merge must not overwrite existing keys")

	value, err = e.worker.Get("u_7")
	require.NoError(t, err)
	assert.Equal(t, "new", value)
}

func TestQueryShardmasterFailureIsSkipped(t *testing.T) {
	e := newEnv()
	e.becomePrimary(t)
	require.NoError(t, e.worker.Put(context.Background(), workerapi.PutRequest{Key: "u_5", Data: "alice"}))

	e.master.err = assert.AnError
	e.worker.QueryShardmaster(context.Background())

	value, err := e.worker.Get("u_5")
	require.NoError(t, err)
	assert.Equal(t, "alice", value, "a failed query must leave the store untouched")
}

func TestDumpSnapshotsEverything(t *testing.T) {
	e := newEnv()
	e.becomePrimary(t)

	require.NoError(t, e.worker.Put(context.Background(), workerapi.PutRequest{Key: "u_5", Data: "alice"}))
	require.NoError(t, e.worker.Put(context.Background(), workerapi.PutRequest{Key: "u_7", Data: "bob"}))

	dump := e.worker.Dump()
	assert.Equal(t, map[string]string{
		"u_5":       "alice",
		"u_7":       "bob",
		allUsersKey: "u_5,u_7,",
	}, dump)
}
