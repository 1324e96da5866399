// Package shardworker implements the shard worker: the service that
// actually stores key-value pairs, replicates writes to a backup, and
// migrates keys to their new owner when the shardmaster reassigns shards.
package shardworker

import (
	"context"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/dreamware/shardkv/internal/managerapi"
	"github.com/dreamware/shardkv/internal/masterapi"
	"github.com/dreamware/shardkv/internal/shardrange"
	"github.com/dreamware/shardkv/internal/storage"
	"github.com/dreamware/shardkv/internal/telemetry"
	"github.com/dreamware/shardkv/internal/wire"
	"github.com/dreamware/shardkv/internal/workerapi"
)

// allUsersKey is the sentinel key every worker owns, regardless of shard
// assignment, listing the user keys this worker currently stores (Delete and
// migration remove entries from it).
const allUsersKey = "all_users"

// NewWorkerClient builds a client to another shard worker or shard manager
// (both serve the same Get/Put/Append/Delete surface). Overridable in tests
// to avoid real network calls.
type NewWorkerClient func(addr string) WorkerClient

// WorkerClient is the subset of workerapi.Client a worker needs to talk to
// its backup and to other owners during migration/cross-owner Append.
type WorkerClient interface {
	Put(ctx context.Context, req workerapi.PutRequest) error
	Append(ctx context.Context, req workerapi.AppendRequest) error
	Dump(ctx context.Context) (workerapi.DumpResponse, error)
}

// NewMasterClient builds a client to the shardmaster whose address the
// manager hands out in its ping responses.
type NewMasterClient func(addr string) MasterClient

// MasterClient is the subset of masterapi.Client the reconciliation loop
// needs.
type MasterClient interface {
	Query(ctx context.Context) (masterapi.QueryResponse, error)
}

// ManagerClient is the subset of managerapi.Client the heartbeat loop
// needs.
type ManagerClient interface {
	Ping(ctx context.Context, server string, viewNumber uint64) (managerapi.PingResponse, error)
}

// Worker stores a partition of the key space and keeps a backup in sync.
//
// A worker is identified two ways: by its own address (its name within its
// replication group's view) and by its manager's address (its group's name
// in the shardmaster's assignment map). Ownership checks always use the
// manager's address, because the shardmaster assigns shards to replication
// groups, not to individual replicas.
type Worker struct {
	address         string
	managerAddr     string
	manager         ManagerClient
	newWorkerClient NewWorkerClient
	newMasterClient NewMasterClient
	log             zerolog.Logger

	mu              sync.Mutex
	store           storage.Store
	authors         map[string]string
	assignments     []assignment // in the shardmaster's Query response order: by server, then each server's shards
	isPrimary       bool
	backupAddr      string
	backup          WorkerClient
	shardmasterAddr string
	master          MasterClient
	viewNumber      uint64
}

type assignment struct {
	shard  shardrange.Shard
	server string
}

// New returns an empty Worker. address is this worker's own reachable
// endpoint; managerAddr is its shard manager's endpoint, which doubles as
// the group's identity in the shardmaster's assignment. store, newWorker,
// and newMaster may be nil to get the real implementations.
func New(address, managerAddr string, manager ManagerClient, store storage.Store, newWorker NewWorkerClient, newMaster NewMasterClient) *Worker {
	if store == nil {
		store = storage.NewMemoryStore()
	}
	if newWorker == nil {
		newWorker = func(addr string) WorkerClient { return workerapi.NewClient(addr) }
	}
	if newMaster == nil {
		newMaster = func(addr string) MasterClient { return masterapi.NewClient(addr) }
	}
	return &Worker{
		address:         address,
		managerAddr:     managerAddr,
		manager:         manager,
		newWorkerClient: newWorker,
		newMasterClient: newMaster,
		log:             telemetry.WithComponent("shardworker").With().Str("addr", address).Logger(),
		store:           store,
		authors:         make(map[string]string),
	}
}

// managesKey reports whether this worker's group currently owns key. Must
// be called with mu held.
func (w *Worker) managesKey(key string) bool {
	if key == allUsersKey {
		return true
	}
	return w.serverOf(key) == w.managerAddr
}

// serverOf returns the manager address responsible for key under the cached
// assignment map. Must be called with mu held.
func (w *Worker) serverOf(key string) string {
	id := shardrange.ExtractID(key)
	for _, a := range w.assignments {
		if a.shard.HasKey(id) {
			return a.server
		}
	}
	return ""
}

func isUserKey(key string) bool {
	return strings.HasPrefix(key, "u") && !strings.HasSuffix(key, "s")
}

func isPostKey(key string) bool {
	return strings.HasPrefix(key, "p")
}

func dedupAppend(existing, value string) string {
	for _, token := range strings.Split(existing, ",") {
		if token == value {
			return existing
		}
	}
	return existing + value + ","
}

func removeFromCommaList(existing, value string) string {
	var kept strings.Builder
	for _, token := range strings.Split(existing, ",") {
		if token != "" && token != value {
			kept.WriteString(token)
			kept.WriteString(",")
		}
	}
	return kept.String()
}

func (w *Worker) get(key string) (string, error) {
	value, err := w.store.Get(key)
	if err != nil {
		return "", err
	}
	return string(value), nil
}

func (w *Worker) put(key, value string) {
	_ = w.store.Put(key, []byte(value))
}

// Get returns the stored value for key.
func (w *Worker) Get(key string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.managesKey(key) {
		return "", wire.NewInvalidArgument("Not responsible for key")
	}
	value, err := w.get(key)
	if err == storage.ErrKeyNotFound {
		return "", wire.NewInvalidArgument("Key not found")
	}
	return value, err
}

// Put stores key=value, forwarding to the backup first (retrying until
// success) and then, depending on key kind, maintaining all_users or the
// author's post list.
func (w *Worker) Put(ctx context.Context, req workerapi.PutRequest) error {
	w.mu.Lock()

	if w.backup != nil {
		backup := w.backup
		w.mu.Unlock()
		retryForever(ctx, func() error { return backup.Put(ctx, req) })
		w.mu.Lock()
	}

	if !w.managesKey(req.Key) {
		w.mu.Unlock()
		return wire.NewInvalidArgument("Not responsible for key")
	}

	w.put(req.Key, req.Data)

	switch {
	case isUserKey(req.Key):
		current, _ := w.get(allUsersKey)
		w.put(allUsersKey, dedupAppend(current, req.Key))
		w.mu.Unlock()

	case isPostKey(req.Key):
		w.authors[req.Key] = req.User
		postsKey := req.User + "_posts"
		owner := w.serverOf(req.User)
		local := owner == w.managerAddr
		w.mu.Unlock()

		if local {
			w.mu.Lock()
			current, _ := w.get(postsKey)
			w.put(postsKey, dedupAppend(current, req.Key))
			w.mu.Unlock()
		} else {
			remote := w.newWorkerClient(owner)
			appendReq := workerapi.AppendRequest{Key: postsKey, Data: req.Key}
			retryForever(ctx, func() error { return remote.Append(ctx, appendReq) })
		}

	default:
		w.log.Warn().Str("key", req.Key).Msg("put for a key that is neither user nor post")
		w.mu.Unlock()
	}

	return nil
}

// Append appends value to whatever key currently holds, deduping
// comma-separated list values, or behaves like Put if key is unseen and is
// a user/post key.
func (w *Worker) Append(ctx context.Context, req workerapi.AppendRequest) error {
	w.mu.Lock()

	if !w.managesKey(req.Key) {
		w.mu.Unlock()
		return wire.NewInvalidArgument("Not responsible for key")
	}

	_, getErr := w.store.Get(req.Key)
	keyExists := getErr == nil
	isListKey := !isUserKey(req.Key) && !isPostKey(req.Key)

	if keyExists || isListKey {
		if w.backup != nil {
			backup := w.backup
			w.mu.Unlock()
			retryForever(ctx, func() error { return backup.Append(ctx, req) })
			w.mu.Lock()
		}

		if strings.HasSuffix(req.Key, "s") {
			current, _ := w.get(req.Key)
			w.put(req.Key, dedupAppend(current, req.Data))
		} else {
			current, _ := w.get(req.Key)
			w.put(req.Key, current+req.Data)
		}
		w.mu.Unlock()
		return nil
	}

	w.mu.Unlock()
	return w.Put(ctx, workerapi.PutRequest{Key: req.Key, Data: req.Data})
}

// Delete removes key, pruning all_users if it was a user key.
func (w *Worker) Delete(key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.managesKey(key) {
		return wire.NewInvalidArgument("Not responsible for key")
	}
	if _, err := w.store.Get(key); err == storage.ErrKeyNotFound {
		return wire.NewInvalidArgument("Key not found")
	}

	_ = w.store.Delete(key)
	if isUserKey(key) {
		current, _ := w.get(allUsersKey)
		w.put(allUsersKey, removeFromCommaList(current, key))
	}
	return nil
}

// Dump returns a snapshot of the entire store, used to initialize a fresh
// backup.
func (w *Worker) Dump() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()

	snapshot := make(map[string]string)
	for _, key := range w.store.List() {
		value, err := w.get(key)
		if err == nil {
			snapshot[key] = value
		}
	}
	return snapshot
}

// AdoptSnapshot merges dump into the local store without overwriting keys
// that already exist locally, matching the original's "insert" (not
// "assign") semantics when a fresh backup pulls the primary's state.
func (w *Worker) AdoptSnapshot(dump map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.adoptSnapshotLocked(dump)
}

func (w *Worker) adoptSnapshotLocked(dump map[string]string) {
	for key, value := range dump {
		if _, err := w.store.Get(key); err == storage.ErrKeyNotFound {
			w.put(key, value)
		}
	}
}

// KeyCount returns how many keys are currently stored locally.
func (w *Worker) KeyCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.store.Stats().Keys
}

// migration is one batch of keys bound for a single new owner, captured
// under the lock and shipped after it is released.
type migration struct {
	target   string
	requests []workerapi.PutRequest
}

// QueryShardmaster runs one reconciliation round: refresh the cached
// assignment from the shardmaster, find every locally stored key this
// group no longer owns, Put each one to its new owner (retrying until
// success, with the lock released so client traffic keeps flowing), and
// erase the migrated keys locally.
func (w *Worker) QueryShardmaster(ctx context.Context) {
	w.mu.Lock()
	master := w.master
	w.mu.Unlock()
	if master == nil {
		// The manager has not told us where the shardmaster lives yet.
		return
	}

	resp, err := master.Query(ctx)
	if err != nil {
		w.log.Warn().Err(err).Msg("shardmaster query failed")
		return
	}

	w.mu.Lock()
	w.assignments = w.assignments[:0]
	for _, entry := range resp.Config {
		for _, shard := range entry.Shards {
			w.assignments = append(w.assignments, assignment{shard: shard, server: entry.Server})
		}
	}

	if !w.isPrimary {
		// Backups replicate; only the primary redistributes.
		w.mu.Unlock()
		return
	}

	byTarget := make(map[string]*migration)
	var outbound []*migration
	for _, key := range w.store.List() {
		if w.managesKey(key) {
			continue
		}
		target := w.serverOf(key)
		if target == "" {
			w.log.Warn().Str("key", key).Msg("no owner for key under current assignment")
			continue
		}
		req := workerapi.PutRequest{Key: key}
		req.Data, _ = w.get(key)
		if isPostKey(key) {
			req.User = w.authors[key]
		}
		batch, ok := byTarget[target]
		if !ok {
			batch = &migration{target: target}
			byTarget[target] = batch
			outbound = append(outbound, batch)
		}
		batch.requests = append(batch.requests, req)
	}
	telemetry.WorkerKeysGauge.Set(float64(w.store.Stats().Keys))
	w.mu.Unlock()

	if len(outbound) == 0 {
		return
	}

	moved := 0
	for _, batch := range outbound {
		moved += len(batch.requests)
	}
	telemetry.WorkerMigrationsInFlight.Set(float64(moved))
	defer telemetry.WorkerMigrationsInFlight.Set(0)

	for _, batch := range outbound {
		client := w.newWorkerClient(batch.target)
		for _, req := range batch.requests {
			req := req
			retryForever(ctx, func() error { return client.Put(ctx, req) })
		}
	}
	if ctx.Err() != nil {
		// Canceled mid-migration; nothing was confirmed delivered, so keep
		// the local copies for the next round.
		return
	}

	w.mu.Lock()
	for _, batch := range outbound {
		w.log.Info().Str("target", batch.target).Int("keys", len(batch.requests)).Msg("migrated keys to new owner")
		for _, req := range batch.requests {
			_ = w.store.Delete(req.Key)
			delete(w.authors, req.Key)
			if isUserKey(req.Key) {
				current, _ := w.get(allUsersKey)
				w.put(allUsersKey, removeFromCommaList(current, req.Key))
			}
		}
	}
	w.mu.Unlock()
}

// PingShardmanager runs one heartbeat round: tell the manager this worker
// is alive and the view number it last saw, then apply the response — learn
// the shardmaster's address, our primary/backup role, and, the first time
// we become a backup, pull a snapshot of the primary's store.
func (w *Worker) PingShardmanager(ctx context.Context) {
	w.mu.Lock()
	viewNumber := w.viewNumber
	w.mu.Unlock()

	resp, err := w.manager.Ping(ctx, w.address, viewNumber)
	if err != nil {
		w.log.Warn().Err(err).Msg("shardmanager ping failed")
		return
	}

	w.mu.Lock()
	if resp.Shardmaster != "" && resp.Shardmaster != w.shardmasterAddr {
		w.master = w.newMasterClient(resp.Shardmaster)
	}
	w.shardmasterAddr = resp.Shardmaster

	w.isPrimary = resp.Primary == w.address
	isBackup := !w.isPrimary && resp.Backup == w.address

	if w.isPrimary && resp.Backup != "" {
		if resp.Backup != w.backupAddr {
			w.log.Info().Str("backup", resp.Backup).Msg("opening client to new backup")
			w.backupAddr = resp.Backup
			w.backup = w.newWorkerClient(resp.Backup)
		}
	} else if w.backup != nil || w.backupAddr != "" {
		w.log.Info().Str("backup", w.backupAddr).Msg("dropping client to backup")
		w.backup = nil
		w.backupAddr = ""
	}

	if isBackup && w.viewNumber == 0 {
		primary := w.newWorkerClient(resp.Primary)
		w.mu.Unlock()
		dump, dumpErr := primary.Dump(ctx)
		w.mu.Lock()
		if dumpErr == nil {
			w.adoptSnapshotLocked(dump.Database)
		} else {
			w.log.Warn().Err(dumpErr).Str("primary", resp.Primary).Msg("snapshot pull from primary failed")
		}
	}

	w.viewNumber = resp.ViewNumber
	w.mu.Unlock()
}

// retryForever calls fn until it succeeds or ctx is canceled, backing off
// exponentially between attempts with no overall deadline. This is the
// "retry until OK" behavior every outbound replication/migration call
// needs.
func retryForever(ctx context.Context, fn func() error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // retry forever; only ctx cancellation stops us
	policy := backoff.WithContext(b, ctx)
	_ = backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return fn()
	}, policy)
}
