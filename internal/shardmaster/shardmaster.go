// Package shardmaster implements the shard-assignment authority: servers
// join and leave the cluster, shards get rebalanced across whoever is left,
// and an operator can move a specific shard to a specific server outside
// the normal rebalancing.
package shardmaster

import (
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardkv/internal/masterapi"
	"github.com/dreamware/shardkv/internal/shardrange"
	"github.com/dreamware/shardkv/internal/wire"
)

// Master tracks which server owns which shards and rebalances on
// membership changes. All exported methods are safe for concurrent use.
type Master struct {
	allKeys shardrange.Shard

	mu         sync.Mutex
	servers    map[string][]shardrange.Shard
	serverList []string
}

// New returns an empty Master with no servers joined, partitioning the
// closed interval [minKey, maxKey].
func New(minKey, maxKey uint32) *Master {
	return &Master{
		allKeys: shardrange.Shard{Lower: minKey, Upper: maxKey},
		servers: make(map[string][]shardrange.Shard),
	}
}

// Join admits server to the cluster and rebalances every shard evenly
// across all joined servers. It fails if server already belongs, or if the
// key space is already split as finely as it can go (one key per server).
func (m *Master) Join(server string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.servers[server]; exists {
		return wire.NewInvalidArgument("Server already exists")
	}
	if uint64(len(m.servers)) == m.allKeys.Size() {
		return wire.NewInvalidArgument("No shards left to give")
	}

	m.serverList = append(m.serverList, server)
	m.servers[server] = nil
	m.reassignShards()
	return nil
}

// Leave removes the named servers from the cluster and rebalances the
// remaining servers' shards. It fails, leaving state unchanged, if any
// named server does not belong.
func (m *Master) Leave(servers []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, server := range servers {
		if _, exists := m.servers[server]; !exists {
			return wire.NewInvalidArgument("Server does not exist")
		}
	}

	for _, server := range servers {
		delete(m.servers, server)
		if i := slices.Index(m.serverList, server); i >= 0 {
			m.serverList = slices.Delete(m.serverList, i, i+1)
		}
	}

	m.reassignShards()
	return nil
}

// Move reassigns shard to target outside of the normal even rebalancing,
// splitting or trimming whatever other servers' shards currently overlap
// it. It fails if target is not a joined server.
func (m *Master) Move(target string, shard shardrange.Shard) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.servers[target]; !exists {
		return wire.NewInvalidArgument("Server does not exist")
	}

	for _, server := range m.serverList {
		var kept []shardrange.Shard
		for _, s := range m.servers[server] {
			switch shardrange.GetOverlap(shard, s) {
			case shardrange.NoOverlap:
				kept = append(kept, s)
			case shardrange.OverlapStart:
				left, _ := shardrange.SplitAt(s, shard.Lower-1)
				kept = append(kept, left)
			case shardrange.OverlapEnd:
				_, right := shardrange.SplitAt(s, shard.Upper)
				kept = append(kept, right)
			case shardrange.CompletelyContains:
				// s is wholly replaced by shard; nothing of it survives.
			case shardrange.CompletelyContained:
				_, remainder := shardrange.Extract(s, shard)
				kept = append(kept, remainder...)
			}
		}
		m.servers[server] = kept
	}

	m.servers[target] = append(m.servers[target], shard)
	shardrange.SortByLower(m.servers[target])
	return nil
}

// Query returns the current assignment of shards to servers, in join order.
func (m *Master) Query() masterapi.QueryResponse {
	m.mu.Lock()
	defer m.mu.Unlock()

	resp := masterapi.QueryResponse{Config: make([]masterapi.ConfigEntry, 0, len(m.serverList))}
	for _, server := range m.serverList {
		shards := append([]shardrange.Shard(nil), m.servers[server]...)
		resp.Config = append(resp.Config, masterapi.ConfigEntry{Server: server, Shards: shards})
	}
	return resp
}

// reassignShards splits the entire key space evenly across every joined
// server, discarding whatever assignment existed before. Must be called
// with m.mu held.
func (m *Master) reassignShards() {
	if len(m.serverList) == 0 {
		return
	}
	newShards := shardrange.Split(m.allKeys, uint64(len(m.serverList)))
	for i, server := range m.serverList {
		m.servers[server] = []shardrange.Shard{newShards[i]}
	}
}
