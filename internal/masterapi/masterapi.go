// Package masterapi defines the wire messages and typed client for talking
// to a shardmaster: Join, Leave, Move, and Query.
package masterapi

import (
	"context"

	"github.com/dreamware/shardkv/internal/shardrange"
	"github.com/dreamware/shardkv/internal/wire"
)

// JoinRequest asks the shardmaster to admit a new server.
type JoinRequest struct {
	Server string `json:"server"`
}

// LeaveRequest asks the shardmaster to remove one or more servers.
type LeaveRequest struct {
	Servers []string `json:"servers"`
}

// MoveRequest asks the shardmaster to reassign shard to server, overriding
// whatever the rebalancer would otherwise compute.
type MoveRequest struct {
	Server string          `json:"server"`
	Shard  shardrange.Shard `json:"shard"`
}

// ConfigEntry is one server's current shard assignment.
type ConfigEntry struct {
	Server string            `json:"server"`
	Shards []shardrange.Shard `json:"shards"`
}

// QueryResponse is the shardmaster's current assignment, one entry per
// joined server.
type QueryResponse struct {
	Config []ConfigEntry `json:"config"`
}

// Client talks to a shardmaster over HTTP.
type Client struct {
	BaseURL string
}

// NewClient returns a Client targeting addr, which may be a bare host:port
// endpoint or a full base URL.
func NewClient(addr string) *Client {
	return &Client{BaseURL: wire.URL(addr)}
}

func (c *Client) Join(ctx context.Context, server string) error {
	return wire.Call(ctx, c.BaseURL+"/join", JoinRequest{Server: server}, nil)
}

func (c *Client) Leave(ctx context.Context, servers []string) error {
	return wire.Call(ctx, c.BaseURL+"/leave", LeaveRequest{Servers: servers}, nil)
}

func (c *Client) Move(ctx context.Context, server string, shard shardrange.Shard) error {
	return wire.Call(ctx, c.BaseURL+"/move", MoveRequest{Server: server, Shard: shard}, nil)
}

func (c *Client) Query(ctx context.Context) (QueryResponse, error) {
	var resp QueryResponse
	err := wire.Call(ctx, c.BaseURL+"/query", struct{}{}, &resp)
	return resp, err
}
