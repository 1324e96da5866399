// Package managerapi defines the wire messages and typed client for a shard
// worker's heartbeat to its shard manager: Ping.
package managerapi

import (
	"context"

	"github.com/dreamware/shardkv/internal/wire"
)

// PingRequest is sent by a worker on every heartbeat tick.
type PingRequest struct {
	Server     string `json:"server"`
	ViewNumber uint64 `json:"view_number"`
}

// PingResponse tells the calling worker its view of the world: which
// shardmaster to query, who the current primary and backup are, and the
// view number that describes this answer.
type PingResponse struct {
	Shardmaster string `json:"shardmaster"`
	Primary     string `json:"primary"`
	Backup      string `json:"backup"`
	ViewNumber  uint64 `json:"view_number"`
}

// Client talks to a shard manager over HTTP.
type Client struct {
	BaseURL string
}

// NewClient returns a Client targeting addr, which may be a bare host:port
// endpoint or a full base URL.
func NewClient(addr string) *Client {
	return &Client{BaseURL: wire.URL(addr)}
}

func (c *Client) Ping(ctx context.Context, server string, viewNumber uint64) (PingResponse, error) {
	var resp PingResponse
	err := wire.Call(ctx, c.BaseURL+"/ping", PingRequest{Server: server, ViewNumber: viewNumber}, &resp)
	return resp, err
}
