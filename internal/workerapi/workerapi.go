// Package workerapi defines the wire messages and typed client for talking
// to a shard worker: Get, Put, Append, Delete, and Dump.
package workerapi

import (
	"context"

	"github.com/dreamware/shardkv/internal/wire"
)

type GetRequest struct {
	Key string `json:"key"`
}

type GetResponse struct {
	Data string `json:"data"`
}

// PutRequest carries a key/value pair. User is set only when Key identifies
// a post, naming the post's author so the worker can keep that author's
// post list in sync.
type PutRequest struct {
	Key  string `json:"key"`
	Data string `json:"data"`
	User string `json:"user,omitempty"`
}

type AppendRequest struct {
	Key  string `json:"key"`
	Data string `json:"data"`
}

type DeleteRequest struct {
	Key string `json:"key"`
}

// DumpResponse is a full snapshot of a worker's key-value store, pulled by a
// fresh backup the first time it learns its role.
type DumpResponse struct {
	Database map[string]string `json:"database"`
}

// Client talks to a shard worker over HTTP.
type Client struct {
	BaseURL string
}

// NewClient returns a Client targeting addr, which may be a bare host:port
// endpoint or a full base URL.
func NewClient(addr string) *Client {
	return &Client{BaseURL: wire.URL(addr)}
}

func (c *Client) Get(ctx context.Context, key string) (GetResponse, error) {
	var resp GetResponse
	err := wire.Call(ctx, c.BaseURL+"/get", GetRequest{Key: key}, &resp)
	return resp, err
}

func (c *Client) Put(ctx context.Context, req PutRequest) error {
	return wire.Call(ctx, c.BaseURL+"/put", req, nil)
}

func (c *Client) Append(ctx context.Context, req AppendRequest) error {
	return wire.Call(ctx, c.BaseURL+"/append", req, nil)
}

func (c *Client) Delete(ctx context.Context, key string) error {
	return wire.Call(ctx, c.BaseURL+"/delete", DeleteRequest{Key: key}, nil)
}

func (c *Client) Dump(ctx context.Context) (DumpResponse, error) {
	var resp DumpResponse
	err := wire.Call(ctx, c.BaseURL+"/dump", struct{}{}, &resp)
	return resp, err
}
