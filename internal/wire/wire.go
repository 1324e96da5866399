// Package wire provides the JSON request/response transport shared by the
// shardmaster, shard manager, and shard worker clients, plus the structured
// error kind every RPC reports failures through.
package wire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// URL normalizes an endpoint string into a base URL, prepending http:// when
// addr carries no scheme. Endpoints travel through the system as bare
// host:port strings (they are identities, not URLs) and only become URLs at
// the moment a client is built from one.
func URL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return "http://" + addr
}

// Kind enumerates the error kinds the system reports on the wire.
type Kind string

const (
	// InvalidArgument means the request was well-formed but could not be
	// satisfied given the server's current state (unknown server, missing
	// key, key not owned here, and so on).
	InvalidArgument Kind = "INVALID_ARGUMENT"
	// Unavailable means the request could not be routed at all, because no
	// server is currently able to handle it.
	Unavailable Kind = "UNAVAILABLE"
)

// Error is the structured error every service returns over the wire. The
// Message field carries the same text the original system used, since
// callers and tests key off the exact wording.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewInvalidArgument builds an InvalidArgument Error with message.
func NewInvalidArgument(message string) *Error {
	return &Error{Kind: InvalidArgument, Message: message}
}

// NewUnavailable builds an Unavailable Error with message.
func NewUnavailable(message string) *Error {
	return &Error{Kind: Unavailable, Message: message}
}

// httpClient is shared by every outbound call in the system to benefit from
// connection pooling.
var httpClient = &http.Client{Timeout: 5 * time.Second}

// envelope wraps a handler's JSON response so a wire.Error can travel
// alongside (or instead of) the payload.
type envelope struct {
	Error  *Error          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// WriteResult writes a successful JSON response.
func WriteResult(w http.ResponseWriter, result any) {
	payload, err := json.Marshal(result)
	if err != nil {
		WriteError(w, NewInvalidArgument(err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(envelope{Result: payload})
}

// WriteError writes a wire.Error as the JSON response body. HTTP status
// mirrors the error kind so intermediaries and logs remain meaningful, but
// the envelope's Error field, not the status code, is authoritative.
func WriteError(w http.ResponseWriter, wireErr *Error) {
	status := http.StatusBadRequest
	if wireErr.Kind == Unavailable {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: wireErr})
}

// Call sends a JSON-encoded POST request to url and decodes the response
// into out. If the remote returned a wire.Error, Call returns it verbatim so
// callers can type-assert on Kind.
func Call(ctx context.Context, url string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("wire: decoding response from %s: %w", url, err)
	}
	if env.Error != nil {
		return env.Error
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	return json.Unmarshal(env.Result, out)
}
