// Package client is the typed client for the engrammar daemon: one JSON
// request and one reply per unix-socket connection, newline-framed. Hooks
// and tests talk to the daemon through this package.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/hyperengineering/engrammar/internal/types"
)

// DefaultTimeout bounds one round trip. Hooks have hard latency budgets, so
// the default is short.
const DefaultTimeout = 5 * time.Second

// Client dials the daemon socket per call.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// New builds a client for the daemon socket.
func New(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: DefaultTimeout}
}

// WithTimeout overrides the per-call deadline.
func (c *Client) WithTimeout(d time.Duration) *Client {
	out := *c
	out.timeout = d
	return &out
}

// Do sends one request and reads one reply.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	payload = append(payload, '\n')
	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	if !resp.OK() {
		return &resp, fmt.Errorf("daemon error: %s", resp.Error)
	}
	return &resp, nil
}

// Search runs a prompt-context retrieval.
func (c *Client) Search(ctx context.Context, query string, req Request) ([]types.SearchResult, error) {
	req.Type = TypeSearch
	req.Query = query
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// ToolContext runs a tool-use retrieval.
func (c *Client) ToolContext(ctx context.Context, toolName string, toolInput map[string]any, session string) ([]types.SearchResult, error) {
	resp, err := c.Do(ctx, Request{
		Type:      TypeToolContext,
		ToolName:  toolName,
		ToolInput: toolInput,
		Session:   session,
	})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Pinned returns the pinned engrams matching the daemon's environment.
func (c *Client) Pinned(ctx context.Context) ([]types.Engram, error) {
	resp, err := c.Do(ctx, Request{Type: TypePinned})
	if err != nil {
		return nil, err
	}
	return resp.Engrams, nil
}

// Ping checks daemon liveness and returns uptime and idle durations.
func (c *Client) Ping(ctx context.Context) (uptime, idle string, err error) {
	resp, err := c.Do(ctx, Request{Type: TypePing})
	if err != nil {
		return "", "", err
	}
	return resp.Uptime, resp.Idle, nil
}

// RunMaintenance triggers the extract and evaluate tasks.
func (c *Client) RunMaintenance(ctx context.Context, evaluateLimit int) (map[string]string, error) {
	resp, err := c.Do(ctx, Request{Type: TypeRunMaintenance, EvaluateLimit: evaluateLimit})
	if err != nil {
		return nil, err
	}
	return resp.Maintenance, nil
}

// Shutdown asks the daemon to exit on its next accept cycle.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.Do(ctx, Request{Type: TypeShutdown})
	return err
}
