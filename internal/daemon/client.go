package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"time"
)

// DefaultClientTimeout bounds one request when the context has no deadline.
const DefaultClientTimeout = 5 * time.Second

// ErrNotRunning means no trainer is listening on the socket.
var ErrNotRunning = errors.New("trainer not running")

// RemoteError is an error reported by the trainer for one request.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

// Client talks to a trainer's control socket. Each call uses its own
// connection, so a Client is safe for concurrent use.
type Client struct {
	sockPath string
	timeout  time.Duration
}

var requestID atomic.Int64

// NewClient creates a client for the socket at sockPath.
func NewClient(sockPath string) *Client {
	return &Client{sockPath: sockPath, timeout: DefaultClientTimeout}
}

// WithTimeout returns a copy of c using d as the per-request timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	cc := *c
	cc.timeout = d
	return &cc
}

// Status returns the trainer's state and counters.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.do(ctx, MethodStatus, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pause asks the trainer to pause between steps.
func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, MethodPause, nil, nil)
}

// Resume asks a paused trainer to continue.
func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, MethodResume, nil, nil)
}

// Stop asks the trainer to stop and run its final evaluation. With force
// the socket also closes right away.
func (c *Client) Stop(ctx context.Context, force bool) error {
	return c.do(ctx, MethodStop, StopParams{Force: force}, nil)
}

// Ping reports whether something accepts connections on the socket.
func (c *Client) Ping(ctx context.Context) bool {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.sockPath)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// do sends one request and decodes its result into out, if out is non-nil.
func (c *Client) do(ctx context.Context, method string, params, out any) error {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := Request{ID: int(requestID.Add(1)), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		req.Params = raw
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.sockPath)
	if err != nil {
		return dialError(err)
	}
	defer func() { _ = conn.Close() }()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("%s: trainer did not answer in time", method)
		}
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.Error != "" {
		return &RemoteError{Method: method, Message: resp.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// dialError maps "nobody is listening" failures to ErrNotRunning.
func dialError(err error) error {
	if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w (%v)", ErrNotRunning, err)
	}
	return fmt.Errorf("connect to trainer: %w", err)
}
