package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// maxRequestSize bounds one request; control requests are tiny.
	maxRequestSize = 64 * 1024
	// connDeadline bounds a whole request/response exchange.
	connDeadline = 10 * time.Second
	// socketPermissions keeps the socket private to the user.
	socketPermissions = 0600
	// acceptBackoff slows the accept loop after a transient error.
	acceptBackoff = 50 * time.Millisecond
)

var errAlreadyServing = errors.New("control socket already open")

// Serve opens the socket and answers requests until ctx is done or Close
// is called. It returns nil on either.
func (d *Daemon) Serve(ctx context.Context) error {
	ln, closed, err := d.listen(ctx)
	if err != nil {
		return err
	}
	d.logger.Info("control socket listening", "socket", d.sockPath)

	go func() {
		select {
		case <-ctx.Done():
			_ = d.Close()
		case <-closed:
		}
	}()

	var conns sync.WaitGroup
	defer conns.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			d.logger.Warn("accept failed", "error", err)
			time.Sleep(acceptBackoff)
			continue
		}
		conns.Go(func() { d.serveConn(conn) })
	}
}

// listen replaces any socket left by a crashed trainer. The run lock, not
// the socket, decides who may train.
func (d *Daemon) listen(ctx context.Context) (net.Listener, <-chan struct{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener != nil {
		return nil, nil, errAlreadyServing
	}

	if err := os.MkdirAll(filepath.Dir(d.sockPath), 0755); err != nil {
		return nil, nil, fmt.Errorf("create socket directory: %w", err)
	}
	_ = os.Remove(d.sockPath)

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", d.sockPath)
	if err != nil {
		return nil, nil, fmt.Errorf("listen on %s: %w", d.sockPath, err)
	}
	if err := os.Chmod(d.sockPath, socketPermissions); err != nil {
		_ = ln.Close()
		return nil, nil, fmt.Errorf("chmod socket: %w", err)
	}

	d.listener = ln
	d.closed = make(chan struct{})
	d.startedAt = time.Now()
	return ln, d.closed, nil
}

// Close stops accepting requests and removes the socket. In-flight
// requests finish. Close is idempotent.
func (d *Daemon) Close() error {
	d.mu.Lock()
	ln := d.listener
	if ln == nil {
		d.mu.Unlock()
		return nil
	}
	d.listener = nil
	close(d.closed)
	d.mu.Unlock()

	err := ln.Close()
	_ = os.Remove(d.sockPath)
	d.logger.Info("control socket closed")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (d *Daemon) serveConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	if err := conn.SetDeadline(time.Now().Add(connDeadline)); err != nil {
		d.logger.Debug("set deadline", "error", err)
		return
	}

	enc := json.NewEncoder(conn)
	var req Request
	if err := json.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&req); err != nil {
		_ = enc.Encode(Response{Error: fmt.Sprintf("bad request: %v", err)})
		return
	}

	d.logger.Debug("control request", "method", req.Method, "id", req.ID)
	if err := enc.Encode(d.dispatch(req)); err != nil {
		d.logger.Debug("write response", "method", req.Method, "error", err)
	}
}
