package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

// cannedServer answers every request on sockPath with reply and records
// what it received.
type cannedServer struct {
	mu   sync.Mutex
	reqs []Request
}

func startCannedServer(t *testing.T, sockPath string, reply func(Request) Response) *cannedServer {
	t.Helper()
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	s := &cannedServer{}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = conn.Close() }()
				var req Request
				if err := json.NewDecoder(conn).Decode(&req); err != nil {
					return
				}
				s.mu.Lock()
				s.reqs = append(s.reqs, req)
				s.mu.Unlock()

				resp := reply(req)
				resp.ID = req.ID
				_ = json.NewEncoder(conn).Encode(resp)
			}()
		}
	}()
	return s
}

func (s *cannedServer) last() Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[len(s.reqs)-1]
}

func result(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestClient_Status(t *testing.T) {
	sock := shortSocketPath(t)
	best := 0.875
	srv := startCannedServer(t, sock, func(Request) Response {
		return Response{Result: result(t, StatusResponse{
			Status: "running",
			RunID:  "run-1",
			Stats:  StatusStats{Parleys: 12, Metric: "accuracy", Best: &best},
		})}
	})

	status, err := NewClient(sock).Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if status.Status != "running" || status.RunID != "run-1" {
		t.Errorf("status = %+v", status)
	}
	if status.Stats.Parleys != 12 || status.Stats.Best == nil || *status.Stats.Best != best {
		t.Errorf("stats = %+v", status.Stats)
	}
	if got := srv.last(); got.Method != MethodStatus || got.Params != nil {
		t.Errorf("request = %+v", got)
	}
}

func TestClient_ControlMethods(t *testing.T) {
	sock := shortSocketPath(t)
	srv := startCannedServer(t, sock, func(Request) Response {
		return Response{Result: result(t, Ack{State: "ok"})}
	})
	c := NewClient(sock)
	ctx := context.Background()

	tests := []struct {
		method string
		call   func() error
		params string
	}{
		{MethodPause, func() error { return c.Pause(ctx) }, ""},
		{MethodResume, func() error { return c.Resume(ctx) }, ""},
		{MethodStop, func() error { return c.Stop(ctx, false) }, `{}`},
		{MethodStop, func() error { return c.Stop(ctx, true) }, `{"force":true}`},
	}
	for _, tc := range tests {
		if err := tc.call(); err != nil {
			t.Fatalf("%s: %v", tc.method, err)
		}
		got := srv.last()
		if got.Method != tc.method {
			t.Errorf("method = %q, want %q", got.Method, tc.method)
		}
		if string(got.Params) != tc.params {
			t.Errorf("%s params = %s, want %s", tc.method, got.Params, tc.params)
		}
	}
}

func TestClient_RequestIDsIncrease(t *testing.T) {
	sock := shortSocketPath(t)
	srv := startCannedServer(t, sock, func(Request) Response {
		return Response{Result: result(t, Ack{})}
	})
	c := NewClient(sock)

	_ = c.Pause(context.Background())
	first := srv.last().ID
	_ = c.Resume(context.Background())
	if second := srv.last().ID; second <= first {
		t.Errorf("ids %d then %d, want increasing", first, second)
	}
}

func TestClient_RemoteError(t *testing.T) {
	sock := shortSocketPath(t)
	startCannedServer(t, sock, func(Request) Response {
		return Response{Error: "no training run attached"}
	})

	err := NewClient(sock).Pause(context.Background())
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("err = %v, want *RemoteError", err)
	}
	if remote.Method != MethodPause || remote.Message != "no training run attached" {
		t.Errorf("remote = %+v", remote)
	}
}

func TestClient_NotRunning(t *testing.T) {
	sock := shortSocketPath(t)
	c := NewClient(sock)

	if _, err := c.Status(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("missing socket: err = %v, want ErrNotRunning", err)
	}
	if c.Ping(context.Background()) {
		t.Error("Ping() = true with no socket")
	}

	// A socket file nobody listens on refuses connections.
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	_ = ln.Close()

	if err := c.Pause(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("dead socket: err = %v, want ErrNotRunning", err)
	}
}

func TestClient_Timeout(t *testing.T) {
	sock := shortSocketPath(t)
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	// Accept and never answer.
	held := make(chan net.Conn, 8)
	t.Cleanup(func() {
		_ = ln.Close()
		for {
			select {
			case conn := <-held:
				_ = conn.Close()
			default:
				return
			}
		}
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			held <- conn
		}
	}()

	base := NewClient(sock)
	c := base.WithTimeout(100 * time.Millisecond)
	start := time.Now()
	_, err = c.Status(context.Background())
	if err == nil {
		t.Fatal("expected a timeout")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timed out after %v, want about 100ms", elapsed)
	}
	if base.timeout != DefaultClientTimeout {
		t.Error("WithTimeout should not modify the original client")
	}
}
