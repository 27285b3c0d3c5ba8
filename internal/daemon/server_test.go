package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/npratt/trainloop/internal/testutil"
	"github.com/npratt/trainloop/internal/trainloop"
)

// shortSocketPath returns a socket path under the system temp dir; nested
// test directories can exceed the 104/108 byte sun_path limit.
func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "tl")
	if err != nil {
		t.Fatalf("create socket dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

// fakeController records control calls and serves canned stats.
type fakeController struct {
	mu      sync.Mutex
	stats   trainloop.Stats
	pauses  int
	resumes int
	stops   int
}

func (f *fakeController) Stats() trainloop.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeController) Pause() {
	f.mu.Lock()
	f.pauses++
	f.mu.Unlock()
}

func (f *fakeController) Resume() {
	f.mu.Lock()
	f.resumes++
	f.mu.Unlock()
}

func (f *fakeController) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeController) counts() (pauses, resumes, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pauses, f.resumes, f.stops
}

type fixedDrops map[string]int64

func (d fixedDrops) Dropped() int64 {
	var n int64
	for _, v := range d {
		n += v
	}
	return n
}

func (d fixedDrops) DroppedBy() map[string]int64 { return d }

// serve runs d until the test ends and waits for its socket.
func serve(t *testing.T, d *Daemon) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Serve(ctx) }()
	t.Cleanup(cancel)

	c := NewClient(d.SocketPath())
	testutil.Eventually(t, 2*time.Second, func() bool {
		return c.Ping(context.Background())
	}, "control socket never came up")
	return errCh
}

// rawCall writes payload on a fresh connection and decodes one response.
func rawCall(t *testing.T, sockPath string, payload []byte) Response {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestNew_Options(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	drops := fixedDrops{}

	d := New("/tmp/x.sock", &fakeController{}, WithLogger(logger), WithDropCounter(drops), WithLogger(nil))

	if d.SocketPath() != "/tmp/x.sock" {
		t.Errorf("SocketPath() = %q", d.SocketPath())
	}
	if d.logger != logger {
		t.Error("a nil WithLogger should not replace an earlier logger")
	}
	if d.drops == nil {
		t.Error("drop counter not set")
	}
	if d.Listening() || !d.StartedAt().IsZero() {
		t.Error("a new daemon should not be listening")
	}
}

func TestServe_ContextCancelClosesSocket(t *testing.T) {
	d := New(shortSocketPath(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Serve(ctx) }()
	testutil.Eventually(t, 2*time.Second, d.Listening, "daemon never listened")

	if d.StartedAt().IsZero() {
		t.Error("StartedAt should be set while serving")
	}
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if d.Listening() {
		t.Error("daemon still listening after cancel")
	}
	if testutil.FileExists(t, d.SocketPath()) {
		t.Error("socket file should be removed")
	}
}

func TestClose_ReturnsServe(t *testing.T) {
	d := New(shortSocketPath(t), nil)
	errCh := serve(t, d)

	if err := d.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close() = %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

func TestServe_Twice(t *testing.T) {
	d := New(shortSocketPath(t), nil)
	serve(t, d)

	if err := d.Serve(context.Background()); err != errAlreadyServing {
		t.Errorf("second Serve() = %v, want errAlreadyServing", err)
	}
}

func TestServe_SocketSetup(t *testing.T) {
	base := filepath.Dir(shortSocketPath(t))
	sock := filepath.Join(base, "state", "s.sock")

	// A regular file left where the socket goes is replaced.
	if err := os.MkdirAll(filepath.Dir(sock), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(sock, []byte("stale"), 0644); err != nil {
		t.Fatal(err)
	}

	d := New(sock, nil)
	serve(t, d)

	info, err := os.Stat(sock)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if info.Mode().Type() != os.ModeSocket {
		t.Errorf("mode = %v, want socket", info.Mode())
	}
	if perm := info.Mode().Perm(); perm != socketPermissions {
		t.Errorf("perm = %o, want %o", perm, socketPermissions)
	}
}

func TestDispatch_Errors(t *testing.T) {
	sock := shortSocketPath(t)
	serve(t, New(sock, &fakeController{}))

	tests := []struct {
		name    string
		payload string
		wantErr string
		wantID  int
	}{
		{"unknown method", `{"id":3,"method":"retry"}` + "\n", `unknown method "retry"`, 3},
		{"malformed", "not json\n", "bad request", 0},
		{"bad stop params", `{"id":4,"method":"stop","params":{"force":"yes"}}` + "\n", "stop params", 4},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := rawCall(t, sock, []byte(tc.payload))
			if !strings.Contains(resp.Error, tc.wantErr) {
				t.Errorf("error = %q, want it to contain %q", resp.Error, tc.wantErr)
			}
			if resp.ID != tc.wantID {
				t.Errorf("id = %d, want %d", resp.ID, tc.wantID)
			}
			if resp.Result != nil {
				t.Errorf("result = %s, want none with an error", resp.Result)
			}
		})
	}
}

func TestDispatch_NoController(t *testing.T) {
	sock := shortSocketPath(t)
	serve(t, New(sock, nil))

	for _, method := range []string{MethodStatus, MethodPause, MethodResume, MethodStop} {
		t.Run(method, func(t *testing.T) {
			resp := rawCall(t, sock, []byte(`{"id":1,"method":"`+method+`"}`+"\n"))
			if resp.Error != errNoController.Error() {
				t.Errorf("error = %q, want %q", resp.Error, errNoController)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	sock := shortSocketPath(t)
	best, eta := 0.9, 12.5
	ctrl := &fakeController{stats: trainloop.Stats{
		RunID:         "run-7",
		State:         trainloop.StatePaused,
		Parleys:       40,
		TotalEpochs:   1.25,
		TotalExamples: 400,
		Elapsed:       3 * time.Second,
		Impatience:    2,
		Metric:        "accuracy",
		Best:          &best,
		ETA:           &eta,
	}}
	serve(t, New(sock, ctrl, WithDropCounter(fixedDrops{"tui": 3})))

	resp, err := NewClient(sock).Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}

	if resp.Status != "paused" || resp.RunID != "run-7" {
		t.Errorf("status/run = %q/%q", resp.Status, resp.RunID)
	}
	if _, err := time.Parse(time.RFC3339, resp.StartTime); err != nil {
		t.Errorf("start_time %q: %v", resp.StartTime, err)
	}
	s := resp.Stats
	if s.Parleys != 40 || s.TotalExamples != 400 || s.TotalEpochs != 1.25 || s.ElapsedSec != 3 {
		t.Errorf("counters = %+v", s)
	}
	if s.Impatience != 2 || s.Metric != "accuracy" {
		t.Errorf("impatience/metric = %d/%q", s.Impatience, s.Metric)
	}
	if s.Best == nil || *s.Best != best || s.ETASec == nil || *s.ETASec != eta {
		t.Errorf("best/eta = %v/%v", s.Best, s.ETASec)
	}
	if s.DroppedEvents != 3 || s.DroppedBy["tui"] != 3 {
		t.Errorf("drops = %d %v, want 3 from tui", s.DroppedEvents, s.DroppedBy)
	}
}

func TestStatus_NoBestYet(t *testing.T) {
	sock := shortSocketPath(t)
	serve(t, New(sock, &fakeController{stats: trainloop.Stats{State: trainloop.StateRunning}}))

	resp := rawCall(t, sock, []byte(`{"method":"status"}`+"\n"))
	if resp.Error != "" {
		t.Fatalf("error: %s", resp.Error)
	}
	for _, key := range []string{`"best"`, `"eta_sec"`, `"dropped_by"`} {
		if bytes.Contains(resp.Result, []byte(key)) {
			t.Errorf("result should omit %s: %s", key, resp.Result)
		}
	}
}

func TestPauseResumeStop(t *testing.T) {
	sock := shortSocketPath(t)
	ctrl := &fakeController{}
	d := New(sock, ctrl)
	serve(t, d)
	ctx := context.Background()

	c := NewClient(sock)
	if err := c.Pause(ctx); err != nil {
		t.Fatalf("Pause() error: %v", err)
	}
	if err := c.Resume(ctx); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	if err := c.Stop(ctx, false); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	if p, r, s := ctrl.counts(); p != 1 || r != 1 || s != 1 {
		t.Errorf("pauses/resumes/stops = %d/%d/%d, want 1 each", p, r, s)
	}

	// A graceful stop keeps the socket up so status can follow finalization.
	time.Sleep(3 * forceCloseDelay)
	if !d.Listening() {
		t.Error("socket closed after a graceful stop")
	}
}

func TestStop_ForceClosesSocket(t *testing.T) {
	sock := shortSocketPath(t)
	ctrl := &fakeController{}
	d := New(sock, ctrl)
	errCh := serve(t, d)

	if err := NewClient(sock).Stop(context.Background(), true); err != nil {
		t.Fatalf("Stop(force) error: %v", err)
	}
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("forced stop did not close the socket")
	}
	if _, _, s := ctrl.counts(); s != 1 {
		t.Errorf("stops = %d, want 1", s)
	}
}
