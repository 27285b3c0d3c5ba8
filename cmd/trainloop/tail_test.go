package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/npratt/trainloop/internal/events"
	"github.com/npratt/trainloop/internal/testutil"
)

// syncBuffer lets the test read output while tailFollow writes it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func eventLine(t *testing.T, ev events.Event) string {
	t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return string(data)
}

func stopLine(t *testing.T, reason string) string {
	return eventLine(t, &events.TrainStopEvent{
		BaseEvent:   events.NewTrainerEvent(events.EventTrainStop, "run-1"),
		Reason:      reason,
		TotalEpochs: 2,
		ElapsedSec:  30,
	})
}

func TestPrintEventLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"not json", "plain text", "plain text"},
		{"unknown type", `{"type":"bogus"}`, `{"type":"bogus"}`},
		{"train stop", stopLine(t, "patience"), "training stopped: patience after 2 epochs, 30s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			printEventLine(&buf, tt.line)
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output %q does not contain %q", buf.String(), tt.want)
			}
		})
	}
}

func TestPrintEventLine_Timestamp(t *testing.T) {
	var buf bytes.Buffer
	printEventLine(&buf, stopLine(t, "solved"))
	if !strings.HasPrefix(buf.String(), "[") || !strings.Contains(buf.String(), "] training stopped") {
		t.Errorf("expected [hh:mm:ss] prefix, got %q", buf.String())
	}
}

func TestTailLast(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		var buf bytes.Buffer
		if err := tailLast(&buf, filepath.Join(t.TempDir(), "none.log"), 5); err != nil {
			t.Fatalf("tailLast failed: %v", err)
		}
		if !strings.Contains(buf.String(), "log file does not exist") {
			t.Errorf("unexpected output %q", buf.String())
		}
	})

	t.Run("empty file", func(t *testing.T) {
		path := testutil.WriteFile(t, t.TempDir(), "empty.log", "")
		var buf bytes.Buffer
		if err := tailLast(&buf, path, 5); err != nil {
			t.Fatalf("tailLast failed: %v", err)
		}
		if strings.TrimSpace(buf.String()) != "No events yet" {
			t.Errorf("unexpected output %q", buf.String())
		}
	})

	t.Run("last n", func(t *testing.T) {
		lines := []string{
			stopLine(t, "first"),
			stopLine(t, "second"),
			stopLine(t, "third"),
		}
		path := testutil.WriteFile(t, t.TempDir(), "events.log", strings.Join(lines, "\n")+"\n")

		var buf bytes.Buffer
		if err := tailLast(&buf, path, 2); err != nil {
			t.Fatalf("tailLast failed: %v", err)
		}
		out := buf.String()
		if strings.Contains(out, "first") {
			t.Error("oldest event should be skipped")
		}
		if !strings.Contains(out, "second") || !strings.Contains(out, "third") {
			t.Errorf("missing recent events: %q", out)
		}
	})
}

func TestTailFollow(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "events.log", stopLine(t, "old")+"\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- tailFollow(ctx, out, path) }()

	testutil.Eventually(t, 2*time.Second, func() bool {
		return strings.Contains(out.String(), "Following events")
	}, "tailFollow did not start")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString(stopLine(t, "fresh") + "\n")
	_ = f.Close()

	testutil.Eventually(t, 2*time.Second, func() bool {
		return strings.Contains(out.String(), "fresh")
	}, "appended event not printed")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("tailFollow returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tailFollow did not return after cancel")
	}
	if strings.Contains(out.String(), "stopped: old") {
		t.Error("events written before follow started should be skipped")
	}
}

func TestTailFollow_WaitsForFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "later.log")

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- tailFollow(ctx, out, path) }()

	testutil.Eventually(t, 2*time.Second, func() bool {
		return strings.Contains(out.String(), "Waiting for log file")
	}, "tailFollow did not wait")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("tailFollow returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tailFollow did not return after cancel")
	}
}
