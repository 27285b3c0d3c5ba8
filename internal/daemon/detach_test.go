package daemon

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestIsDetached(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"", false},
		{"1", true},
		{"true", false},
	}
	for _, tc := range tests {
		t.Setenv(detachedEnv, tc.value)
		if got := IsDetached(); got != tc.want {
			t.Errorf("%s=%q: IsDetached() = %v, want %v", detachedEnv, tc.value, got, tc.want)
		}
	}
}

func TestWaitReady(t *testing.T) {
	t.Run("socket appears late", func(t *testing.T) {
		sock := shortSocketPath(t)
		lnCh := make(chan net.Listener, 1)
		go func() {
			time.Sleep(3 * readyPoll)
			ln, _ := net.Listen("unix", sock)
			lnCh <- ln
		}()

		err := waitReady(context.Background(), NewClient(sock), 2*time.Second)
		if ln := <-lnCh; ln != nil {
			_ = ln.Close()
		}
		if err != nil {
			t.Errorf("waitReady() = %v, want nil", err)
		}
	})

	t.Run("never appears", func(t *testing.T) {
		start := time.Now()
		err := waitReady(context.Background(), NewClient(shortSocketPath(t)), 150*time.Millisecond)
		if !errors.Is(err, ErrNotReady) {
			t.Errorf("err = %v, want ErrNotReady", err)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("waited %v, want about 150ms", elapsed)
		}
	})

	t.Run("caller cancels", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := waitReady(ctx, NewClient(shortSocketPath(t)), time.Minute); !errors.Is(err, ErrNotReady) {
			t.Errorf("err = %v, want ErrNotReady", err)
		}
	})
}
