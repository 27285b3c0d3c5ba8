// Package testutil holds helpers shared by trainloop's tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// ProjectRoot returns a fresh project directory containing an empty
// .trainloop state directory. It lives directly under the system temp
// dir: t.TempDir paths can push a control socket past the sun_path limit.
func ProjectRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "tl-")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	if err := os.Mkdir(filepath.Join(dir, ".trainloop"), 0755); err != nil {
		t.Fatal(err)
	}
	return dir
}

// WriteFile writes content to dir/name, creating parent directories,
// and returns the full path.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// ReadFile returns the contents of path or fails the test.
func ReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// FileExists reports whether path exists.
func FileExists(t *testing.T, path string) bool {
	t.Helper()
	_, err := os.Stat(path)
	return err == nil
}

// Eventually polls cond and fails the test if it does not hold within
// timeout.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("not true after %v: %s", timeout, msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
