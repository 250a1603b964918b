package syncer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeScript drops an executable shell script and returns its path.
// LookPath resolves absolute paths directly, so PATH stays untouched.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-tracker")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func TestSyncRunsCommandInProjectDir(t *testing.T) {
	projectDir := t.TempDir()
	// The script records its working directory and its arguments.
	script := writeScript(t, `printf '%s %s' "$PWD" "$1" > sync-invoked`)

	if err := NewCommandRunner(script).Sync(context.Background(), projectDir); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	recorded, err := os.ReadFile(filepath.Join(projectDir, "sync-invoked"))
	if err != nil {
		t.Fatalf("script did not run in the project dir: %v", err)
	}
	got := string(recorded)
	if !strings.HasSuffix(got, " sync") {
		t.Errorf("command argument = %q, want trailing \"sync\"", got)
	}
	// $PWD may be a symlinked alias of the temp dir; resolve both.
	wantDir, _ := filepath.EvalSymlinks(projectDir)
	gotDir, _ := filepath.EvalSymlinks(strings.TrimSuffix(got, " sync"))
	if gotDir != wantDir {
		t.Errorf("working dir = %q, want %q", gotDir, wantDir)
	}
}

func TestSyncFailureIncludesStderr(t *testing.T) {
	script := writeScript(t, `echo "remote unreachable" >&2; exit 1`)

	err := NewCommandRunner(script).Sync(context.Background(), t.TempDir())
	if err == nil {
		t.Fatal("expected error from failing command")
	}
	if !strings.Contains(err.Error(), "remote unreachable") {
		t.Errorf("error should carry stderr text: %v", err)
	}
}

func TestSyncMissingCommand(t *testing.T) {
	err := NewCommandRunner("no-such-tracker-binary").Sync(context.Background(), t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing command")
	}
	if !strings.Contains(err.Error(), "not found in PATH") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSyncHonorsContextCancellation(t *testing.T) {
	script := writeScript(t, `sleep 10`)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := NewCommandRunner(script).Sync(ctx, t.TempDir())
	if err == nil {
		t.Fatal("expected error from canceled context")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("sync did not stop promptly after cancellation: %v", elapsed)
	}
}
