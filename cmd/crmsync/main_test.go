package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/JohanCodinha/crmsync/internal/cache"
	"github.com/JohanCodinha/crmsync/internal/logger"
	"github.com/JohanCodinha/crmsync/internal/virtuous"
)

// writeConfig writes a config file pointing at baseURL and a temp cache.
func writeConfig(t *testing.T, baseURL, apiKey string) (string, string) {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "data", "cache.db")
	cfgPath := filepath.Join(dir, "config.yaml")

	content := fmt.Sprintf(`remote:
  base_url: %s
  api_key: %q
  timeout: 5s
cache:
  path: %s
logging:
  level: error
`, baseURL, apiKey, dbPath)

	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return cfgPath, dbPath
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func seedMock(mock *virtuous.MockServer, n int) {
	for i := 0; i < n; i++ {
		mock.AddContacts(25, virtuous.Contact{
			ID:          int64(i + 1),
			Name:        fmt.Sprintf("Family %03d", i+1),
			ContactType: "Household",
		})
	}
}

func TestSyncCommand_OnePage(t *testing.T) {
	mock := virtuous.NewMockServer()
	defer mock.Close()
	seedMock(mock, 70)

	cfgPath, _ := writeConfig(t, mock.URL, "test-key")

	out, err := runCLI(t, "--config", cfgPath, "sync")
	if err != nil {
		t.Fatalf("sync failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "fetched 50, cursor 50/70, 50 cached, in progress") {
		t.Errorf("unexpected output: %q", out)
	}

	out, err = runCLI(t, "--config", cfgPath, "state")
	if err != nil {
		t.Fatalf("state failed: %v", err)
	}
	if !strings.Contains(out, "cursor:  50") || !strings.Contains(out, "cached:  50 families") {
		t.Errorf("unexpected state output: %q", out)
	}
}

func TestSyncCommand_All(t *testing.T) {
	mock := virtuous.NewMockServer()
	defer mock.Close()
	seedMock(mock, 120)

	cfgPath, dbPath := writeConfig(t, mock.URL, "test-key")

	out, err := runCLI(t, "--config", cfgPath, "sync", "--all")
	if err != nil {
		t.Fatalf("sync --all failed: %v\n%s", err, out)
	}
	if strings.Count(out, "fetched") != 3 {
		t.Errorf("expected three steps, got:\n%s", out)
	}
	if !strings.Contains(out, "cursor 120/120, 120 cached, complete") {
		t.Errorf("unexpected output:\n%s", out)
	}

	db, err := cache.InitDB(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen cache: %v", err)
	}
	defer db.Close()
	count, _ := db.CountFamilies(context.Background(), "")
	if count != 120 {
		t.Errorf("cached %d families, want 120", count)
	}
}

func TestSyncCommand_Reset(t *testing.T) {
	cfgPath, _ := writeConfig(t, "http://127.0.0.1:1", "test-key")

	out, err := runCLI(t, "--config", cfgPath, "sync", "--reset")
	if err != nil {
		t.Fatalf("sync --reset failed: %v", err)
	}
	if !strings.Contains(out, "cursor reset to 50 (0 families cached)") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestSyncCommand_ResetAndAllConflict(t *testing.T) {
	cfgPath, _ := writeConfig(t, "http://127.0.0.1:1", "test-key")

	_, err := runCLI(t, "--config", cfgPath, "sync", "--reset", "--all")
	if err == nil || !strings.Contains(err.Error(), "cannot be combined") {
		t.Errorf("expected flag conflict error, got %v", err)
	}
}

func TestSyncCommand_NotConfigured(t *testing.T) {
	t.Setenv("VIRTUOUS_API_KEY", "")
	mock := virtuous.NewMockServer()
	defer mock.Close()

	cfgPath, _ := writeConfig(t, mock.URL, "")

	_, err := runCLI(t, "--config", cfgPath, "sync")
	if err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Errorf("expected not configured error, got %v", err)
	}
}

func TestRefreshCommand(t *testing.T) {
	mock := virtuous.NewMockServer()
	defer mock.Close()
	seedMock(mock, 3)
	mock.SetCollection(2, "Family Engagement", []virtuous.CollectionEntry{{Date: "2024-04-04T00:00:00"}})
	mock.FailCollection(3)

	cfgPath, _ := writeConfig(t, mock.URL, "test-key")

	if _, err := runCLI(t, "--config", cfgPath, "sync"); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	out, err := runCLI(t, "--config", cfgPath, "refresh", "--batch-size", "2")
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if !strings.Contains(out, "refreshed 1, failed 0, offset 2/3") {
		t.Errorf("unexpected output: %q", out)
	}

	out, err = runCLI(t, "--config", cfgPath, "refresh", "--all", "--offset", "2")
	if err != nil {
		t.Fatalf("refresh --all failed: %v", err)
	}
	if !strings.Contains(out, "done: 0 refreshed, 1 failed") {
		t.Errorf("unexpected output: %q", out)
	}

	out, err = runCLI(t, "--config", cfgPath, "list", "--search", "002")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, "2024-04-04T00:00:00") || !strings.Contains(out, "1 of 1 families") {
		t.Errorf("unexpected list output:\n%s", out)
	}
}

func TestListAndClearCommands(t *testing.T) {
	mock := virtuous.NewMockServer()
	defer mock.Close()
	seedMock(mock, 5)

	cfgPath, _ := writeConfig(t, mock.URL, "test-key")
	if _, err := runCLI(t, "--config", cfgPath, "sync"); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	out, err := runCLI(t, "--config", cfgPath, "list", "--skip", "1", "--limit", "2")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, "Family 002") || !strings.Contains(out, "Family 003") || strings.Contains(out, "Family 001") {
		t.Errorf("unexpected list output:\n%s", out)
	}
	if !strings.Contains(out, "2 of 5 families") {
		t.Errorf("missing footer:\n%s", out)
	}

	out, err = runCLI(t, "--config", cfgPath, "clear")
	if err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if !strings.Contains(out, "deleted 5 families and 1 sync states") {
		t.Errorf("unexpected clear output: %q", out)
	}

	out, _ = runCLI(t, "--config", cfgPath, "state")
	if !strings.Contains(out, "not started") {
		t.Errorf("cursor should be gone after clear: %q", out)
	}
}

func TestInvalidLogLevel(t *testing.T) {
	cfgPath, _ := writeConfig(t, "http://127.0.0.1:1", "k")

	_, err := runCLI(t, "--config", cfgPath, "--log-level", "loud", "state")
	if err == nil || !strings.Contains(err.Error(), "unknown log level") {
		t.Errorf("expected log level error, got %v", err)
	}
}

func TestLogFileAddsToStderr(t *testing.T) {
	var stderr bytes.Buffer
	logger.SetOutput(&stderr)
	t.Cleanup(func() {
		logger.Close()
		logger.SetOutput(os.Stderr)
		logger.SetLevel(logger.LevelInfo)
	})

	cfgPath, _ := writeConfig(t, "http://127.0.0.1:1", "k")
	logPath := filepath.Join(t.TempDir(), "crmsync.log")

	if _, err := runCLI(t, "--config", cfgPath, "--log-level", "debug", "--log-file", logPath, "state"); err != nil {
		t.Fatalf("state failed: %v", err)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "cache: opened") {
		t.Errorf("log file missing line, got: %q", content)
	}
	if !strings.Contains(stderr.String(), "cache: opened") {
		t.Errorf("stderr missing line, got: %q", stderr.String())
	}

	usage := newRootCmd().PersistentFlags().Lookup("log-file").Usage
	if strings.Contains(usage, "instead") {
		t.Errorf("--log-file usage = %q, logs go to both outputs", usage)
	}
}

func TestMissingConfigFile(t *testing.T) {
	_, err := runCLI(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "state")
	if err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestEnsureCacheDir_CreatesNestedPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "cache.db")
	if err := ensureCacheDir(path); err != nil {
		t.Fatalf("ensureCacheDir() error = %v", err)
	}
	info, err := os.Stat(filepath.Dir(path))
	if err != nil || !info.IsDir() {
		t.Errorf("cache directory was not created: %v", err)
	}
}

func TestEnsureMountpoint_ExistsAndIsDirectory(t *testing.T) {
	mountpoint := filepath.Join(t.TempDir(), "existing-dir")
	if err := os.Mkdir(mountpoint, 0755); err != nil {
		t.Fatalf("failed to create test directory: %v", err)
	}

	created, err := ensureMountpoint(mountpoint)
	if err != nil {
		t.Errorf("ensureMountpoint() unexpected error: %v", err)
	}
	if created {
		t.Error("ensureMountpoint() created = true, want false for existing directory")
	}
}

func TestEnsureMountpoint_DoesNotExist_CreatesIt(t *testing.T) {
	mountpoint := filepath.Join(t.TempDir(), "nested", "new-dir")

	created, err := ensureMountpoint(mountpoint)
	if err != nil {
		t.Errorf("ensureMountpoint() unexpected error: %v", err)
	}
	if !created {
		t.Error("ensureMountpoint() created = false, want true for new directory")
	}

	info, err := os.Stat(mountpoint)
	if err != nil {
		t.Fatalf("directory was not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("created path is not a directory")
	}
}

func TestEnsureMountpoint_ExistsButIsFile_ReturnsError(t *testing.T) {
	mountpoint := filepath.Join(t.TempDir(), "existing-file")
	f, err := os.Create(mountpoint)
	if err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}
	f.Close()

	created, err := ensureMountpoint(mountpoint)
	if err == nil {
		t.Fatal("ensureMountpoint() expected error for file, got nil")
	}
	if created {
		t.Error("ensureMountpoint() created = true, want false for error case")
	}
	if !strings.Contains(err.Error(), "not a directory") {
		t.Errorf("ensureMountpoint() error = %q, want error containing 'not a directory'", err.Error())
	}
}

func TestUnmountCommand(t *testing.T) {
	tests := []struct {
		goos string
		want []string
	}{
		{"darwin", []string{"umount", "/mnt/test"}},
		{"linux", []string{"fusermount", "-u", "/mnt/test"}},
		{"freebsd", []string{"fusermount", "-u", "/mnt/test"}},
	}

	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			cmd := unmountCommand(tt.goos, "/mnt/test")
			if strings.Join(cmd.Args, " ") != strings.Join(tt.want, " ") {
				t.Errorf("unmountCommand(%q) args = %v, want %v", tt.goos, cmd.Args, tt.want)
			}
		})
	}
}

func TestCommandArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"mount without mountpoint", []string{"mount"}},
		{"mount with two args", []string{"mount", "/a", "/b"}},
		{"unmount without mountpoint", []string{"unmount"}},
		{"unmount with two args", []string{"unmount", "/a", "/b"}},
		{"state with args", []string{"state", "extra"}},
		{"unmount missing path", []string{"unmount", "/nonexistent-crmsync-mount"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := runCLI(t, tt.args...); err == nil {
				t.Errorf("%v should fail", tt.args)
			}
		})
	}
}
