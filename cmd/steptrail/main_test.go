package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/steptrail/internal/httpapi"
	"github.com/agentworkforce/steptrail/internal/steptrail"
	"github.com/agentworkforce/steptrail/internal/uploader"
	"github.com/fatih/color"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("STEPTRAIL_TEST_INT", "42")
	require.Equal(t, 42, intEnv("STEPTRAIL_TEST_INT", 7))
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("STEPTRAIL_TEST_INT_BAD", "not-a-number")
	require.Equal(t, 7, intEnv("STEPTRAIL_TEST_INT_BAD", 7))
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("STEPTRAIL_TEST_DURATION", "150ms")
	require.Equal(t, 150*time.Millisecond, durationEnv("STEPTRAIL_TEST_DURATION", time.Second))
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("STEPTRAIL_TEST_INT_UNSET")
	_ = os.Unsetenv("STEPTRAIL_TEST_INT64_UNSET")
	_ = os.Unsetenv("STEPTRAIL_TEST_DURATION_UNSET")

	require.Equal(t, 9, intEnv("STEPTRAIL_TEST_INT_UNSET", 9))
	require.Equal(t, int64(1<<20), int64Env("STEPTRAIL_TEST_INT64_UNSET", 1<<20))
	require.Equal(t, 3*time.Second, durationEnv("STEPTRAIL_TEST_DURATION_UNSET", 3*time.Second))
}

func TestListEnvDropsEmptyItems(t *testing.T) {
	t.Setenv("STEPTRAIL_TEST_LIST", " https://a.example , ,chrome-extension://x,")
	got := listEnv("STEPTRAIL_TEST_LIST")
	require.Equal(t, []string{"https://a.example", "chrome-extension://x"}, got)
}

func TestResolvedPathsDefaultUnderDataDir(t *testing.T) {
	opts := &rootOptions{dataDir: "/tmp/st"}
	require.Equal(t, filepath.Join("/tmp/st", "state.json"), opts.resolvedStateDSN())
	require.Equal(t, filepath.Join("/tmp/st", "sync.json"), opts.resolvedSyncConfig())
	require.Equal(t, filepath.Join("/tmp/st", "steptrail.lock"), opts.lockPath())

	opts.stateDSN = "sqlite:///var/lib/st.db"
	opts.syncConfig = "/etc/steptrail/sync.json"
	require.Equal(t, "sqlite:///var/lib/st.db", opts.resolvedStateDSN())
	require.Equal(t, "/etc/steptrail/sync.json", opts.resolvedSyncConfig())
}

func TestTokenSourcePrecedence(t *testing.T) {
	ctx := context.Background()
	opts := &rootOptions{}
	require.Nil(t, opts.tokenSource())

	opts.tokenCommand = "echo cmd"
	_, ok := opts.tokenSource().(*uploader.CachingTokenSource)
	require.True(t, ok)

	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))
	opts.tokenFile = path
	token, err := opts.tokenSource().Token(ctx, false)
	require.NoError(t, err)
	require.Equal(t, "from-file", token)

	opts.token = "static"
	source := opts.tokenSource()
	_, ok = source.(*uploader.CachingTokenSource)
	require.True(t, ok)
	token, err = source.Token(ctx, false)
	require.NoError(t, err)
	require.Equal(t, "static", token)
}

func TestFileTokenIsCachedUntilEvicted(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("first"), 0o600))
	source, ok := (&rootOptions{tokenFile: path}).tokenSource().(*uploader.CachingTokenSource)
	require.True(t, ok)

	token, err := source.Token(ctx, false)
	require.NoError(t, err)
	require.Equal(t, "first", token)

	require.NoError(t, os.WriteFile(path, []byte("second"), 0o600))
	token, err = source.Token(ctx, false)
	require.NoError(t, err)
	require.Equal(t, "first", token)

	source.Evict()
	token, err = source.Token(ctx, false)
	require.NoError(t, err)
	require.Equal(t, "second", token)
}

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func newDaemon(t *testing.T) (*httptest.Server, *steptrail.Engine) {
	t.Helper()
	engine, err := steptrail.NewEngine(steptrail.EngineOptions{DisableTimer: true})
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	srv := httptest.NewServer(httpapi.NewServerWithConfig(engine, httpapi.ServerConfig{APIToken: "secret"}))
	t.Cleanup(srv.Close)
	return srv, engine
}

func TestStartStatusStopAgainstDaemon(t *testing.T) {
	srv, _ := newDaemon(t)
	common := []string{"--server", srv.URL, "--api-token", "secret", "--data-dir", t.TempDir()}

	out, err := executeCommand(t, append([]string{"start", "--tab", "7"}, common...)...)
	require.NoError(t, err)
	require.Contains(t, out, "Capture: capturing")

	out, err = executeCommand(t, append([]string{"status"}, common...)...)
	require.NoError(t, err)
	require.Contains(t, out, "Capture: capturing")
	require.Contains(t, out, "Session: none")

	out, err = executeCommand(t, append([]string{"stop"}, common...)...)
	require.NoError(t, err)
	require.Contains(t, out, "Capture: idle")
}

func TestStatusExplainsPendingSync(t *testing.T) {
	srv, engine := newDaemon(t)
	ctx := context.Background()
	_, err := engine.SetSyncConfig(ctx, steptrail.SyncConfig{Enabled: true, EndpointURL: "https://sync.example.test/exec"})
	require.NoError(t, err)
	_, err = engine.StartCapture(ctx, 5)
	require.NoError(t, err)
	ev, err := steptrail.DecodeEvent([]byte(`{"kind":"click","href":"https://example.com/","title":"Example","target":{"tag":"button","text":"Save"}}`))
	require.NoError(t, err)
	_, err = engine.Ingest(ctx, ev, steptrail.SenderContext{TabID: 5})
	require.NoError(t, err)

	out, err := executeCommand(t, "status", "--tab", "5", "--server", srv.URL, "--api-token", "secret", "--data-dir", t.TempDir())
	require.NoError(t, err)
	require.Contains(t, out, "Sync:    pending")
	require.Contains(t, out, "steptrail sync")
}

func TestDiscardWithNothingRecorded(t *testing.T) {
	srv, _ := newDaemon(t)
	out, err := executeCommand(t, "discard", "--tab", "3", "--server", srv.URL, "--api-token", "secret", "--data-dir", t.TempDir())
	require.NoError(t, err)
	require.Contains(t, out, "nothing to discard")
}

func TestSyncWithNothingQueued(t *testing.T) {
	srv, _ := newDaemon(t)
	out, err := executeCommand(t, "sync", "--server", srv.URL, "--api-token", "secret", "--data-dir", t.TempDir())
	require.NoError(t, err)
	require.Contains(t, out, "nothing to sync")
}

func TestDaemonErrorsCarryEnvelope(t *testing.T) {
	srv, _ := newDaemon(t)
	_, err := executeCommand(t, "status", "--server", srv.URL, "--api-token", "wrong", "--data-dir", t.TempDir())
	require.Error(t, err)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 401, apiErr.Status)
}

func TestStartRequiresTab(t *testing.T) {
	_, err := executeCommand(t, "start", "--server", "http://127.0.0.1:1", "--data-dir", t.TempDir())
	require.Error(t, err)
	require.Contains(t, err.Error(), "tab")
}

func TestRemoteListWithoutConfig(t *testing.T) {
	dir := t.TempDir()
	_, err := executeCommand(t, "remote", "list", "--data-dir", dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no sync config")
}

func TestExportDirFromFileStore(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "state.json")

	engine, err := steptrail.NewEngine(steptrail.EngineOptions{
		Backend:      steptrail.NewJSONFileStateBackend(dsn),
		DisableTimer: true,
	})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = engine.StartCapture(ctx, 4)
	require.NoError(t, err)
	ev, err := steptrail.DecodeEvent([]byte(`{"kind":"click","href":"https://example.com/","title":"Example","target":{"tag":"button","text":"Save"}}`))
	require.NoError(t, err)
	result, err := engine.Ingest(ctx, ev, steptrail.SenderContext{TabID: 4})
	require.NoError(t, err)
	require.True(t, result.Accepted)
	engine.Close()

	outDir := filepath.Join(dir, "out")
	out, err := executeCommand(t, "export", "dir", outDir, "--data-dir", dir)
	require.NoError(t, err)
	require.Contains(t, out, "wrote")

	data, err := os.ReadFile(filepath.Join(outDir, "index.json"))
	require.NoError(t, err)
	var index []struct {
		Dir        string `json:"dir"`
		StepsCount int    `json:"stepsCount"`
	}
	require.NoError(t, json.Unmarshal(data, &index))
	require.Len(t, index, 1)
	require.Equal(t, 1, index[0].StepsCount)
	require.FileExists(t, filepath.Join(outDir, filepath.FromSlash(index[0].Dir), "steps.md"))
}
