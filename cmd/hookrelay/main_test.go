package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hookrelay/internal/api"
	"github.com/mattjoyce/hookrelay/internal/config"
	"github.com/mattjoyce/hookrelay/internal/envelope"
	"github.com/mattjoyce/hookrelay/internal/lock"
	"github.com/mattjoyce/hookrelay/internal/log"
	"github.com/mattjoyce/hookrelay/internal/queue"
	"github.com/mattjoyce/hookrelay/internal/source"
	"github.com/mattjoyce/hookrelay/internal/storage"
)

const testAdminToken = "admin-token"

func TestMain(m *testing.M) {
	log.SetupWriter(io.Discard, "ERROR")
	os.Exit(m.Run())
}

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func runCLIForTest(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return runCLI(args) })
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

// clearRelayEnv unsets every variable the config loader reads for the
// duration of the test.
func clearRelayEnv(t *testing.T) {
	t.Helper()
	for _, name := range append(config.EnvVars(), "RELAY_CONFIG", "RELAY_ADMIN_URL") {
		if prev, ok := os.LookupEnv(name); ok {
			require.NoError(t, os.Unsetenv(name))
			t.Cleanup(func() { _ = os.Setenv(name, prev) })
		}
	}
}

func TestRunCLIRootVersionFlag(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef", "2026-04-02T15:00:00Z")

	code, stdout, _ := runCLIForTest(t, "--version")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "hookrelay 1.2.3")
	assert.Contains(t, stdout, "commit: 0123456789ab")
	assert.Contains(t, stdout, "built_at: 2026-04-02T15:00:00Z")
}

func TestRunVersionJSONOutputIncludesMetadata(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "abc123", "2026-04-02T17:00:00+02:00")

	code, stdout, _ := runCLIForTest(t, "version", "--json")
	require.Equal(t, 0, code)

	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Equal(t, versionInfo{Version: "1.2.3", Commit: "abc123", BuildTime: "2026-04-02T15:00:00Z"}, info)
}

func TestUnknownCommandsFail(t *testing.T) {
	tests := [][]string{
		{},
		{"bogus"},
		{"system", "bogus"},
		{"config", "bogus"},
		{"queue", "bogus"},
		{"dlq", "bogus"},
		{"dlq"},
	}
	for _, args := range tests {
		t.Run(strings.Join(args, "_"), func(t *testing.T) {
			code, _, _ := runCLIForTest(t, args...)
			assert.Equal(t, 1, code)
		})
	}
}

func TestNounHelp(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"help"}, "Core Resources (Nouns):"},
		{[]string{"system", "help"}, "hookrelay system <start|status|watch>"},
		{[]string{"system", "start", "--help"}, "hookrelay system start"},
		{[]string{"config", "check", "-h"}, "blake3 fingerprint"},
		{[]string{"dlq", "help"}, "dlq replay <event-id>"},
		{[]string{"watch", "--help"}, "Replay selected dead letter"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, "_"), func(t *testing.T) {
			code, stdout, _ := runCLIForTest(t, tt.args...)
			assert.Equal(t, 0, code)
			assert.Contains(t, stdout, tt.want)
		})
	}
}

func writeConfigFixture(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "hookrelay.yaml")
	content := `
store:
  path: ` + filepath.Join(dir, "relay.db") + `
sources:
  github:
    secret: ${TEST_GH_SECRET}
  linear:
    secret: linear-file-secret
    agent_user_id: agent-1
gateway:
  url: http://127.0.0.1:18789
  token: gateway-file-token
admin:
  token: admin-file-token
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRunConfigCheckRedactsSecrets(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("TEST_GH_SECRET", "github-env-secret")
	dir := t.TempDir()
	path := writeConfigFixture(t, dir)

	code, stdout, stderr := runCLIForTest(t, "config", "check", "--config", path, "--env-file", filepath.Join(dir, "missing.env"))
	require.Equal(t, 0, code, stderr)

	assert.NotContains(t, stdout, "github-env-secret")
	assert.NotContains(t, stdout, "linear-file-secret")
	assert.NotContains(t, stdout, "gateway-file-token")
	assert.NotContains(t, stdout, "admin-file-token")
	assert.Contains(t, stdout, "<redacted>")
	assert.Contains(t, stdout, "agent_user_id: agent-1")
	assert.Contains(t, stdout, "fingerprint: blake3:")
	assert.Contains(t, stdout, "file: "+path+" blake3:")
	assert.Contains(t, stdout, "PASSED")
}

func TestRunConfigCheckReportsEveryProblem(t *testing.T) {
	clearRelayEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "hookrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  url: ftp://nowhere\n"), 0o600))

	code, _, stderr := runCLIForTest(t, "config", "check", "--config", path, "--env-file", "")
	require.Equal(t, 1, code)
	assert.Contains(t, stderr, "FAILED")
	assert.Contains(t, stderr, "github")
	assert.Contains(t, stderr, "linear")
}

func TestAdminURLFromListen(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8081", adminURLFromListen(":8081"))
	assert.Equal(t, "http://127.0.0.1:9000", adminURLFromListen("0.0.0.0:9000"))
	assert.Equal(t, "http://10.0.0.5:8081", adminURLFromListen("10.0.0.5:8081"))
	assert.Equal(t, defaultAdminURL, adminURLFromListen("garbage"))
}

// adminFixture serves a real admin API over a store seeded by the test.
type adminFixture struct {
	url   string
	store *queue.Store
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := queue.New(db, queue.WithLogger(log.Discard()))
	srv := api.New(api.Config{Token: testAdminToken}, store, log.Discard())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &adminFixture{url: ts.URL, store: store}
}

func (f *adminFixture) deadLetter(t *testing.T, delivery string) string {
	t.Helper()
	ctx := context.Background()
	env := envelope.New("github", "pull_request.opened", json.RawMessage(`{"number":42}`), time.Now())
	_, err := f.store.Accept(ctx, queue.AcceptRequest{
		Envelope: env,
		Meta:     envelope.Meta{DeliveryID: delivery, Action: "opened", EntityID: "42"},
		DedupKey: "github:" + delivery + ":opened:42",
	})
	require.NoError(t, err)
	p, err := f.store.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.store.DeadLetter(ctx, p.ID(), "w1", "gateway returned 400"))
	return p.ID()
}

func TestDLQCommandsAgainstAdminAPI(t *testing.T) {
	clearRelayEnv(t)
	f := newAdminFixture(t)
	id := f.deadLetter(t, "d-1")
	flags := []string{"--admin-url", f.url, "--token", testAdminToken}

	code, stdout, stderr := runCLIForTest(t, append([]string{"dlq", "list"}, flags...)...)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, id)
	assert.Contains(t, stdout, "gateway returned 400")

	code, stdout, stderr = runCLIForTest(t, append([]string{"dlq", "replay", id}, flags...)...)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Replay "+id+": requeued (replay_count=1)")

	code, stdout, stderr = runCLIForTest(t, append([]string{"queue", "list", "--json"}, flags...)...)
	require.Equal(t, 0, code, stderr)
	var res api.QueueResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.Equal(t, 1, res.Stats.Pending)
	// The DLQ row stays until the replayed event is forwarded.
	assert.Equal(t, 1, res.Stats.DeadLettered)
	require.Len(t, res.Items, 1)
	assert.Equal(t, id, res.Items[0].EventID)

	// Flags before the positional id work too.
	code, _, stderr = runCLIForTest(t, append(append([]string{"dlq", "replay"}, flags...), "no-such-event")...)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "No dead-lettered event no-such-event")
}

func TestAdminCommandsRequireToken(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("ADMIN_TOKEN", "")
	f := newAdminFixture(t)

	code, _, stderr := runCLIForTest(t, "queue", "list", "--admin-url", f.url)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "admin token required")

	code, _, stderr = runCLIForTest(t, "dlq", "list", "--admin-url", f.url, "--token", "wrong")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "invalid admin token")
}

// gateway records forwarded requests.
type gateway struct {
	server *httptest.Server
	hits   atomic.Int32
	last   atomic.Value
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	g := &gateway{}
	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		g.last.Store(r.URL.Path + " " + r.Header.Get("Authorization") + " " + string(body))
		g.hits.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(g.server.Close)
	return g
}

func relayTestConfig(t *testing.T, gatewayURL string) *config.Config {
	t.Helper()
	env := map[string]string{
		"RELAY_LISTEN":          "127.0.0.1:0",
		"RELAY_ADMIN_LISTEN":    "127.0.0.1:0",
		"RELAY_DB_PATH":         filepath.Join(t.TempDir(), "data", "relay.db"),
		"RELAY_SHUTDOWN_GRACE":  "2s",
		"GITHUB_WEBHOOK_SECRET": "gh-secret",
		"LINEAR_WEBHOOK_SECRET": "lin-secret",
		"GATEWAY_URL":           gatewayURL,
		"GATEWAY_TOKEN":         "gw-token",
		"ADMIN_TOKEN":           testAdminToken,
	}
	cfg, err := config.LoadWith(config.Options{Lookup: func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}})
	require.NoError(t, err)
	return cfg
}

func signedGitHubRequest(delivery string, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(body))
	req.Header.Set(source.GitHubEventHeader, "pull_request")
	req.Header.Set(source.GitHubDeliveryHeader, delivery)
	req.Header.Set(source.GitHubSignatureHeader, source.SignGitHub(body, "gh-secret"))
	req.RemoteAddr = "198.51.100.7:5555"
	return req
}

const testPRBody = `{"action":"opened","number":7,"pull_request":{"number":7,"title":"Add retries"},"repository":{"id":1,"full_name":"acme/relay"},"sender":{"login":"octocat"}}`

func TestRelayForwardsSignedDelivery(t *testing.T) {
	gw := newGateway(t)
	cfg := relayTestConfig(t, gw.server.URL)

	r, err := newRelay(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(r.close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.run(ctx) }()

	body := []byte(testPRBody)
	rec := httptest.NewRecorder()
	r.webhook.Handler().ServeHTTP(rec, signedGitHubRequest("delivery-7", body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"accepted"`)

	require.Eventually(t, func() bool { return gw.hits.Load() == 1 }, 5*time.Second, 20*time.Millisecond)
	last, _ := gw.last.Load().(string)
	assert.True(t, strings.HasPrefix(last, "/hooks/agent Bearer gw-token "), last)
	assert.Contains(t, last, "Add retries")

	// GitHub redelivers the same delivery id: acknowledged, never forwarded
	// twice.
	rec = httptest.NewRecorder()
	r.webhook.Handler().ServeHTTP(rec, signedGitHubRequest("delivery-7", body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"status":"ignored","reason":"duplicate"}`, rec.Body.String())

	require.Eventually(t, func() bool {
		st, err := r.queue.Stats(context.Background())
		return err == nil && st.Pending == 0 && st.InFlight == 0
	}, 5*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), gw.hits.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not shut down")
	}
}

func TestShutdownDrainsInFlightDelivery(t *testing.T) {
	gw := newGateway(t)
	cfg := relayTestConfig(t, gw.server.URL)

	r, err := newRelay(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ingress, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	admin, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.serve(ctx, ingress, admin) }()

	base := "http://" + ingress.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	body := []byte(testPRBody)
	conn, err := net.Dial("tcp", ingress.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	head := "POST /webhook/github HTTP/1.1\r\n" +
		"Host: relay\r\n" +
		"Content-Type: application/json\r\n" +
		fmt.Sprintf("Content-Length: %d\r\n", len(body)) +
		source.GitHubEventHeader + ": pull_request\r\n" +
		source.GitHubDeliveryHeader + ": delivery-inflight\r\n" +
		source.GitHubSignatureHeader + ": " + source.SignGitHub(body, "gh-secret") + "\r\n" +
		"Connection: close\r\n\r\n"
	_, err = conn.Write(append([]byte(head), body[:10]...))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	cancel()

	// The half-sent request keeps the relay up.
	select {
	case err := <-done:
		t.Fatalf("relay stopped with a request in flight: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	_, err = conn.Write(body[10:])
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	respBody, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(respBody))
	assert.Contains(t, string(respBody), `"status":"accepted"`)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not shut down")
	}
	r.close()
}

func TestSecondRelayCannotShareStore(t *testing.T) {
	gw := newGateway(t)
	cfg := relayTestConfig(t, gw.server.URL)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	first, err := newRelay(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(first.close)

	_, err = newRelay(context.Background(), cfg, logger)
	require.Error(t, err)
	assert.True(t, errors.Is(err, lock.ErrHeld))

	running, pid := lockHolder(lock.PathFor(cfg.Store.Path))
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)
}

func TestPoolConfigMergesSourceRetry(t *testing.T) {
	cfg := config.Defaults()
	cfg.Sources.Linear.Retry = &config.RetryConfig{MaxAttempts: 9}

	pc := poolConfig(cfg)
	assert.Equal(t, 5, pc.Retry.MaxAttempts)
	assert.Equal(t, 9, pc.SourceRetry["linear"].MaxAttempts)
	_, ok := pc.SourceRetry["github"]
	assert.False(t, ok)
}

func TestBuildRegistrySkipsDisabledSources(t *testing.T) {
	cfg := config.Defaults()
	cfg.Sources.Linear.Enabled = false

	names := buildRegistry(cfg).Names()
	assert.Equal(t, []string{"github"}, names)
}
