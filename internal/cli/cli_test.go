package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinchtab/pinchtab/internal/config"
	"github.com/pinchtab/pinchtab/internal/events"
	"github.com/pinchtab/pinchtab/internal/logging"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   map[string]interface{}
	Auth   string
}

type fakeOrchestrator struct {
	*httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newFakeOrchestrator(t *testing.T, handler http.HandlerFunc) *fakeOrchestrator {
	t.Helper()
	f := &fakeOrchestrator{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Auth: r.Header.Get("Authorization")}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			_ = json.Unmarshal(data, &rec.Body)
		}
		f.mu.Lock()
		f.requests = append(f.requests, rec)
		f.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeOrchestrator) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func runCLI(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand("test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--server", server}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestProfilesListTable(t *testing.T) {
	srv := newFakeOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[{"id":"prof_1","name":"work","source":"created","sizeMB":12.5,"running":true}]`)
	})

	out, err := runCLI(t, srv.URL, "profiles")
	require.NoError(t, err)
	assert.Contains(t, out, "work")
	assert.Contains(t, out, "prof_1")
	assert.Contains(t, out, "12.5")
	assert.Equal(t, "/profiles", srv.last().Path)

	out, err = runCLI(t, srv.URL, "--json", "profiles", "list", "--all")
	require.NoError(t, err)
	assert.Equal(t, "all=true", srv.last().Query)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Len(t, list, 1)
}

func TestProfilesEmpty(t *testing.T) {
	srv := newFakeOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[]`)
	})

	out, err := runCLI(t, srv.URL, "profiles", "list")
	require.NoError(t, err)
	assert.Equal(t, "No profiles found\n", out)
}

func TestProfilesCreateSendsMeta(t *testing.T) {
	srv := newFakeOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, `{"id":"prof_2","name":"shop"}`)
	})

	out, err := runCLI(t, srv.URL, "--token", "secret", "profiles", "create", "shop", "--use-when", "buying things")
	require.NoError(t, err)
	assert.Contains(t, out, "prof_2")

	last := srv.last()
	assert.Equal(t, http.MethodPost, last.Method)
	assert.Equal(t, "/profiles", last.Path)
	assert.Equal(t, "shop", last.Body["name"])
	assert.Equal(t, "buying things", last.Body["useWhen"])
	assert.Equal(t, "Bearer secret", last.Auth)
}

func TestProfilesDeleteForce(t *testing.T) {
	srv := newFakeOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"status":"deleted","name":"old"}`)
	})

	out, err := runCLI(t, srv.URL, "profiles", "delete", "old", "--force")
	require.NoError(t, err)
	assert.Equal(t, "Deleted profile old\n", out)
	assert.Equal(t, http.MethodDelete, srv.last().Method)
	assert.Equal(t, "/profiles/old", srv.last().Path)
	assert.Equal(t, "force=true", srv.last().Query)
}

func TestAPIErrorIsReturned(t *testing.T) {
	srv := newFakeOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, `{"error":"profile \"work\" already has an active instance","code":"already_running"}`)
	})

	_, err := runCLI(t, srv.URL, "launch", "work")
	require.Error(t, err)

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "already_running", apiErr.Code)
	assert.Contains(t, err.Error(), "HTTP 409")
}

func TestAPIErrorPlainBody(t *testing.T) {
	srv := newFakeOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway broke", http.StatusBadGateway)
	})

	_, err := runCLI(t, srv.URL, "instances")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway broke")
}

func TestLaunchBody(t *testing.T) {
	srv := newFakeOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, `{"id":"inst_abc","name":"work","port":"9870","status":"starting"}`)
	})

	out, err := runCLI(t, srv.URL, "launch", "work", "--port", "9870", "--headed")
	require.NoError(t, err)
	assert.Contains(t, out, "inst_abc")
	assert.Contains(t, out, "starting")

	last := srv.last()
	assert.Equal(t, "/instances/launch", last.Path)
	assert.Equal(t, "work", last.Body["name"])
	assert.Equal(t, "9870", last.Body["port"])
	assert.Equal(t, false, last.Body["headless"])
}

func TestStopPaths(t *testing.T) {
	srv := newFakeOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("wait") == "true" {
			writeJSON(w, http.StatusOK, `{"id":"inst_abc","status":"stopped"}`)
			return
		}
		writeJSON(w, http.StatusAccepted, `{"id":"inst_abc","status":"stopping"}`)
	})

	out, err := runCLI(t, srv.URL, "stop", "inst_abc")
	require.NoError(t, err)
	assert.Equal(t, "inst_abc stopping\n", out)
	assert.Equal(t, "/instances/inst_abc/stop", srv.last().Path)

	out, err = runCLI(t, srv.URL, "stop", "work", "--profile", "--wait")
	require.NoError(t, err)
	assert.Equal(t, "inst_abc stopped\n", out)
	assert.Equal(t, "/profiles/work/stop", srv.last().Path)
	assert.Equal(t, "wait=true", srv.last().Query)
}

func TestInstancesTable(t *testing.T) {
	started := time.Now().Add(-time.Minute).Format(time.RFC3339Nano)
	srv := newFakeOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, fmt.Sprintf(`[
			{"id":"inst_a","name":"work","port":"9868","status":"running","pid":42,"tabCount":2,"startTime":%q},
			{"id":"inst_b","name":"old","port":"9869","status":"error","error":"exited unexpectedly","startTime":%q}
		]`, started, started))
	})

	out, err := runCLI(t, srv.URL, "instances")
	require.NoError(t, err)
	assert.Contains(t, out, "inst_a")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "exited unexpectedly")
}

func TestLogsPrintsText(t *testing.T) {
	srv := newFakeOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "line one\nline two\n")
	})

	out, err := runCLI(t, srv.URL, "logs", "inst_abc", "-n", "2")
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", out)
	assert.Equal(t, "/instances/inst_abc/logs", srv.last().Path)
	assert.Equal(t, "lines=2", srv.last().Query)
}

func TestWatchFiltersEvents(t *testing.T) {
	srv := newFakeOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: init\ndata: []\n\n")
		_, _ = io.WriteString(w, ": keepalive\n\n")
		_, _ = io.WriteString(w, "event: instance.started\ndata: {\"id\":\"inst_a\"}\n\n")
		_, _ = io.WriteString(w, "event: action\ndata: {\"agentId\":\"bot\"}\n\n")
	})

	out, err := runCLI(t, srv.URL, "watch", "--type", "instance.started", "--for", "2s")
	require.NoError(t, err)
	assert.Contains(t, out, "instance.started")
	assert.Contains(t, out, `{"id":"inst_a"}`)
	assert.NotContains(t, out, "action")
	assert.NotContains(t, out, "init")
	assert.Equal(t, "/dashboard/events", srv.last().Path)
}

func TestScreencastSavesFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("ignored"))
		for i := 0; i < 5; i++ {
			if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0xd8, byte(i)}); err != nil {
				return
			}
		}
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	dir := filepath.Join(t.TempDir(), "frames")
	out, err := runCLI(t, srv.URL, "screencast", "--tab", "tab-1", "--fps", "5", "-n", "3", "-o", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Saved 3 frames")
	assert.Contains(t, gotQuery, "tabId=tab-1")
	assert.Contains(t, gotQuery, "fps=5")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	data, err := os.ReadFile(filepath.Join(dir, "frame-00002.jpg"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8, 2}, data)
}

func TestWSURL(t *testing.T) {
	c := &apiClient{base: "https://example.com:9867"}
	got, err := c.wsURL("/screencast", nil)
	require.NoError(t, err)
	assert.Equal(t, "wss://example.com:9867/screencast", got)

	c.base = "http://127.0.0.1:9867"
	got, err = c.wsURL("/instances/inst_a/screencast", map[string][]string{"fps": {"2"}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "ws://127.0.0.1:9867/instances/inst_a/screencast?"))
}

func TestServeFlagsOverrideConfig(t *testing.T) {
	root := &rootOptions{}
	cmd := newServeCmd(root, "test")
	require.NoError(t, cmd.Flags().Parse([]string{"--port", "9999", "--auto-launch", "--log-level", "debug"}))

	cfg := config.Default()
	cfg.Bind = "0.0.0.0"
	opts := &serveOptions{port: 9999, autoLaunch: true, logLevel: "debug"}
	opts.apply(cmd, cfg)

	assert.Equal(t, 9999, cfg.Port)
	assert.True(t, cfg.AutoLaunch)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "0.0.0.0", cfg.Bind, "unset flags leave config alone")
	assert.False(t, cfg.DefaultHeaded)
}

func TestSupervisorTimingsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.StartupTimeout = 7 * time.Second
	cfg.KillGracePeriod = time.Second

	got := supervisorTimings(cfg)
	assert.Equal(t, 7*time.Second, got.StartupTimeout)
	assert.Equal(t, time.Second, got.KillGracePeriod)
	assert.NotZero(t, got.GracefulTimeout)
}

type stubService struct {
	stopped bool
}

func (s *stubService) Shutdown(context.Context) error {
	s.stopped = true
	return nil
}

func TestShutdownEndsOpenEventStreams(t *testing.T) {
	bus := events.NewBus(8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub := bus.Subscribe(nil)
		defer sub.Close()
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case _, ok := <-sub.C:
				if !ok {
					return
				}
			}
		}
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	svc := &stubService{}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	err = shutdown(ctx, logging.NewLogger("test"), svc, srv.Config, bus.Close)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, svc.stopped)

	_, err = io.ReadAll(resp.Body)
	assert.NoError(t, err)
}
