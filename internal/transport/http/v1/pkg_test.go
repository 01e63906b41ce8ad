package v1

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pinchtab/pinchtab/internal/adapter/instanceclient"
	"github.com/pinchtab/pinchtab/internal/config"
	"github.com/pinchtab/pinchtab/internal/domain"
	"github.com/pinchtab/pinchtab/internal/events"
	"github.com/pinchtab/pinchtab/internal/policy"
	"github.com/pinchtab/pinchtab/internal/profiles"
	"github.com/pinchtab/pinchtab/internal/registry"
	"github.com/pinchtab/pinchtab/internal/service"
	"github.com/pinchtab/pinchtab/internal/supervisor"
	"github.com/pinchtab/pinchtab/internal/transport/ws"
	"github.com/pinchtab/pinchtab/tests/helpers"
)

type stubCmd struct {
	pid  int
	done chan struct{}
	once sync.Once
}

func (c *stubCmd) Wait() error { <-c.done; return nil }
func (c *stubCmd) PID() int    { return c.pid }
func (c *stubCmd) Terminate() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
func (c *stubCmd) Kill() error { return c.Terminate() }

type stubRunner struct {
	mu   sync.Mutex
	cmds []*stubCmd
}

func (r *stubRunner) Start(spec supervisor.LaunchSpec, out io.Writer) (supervisor.Cmd, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = io.WriteString(out, "bridge ready on "+spec.Binary+"\n")
	cmd := &stubCmd{pid: 50000 + len(r.cmds), done: make(chan struct{})}
	r.cmds = append(r.cmds, cmd)
	return cmd, nil
}

func (r *stubRunner) IsPortAvailable(string) bool { return true }

type testServer struct {
	e       *echo.Echo
	h       *Handler
	svc     *service.Service
	tracker *events.Tracker
}

func newTestHandler(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.ProfilesDir = t.TempDir()

	db := helpers.NewTestSQLiteStore(t)
	mgr, err := profiles.NewManager(cfg.ProfilesDir, db)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	sup := supervisor.New(&stubRunner{}, supervisor.Timings{
		HealthPollInterval: 10 * time.Millisecond,
		StartupTimeout:     2 * time.Second,
		GracefulTimeout:    100 * time.Millisecond,
		StopGracePeriod:    100 * time.Millisecond,
		TermGracePeriod:    100 * time.Millisecond,
		KillGracePeriod:    100 * time.Millisecond,
		AdoptPollInterval:  20 * time.Millisecond,
	}, 4096)
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	client := instanceclient.NewClient("")
	bus := events.NewBus(64)
	tracker := events.NewTracker(bus, events.TrackerConfig{BufferSize: 100})
	svc := service.New(db, mgr, registry.New(), sup, client, bus, tracker, cfg, policyEngine)
	relay := ws.NewServer(ws.Config{}, client)
	svc.OnInstanceEnded(relay.CloseInstance)

	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(sctx)
	})

	e := echo.New()
	h := NewHandler(svc, relay, "test", time.Second)
	h.RegisterRoutes(e)
	return &testServer{e: e, h: h, svc: svc, tracker: tracker}
}

// fakeChild answers health checks and echoes automation calls.
func fakeChild(t *testing.T) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/navigate", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Seen-Body", string(body))
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/screencast/tabs", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"tab-1","url":"https://example.com","title":"Example"}]`))
	})
	mux.HandleFunc("/dashboard/events", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	_, port, err := net.SplitHostPort(server.Listener.Addr().String())
	if err != nil {
		t.Fatalf("failed to split addr: %v", err)
	}
	return port
}

func (ts *testServer) createProfile(t *testing.T, name string) {
	t.Helper()
	if _, err := ts.svc.CreateProfile(context.Background(), name, domain.ProfileMeta{}); err != nil {
		t.Fatalf("CreateProfile failed: %v", err)
	}
}

func (ts *testServer) launchRunning(t *testing.T, name string) *domain.Instance {
	t.Helper()
	ts.createProfile(t, name)
	inst, err := ts.svc.Launch(context.Background(), name, fakeChild(t), true)
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		cur, _ := ts.svc.GetInstance(inst.ID)
		if cur != nil && cur.Status == domain.InstanceStatusRunning {
			return cur
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("instance %s never became running", inst.ID)
	return nil
}
