package v1

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pinchtab/pinchtab/internal/domain"
)

func readSSEEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "" && event != "":
			return event, data
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEventsStreamsInitThenActions(t *testing.T) {
	ts := newTestHandler(t)
	ts.tracker.Record(domain.ActivityEvent{AgentID: "agent-1", Action: "GET /snapshot", Timestamp: time.Now()})

	server := httptest.NewServer(ts.e)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/dashboard/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	r := bufio.NewReader(resp.Body)

	event, data := readSSEEvent(t, r)
	if event != string(domain.EventTypeInit) {
		t.Fatalf("expected init first, got %s", event)
	}
	var agents []domain.Agent
	if err := json.Unmarshal([]byte(data), &agents); err != nil {
		t.Fatalf("decode init failed: %v", err)
	}
	if len(agents) != 1 || agents[0].AgentID != "agent-1" {
		t.Fatalf("unexpected init agents: %+v", agents)
	}

	ts.tracker.Record(domain.ActivityEvent{AgentID: "agent-2", Action: "POST /navigate", Timestamp: time.Now()})
	event, data = readSSEEvent(t, r)
	if event != string(domain.EventTypeAction) {
		t.Fatalf("expected action, got %s", event)
	}
	if !strings.Contains(data, "agent-2") {
		t.Fatalf("unexpected action data: %s", data)
	}
}

func TestAgentsAndActivity(t *testing.T) {
	ts := newTestHandler(t)
	for i := 0; i < 3; i++ {
		ts.tracker.Record(domain.ActivityEvent{AgentID: "bot", Action: "GET /text", Timestamp: time.Now()})
	}

	rec := doJSON(ts, http.MethodGet, "/dashboard/agents", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var agents []domain.Agent
	if err := json.Unmarshal(rec.Body.Bytes(), &agents); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(agents) != 1 || agents[0].ActionCount != 3 {
		t.Fatalf("unexpected agents: %+v", agents)
	}

	rec = doJSON(ts, http.MethodGet, "/dashboard/activity?limit=2", "")
	var recent []domain.ActivityEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &recent); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 events, got %d", len(recent))
	}
}

func TestActivityEmpty(t *testing.T) {
	ts := newTestHandler(t)

	rec := doJSON(ts, http.MethodGet, "/dashboard/activity", "")
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Fatalf("expected empty array, got %s", got)
	}
}
