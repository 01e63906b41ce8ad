package instanceclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func portOf(t *testing.T, server *httptest.Server) string {
	t.Helper()
	_, port, err := net.SplitHostPort(strings.TrimPrefix(server.URL, "http://"))
	if err != nil {
		t.Fatalf("failed to split %s: %v", server.URL, err)
	}
	return port
}

func TestProbeAcceptsAnyStatusBelow500(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient("")
	base, ok, detail := client.Probe(context.Background(), portOf(t, server))
	if !ok {
		t.Fatalf("expected healthy, got detail %q", detail)
	}
	if base != "http://127.0.0.1:"+portOf(t, server) {
		t.Fatalf("unexpected base url: %s", base)
	}
}

func TestProbeReportsServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient("")
	_, ok, detail := client.Probe(context.Background(), portOf(t, server))
	if ok {
		t.Fatalf("expected unhealthy")
	}
	if detail == "" {
		t.Fatalf("expected a probe detail")
	}
}

func TestTabsSendsToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/screencast/tabs" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"id":"t1","url":"https://example.com","title":"Example"},{"id":"t2","url":"about:blank","title":""}]`)
	}))
	defer server.Close()

	client := NewClient("secret")
	tabs, err := client.Tabs(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("tabs failed: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("unexpected auth header: %q", gotAuth)
	}
	if len(tabs) != 2 || tabs[0].ID != "t1" || tabs[0].Title != "Example" {
		t.Fatalf("unexpected tabs: %+v", tabs)
	}
}

func TestTabsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	if _, err := NewClient("").Tabs(context.Background(), server.URL); err == nil {
		t.Fatalf("expected error for status 500")
	}
}

func TestShutdownPosts(t *testing.T) {
	var gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		if r.URL.Path != "/shutdown" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	if err := NewClient("").Shutdown(context.Background(), server.URL); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Fatalf("expected POST, got %s", gotMethod)
	}
}

func TestStreamEventsParsesSSE(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("missing Accept header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: init\ndata: []\n\n")
		fmt.Fprint(w, "event: action\ndata: {\"agentId\":\"bot\",\"action\":\"POST /navigate\"}\n\n")
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var events []SSEEvent
	err := NewClient("").StreamEvents(ctx, server.URL, func(event SSEEvent) error {
		events = append(events, event)
		return nil
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Event != "init" || events[1].Event != "action" {
		t.Fatalf("unexpected events: %+v", events)
	}

	evt, err := ParseActivity(events[1].Data)
	if err != nil {
		t.Fatalf("ParseActivity failed: %v", err)
	}
	if evt.AgentID != "bot" || evt.Action != "POST /navigate" {
		t.Fatalf("unexpected activity: %+v", evt)
	}
}

func TestParseSSEMultilineData(t *testing.T) {
	input := "event: action\n" +
		"data: first line\n" +
		"data: second line\n\n"

	var events []SSEEvent
	if err := parseSSE(strings.NewReader(input), func(event SSEEvent) error {
		events = append(events, event)
		return nil
	}); err != nil {
		t.Fatalf("parseSSE failed: %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Data != "first line\nsecond line" {
		t.Fatalf("unexpected data: %q", events[0].Data)
	}
}

func TestParseActivityError(t *testing.T) {
	if _, err := ParseActivity("nope"); err == nil {
		t.Fatalf("expected error for invalid event")
	}
}
