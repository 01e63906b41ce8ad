package v1

import (
	"encoding/json"
	"testing"
)

func TestPortAcceptsStringOrNumber(t *testing.T) {
	cases := map[string]Port{
		`{"name":"a","port":9900}`:     "9900",
		`{"name":"a","port":"9901"}`:   "9901",
		`{"name":"a","port":" 9902 "}`: "9902",
		`{"name":"a","port":null}`:     "",
		`{"name":"a"}`:                 "",
	}
	for body, want := range cases {
		var req LaunchRequest
		if err := json.Unmarshal([]byte(body), &req); err != nil {
			t.Fatalf("%s: unmarshal failed: %v", body, err)
		}
		if req.Port != want {
			t.Fatalf("%s: expected port %q, got %q", body, want, req.Port)
		}
	}

	var req LaunchRequest
	if err := json.Unmarshal([]byte(`{"port":true}`), &req); err == nil {
		t.Fatalf("expected error for boolean port")
	}
}

func TestLaunchRequestHeadlessDefault(t *testing.T) {
	var req LaunchRequest
	if !req.headless() {
		t.Fatalf("expected headless by default")
	}
	off := false
	req.Headless = &off
	if req.headless() {
		t.Fatalf("expected headed when headless=false")
	}
}
