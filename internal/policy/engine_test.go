package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), DefaultPolicy)
	require.NoError(t, err)
	return e
}

func TestDefaultPolicyDecisions(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		port  int
		allow bool
		code  string
	}{
		{"instance range", 9868, true, ""},
		{"privileged", 80, false, "validation"},
		{"too high", 70000, false, "validation"},
		{"orchestrator port", 9867, false, "port_in_use"},
		{"mysql", 3306, false, "policy_denied"},
		{"redis", 6379, false, "policy_denied"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := e.EvaluateLaunch(ctx, LaunchInput{Profile: "p", Port: tc.port, OrchestratorPort: 9867})
			require.NoError(t, err)
			assert.Equal(t, tc.allow, d.Allow)
			assert.Equal(t, tc.code, d.Code)
			if !tc.allow {
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestNewEngineFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "launch.rego")
	content := `
package launch_policy

default decision = {"allow": true, "code": "", "reason": ""}

decision = {"allow": false, "code": "policy_denied", "reason": "headed launches disabled"} {
	not input.headless
}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	e, err := NewEngineFromFile(context.Background(), path)
	require.NoError(t, err)

	d, err := e.EvaluateLaunch(context.Background(), LaunchInput{Port: 9868, Headless: false})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "headed launches disabled", d.Reason)
}

func TestNewEngineRejectsBadPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package broken\n decision = {")
	assert.Error(t, err)
}
