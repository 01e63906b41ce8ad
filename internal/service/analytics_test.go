package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinchtab/pinchtab/internal/domain"
)

func TestAnalyzeEmpty(t *testing.T) {
	report := analyze("work", nil, time.Now())
	assert.Equal(t, 0, report.TotalActions)
	assert.Equal(t, []string{"No actions recorded yet."}, report.Suggestions)
	assert.NotNil(t, report.CommonHosts)
}

func TestAnalyzeDetectsPolling(t *testing.T) {
	now := time.Now()
	var recs []domain.ActionRecord
	for i := 0; i < 25; i++ {
		recs = append(recs, domain.ActionRecord{
			Endpoint:   "/snapshot",
			URL:        "https://example.com/feed",
			DurationMs: 20,
			Timestamp:  now.Add(time.Duration(i-25) * 2 * time.Second),
		})
	}
	recs = append(recs, domain.ActionRecord{
		Endpoint:  "/navigate",
		URL:       "https://other.example/",
		Timestamp: now.Add(-48 * time.Hour),
	})

	report := analyze("work", recs, now)
	assert.Equal(t, 26, report.TotalActions)
	assert.Equal(t, 25, report.Last24h)
	assert.Equal(t, 25, report.CommonHosts["example.com"])
	assert.Equal(t, 1, report.CommonHosts["other.example"])
	require.NotEmpty(t, report.TopEndpoints)
	assert.Equal(t, "/snapshot", report.TopEndpoints[0].Endpoint)
	assert.Equal(t, int64(20), report.TopEndpoints[0].AvgMs)

	require.Len(t, report.Suggestions, 2)
	assert.Contains(t, report.Suggestions[0], "High-frequency polling")
	assert.Contains(t, report.Suggestions[1], "Heavy snapshot usage (25 calls)")
}

func TestTrackedActionsArePersistedPerProfile(t *testing.T) {
	env := newTestEnv(t)
	env.createProfile(t, "work")

	env.tracker.Record(domain.ActivityEvent{AgentID: "bot", Profile: "work", Action: "POST /navigate", URL: "https://example.com", Status: 200})
	env.tracker.Record(domain.ActivityEvent{AgentID: "bot", Profile: "work", Action: "GET /snapshot", Status: 200})
	env.tracker.Record(domain.ActivityEvent{AgentID: "bot", Action: "GET /text"})

	logs, err := env.svc.ActionLogs(context.Background(), "work", 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "POST", logs[0].Method)
	assert.Equal(t, "/navigate", logs[0].Endpoint)
	assert.Equal(t, "/snapshot", logs[1].Endpoint)

	report, err := env.svc.Analytics(context.Background(), "work")
	require.NoError(t, err)
	assert.Equal(t, 2, report.TotalActions)
	assert.Equal(t, 1, report.CommonHosts["example.com"])
}
