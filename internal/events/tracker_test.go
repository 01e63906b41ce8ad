package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinchtab/pinchtab/internal/domain"
)

func newTestTracker(size int) (*Tracker, *Bus) {
	bus := NewBus(64)
	return NewTracker(bus, TrackerConfig{
		BufferSize:        size,
		IdleTimeout:       30 * time.Second,
		DisconnectTimeout: 5 * time.Minute,
	}), bus
}

func TestRecordAggregatesAgent(t *testing.T) {
	tr, _ := newTestTracker(10)

	tr.Record(domain.ActivityEvent{AgentID: "bot", Profile: "work", Action: "POST /navigate", URL: "https://a.example"})
	tr.Record(domain.ActivityEvent{AgentID: "bot", Action: "GET /snapshot", TabID: "t1"})
	tr.Record(domain.ActivityEvent{Action: "GET /text"})

	agents := tr.Agents()
	require.Len(t, agents, 2)

	var bot domain.Agent
	for _, a := range agents {
		if a.AgentID == "bot" {
			bot = a
		}
	}
	assert.Equal(t, 2, bot.ActionCount)
	assert.Equal(t, "work", bot.Profile)
	assert.Equal(t, "https://a.example", bot.CurrentURL)
	assert.Equal(t, "t1", bot.CurrentTab)
	assert.Equal(t, "GET /snapshot", bot.LastAction)
	assert.Equal(t, domain.AgentStatusActive, bot.Status)
}

func TestRecentIsCapped(t *testing.T) {
	tr, _ := newTestTracker(3)
	for i := 0; i < 5; i++ {
		tr.Record(domain.ActivityEvent{AgentID: "a", Action: fmt.Sprintf("GET /%d", i)})
	}

	recent := tr.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "GET /2", recent[0].Action)
	assert.Equal(t, "GET /4", recent[2].Action)

	last := tr.Recent(1)
	require.Len(t, last, 1)
	assert.Equal(t, "GET /4", last[0].Action)
}

func TestSubscribeStartsWithInit(t *testing.T) {
	tr, _ := newTestTracker(10)
	tr.Record(domain.ActivityEvent{AgentID: "early", Action: "GET /tabs"})

	sub := tr.Subscribe()
	defer sub.Close()
	tr.Record(domain.ActivityEvent{AgentID: "late", Action: "GET /tabs"})

	got := drain(t, sub, 2)
	assert.Equal(t, domain.EventTypeInit, got[0].Type)
	agents, ok := got[0].Data.([]domain.Agent)
	require.True(t, ok)
	require.Len(t, agents, 1)
	assert.Equal(t, "early", agents[0].AgentID)

	assert.Equal(t, domain.EventTypeAction, got[1].Type)
	evt, ok := got[1].Data.(domain.ActivityEvent)
	require.True(t, ok)
	assert.Equal(t, "late", evt.AgentID)
}

func TestSubscribeDuringRecordCountsEachActionOnce(t *testing.T) {
	const total = 300
	for round := 0; round < 20; round++ {
		tr := NewTracker(NewBus(total+8), TrackerConfig{BufferSize: 10})

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < total; i++ {
				tr.Record(domain.ActivityEvent{AgentID: "bot", Action: "GET /tabs"})
			}
		}()

		sub := tr.Subscribe()
		wg.Wait()

		first := <-sub.C
		require.Equal(t, domain.EventTypeInit, first.Type)
		seen := 0
		for _, a := range first.Data.([]domain.Agent) {
			seen += a.ActionCount
		}
	live:
		for {
			select {
			case evt := <-sub.C:
				require.Equal(t, domain.EventTypeAction, evt.Type)
				seen++
			default:
				break live
			}
		}
		sub.Close()
		require.False(t, sub.Dropped())
		require.Equal(t, total, seen, "round %d", round)
	}
}

func TestObserversSeeEvents(t *testing.T) {
	tr, _ := newTestTracker(10)
	var seen []string
	tr.AddObserver(func(evt domain.ActivityEvent) { seen = append(seen, evt.Action) })

	tr.Record(domain.ActivityEvent{AgentID: "a", Action: "POST /action"})
	assert.Equal(t, []string{"POST /action"}, seen)
}

func TestReaperStatuses(t *testing.T) {
	tr, _ := newTestTracker(10)
	now := time.Now()
	tr.Record(domain.ActivityEvent{AgentID: "fresh", Timestamp: now})
	tr.Record(domain.ActivityEvent{AgentID: "idle", Timestamp: now.Add(-time.Minute)})
	tr.Record(domain.ActivityEvent{AgentID: "gone", Timestamp: now.Add(-10 * time.Minute)})

	tr.reap(now)

	status := map[string]domain.AgentStatus{}
	for _, a := range tr.Agents() {
		status[a.AgentID] = a.Status
	}
	assert.Equal(t, domain.AgentStatusActive, status["fresh"])
	assert.Equal(t, domain.AgentStatusIdle, status["idle"])
	assert.Equal(t, domain.AgentStatusDisconnected, status["gone"])
}
