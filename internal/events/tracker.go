package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pinchtab/pinchtab/internal/domain"
)

// TrackerConfig bounds the activity history and agent liveness windows.
type TrackerConfig struct {
	BufferSize        int
	IdleTimeout       time.Duration
	DisconnectTimeout time.Duration
}

// Observer is told about every recorded activity event.
type Observer func(domain.ActivityEvent)

// Tracker aggregates activity events into per-agent state and keeps a capped
// history of recent events.
type Tracker struct {
	bus *Bus
	cfg TrackerConfig

	mu        sync.RWMutex
	agents    map[string]*domain.Agent
	recent    []domain.ActivityEvent
	next      int
	full      bool
	observers []Observer
}

// NewTracker creates a tracker publishing action events on bus.
func NewTracker(bus *Bus, cfg TrackerConfig) *Tracker {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	return &Tracker{
		bus:    bus,
		cfg:    cfg,
		agents: make(map[string]*domain.Agent),
		recent: make([]domain.ActivityEvent, cfg.BufferSize),
	}
}

// AddObserver registers fn to be called after each recorded event.
func (t *Tracker) AddObserver(fn Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

// Record folds evt into agent state, stores it and publishes it.
func (t *Tracker) Record(evt domain.ActivityEvent) {
	if evt.AgentID == "" {
		evt.AgentID = "anonymous"
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	t.mu.Lock()
	a, ok := t.agents[evt.AgentID]
	if !ok {
		a = &domain.Agent{AgentID: evt.AgentID}
		t.agents[evt.AgentID] = a
	}
	if evt.Profile != "" {
		a.Profile = evt.Profile
	}
	if evt.URL != "" {
		a.CurrentURL = evt.URL
	}
	if evt.TabID != "" {
		a.CurrentTab = evt.TabID
	}
	a.LastAction = evt.Action
	a.LastSeen = evt.Timestamp
	a.Status = domain.AgentStatusActive
	a.ActionCount++

	t.recent[t.next] = evt
	t.next = (t.next + 1) % len(t.recent)
	if t.next == 0 {
		t.full = true
	}
	// Published under t.mu so a concurrent Subscribe sees the action either
	// in its snapshot or as a live event, never both.
	t.bus.Publish(domain.Event{Type: domain.EventTypeAction, Data: evt, Timestamp: evt.Timestamp})
	observers := append([]Observer(nil), t.observers...)
	t.mu.Unlock()

	for _, fn := range observers {
		fn(evt)
	}
}

// Agents returns all known agents, most recently seen first.
func (t *Tracker) Agents() []domain.Agent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.agentsLocked()
}

func (t *Tracker) agentsLocked() []domain.Agent {
	out := make([]domain.Agent, 0, len(t.agents))
	for _, a := range t.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// Recent returns up to limit of the newest events, oldest first.
// limit <= 0 returns the whole buffer.
func (t *Tracker) Recent(limit int) []domain.ActivityEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ordered []domain.ActivityEvent
	if t.full {
		ordered = append(ordered, t.recent[t.next:]...)
	}
	ordered = append(ordered, t.recent[:t.next]...)

	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

// Subscribe opens a bus subscription whose first event is the current agent list.
// Lock order is tracker then bus, matching Record.
func (t *Tracker) Subscribe() *Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bus.Subscribe(func() []domain.Event {
		return []domain.Event{{Type: domain.EventTypeInit, Data: t.agentsLocked(), Timestamp: time.Now()}}
	})
}

// RunReaper marks agents idle or disconnected as they stop sending actions.
func (t *Tracker) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.reap(time.Now())
		}
	}
}

func (t *Tracker) reap(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, a := range t.agents {
		if a.Status == domain.AgentStatusDisconnected {
			continue
		}
		since := now.Sub(a.LastSeen)
		switch {
		case t.cfg.DisconnectTimeout > 0 && since > t.cfg.DisconnectTimeout:
			a.Status = domain.AgentStatusDisconnected
		case t.cfg.IdleTimeout > 0 && since > t.cfg.IdleTimeout:
			a.Status = domain.AgentStatusIdle
		}
	}
}
