package domain

import "time"

// ActivityEvent is one observed agent action.
type ActivityEvent struct {
	AgentID    string    `json:"agentId"`
	Profile    string    `json:"profile,omitempty"`
	Action     string    `json:"action"`
	URL        string    `json:"url,omitempty"`
	TabID      string    `json:"tabId,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Status     int       `json:"status"`
	DurationMs int64     `json:"durationMs"`
	Timestamp  time.Time `json:"timestamp"`
}

// Agent is the aggregated view of a client driving instances.
type Agent struct {
	AgentID     string      `json:"agentId"`
	Profile     string      `json:"profile,omitempty"`
	CurrentURL  string      `json:"currentUrl,omitempty"`
	CurrentTab  string      `json:"currentTab,omitempty"`
	LastAction  string      `json:"lastAction,omitempty"`
	LastSeen    time.Time   `json:"lastSeen"`
	Status      AgentStatus `json:"status"`
	ActionCount int         `json:"actionCount"`
}

// ActionRecord is a persisted per-profile action used for analytics.
type ActionRecord struct {
	ID         int64     `json:"id,omitempty"`
	Profile    string    `json:"profile"`
	Method     string    `json:"method"`
	Endpoint   string    `json:"endpoint"`
	URL        string    `json:"url,omitempty"`
	TabID      string    `json:"tabId,omitempty"`
	DurationMs int64     `json:"durationMs"`
	Status     int       `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// AnalyticsReport summarizes the action history of a profile.
type AnalyticsReport struct {
	Profile        string          `json:"profile"`
	TotalActions   int             `json:"totalActions"`
	Last24h        int             `json:"last24h"`
	Since          *time.Time      `json:"since,omitempty"`
	CommonHosts    map[string]int  `json:"commonHosts"`
	TopEndpoints   []EndpointCount `json:"topEndpoints"`
	RepeatPatterns []RepeatPattern `json:"repeatPatterns,omitempty"`
	Suggestions    []string        `json:"suggestions"`
}

// EndpointCount is the call count and mean latency of one endpoint.
type EndpointCount struct {
	Endpoint string `json:"endpoint"`
	Count    int    `json:"count"`
	AvgMs    int64  `json:"avgMs"`
}

// RepeatPattern is a detected repetitive access pattern.
type RepeatPattern struct {
	Pattern   string  `json:"pattern"`
	Count     int     `json:"count"`
	AvgGapSec float64 `json:"avgGapSec,omitempty"`
}

// Event is a message published on the status bus.
type Event struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}
