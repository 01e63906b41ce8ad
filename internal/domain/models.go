package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Profile is a named, isolated browser user-data directory.
type Profile struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Path              string        `json:"path"`
	SizeMB            float64       `json:"sizeMB"`
	Source            ProfileSource `json:"source"`
	UseWhen           string        `json:"useWhen,omitempty"`
	Description       string        `json:"description,omitempty"`
	ChromeProfileName string        `json:"chromeProfileName,omitempty"`
	AccountEmail      string        `json:"accountEmail,omitempty"`
	AccountName       string        `json:"accountName,omitempty"`
	HasAccount        bool          `json:"hasAccount"`
	Running           bool          `json:"running"`
	Temporary         bool          `json:"temporary,omitempty"`
	CreatedAt         time.Time     `json:"created"`
	UpdatedAt         time.Time     `json:"updated"`
}

// ProfileMeta holds the user-editable fields of a profile.
type ProfileMeta struct {
	UseWhen     string `json:"useWhen,omitempty"`
	Description string `json:"description,omitempty"`
}

// ProfilePatch carries optional updates; nil fields are left unchanged.
type ProfilePatch struct {
	Name        *string `json:"name,omitempty"`
	UseWhen     *string `json:"useWhen,omitempty"`
	Description *string `json:"description,omitempty"`
}

// ProfileID derives the stable identifier of a profile from its name.
func ProfileID(name string) string {
	sum := sha256.Sum256([]byte(name))
	return "prof_" + hex.EncodeToString(sum[:])[:8]
}

// Instance is one running (or recently running) browser child process.
type Instance struct {
	ID        string         `json:"id"`
	ProfileID string         `json:"profileId"`
	Name      string         `json:"name"`
	Port      string         `json:"port"`
	PID       int            `json:"pid,omitempty"`
	Headless  bool           `json:"headless"`
	Status    InstanceStatus `json:"status"`
	StartTime time.Time      `json:"startTime"`
	EndTime   *time.Time     `json:"endTime,omitempty"`
	TabCount  int            `json:"tabCount"`
	Error     string         `json:"error,omitempty"`
	URL       string         `json:"url,omitempty"`
	Orphaned  bool           `json:"orphaned,omitempty"`
}

// Tab is a browser tab reported by an instance.
type Tab struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
	Type  string `json:"type,omitempty"`
}

// InstanceTab is a tab tagged with the instance that owns it.
type InstanceTab struct {
	InstanceID   string `json:"instanceId"`
	InstanceName string `json:"instanceName"`
	InstancePort string `json:"instancePort"`
	TabID        string `json:"tabId"`
	URL          string `json:"url"`
	Title        string `json:"title"`
}

// InstanceJournalEntry is the durable record used to re-adopt children after a restart.
type InstanceJournalEntry struct {
	ID          string
	ProfileName string
	Port        string
	PID         int
	Headless    bool
	StartedAt   time.Time
}
