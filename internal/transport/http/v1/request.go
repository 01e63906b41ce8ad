package v1

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Port accepts a port as either a JSON string or number.
type Port string

func (p *Port) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*p = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*p = Port(strings.TrimSpace(str))
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*p = Port(strconv.Itoa(n))
	return nil
}

// ProfileRequest creates or imports a profile.
type ProfileRequest struct {
	Name        string `json:"name"`
	Source      string `json:"source,omitempty"`
	UseWhen     string `json:"useWhen,omitempty"`
	Description string `json:"description,omitempty"`
}

// ProfilePatchRequest updates a profile; absent fields are left unchanged.
type ProfilePatchRequest struct {
	Name        *string `json:"name,omitempty"`
	UseWhen     *string `json:"useWhen,omitempty"`
	Description *string `json:"description,omitempty"`
}

// LaunchRequest launches an instance.
type LaunchRequest struct {
	Name     string `json:"name"`
	Port     Port   `json:"port"`
	Headless *bool  `json:"headless,omitempty"`
}

func (r LaunchRequest) headless() bool {
	if r.Headless == nil {
		return true
	}
	return *r.Headless
}
