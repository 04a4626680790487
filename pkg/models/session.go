package models

import (
	"strings"
	"time"
)

// SessionStatus represents the current state of an automation session
type SessionStatus string

const (
	StatusRunning   SessionStatus = "RUNNING"
	StatusCompleted SessionStatus = "COMPLETED"
	StatusError     SessionStatus = "ERROR"
	StatusTimedOut  SessionStatus = "TIMED_OUT"
)

// vendorPrefix marks extension capabilities in W3C requests
const vendorPrefix = "appium:"

// Capabilities is a flat capability map with vendor prefixes kept as sent
type Capabilities map[string]any

// Get returns name, looking it up with and without the vendor prefix
func (c Capabilities) Get(name string) (any, bool) {
	if v, ok := c[name]; ok {
		return v, true
	}
	v, ok := c[vendorPrefix+strings.TrimPrefix(name, vendorPrefix)]
	return v, ok
}

// String returns name as a string, or "" when absent or not a string
func (c Capabilities) String(name string) string {
	v, _ := c.Get(name)
	s, _ := v.(string)
	return s
}

// Number returns name as a number. ok is false when absent or not numeric.
func (c Capabilities) Number(name string) (float64, bool) {
	v, found := c.Get(name)
	if !found {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// Session is the public view of the active session
type Session struct {
	ID           string        `json:"id"`
	Capabilities Capabilities  `json:"capabilities"`
	Driver       string        `json:"driver"`
	Protocol     string        `json:"protocol"`
	Status       SessionStatus `json:"status"`
	StartedAt    time.Time     `json:"startedAt"`
	ContainerID  string        `json:"-"`
}

// W3CCapabilities is the capabilities member of a W3C new session request
type W3CCapabilities struct {
	AlwaysMatch Capabilities   `json:"alwaysMatch,omitempty"`
	FirstMatch  []Capabilities `json:"firstMatch,omitempty"`
}

// CreateSessionRequest is the payload for creating a new session. Clients
// send legacy desired capabilities, W3C capabilities, or both.
type CreateSessionRequest struct {
	DesiredCapabilities  Capabilities     `json:"desiredCapabilities,omitempty"`
	RequiredCapabilities Capabilities     `json:"requiredCapabilities,omitempty"`
	Capabilities         *W3CCapabilities `json:"capabilities,omitempty"`
}

// IsW3C reports whether the client spoke W3C when creating the session
func (r *CreateSessionRequest) IsW3C() bool {
	return r.Capabilities != nil
}

// Merged flattens the request into one capability map. W3C alwaysMatch and
// the first firstMatch entry win over legacy desired capabilities.
func (r *CreateSessionRequest) Merged() Capabilities {
	out := Capabilities{}
	for k, v := range r.DesiredCapabilities {
		out[k] = v
	}
	for k, v := range r.RequiredCapabilities {
		out[k] = v
	}
	if r.Capabilities != nil {
		for k, v := range r.Capabilities.AlwaysMatch {
			out[k] = v
		}
		if len(r.Capabilities.FirstMatch) > 0 {
			for k, v := range r.Capabilities.FirstMatch[0] {
				out[k] = v
			}
		}
	}
	return out
}

// BuildInfo identifies the running server
type BuildInfo struct {
	Version string `json:"version"`
}

// ServerStatus is the value of GET /status
type ServerStatus struct {
	Build BuildInfo `json:"build"`
	Ready bool      `json:"ready"`
}
