package models

import (
	"fmt"
	"time"
)

// FeedStatus is the lifecycle state of a pool's feed connection
type FeedStatus int

const (
	StatusIdle FeedStatus = iota
	StatusConnecting
	StatusOpen
	StatusReconnecting
	StatusFailed
)

func (s FeedStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Label is the short text shown in the dashboard status badge
func (s FeedStatus) Label() string {
	switch s {
	case StatusOpen:
		return "Live"
	case StatusConnecting:
		return "Connecting…"
	case StatusReconnecting:
		return "Reconnecting…"
	case StatusFailed:
		return "Failed"
	default:
		return "Disconnected"
	}
}

// MarshalText renders the status as its lowercase name in JSON payloads
func (s FeedStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a lowercase status name
func (s *FeedStatus) UnmarshalText(text []byte) error {
	for st := StatusIdle; st <= StatusFailed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown feed status %q", text)
}

// FeedInfo is a point-in-time view of one pool's feed and buffer
type FeedInfo struct {
	Pool            string     `json:"pool"`
	Status          FeedStatus `json:"status"`
	Label           string     `json:"label"`
	LastError       string     `json:"last_error,omitempty"`
	RetryCount      int        `json:"retry_count"`
	NextRetryAt     *time.Time `json:"next_retry_at,omitempty"`
	ParseErrors     uint64     `json:"parse_errors"`
	SamplesReceived uint64     `json:"samples_received"`
	LastSampleAt    *time.Time `json:"last_sample_at,omitempty"`
	Buffered        int        `json:"buffered"`
	Capacity        int        `json:"capacity"`
	Refs            int        `json:"refs"`
}

// HistoryWindow is the response body for a pool's buffered history
type HistoryWindow struct {
	Pool      string     `json:"pool"`
	Window    int        `json:"window"`
	Status    FeedStatus `json:"status"`
	Connected bool       `json:"connected"`
	Error     string     `json:"error,omitempty"`
	Samples   []Sample   `json:"samples"`
}
