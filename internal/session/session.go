package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sampled is the recording decision made for a session.
type Sampled int

const (
	NotSampled Sampled = iota
	FullSession
	BufferedOnError
)

func (s Sampled) String() string {
	switch s {
	case FullSession:
		return "session"
	case BufferedOnError:
		return "buffer"
	}
	return "false"
}

// MarshalJSON uses the persisted form: false, "session" or "buffer".
func (s Sampled) MarshalJSON() ([]byte, error) {
	switch s {
	case FullSession:
		return []byte(`"session"`), nil
	case BufferedOnError:
		return []byte(`"buffer"`), nil
	}
	return []byte("false"), nil
}

func (s *Sampled) UnmarshalJSON(data []byte) error {
	switch strings.TrimSpace(string(data)) {
	case `"session"`:
		*s = FullSession
	case `"buffer"`:
		*s = BufferedOnError
	case "false", "null":
		*s = NotSampled
	default:
		return fmt.Errorf("invalid sampled value: %s", data)
	}
	return nil
}

// RecordingMode is how an active session records.
type RecordingMode string

const (
	ModeSession RecordingMode = "session"
	ModeBuffer  RecordingMode = "buffer"
)

// ModeFor returns the recording mode a sampling decision implies.
func ModeFor(s Sampled) RecordingMode {
	if s == BufferedOnError {
		return ModeBuffer
	}
	return ModeSession
}

// Session is the replay session record.
type Session struct {
	ID                string
	Started           time.Time
	LastActivity      time.Time
	SegmentID         int
	PreviousSessionID string
	Sampled           Sampled
}

type sessionJSON struct {
	ID                string  `json:"id"`
	Started           int64   `json:"started"`
	LastActivity      int64   `json:"lastActivity"`
	SegmentID         int     `json:"segmentId"`
	PreviousSessionID string  `json:"previousSessionId,omitempty"`
	Sampled           Sampled `json:"sampled"`
}

func (s Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(sessionJSON{
		ID:                s.ID,
		Started:           s.Started.UnixMilli(),
		LastActivity:      s.LastActivity.UnixMilli(),
		SegmentID:         s.SegmentID,
		PreviousSessionID: s.PreviousSessionID,
		Sampled:           s.Sampled,
	})
}

func (s *Session) UnmarshalJSON(data []byte) error {
	var raw sessionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.ID == "" {
		return fmt.Errorf("session id is empty")
	}
	*s = Session{
		ID:                raw.ID,
		Started:           time.UnixMilli(raw.Started),
		LastActivity:      time.UnixMilli(raw.LastActivity),
		SegmentID:         raw.SegmentID,
		PreviousSessionID: raw.PreviousSessionID,
		Sampled:           raw.Sampled,
	}
	return nil
}

// NewID returns a session id: a random UUID without dashes.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// New creates a fresh session starting at now.
func New(sampled Sampled, previousSessionID string, now time.Time) *Session {
	return &Session{
		ID:                NewID(),
		Started:           now,
		LastActivity:      now,
		SegmentID:         0,
		PreviousSessionID: previousSessionID,
		Sampled:           sampled,
	}
}
