package models

import (
	"math"
	"time"
)

// Event is a raw interaction signal as posted by the browser extension.
type Event struct {
	TSUTC int64          `json:"ts_utc"` // unix milliseconds
	TSISO string         `json:"ts_iso"`
	URL   string         `json:"url"`
	Title *string        `json:"title"` // nullable
	Type  string         `json:"type"`  // click|mutation|scroll|window_open|console|network|error|navigate|keydown|focus|blur|visibility|recording
	Data  map[string]any `json:"data"`  // arbitrary JSON
}

type Batch struct {
	Events []Event `json:"events"`
}

// Element is a serialized DOM node. NodeID is the stable id assigned by the
// recording layer and is the only identity the engine compares.
type Element struct {
	NodeID     int               `json:"nodeId"`
	Tag        string            `json:"tag"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Parent     *Element          `json:"parent,omitempty"`
}

// Attr returns the attribute value and whether it is present.
func (e *Element) Attr(name string) (string, bool) {
	if e == nil || e.Attributes == nil {
		return "", false
	}
	v, ok := e.Attributes[name]
	return v, ok
}

// Breadcrumb is a fixed-shape frame. Timestamp is in seconds.
type Breadcrumb struct {
	Type      string         `json:"type,omitempty"`
	Category  string         `json:"category"`
	Message   string         `json:"message,omitempty"`
	Timestamp float64        `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Time converts the breadcrumb timestamp to a time.Time with microsecond precision.
func (b Breadcrumb) Time() time.Time {
	return SecondsToTime(b.Timestamp)
}

// Breadcrumb categories emitted by the interaction detectors.
const (
	CategoryClick      = "ui.click"
	CategorySlowClick  = "ui.slowClickDetected"
	CategoryMultiClick = "ui.multiClick"
	CategoryRageClick  = "ui.rageClickDetected"
	CategoryKeyDown    = "ui.keyDown"
	CategoryFocus      = "ui.focus"
	CategoryBlur       = "ui.blur"
	CategoryNavigation = "navigation"
	CategoryConsole    = "console"
	CategoryThrottled  = "replay.throttled"
	CategoryMutations  = "replay.mutations"
)

const (
	BreadcrumbTypeDefault    = "default"
	CustomEventTagBreadcrumb = "breadcrumb"
)

// Recording event types, as produced by the DOM recorder.
const (
	EventTypeDomContentLoaded    = 0
	EventTypeLoad                = 1
	EventTypeFullSnapshot        = 2
	EventTypeIncrementalSnapshot = 3
	EventTypeMeta                = 4
	EventTypeCustom              = 5
	EventTypePlugin              = 6
)

// RecordingEvent is one entry of the replay event stream. Timestamp is in milliseconds.
type RecordingEvent struct {
	Type      int   `json:"type"`
	Timestamp int64 `json:"timestamp"`
	Data      any   `json:"data"`
}

// IsCheckout reports whether the event starts a new full snapshot.
func (e RecordingEvent) IsCheckout() bool {
	return e.Type == EventTypeFullSnapshot
}

// CustomBreadcrumbData is the payload of a custom event wrapping a breadcrumb.
type CustomBreadcrumbData struct {
	Tag     string     `json:"tag"`
	Payload Breadcrumb `json:"payload"`
	Metric  bool       `json:"metric,omitempty"`
}

// BreadcrumbEvent wraps a breadcrumb in a custom recording event.
func BreadcrumbEvent(b Breadcrumb, metric bool) RecordingEvent {
	return RecordingEvent{
		Type:      EventTypeCustom,
		Timestamp: int64(math.Round(b.Timestamp * 1000)),
		Data: CustomBreadcrumbData{
			Tag:     CustomEventTagBreadcrumb,
			Payload: b,
			Metric:  metric,
		},
	}
}

// Segment is one flushed batch of a replay, handed to the transport.
type Segment struct {
	ReplayID             string   `json:"replay_id"`
	SegmentID            int      `json:"segment_id"`
	ReplayType           string   `json:"replay_type"`
	Timestamp            float64  `json:"timestamp"`
	ReplayStartTimestamp *float64 `json:"replay_start_timestamp,omitempty"`
	URLs                 []string `json:"urls"`
	ErrorIDs             []string `json:"error_ids"`
	RecordingData        []byte   `json:"recording_data"`
}

// SecondsToTime converts a float seconds timestamp to time.Time.
func SecondsToTime(seconds float64) time.Time {
	return time.UnixMicro(int64(math.Round(seconds * 1e6)))
}

// TimeToSeconds converts t to a float seconds timestamp.
func TimeToSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}
