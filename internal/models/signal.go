package models

import "time"

// SignalKind tags a normalized input signal.
type SignalKind int

const (
	SignalClick SignalKind = iota
	SignalMutation
	SignalScroll
	SignalWindowOpen
	SignalConsole
	SignalNetwork
	SignalError
	SignalNavigation
	SignalKeyDown
	SignalFocus
	SignalBlur
	SignalVisibility
	SignalRecording
)

var signalKindNames = [...]string{
	SignalClick:      "click",
	SignalMutation:   "mutation",
	SignalScroll:     "scroll",
	SignalWindowOpen: "window_open",
	SignalConsole:    "console",
	SignalNetwork:    "network",
	SignalError:      "error",
	SignalNavigation: "navigate",
	SignalKeyDown:    "keydown",
	SignalFocus:      "focus",
	SignalBlur:       "blur",
	SignalVisibility: "visibility",
	SignalRecording:  "recording",
}

func (k SignalKind) String() string {
	if int(k) < 0 || int(k) >= len(signalKindNames) {
		return "unknown"
	}
	return signalKindNames[k]
}

// Signal is the normalized form of an Event. Which optional fields are set
// depends on Kind.
type Signal struct {
	Kind      SignalKind
	Timestamp time.Time
	URL       string
	Route     string

	Breadcrumb    *Breadcrumb     // click, console, network, navigate, keydown, focus, blur
	Target        *Element        // click
	Modified      bool            // click with alt, ctrl, meta or shift held
	Recording     *RecordingEvent // recording
	ErrorID       string          // error
	MutationCount int             // mutation
	Visible       bool            // visibility
}

// IsUserActivity reports whether the signal counts as user activity for the
// session lifecycle.
func (s Signal) IsUserActivity() bool {
	switch s.Kind {
	case SignalClick, SignalKeyDown, SignalNavigation:
		return true
	}
	return false
}
