package session

import "time"

// Timeouts bound the life of a session.
type Timeouts struct {
	// SessionIdlePause pauses recording after this much user inactivity.
	SessionIdlePause time.Duration
	// SessionIdleExpire ends the session after this much user inactivity.
	SessionIdleExpire time.Duration
	// MaxReplayDuration is the maximum session life.
	MaxReplayDuration time.Duration
}

// Callbacks receive the outcome of CheckSessionState. Exactly one of OnPause,
// OnEnd or OnContinue runs per check; EnsureResumed runs before OnContinue
// on the active path. Nil callbacks are skipped.
type Callbacks struct {
	OnPause       func()
	EnsureResumed func()
	OnEnd         func()
	OnContinue    func()
}

// State is the outcome of a lifecycle check.
type State int

const (
	StateActive State = iota
	StateIdlePaused
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateIdlePaused:
		return "idle-paused"
	case StateExpired:
		return "expired"
	}
	return "active"
}

// CheckSessionState decides whether the session continues, pauses for
// inactivity or ends for age. Buffered sessions always continue: they are
// never paused or expired by idle or age rules.
func CheckSessionState(s *Session, mode RecordingMode, timeouts Timeouts, now time.Time, cb Callbacks) State {
	if mode == ModeBuffer {
		call(cb.OnContinue)
		return StateActive
	}

	if s == nil || now.Sub(s.Started) >= timeouts.MaxReplayDuration {
		call(cb.OnEnd)
		return StateExpired
	}

	if now.Sub(s.LastActivity) >= timeouts.SessionIdlePause {
		call(cb.OnPause)
		return StateIdlePaused
	}

	call(cb.EnsureResumed)
	call(cb.OnContinue)
	return StateActive
}

// IsSessionExpired reports whether the session has outlived the max replay
// duration or has been idle longer than the idle expiry.
func IsSessionExpired(s *Session, timeouts Timeouts, now time.Time) bool {
	return IsExpired(s.Started, timeouts.MaxReplayDuration, now) ||
		IsExpired(s.LastActivity, timeouts.SessionIdleExpire, now)
}

// ShouldRefreshSession reports whether s must be replaced by a new session.
// A buffered session that has not sent a segment yet is kept even when
// expired, since its buffer is still waiting for an error.
func ShouldRefreshSession(s *Session, timeouts Timeouts, now time.Time) bool {
	if !IsSessionExpired(s, timeouts, now) {
		return false
	}
	if s.Sampled == BufferedOnError && s.SegmentID == 0 {
		return false
	}
	return true
}

func call(f func()) {
	if f != nil {
		f()
	}
}
