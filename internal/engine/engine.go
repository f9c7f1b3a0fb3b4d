// Package engine ties the session lifecycle, click detectors and event
// buffer together into one replay capture engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/vincentbai/browsetrace-replay/internal/buffer"
	"github.com/vincentbai/browsetrace-replay/internal/clicks"
	"github.com/vincentbai/browsetrace-replay/internal/clock"
	"github.com/vincentbai/browsetrace-replay/internal/session"
	"github.com/vincentbai/browsetrace-replay/internal/storage"
	"github.com/vincentbai/browsetrace-replay/internal/transport"
)

const (
	throttleLimit  = 300
	throttleWindow = 5 * time.Second

	// flushes are skipped this long past MaxReplayDuration
	maxDurationSlack = 5 * time.Second
	// segments are not sent when the replay started longer than this past
	// MaxReplayDuration ago
	maxSendSlack = 30 * time.Second

	flushKey = "flush"
)

var (
	ErrAlreadyRecording = errors.New("replay recording is already in progress")
	ErrBuffering        = errors.New("replay buffering is in progress, flush to save the replay")
	ErrSessionTooLong   = errors.New("session is too long, not sending replay")
)

// Options configure an Engine.
type Options struct {
	SessionSampleRate float64
	ErrorSampleRate   float64
	StickySession     bool
	UseCompression    bool

	Timeouts          session.Timeouts
	MinReplayDuration time.Duration
	FlushMinDelay     time.Duration
	FlushMaxDelay     time.Duration
	// SessionPollInterval is the period of the lifecycle check. Zero
	// disables the poll; Tick can still be called directly.
	SessionPollInterval time.Duration

	// SlowClick configures the click detector. A zero Timeout disables it.
	SlowClick clicks.SlowClickConfig

	MutationBreadcrumbLimit int
	// MutationLimit stops recording when one mutation batch exceeds it.
	// Zero disables the limit.
	MutationLimit int
}

// Deps are the collaborators of an Engine. Only Transport is required.
type Deps struct {
	Storage   storage.Storage
	Transport transport.Transport
	Clock     clock.Clock
	Rand      session.Rand
	Logger    *slog.Logger
}

// eventContext collects what the next segment reports besides the recording.
type eventContext struct {
	initialURL       string
	initialTimestamp time.Time
	urls             []string
	errorIDs         []string
}

// Engine records one page's replay. It is safe for concurrent use; flushes
// run without blocking event intake.
type Engine struct {
	opts       Options
	clock      clock.Clock
	transport  transport.Transport
	rand       session.Rand
	logger     *slog.Logger
	sessions   *session.Store
	flushState *buffer.FlushStore
	debounce   *debouncer
	flights    singleflight.Group
	tasks      sync.WaitGroup

	mu           sync.Mutex
	session      *session.Session
	mode         session.RecordingMode
	buf          *buffer.Buffer
	enabled      bool
	paused       bool
	recording    bool
	lastActivity time.Time
	context      eventContext
	limiter      *rate.Limiter
	throttled    bool
	pollTimer    clock.Timer
	detector     *clicks.Detector
	rage         *clicks.RageCounter

	pageMu sync.Mutex
	url    string
	route  string
}

func New(opts Options, deps Deps) *Engine {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Rand == nil {
		deps.Rand = session.DefaultRand
	}
	if deps.Storage == nil {
		deps.Storage = storage.NewMemory()
	}
	opts.SessionSampleRate = session.ClampRate(opts.SessionSampleRate)
	opts.ErrorSampleRate = session.ClampRate(opts.ErrorSampleRate)

	e := &Engine{
		opts:       opts,
		clock:      deps.Clock,
		transport:  deps.Transport,
		rand:       deps.Rand,
		logger:     deps.Logger,
		sessions:   session.NewStore(deps.Storage, deps.Logger),
		flushState: buffer.NewFlushStore(deps.Storage, deps.Logger),
		mode:       session.ModeSession,
	}
	e.debounce = newDebouncer(deps.Clock, opts.FlushMinDelay, opts.FlushMaxDelay, func() {
		if err := e.flush(context.Background(), false); err != nil {
			e.logger.Debug("debounced flush failed", "error", err)
		}
	})
	return e
}

// Start makes the initial sampling decision and, when a previous run was
// interrupted before issuing a flush request, resends it in the background.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.initializeSamplingLocked("")
	e.mu.Unlock()

	e.spawn("recover flush", func() { e.recoverPendingFlush(ctx) })
}

// StartRecording starts a session-mode replay regardless of sampling.
func (e *Engine) StartRecording() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enabled {
		if e.mode == session.ModeBuffer {
			return ErrBuffering
		}
		return ErrAlreadyRecording
	}

	e.manualStartLocked(session.ModeSession)
	return nil
}

// StartBuffering starts a buffer-mode replay regardless of sampling. The
// buffer is only sent by a flush or an error.
func (e *Engine) StartBuffering() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enabled {
		return ErrAlreadyRecording
	}

	e.manualStartLocked(session.ModeBuffer)
	return nil
}

func (e *Engine) manualStartLocked(mode session.RecordingMode) {
	opts := session.Options{
		Timeouts:      e.opts.Timeouts,
		StickySession: e.opts.StickySession,
		Rand:          e.rand,
		Now:           e.clock.Now(),
	}
	sampled := session.FullSession
	if mode == session.ModeBuffer {
		opts.ErrorSampleRate = 1
		sampled = session.BufferedOnError
	} else {
		opts.SessionSampleRate = 1
	}

	e.session = session.LoadOrCreate(e.sessions, opts)
	if e.session.Sampled == session.NotSampled {
		// a stored unsampled session must not block a manual start
		e.session = session.New(sampled, e.session.ID, opts.Now)
		e.saveSessionLocked()
	}
	e.mode = mode
	e.logger.Info("starting replay", "mode", mode, "session_id", e.session.ID)
	e.initializeRecordingLocked()
}

// Stop ends recording. With forceFlush the pending events are sent first.
// The buffer is destroyed and the persisted session cleared.
func (e *Engine) Stop(ctx context.Context, forceFlush bool, reason string) error {
	e.mu.Lock()
	if !e.enabled {
		e.mu.Unlock()
		return nil
	}
	// disabled before flushing, so a failing flush cannot re-enter Stop
	e.enabled = false
	e.recording = false
	e.debounce.Cancel()
	e.mu.Unlock()

	var err error
	if forceFlush {
		err = e.flush(ctx, true)
	}

	e.mu.Lock()
	// a manual start may have raced the flush
	if !e.enabled {
		e.teardownLocked(reason)
	}
	e.mu.Unlock()
	return err
}

// Dispose stops the engine, clears every timer and waits for background
// work to finish.
func (e *Engine) Dispose() {
	_ = e.Stop(context.Background(), false, "dispose")

	e.mu.Lock()
	e.stopTimersLocked()
	e.mu.Unlock()

	e.tasks.Wait()
}

// Wait blocks until background flushes and recoveries have finished.
func (e *Engine) Wait() {
	e.tasks.Wait()
}

// Tick runs the periodic lifecycle check.
func (e *Engine) Tick() session.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tickLocked()
}

func (e *Engine) tickLocked() session.State {
	if !e.enabled || e.session == nil {
		return session.StateActive
	}
	s := e.session
	return session.CheckSessionState(s, e.mode, e.opts.Timeouts, e.clock.Now(), session.Callbacks{
		OnPause:       e.pauseLocked,
		EnsureResumed: e.resumeLocked,
		OnEnd:         func() { e.refreshSessionLocked(s) },
	})
}

// Flush sends the buffered events now, skipping the debounce.
func (e *Engine) Flush(ctx context.Context) error {
	e.debounce.Cancel()
	return e.flush(ctx, false)
}

// SendBufferedReplayOrFlush flushes a session-mode replay. A buffer-mode
// replay is flushed and, with continueRecording, carries on in session mode.
func (e *Engine) SendBufferedReplayOrFlush(ctx context.Context, continueRecording bool) error {
	e.mu.Lock()
	mode := e.mode
	e.mu.Unlock()
	if mode == session.ModeSession {
		return e.Flush(ctx)
	}

	activity := e.clock.Now()
	e.logger.Info("converting buffer to session")
	err := e.Flush(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	wasRecording := e.recording
	e.recording = false
	if !continueRecording || !wasRecording {
		return err
	}
	if e.mode == session.ModeSession {
		return err
	}
	e.mode = session.ModeSession
	if e.session != nil {
		e.lastActivity = activity
		e.updateSessionActivityLocked(activity)
	}
	e.recording = true
	return err
}

// initializeSamplingLocked loads or creates a session according to the
// sample rates and starts recording when it is sampled.
func (e *Engine) initializeSamplingLocked(previousSessionID string) {
	if e.opts.SessionSampleRate <= 0 && e.opts.ErrorSampleRate <= 0 {
		return
	}

	e.session = session.LoadOrCreate(e.sessions, session.Options{
		Timeouts:          e.opts.Timeouts,
		StickySession:     e.opts.StickySession,
		SessionSampleRate: e.opts.SessionSampleRate,
		ErrorSampleRate:   e.opts.ErrorSampleRate,
		PreviousSessionID: previousSessionID,
		Rand:              e.rand,
		Now:               e.clock.Now(),
	})
	if e.session.Sampled == session.NotSampled {
		e.logger.Debug("session not sampled", "session_id", e.session.ID)
		return
	}

	// a buffered session that already sent a segment continues as a session
	e.mode = session.ModeSession
	if e.session.Sampled == session.BufferedOnError && e.session.SegmentID == 0 {
		e.mode = session.ModeBuffer
	}
	e.logger.Info("starting replay", "mode", e.mode, "session_id", e.session.ID)
	e.initializeRecordingLocked()
}

func (e *Engine) initializeRecordingLocked() {
	e.resetContextLocked()
	e.updateSessionActivityLocked(e.clock.Now())

	var codec buffer.Codec
	if e.opts.UseCompression {
		codec = buffer.Zlib
	}
	e.buf = buffer.New(codec, e.logger)

	if e.detector != nil {
		e.detector.Stop()
	}
	e.detector = nil
	if e.opts.SlowClick.Timeout > 0 {
		e.detector = clicks.NewDetector(e.opts.SlowClick, e.clock, e, e.emitFrame, e.logger)
	}
	if e.rage != nil {
		e.rage.Stop()
	}
	e.rage = clicks.NewRageCounter(e.clock, e, e.emitFrame, e.logger)

	e.limiter = rate.NewLimiter(rate.Every(throttleWindow/throttleLimit), throttleLimit)
	e.throttled = false

	e.enabled = true
	e.paused = false
	e.recording = true
	e.schedulePollLocked()
}

func (e *Engine) teardownLocked(reason string) {
	e.logger.Info("stopping replay", "reason", reason)
	e.stopTimersLocked()
	if e.buf != nil {
		e.buf.Destroy()
		e.buf = nil
	}
	e.sessions.Clear()
	e.session = nil
}

func (e *Engine) stopLocked(reason string) {
	if !e.enabled {
		return
	}
	e.enabled = false
	e.recording = false
	e.teardownLocked(reason)
}

func (e *Engine) stopTimersLocked() {
	e.debounce.Cancel()
	if e.pollTimer != nil {
		e.pollTimer.Stop()
		e.pollTimer = nil
	}
	if e.detector != nil {
		e.detector.Stop()
	}
	if e.rage != nil {
		e.rage.Stop()
	}
}

func (e *Engine) schedulePollLocked() {
	if e.pollTimer != nil {
		e.pollTimer.Stop()
		e.pollTimer = nil
	}
	if e.opts.SessionPollInterval <= 0 {
		return
	}
	var t clock.Timer
	t = e.clock.AfterFunc(e.opts.SessionPollInterval, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.pollTimer != t || !e.enabled {
			return
		}
		e.pollTimer = nil
		e.tickLocked()
		if e.enabled && e.pollTimer == nil {
			e.schedulePollLocked()
		}
	})
	e.pollTimer = t
}

func (e *Engine) pauseLocked() {
	if e.paused {
		return
	}
	e.paused = true
	e.recording = false
	e.logger.Info("pausing replay", "session_id", e.sessionIDLocked())
}

func (e *Engine) resumeLocked() {
	if !e.paused || !e.checkSessionLocked() {
		return
	}
	e.paused = false
	e.recording = true
	e.logger.Info("resuming replay", "session_id", e.sessionIDLocked())
}

// checkSessionLocked refreshes an expired session. It returns false when
// the session is gone or was replaced.
func (e *Engine) checkSessionLocked() bool {
	s := e.session
	if s == nil {
		return false
	}
	if session.ShouldRefreshSession(s, e.opts.Timeouts, e.clock.Now()) {
		e.refreshSessionLocked(s)
		return false
	}
	return true
}

// checkAndHandleExpiredSessionLocked pauses a session-sampled replay whose
// user has been idle, and otherwise refreshes an expired session. It
// returns true when recording may continue with the current session.
func (e *Engine) checkAndHandleExpiredSessionLocked() bool {
	if !e.lastActivity.IsZero() &&
		session.IsExpired(e.lastActivity, e.opts.Timeouts.SessionIdlePause, e.clock.Now()) &&
		e.session != nil && e.session.Sampled == session.FullSession {
		e.pauseLocked()
		return false
	}
	return e.checkSessionLocked()
}

func (e *Engine) refreshSessionLocked(s *session.Session) {
	if !e.enabled {
		return
	}
	e.logger.Info("refreshing expired session", "session_id", s.ID)
	e.stopLocked("refresh session")
	e.initializeSamplingLocked(s.ID)
}

func (e *Engine) triggerUserActivityLocked(now time.Time) {
	e.lastActivity = now
	if !e.recording {
		if !e.checkSessionLocked() {
			return
		}
		e.resumeLocked()
		return
	}
	e.checkAndHandleExpiredSessionLocked()
	e.updateSessionActivityLocked(now)
}

func (e *Engine) updateSessionActivityLocked(now time.Time) {
	if e.session == nil {
		return
	}
	e.session.LastActivity = now
	e.saveSessionLocked()
}

func (e *Engine) saveSessionLocked() {
	if e.session != nil && e.opts.StickySession {
		e.sessions.Save(e.session)
	}
}

func (e *Engine) sessionIDLocked() string {
	if e.session == nil {
		return ""
	}
	return e.session.ID
}

// spawn runs fn on a tracked goroutine, logging instead of crashing on
// panic.
func (e *Engine) spawn(name string, fn func()) {
	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("panic in background task", "task", name, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}

// Status is a point-in-time view of the engine.
type Status struct {
	Session        *session.Session      `json:"session"`
	RecordingMode  session.RecordingMode `json:"recordingMode"`
	Enabled        bool                  `json:"enabled"`
	Paused         bool                  `json:"paused"`
	BufferedEvents int                   `json:"bufferedEvents"`
	BufferSize     int                   `json:"bufferSize"`
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		RecordingMode: e.mode,
		Enabled:       e.enabled,
		Paused:        e.paused,
	}
	if e.session != nil {
		s := *e.session
		st.Session = &s
	}
	if e.buf != nil {
		st.BufferedEvents = e.buf.Len()
		st.BufferSize = e.buf.Size()
	}
	return st
}

// SessionID returns the current session id, or "" when there is none.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionIDLocked()
}

func (e *Engine) IsEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

func (e *Engine) IsPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *Engine) RecordingMode() session.RecordingMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// CurrentURL implements clicks.Page.
func (e *Engine) CurrentURL() string {
	e.pageMu.Lock()
	defer e.pageMu.Unlock()
	return e.url
}

// CurrentRoute implements clicks.Page.
func (e *Engine) CurrentRoute() string {
	e.pageMu.Lock()
	defer e.pageMu.Unlock()
	return e.route
}

func (e *Engine) setPage(url, route string) {
	e.pageMu.Lock()
	defer e.pageMu.Unlock()
	if url != "" {
		e.url = url
	}
	if route != "" {
		e.route = route
	}
}

func (e *Engine) String() string {
	st := e.Status()
	id := ""
	if st.Session != nil {
		id = st.Session.ID
	}
	return fmt.Sprintf("engine(session=%s mode=%s enabled=%v)", id, st.RecordingMode, st.Enabled)
}
