package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vincentbai/browsetrace-replay/internal/breadcrumb"
	"github.com/vincentbai/browsetrace-replay/internal/buffer"
	"github.com/vincentbai/browsetrace-replay/internal/clicks"
	"github.com/vincentbai/browsetrace-replay/internal/models"
	"github.com/vincentbai/browsetrace-replay/internal/session"
)

// HandleEvents dispatches every event of a batch. Invalid events are
// skipped; the number skipped is returned with the joined errors.
func (e *Engine) HandleEvents(ctx context.Context, batch models.Batch) (int, error) {
	var errs []error
	for i, ev := range batch.Events {
		if err := e.HandleEvent(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("event %d: %w", i, err))
		}
	}
	return len(errs), errors.Join(errs...)
}

// HandleEvent normalizes ev and dispatches it.
func (e *Engine) HandleEvent(ctx context.Context, ev models.Event) error {
	sig, err := breadcrumb.Normalize(ev)
	if err != nil {
		return err
	}
	e.HandleSignal(ctx, sig)
	return nil
}

// HandleSignal feeds one normalized signal into the engine.
func (e *Engine) HandleSignal(ctx context.Context, sig models.Signal) {
	e.setPage(sig.URL, sig.Route)

	e.mu.Lock()
	if e.enabled && e.context.initialURL == "" && sig.URL != "" {
		e.context.initialURL = sig.URL
		e.context.urls = append(e.context.urls, sig.URL)
	}
	e.mu.Unlock()

	switch sig.Kind {
	case models.SignalRecording:
		e.handleRecording(*sig.Recording)
	case models.SignalClick:
		e.handleClick(sig)
	case models.SignalMutation:
		e.handleMutation(ctx, sig)
	case models.SignalScroll:
		if d := e.currentDetector(); d != nil {
			d.RegisterScroll(sig.Timestamp)
		}
	case models.SignalWindowOpen:
		if d := e.currentDetector(); d != nil {
			d.RegisterWindowOpen(sig.Timestamp)
		}
	case models.SignalError:
		e.handleError(ctx, sig.ErrorID)
	case models.SignalFocus:
		e.foreground(sig.Breadcrumb)
	case models.SignalBlur:
		e.background(sig.Breadcrumb)
	case models.SignalVisibility:
		if sig.Visible {
			e.foreground(nil)
		} else {
			e.background(nil)
		}
	default:
		e.handleBreadcrumb(sig)
	}
}

func (e *Engine) currentDetector() *clicks.Detector {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detector
}

func (e *Engine) handleRecording(ev models.RecordingEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return
	}

	if !ev.IsCheckout() {
		e.addUpdateLocked(!e.addEventLocked(ev))
		return
	}

	if e.mode == session.ModeBuffer {
		e.resetContextLocked()
	}
	if !e.addEventLocked(ev) {
		return
	}
	switch e.mode {
	case session.ModeBuffer:
		// the buffered replay starts at its oldest kept event
		if earliest := e.buf.EarliestTimestamp(); earliest > 0 && e.session != nil {
			e.session.Started = time.UnixMilli(earliest)
			e.saveSessionLocked()
		}
	case session.ModeSession:
		e.spawn("checkout flush", func() {
			if err := e.flush(context.Background(), false); err != nil {
				e.logger.Debug("checkout flush failed", "error", err)
			}
		})
	}
}

func (e *Engine) handleClick(sig models.Signal) {
	e.mu.Lock()
	if !e.enabled {
		e.mu.Unlock()
		return
	}
	e.triggerUserActivityLocked(sig.Timestamp)
	e.addBreadcrumbLocked(*sig.Breadcrumb, false)
	detector, rage := e.detector, e.rage
	e.mu.Unlock()

	// both may emit frames, which take e.mu
	if detector != nil {
		// a modified click opens a new tab or window, the page never reacts
		if !sig.Modified {
			detector.HandleClick(*sig.Breadcrumb, clicks.ClosestInteractive(sig.Target))
		}
		detector.RegisterClick(sig.Target)
	}
	if rage != nil {
		rage.RegisterClick(*sig.Breadcrumb)
	}
}

func (e *Engine) handleMutation(ctx context.Context, sig models.Signal) {
	e.mu.Lock()
	if !e.enabled {
		e.mu.Unlock()
		return
	}
	count := sig.MutationCount
	over := e.opts.MutationLimit > 0 && count > e.opts.MutationLimit
	if count > e.opts.MutationBreadcrumbLimit || over {
		b := breadcrumb.CreateBreadcrumb(models.CategoryMutations, "", map[string]any{
			"count": count,
			"limit": over,
		}, sig.Timestamp)
		e.addBreadcrumbLocked(b, false)
	}
	detector := e.detector
	forceFlush := e.mode == session.ModeSession
	e.mu.Unlock()

	if over {
		e.logger.Warn("mutation limit exceeded, stopping replay", "count", count, "limit", e.opts.MutationLimit)
		e.spawn("mutation limit", func() {
			if err := e.Stop(context.WithoutCancel(ctx), forceFlush, "mutationLimit"); err != nil {
				e.logger.Debug("flush on mutation limit failed", "error", err)
			}
		})
		return
	}
	if detector != nil {
		detector.RegisterMutation(sig.Timestamp)
	}
}

func (e *Engine) handleError(ctx context.Context, errorID string) {
	e.mu.Lock()
	if !e.enabled {
		e.mu.Unlock()
		return
	}
	e.context.errorIDs = append(e.context.errorIDs, errorID)
	mode := e.mode
	e.mu.Unlock()

	if mode != session.ModeBuffer {
		return
	}
	e.spawn("send buffered replay", func() {
		if err := e.SendBufferedReplayOrFlush(context.WithoutCancel(ctx), true); err != nil {
			e.logger.Debug("buffered replay flush failed", "error", err)
		}
	})
}

// handleBreadcrumb covers console, network, navigation and keydown signals.
func (e *Engine) handleBreadcrumb(sig models.Signal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return
	}

	if sig.IsUserActivity() {
		e.triggerUserActivityLocked(sig.Timestamp)
	} else {
		e.checkAndHandleExpiredSessionLocked()
	}
	if sig.Kind == models.SignalNavigation && sig.URL != "" {
		e.context.urls = append(e.context.urls, sig.URL)
	}
	if sig.Breadcrumb == nil {
		return
	}

	added := e.throttledAddLocked(models.BreadcrumbEvent(*sig.Breadcrumb, false))
	// console output alone never schedules a flush
	e.addUpdateLocked(!added || sig.Kind == models.SignalConsole)
}

// foreground runs when the page regains focus or becomes visible.
func (e *Engine) foreground(b *models.Breadcrumb) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil || !e.enabled {
		return
	}
	if !e.checkAndHandleExpiredSessionLocked() {
		e.logger.Debug("document has become active, but session has expired")
		return
	}
	if b != nil {
		e.addBreadcrumbLocked(*b, false)
	}
}

// background runs when the page loses focus or is hidden. A session-mode
// replay is flushed right away since the page may not come back.
func (e *Engine) background(b *models.Breadcrumb) {
	e.mu.Lock()
	if e.session == nil || !e.enabled {
		e.mu.Unlock()
		return
	}
	expired := session.IsSessionExpired(e.session, e.opts.Timeouts, e.clock.Now())
	if b != nil && !expired {
		e.addBreadcrumbLocked(*b, false)
	}
	mode := e.mode
	e.mu.Unlock()

	if mode == session.ModeBuffer {
		return
	}
	e.spawn("background flush", func() {
		if err := e.Flush(context.Background()); err != nil {
			e.logger.Debug("background flush failed", "error", err)
		}
	})
}

// emitFrame receives frames from the click detector and the rage counter.
func (e *Engine) emitFrame(frame models.Breadcrumb, metric bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return
	}
	e.addBreadcrumbLocked(frame, metric)
}

func (e *Engine) addBreadcrumbLocked(b models.Breadcrumb, metric bool) {
	e.throttledAddLocked(models.BreadcrumbEvent(b, metric))
	e.addUpdateLocked(false)
}

// throttledAddLocked adds a breadcrumb event unless the throttle is
// exhausted. The first throttled event is replaced by a replay.throttled
// metric.
func (e *Engine) throttledAddLocked(ev models.RecordingEvent) bool {
	now := e.clock.Now()
	if e.limiter != nil && !e.limiter.AllowN(now, 1) {
		if e.throttled {
			return false
		}
		e.throttled = true
		e.logger.Warn("replay events throttled", "session_id", e.sessionIDLocked())
		b := breadcrumb.CreateBreadcrumb(models.CategoryThrottled, "", nil, now)
		return e.addEventLocked(models.BreadcrumbEvent(b, true))
	}
	e.throttled = false
	return e.addEventLocked(ev)
}

// addUpdateLocked schedules the debounced flush after something was
// added, unless skipFlush is set or the replay only buffers.
func (e *Engine) addUpdateLocked(skipFlush bool) {
	if skipFlush || e.mode == session.ModeBuffer || !e.enabled {
		return
	}
	e.debounce.Call()
}

// addEventLocked appends ev to the buffer and reports whether it was
// added. Events while paused, events older than the idle pause and events
// past the max replay duration are dropped.
func (e *Engine) addEventLocked(ev models.RecordingEvent) bool {
	if e.buf == nil || e.paused {
		return false
	}

	ts := time.UnixMilli(ev.Timestamp)
	if ts.Add(e.opts.Timeouts.SessionIdlePause).Before(e.clock.Now()) {
		return false
	}
	if ts.After(e.context.initialTimestamp.Add(e.opts.Timeouts.MaxReplayDuration)) {
		e.logger.Debug("skipping event past max replay duration", "timestamp", ev.Timestamp)
		return false
	}

	if ev.IsCheckout() && e.mode == session.ModeBuffer {
		e.buf.Clear(false)
	}
	if err := e.buf.AddEvent(ev); err != nil {
		reason := "addEvent"
		if errors.Is(err, buffer.ErrEventBufferFull) {
			reason = "addEventSizeExceeded"
		}
		e.logger.Warn("failed to add replay event", "error", err)
		e.stopLocked(reason)
		return false
	}
	return true
}

func (e *Engine) resetContextLocked() {
	url := e.CurrentURL()
	e.context = eventContext{initialURL: url, initialTimestamp: e.clock.Now()}
	if url != "" {
		e.context.urls = []string{url}
	}
}
