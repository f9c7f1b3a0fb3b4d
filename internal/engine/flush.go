package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/vincentbai/browsetrace-replay/internal/buffer"
	"github.com/vincentbai/browsetrace-replay/internal/models"
	"github.com/vincentbai/browsetrace-replay/internal/transport"
)

// flush sends the buffered events as the next segment. Only one flush runs
// at a time; a caller that finds one in progress re-arms the debounce so
// its events go out with the next segment.
func (e *Engine) flush(ctx context.Context, force bool) error {
	e.mu.Lock()
	if !e.enabled && !force {
		e.mu.Unlock()
		return nil
	}
	if !e.checkAndHandleExpiredSessionLocked() {
		e.mu.Unlock()
		e.logger.Debug("attempting to finish replay event after session expired")
		return nil
	}
	s := e.session
	if s == nil {
		e.mu.Unlock()
		return nil
	}

	e.debounce.Cancel()
	duration := e.clock.Now().Sub(s.Started)
	tooShort := duration < e.opts.MinReplayDuration
	tooLong := duration > e.opts.Timeouts.MaxReplayDuration+maxDurationSlack
	if tooShort || tooLong {
		e.logger.Debug("session duration out of range, not sending replay",
			"duration", duration,
			"too_short", tooShort,
		)
		if tooShort && e.enabled {
			e.debounce.Call()
		}
		e.mu.Unlock()
		return nil
	}
	if e.buf != nil && s.SegmentID == 0 && !e.buf.HasCheckout() {
		e.logger.Info("flushing initial segment without checkout")
	}
	e.mu.Unlock()

	ran := false
	_, err, _ := e.flights.Do(flushKey, func() (any, error) {
		ran = true
		return nil, e.runFlush(ctx)
	})
	if !ran {
		e.mu.Lock()
		if e.enabled {
			e.debounce.Call()
		}
		e.mu.Unlock()
	}
	return err
}

func (e *Engine) runFlush(ctx context.Context) error {
	e.mu.Lock()
	s, buf := e.session, e.buf
	if s == nil || buf == nil || !buf.HasEvents() {
		e.mu.Unlock()
		return nil
	}
	replayID := s.ID

	e.updateInitialTimestampFromBufferLocked()
	now := e.clock.Now()
	if now.Sub(e.context.initialTimestamp) > e.opts.Timeouts.MaxReplayDuration+maxSendSlack {
		e.mu.Unlock()
		e.logger.Error("failed to send replay", "replay_id", replayID, "error", ErrSessionTooLong)
		e.stopInBackground("sendReplay")
		return ErrSessionTooLong
	}

	ec := e.popContextLocked()
	segmentID := s.SegmentID
	s.SegmentID++
	e.saveSessionLocked()
	replayType := s.Sampled.String()
	e.mu.Unlock()

	data, err := buf.Finish(ctx)
	if err != nil {
		return e.failFlush(replayID, fmt.Errorf("failed to finish event buffer: %w", err))
	}

	start := models.TimeToSeconds(ec.initialTimestamp)
	segment := models.Segment{
		ReplayID:             replayID,
		SegmentID:            segmentID,
		ReplayType:           replayType,
		Timestamp:            models.TimeToSeconds(now),
		ReplayStartTimestamp: &start,
		URLs:                 ec.urls,
		ErrorIDs:             ec.errorIDs,
		RecordingData:        data,
	}
	if err := e.sendSegment(ctx, segment); err != nil {
		return e.failFlush(replayID, err)
	}

	e.logger.Info("sent replay segment",
		"replay_id", replayID,
		"segment_id", segmentID,
		"replay_type", replayType,
		"size", humanize.Bytes(uint64(len(data))),
	)
	return nil
}

// sendSegment walks the persisted flush state around the transport call.
// The payload is dropped from storage before the request goes out: once
// issued, the segment belongs to the transport and is never resent by a
// later Start. Only a flush interrupted before that point is recovered.
func (e *Engine) sendSegment(ctx context.Context, segment models.Segment) error {
	envelope, err := transport.EncodeEnvelope(segment)
	if err != nil {
		return err
	}
	e.flushState.SetFlushState(buffer.FlushPending, envelope)
	e.flushState.SetFlushState(buffer.FlushSentRequest, nil)
	if err := e.transport.Send(ctx, segment); err != nil {
		return fmt.Errorf("failed to send replay segment %d: %w", segment.SegmentID, err)
	}
	e.flushState.SetFlushState(buffer.FlushComplete, nil)
	return nil
}

func (e *Engine) failFlush(replayID string, err error) error {
	e.logger.Error("failed to send replay", "replay_id", replayID, "error", err)
	e.stopInBackground("sendReplay")
	return err
}

// stopInBackground stops recording without blocking the flush that is
// still holding the flight.
func (e *Engine) stopInBackground(reason string) {
	e.spawn("stop", func() {
		if err := e.Stop(context.Background(), false, reason); err != nil {
			e.logger.Debug("stop failed", "reason", reason, "error", err)
		}
	})
}

// updateInitialTimestampFromBufferLocked moves the start of the first
// segment back to its oldest buffered event.
func (e *Engine) updateInitialTimestampFromBufferLocked() {
	if e.session == nil || e.buf == nil || e.session.SegmentID != 0 {
		return
	}
	earliest := e.buf.EarliestTimestamp()
	if earliest > 0 && time.UnixMilli(earliest).Before(e.context.initialTimestamp) {
		e.context.initialTimestamp = time.UnixMilli(earliest)
	}
}

// popContextLocked returns the context for the next segment and clears the
// per-segment urls and error ids.
func (e *Engine) popContextLocked() eventContext {
	ec := e.context
	e.context.urls = nil
	e.context.errorIDs = nil
	return ec
}

// recoverPendingFlush resends a segment whose request was never issued. A
// flush interrupted after the request went out is only logged, since the
// endpoint may already have it.
func (e *Engine) recoverPendingFlush(ctx context.Context) {
	rec, ok := e.flushState.Recover()
	if !ok {
		return
	}
	if rec.State != buffer.FlushPending || rec.Payload == nil {
		e.logger.Info("discarding interrupted flush", "state", rec.State)
		e.flushState.SetFlushState(buffer.FlushComplete, nil)
		return
	}

	header, recording, err := transport.DecodeEnvelope(rec.Payload)
	if err != nil {
		e.logger.Warn("discarding unreadable pending flush", "error", err)
		e.flushState.SetFlushState(buffer.FlushComplete, nil)
		return
	}
	segment := models.Segment{
		ReplayID:             header.ReplayID,
		SegmentID:            header.SegmentID,
		ReplayType:           header.ReplayType,
		Timestamp:            header.Timestamp,
		ReplayStartTimestamp: header.ReplayStartTimestamp,
		URLs:                 header.URLs,
		ErrorIDs:             header.ErrorIDs,
		RecordingData:        recording,
	}
	if err := e.transport.Send(ctx, segment); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		e.logger.Warn("failed to resend pending replay segment",
			"replay_id", segment.ReplayID,
			"segment_id", segment.SegmentID,
			"error", err,
		)
		return
	}
	e.logger.Info("resent pending replay segment", "replay_id", segment.ReplayID, "segment_id", segment.SegmentID)
	e.flushState.SetFlushState(buffer.FlushComplete, nil)
}
