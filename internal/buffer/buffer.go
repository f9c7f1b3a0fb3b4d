// Package buffer accumulates serialized recording events between flushes and
// tracks flush progress in page-scoped storage.
package buffer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/vincentbai/browsetrace-replay/internal/models"
)

// MaxEventBufferSize is the largest serialized size the buffer accepts.
const MaxEventBufferSize = 20_000_000

var (
	ErrEventBufferFull = errors.New("event buffer exceeded maximum size")
	ErrBufferDestroyed = errors.New("event buffer destroyed")
)

type entry struct {
	raw       json.RawMessage
	eventType int
	timestamp int64
}

// Buffer is an ordered, append-only list of serialized events. Finish hands
// the pending events to the caller and leaves the buffer empty, so capture
// can continue while the previous batch is compressed and sent.
type Buffer struct {
	mu     sync.Mutex
	codec  Codec
	logger *slog.Logger

	events      []entry
	size        int
	hasCheckout bool
	destroyed   bool
}

// New returns an empty buffer. A nil codec disables compression.
func New(codec Codec, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{codec: codec, logger: logger}
}

// AddEvent serializes ev and appends it.
func (b *Buffer) AddEvent(ev models.RecordingEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return ErrBufferDestroyed
	}
	if b.size+len(raw) > MaxEventBufferSize {
		return fmt.Errorf("%w: %s", ErrEventBufferFull, humanize.Bytes(uint64(b.size+len(raw))))
	}

	b.events = append(b.events, entry{raw: raw, eventType: ev.Type, timestamp: ev.Timestamp})
	b.size += len(raw)
	if ev.IsCheckout() {
		b.hasCheckout = true
	}
	return nil
}

// Len returns the number of pending events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Size returns the serialized size of the pending events in bytes.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *Buffer) HasEvents() bool {
	return b.Len() > 0
}

// HasCheckout reports whether a full snapshot was added since the last
// Finish or Clear.
func (b *Buffer) HasCheckout() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hasCheckout
}

// EarliestTimestamp returns the smallest pending event timestamp in
// milliseconds, or 0 when the buffer is empty.
func (b *Buffer) EarliestTimestamp() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var earliest int64
	for _, e := range b.events {
		if earliest == 0 || e.timestamp < earliest {
			earliest = e.timestamp
		}
	}
	return earliest
}

// Clear drops pending events. With keepLastCheckout, events from the most
// recent full snapshot onwards are kept.
func (b *Buffer) Clear(keepLastCheckout bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !keepLastCheckout {
		b.resetLocked()
		return
	}

	last := -1
	for i := len(b.events) - 1; i >= 0; i-- {
		if b.events[i].eventType == models.EventTypeFullSnapshot {
			last = i
			break
		}
	}
	if last < 0 {
		b.resetLocked()
		return
	}

	kept := make([]entry, len(b.events)-last)
	copy(kept, b.events[last:])
	b.events = kept
	b.size = 0
	for _, e := range kept {
		b.size += len(e.raw)
	}
	b.hasCheckout = true
}

// Finish removes every pending event and returns them as one JSON array,
// compressed when the buffer has a codec. An empty buffer yields "[]".
// Compression failures fall back to the uncompressed payload.
func (b *Buffer) Finish(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil, ErrBufferDestroyed
	}
	// a canceled finish keeps the events for the next one
	if err := ctx.Err(); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	events := b.events
	b.resetLocked()
	b.mu.Unlock()

	payload := encodeEvents(events)
	if b.codec == nil {
		return payload, nil
	}

	compressed, err := b.codec(payload)
	if err != nil {
		b.logger.Warn("failed to compress replay payload, sending uncompressed", "error", err, "size", humanize.Bytes(uint64(len(payload))))
		return payload, nil
	}
	b.logger.Debug("compressed replay payload",
		"events", len(events),
		"raw", humanize.Bytes(uint64(len(payload))),
		"compressed", humanize.Bytes(uint64(len(compressed))),
	)
	return compressed, nil
}

// Destroy drops all events. Later calls to AddEvent and Finish fail.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
	b.destroyed = true
}

func (b *Buffer) resetLocked() {
	b.events = nil
	b.size = 0
	b.hasCheckout = false
}

func encodeEvents(events []entry) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, e := range events {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(e.raw)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}
