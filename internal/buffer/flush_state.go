package buffer

import (
	"encoding/base64"
	"log/slog"

	"github.com/vincentbai/browsetrace-replay/internal/storage"
)

// FlushState tracks a flush across page reloads.
type FlushState int

const (
	FlushIdle FlushState = iota
	FlushPending
	FlushSentRequest
	FlushComplete
)

var flushStateNames = [...]string{"idle", "pending", "sent_request", "complete"}

func (s FlushState) String() string {
	if s < 0 || int(s) >= len(flushStateNames) {
		return "unknown"
	}
	return flushStateNames[s]
}

func parseFlushState(v string) (FlushState, bool) {
	for i, name := range flushStateNames {
		if name == v {
			return FlushState(i), true
		}
	}
	return FlushIdle, false
}

const (
	PendingPayloadKey = "browsetrace.replay.flush.payload"
	FlushStatusKey    = "browsetrace.replay.flush.status"
)

// FlushStore persists the flush state and, while pending, the payload being
// flushed. Storage errors are logged and ignored.
type FlushStore struct {
	storage storage.Storage
	logger  *slog.Logger
}

func NewFlushStore(st storage.Storage, logger *slog.Logger) *FlushStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FlushStore{storage: st, logger: logger}
}

// SetFlushState records a transition:
//
//	Pending      writes the status, and the payload when one is given
//	SentRequest  removes the payload and keeps the status
//	Complete     removes both keys (as does Idle)
func (f *FlushStore) SetFlushState(state FlushState, payload []byte) {
	switch state {
	case FlushPending:
		if payload != nil {
			f.set(PendingPayloadKey, base64.StdEncoding.EncodeToString(payload))
		}
		f.set(FlushStatusKey, state.String())
	case FlushSentRequest:
		f.remove(PendingPayloadKey)
		f.set(FlushStatusKey, state.String())
	default:
		f.remove(PendingPayloadKey)
		f.remove(FlushStatusKey)
	}
}

// Recovery is what an interrupted flush left behind.
type Recovery struct {
	State   FlushState
	Payload []byte
}

// Recover reads the persisted flush state. ok is false when nothing was
// left behind. A payload is only returned for an interrupted Pending flush.
func (f *FlushStore) Recover() (rec Recovery, ok bool) {
	status, found, err := f.storage.GetItem(FlushStatusKey)
	if err != nil {
		f.logger.Debug("failed to read flush status", "error", err)
		return Recovery{}, false
	}
	if !found {
		return Recovery{}, false
	}
	state, valid := parseFlushState(status)
	if !valid {
		f.logger.Debug("ignoring unknown flush status", "status", status)
		return Recovery{}, false
	}
	rec.State = state
	if state != FlushPending {
		return rec, true
	}

	encoded, found, err := f.storage.GetItem(PendingPayloadKey)
	if err != nil || !found {
		return rec, true
	}
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		f.logger.Debug("discarding corrupt pending payload", "error", err)
		return rec, true
	}
	rec.Payload = payload
	return rec, true
}

func (f *FlushStore) set(key, value string) {
	if err := f.storage.SetItem(key, value); err != nil {
		f.logger.Debug("failed to write flush state", "key", key, "error", err)
	}
}

func (f *FlushStore) remove(key string) {
	if err := f.storage.RemoveItem(key); err != nil {
		f.logger.Debug("failed to clear flush state", "key", key, "error", err)
	}
}
