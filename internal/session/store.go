package session

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/vincentbai/browsetrace-replay/internal/storage"
)

// StorageKey is the page-scoped key holding the serialized session.
const StorageKey = "browsetrace.replay.session"

// Store persists the current session. Storage failures are logged and
// otherwise ignored: a session that cannot be saved is simply not sticky.
type Store struct {
	storage storage.Storage
	logger  *slog.Logger
}

func NewStore(s storage.Storage, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{storage: s, logger: logger}
}

// Fetch returns the persisted session, or nil if there is none or it cannot
// be read.
func (st *Store) Fetch() *Session {
	if st == nil || st.storage == nil {
		return nil
	}
	raw, ok, err := st.storage.GetItem(StorageKey)
	if err != nil {
		st.logger.Debug("session storage read failed", "error", err)
		return nil
	}
	if !ok || raw == "" {
		return nil
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		st.logger.Debug("discarding unreadable stored session", "error", err)
		return nil
	}
	return &s
}

func (st *Store) Save(s *Session) {
	if st == nil || st.storage == nil || s == nil {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		st.logger.Debug("session encode failed", "error", err)
		return
	}
	if err := st.storage.SetItem(StorageKey, string(data)); err != nil {
		st.logger.Debug("session storage write failed", "error", err)
	}
}

func (st *Store) Clear() {
	if st == nil || st.storage == nil {
		return
	}
	if err := st.storage.RemoveItem(StorageKey); err != nil {
		st.logger.Debug("session storage clear failed", "error", err)
	}
}

// Options control LoadOrCreate.
type Options struct {
	Timeouts          Timeouts
	StickySession     bool
	SessionSampleRate float64
	ErrorSampleRate   float64
	PreviousSessionID string
	Rand              Rand
	Now               time.Time
}

// LoadOrCreate returns the persisted session when sticky sessions are on and
// the stored session is still valid; otherwise it samples and creates a new
// one, persisting it when sticky.
func LoadOrCreate(st *Store, opts Options) *Session {
	if opts.StickySession {
		if existing := st.Fetch(); existing != nil {
			if !ShouldRefreshSession(existing, opts.Timeouts, opts.Now) {
				return existing
			}
			opts.PreviousSessionID = existing.ID
		}
	}

	sampled := Sample(opts.SessionSampleRate, opts.ErrorSampleRate, opts.Rand)
	s := New(sampled, opts.PreviousSessionID, opts.Now)
	if opts.StickySession {
		st.Save(s)
	}
	return s
}
