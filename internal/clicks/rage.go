package clicks

import (
	"log/slog"
	"maps"
	"runtime/debug"
	"sync"
	"time"

	"github.com/vincentbai/browsetrace-replay/internal/clock"
	"github.com/vincentbai/browsetrace-replay/internal/models"
)

const (
	rageClickWindow    = time.Second
	rageClickThreshold = 4
)

// RageCounter flags bursts of clicks anywhere on the page. Every click adds
// one to a global counter and removes it again one second later; reaching
// exactly four emits a rage click frame once per burst.
type RageCounter struct {
	mu     sync.Mutex
	clock  clock.Clock
	page   Page
	emit   EmitFunc
	logger *slog.Logger

	count   int
	nextID  int
	timers  map[int]clock.Timer
	stopped bool
}

func NewRageCounter(c clock.Clock, page Page, emit EmitFunc, logger *slog.Logger) *RageCounter {
	if logger == nil {
		logger = slog.Default()
	}
	if c == nil {
		c = clock.New()
	}
	return &RageCounter{
		clock:  c,
		page:   page,
		emit:   emit,
		logger: logger,
		timers: make(map[int]clock.Timer),
	}
}

// RegisterClick counts a click breadcrumb.
func (r *RageCounter) RegisterClick(breadcrumb models.Breadcrumb) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.count++
	count := r.count

	r.nextID++
	id := r.nextID
	r.timers[id] = r.clock.AfterFunc(rageClickWindow, func() { r.decay(id) })
	r.mu.Unlock()

	if count != rageClickThreshold {
		return
	}

	data := make(map[string]any, len(breadcrumb.Data)+3)
	maps.Copy(data, breadcrumb.Data)
	data["url"], data["route"] = pageLocation(r.page)
	data["clickCount"] = count

	r.safeEmit(models.Breadcrumb{
		Type:      models.BreadcrumbTypeDefault,
		Category:  models.CategoryRageClick,
		Message:   breadcrumb.Message,
		Timestamp: breadcrumb.Timestamp,
		Data:      data,
	})
}

// Count returns the number of clicks in the current window.
func (r *RageCounter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Stop cancels every pending decay and resets the counter.
func (r *RageCounter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	r.count = 0
}

func (r *RageCounter) decay(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.timers[id]; !ok {
		return
	}
	delete(r.timers, id)
	if r.count > 0 {
		r.count--
	}
}

func (r *RageCounter) safeEmit(frame models.Breadcrumb) {
	if r.emit == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic while emitting rage click frame", "panic", rec, "stack", string(debug.Stack()))
		}
	}()
	r.emit(frame, false)
}
