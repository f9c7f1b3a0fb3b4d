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
	// checkInterval is the period of the recheck loop.
	checkInterval = time.Second
	// dedupWindow coalesces repeated click breadcrumbs on the same node.
	dedupWindow = time.Second
)

// Page supplies the location attached to emitted frames.
type Page interface {
	CurrentURL() string
	CurrentRoute() string
}

// EmitFunc receives a derived breadcrumb frame. metric marks frames that are
// metrics rather than user-visible breadcrumbs.
type EmitFunc func(frame models.Breadcrumb, metric bool)

// SlowClickConfig is fixed at construction.
type SlowClickConfig struct {
	// Threshold is the longest a mutation may lag a click and still count
	// as the page reacting.
	Threshold time.Duration
	// Timeout is how long a click is tracked before it is classified.
	Timeout time.Duration
	// ScrollTimeout is the scroll equivalent of Threshold.
	ScrollTimeout time.Duration
	// IgnoreSelector excludes matching elements.
	IgnoreSelector string
}

// ClickRecord is one tracked click.
type ClickRecord struct {
	Timestamp     time.Time
	Node          *models.Element
	Breadcrumb    models.Breadcrumb
	ClickCount    int
	MutationAfter *time.Duration
	ScrollAfter   *time.Duration
}

// Detector classifies clicks as slow clicks and multi clicks by correlating
// them with page-wide mutation and scroll activity.
type Detector struct {
	mu sync.Mutex

	cfg    SlowClickConfig
	ignore *Selector
	clock  clock.Clock
	page   Page
	emit   EmitFunc
	logger *slog.Logger

	clicks       []*ClickRecord
	lastMutation time.Time
	lastScroll   time.Time
	checkTimer   clock.Timer
	stopped      bool
}

// NewDetector creates a detector. An invalid IgnoreSelector is logged and
// treated as empty.
func NewDetector(cfg SlowClickConfig, c clock.Clock, page Page, emit EmitFunc, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if c == nil {
		c = clock.New()
	}
	ignore, err := CompileSelector(cfg.IgnoreSelector)
	if err != nil {
		logger.Warn("ignoring invalid slow click ignore selector", "selector", cfg.IgnoreSelector, "error", err)
		ignore = nil
	}
	return &Detector{
		cfg:    cfg,
		ignore: ignore,
		clock:  c,
		page:   page,
		emit:   emit,
		logger: logger,
	}
}

// HandleClick starts tracking a click breadcrumb on node. Clicks on
// non-interactive or ignored elements, and repeats on the same node within
// one second, are dropped.
func (d *Detector) HandleClick(breadcrumb models.Breadcrumb, node *models.Element) {
	if breadcrumb.Category != models.CategoryClick || IgnoreElement(node, d.ignore) {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	ts := breadcrumb.Time()
	for _, c := range d.clicks {
		if c.Node.NodeID == node.NodeID && absDuration(c.Timestamp.Sub(ts)) < dedupWindow {
			return
		}
	}

	d.clicks = append(d.clicks, &ClickRecord{
		Timestamp:  ts,
		Node:       node,
		Breadcrumb: breadcrumb,
		// 0 marks a record that no raw click has been counted for yet
		ClickCount: 0,
	})

	if len(d.clicks) == 1 {
		d.scheduleCheckLocked()
	}
}

// RegisterMutation records that the page mutated at ts.
func (d *Detector) RegisterMutation(ts time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts.After(d.lastMutation) {
		d.lastMutation = ts
	}
}

// RegisterScroll records that the page scrolled at ts.
func (d *Detector) RegisterScroll(ts time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts.After(d.lastScroll) {
		d.lastScroll = ts
	}
}

// RegisterWindowOpen records a window.open call, which counts as the page
// reacting.
func (d *Detector) RegisterWindowOpen(ts time.Time) {
	d.RegisterMutation(ts)
}

// RegisterClick counts a raw click on el against every pending record for
// its nearest interactive ancestor.
func (d *Detector) RegisterClick(el *models.Element) {
	node := ClosestInteractive(el)
	if node == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.clicks {
		if c.Node.NodeID == node.NodeID {
			c.ClickCount++
		}
	}
}

// Pending returns the number of clicks awaiting classification.
func (d *Detector) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clicks)
}

// Stop cancels the recheck loop and drops pending clicks.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.checkTimer != nil {
		d.checkTimer.Stop()
		d.checkTimer = nil
	}
	d.clicks = nil
}

func (d *Detector) scheduleCheckLocked() {
	if d.checkTimer != nil {
		d.checkTimer.Stop()
	}
	d.checkTimer = d.clock.AfterFunc(checkInterval, d.checkClicks)
}

func (d *Detector) checkClicks() {
	for _, c := range d.collectTimedOut() {
		for _, f := range d.generateFrames(c) {
			d.safeEmit(f.frame, f.metric)
		}
	}
}

type pendingFrame struct {
	frame  models.Breadcrumb
	metric bool
}

// collectTimedOut correlates pending clicks with the latest mutation and
// scroll, and removes and returns the ones older than the timeout.
func (d *Detector) collectTimedOut() []*ClickRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return nil
	}
	d.checkTimer = nil

	now := d.clock.Now()
	var timedOut []*ClickRecord
	remaining := make([]*ClickRecord, 0, len(d.clicks))

	for _, c := range d.clicks {
		if c.MutationAfter == nil && !d.lastMutation.IsZero() && !c.Timestamp.After(d.lastMutation) {
			delta := d.lastMutation.Sub(c.Timestamp)
			c.MutationAfter = &delta
		}
		if c.ScrollAfter == nil && !d.lastScroll.IsZero() && !c.Timestamp.After(d.lastScroll) {
			delta := d.lastScroll.Sub(c.Timestamp)
			c.ScrollAfter = &delta
		}

		if !c.Timestamp.Add(d.cfg.Timeout).After(now) {
			timedOut = append(timedOut, c)
			continue
		}
		remaining = append(remaining, c)
	}
	d.clicks = remaining

	if len(d.clicks) > 0 {
		d.scheduleCheckLocked()
	}
	return timedOut
}

func (d *Detector) generateFrames(c *ClickRecord) []pendingFrame {
	hadScroll := c.ScrollAfter != nil && *c.ScrollAfter <= d.cfg.ScrollTimeout
	hadMutation := c.MutationAfter != nil && *c.MutationAfter <= d.cfg.Threshold

	var frames []pendingFrame

	if !hadScroll && !hadMutation {
		// a mutation after the threshold but before the timeout ends the click early
		timeAfterClick := d.cfg.Timeout
		if c.MutationAfter != nil && *c.MutationAfter < timeAfterClick {
			timeAfterClick = *c.MutationAfter
		}
		endReason := "timeout"
		if timeAfterClick < d.cfg.Timeout {
			endReason = "mutation"
		}
		clickCount := c.ClickCount
		if clickCount == 0 {
			clickCount = 1
		}

		data := d.frameData(c.Breadcrumb)
		data["timeAfterClickMs"] = timeAfterClick.Milliseconds()
		data["endReason"] = endReason
		data["clickCount"] = clickCount

		frames = append(frames, pendingFrame{frame: models.Breadcrumb{
			Type:      models.BreadcrumbTypeDefault,
			Category:  models.CategorySlowClick,
			Message:   c.Breadcrumb.Message,
			Timestamp: c.Breadcrumb.Timestamp,
			Data:      data,
		}})
	}

	if c.ClickCount > 1 {
		data := d.frameData(c.Breadcrumb)
		data["clickCount"] = c.ClickCount
		data["metric"] = true

		frames = append(frames, pendingFrame{frame: models.Breadcrumb{
			Type:      models.BreadcrumbTypeDefault,
			Category:  models.CategoryMultiClick,
			Message:   c.Breadcrumb.Message,
			Timestamp: c.Breadcrumb.Timestamp,
			Data:      data,
		}, metric: true})
	}

	return frames
}

func (d *Detector) frameData(source models.Breadcrumb) map[string]any {
	data := make(map[string]any, len(source.Data)+5)
	maps.Copy(data, source.Data)
	data["url"], data["route"] = pageLocation(d.page)
	return data
}

func (d *Detector) safeEmit(frame models.Breadcrumb, metric bool) {
	if d.emit == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic while emitting click frame", "category", frame.Category, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	d.emit(frame, metric)
}

func pageLocation(p Page) (url, route string) {
	if p == nil {
		return "", ""
	}
	return p.CurrentURL(), p.CurrentRoute()
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
