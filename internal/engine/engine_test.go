package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vincentbai/browsetrace-replay/internal/buffer"
	"github.com/vincentbai/browsetrace-replay/internal/clicks"
	"github.com/vincentbai/browsetrace-replay/internal/clock"
	"github.com/vincentbai/browsetrace-replay/internal/models"
	"github.com/vincentbai/browsetrace-replay/internal/session"
	"github.com/vincentbai/browsetrace-replay/internal/storage"
	"github.com/vincentbai/browsetrace-replay/internal/transport"
)

var baseTime = time.UnixMilli(1_580_598_000_000)

const testURL = "https://example.com/checkout"

type fixedRand float64

func (r fixedRand) Float64() float64 { return float64(r) }

type sentSegments struct {
	mu       sync.Mutex
	segments []models.Segment
	err      error

	// when set, send signals started and waits for release
	started chan struct{}
	release chan struct{}
}

func (s *sentSegments) send(_ context.Context, seg models.Segment) error {
	if s.started != nil {
		close(s.started)
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.segments = append(s.segments, seg)
	return nil
}

func (s *sentSegments) all() []models.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Segment(nil), s.segments...)
}

func defaultOptions() Options {
	return Options{
		SessionSampleRate: 1,
		StickySession:     true,
		Timeouts: session.Timeouts{
			SessionIdlePause:  5 * time.Minute,
			SessionIdleExpire: 15 * time.Minute,
			MaxReplayDuration: 60 * time.Minute,
		},
		MinReplayDuration: 4999 * time.Millisecond,
		FlushMinDelay:     5 * time.Second,
		FlushMaxDelay:     5500 * time.Millisecond,
		SlowClick: clicks.SlowClickConfig{
			Threshold:     3 * time.Second,
			Timeout:       7 * time.Second,
			ScrollTimeout: 300 * time.Millisecond,
		},
		MutationBreadcrumbLimit: 750,
		MutationLimit:           10000,
	}
}

type testEngine struct {
	*Engine
	clock   *clock.Fake
	storage *storage.Memory
	sent    *sentSegments
}

func setupTestEngine(t *testing.T, opts Options) *testEngine {
	t.Helper()
	return setupTestEngineWithStorage(t, opts, storage.NewMemory())
}

func setupTestEngineWithStorage(t *testing.T, opts Options, mem *storage.Memory) *testEngine {
	t.Helper()
	clk := clock.NewFake(baseTime)
	sent := &sentSegments{}
	e := New(opts, Deps{
		Storage:   mem,
		Transport: transport.Func(sent.send),
		Clock:     clk,
		Rand:      fixedRand(0),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(e.Dispose)
	return &testEngine{Engine: e, clock: clk, storage: mem, sent: sent}
}

func (te *testEngine) start() {
	te.Start(context.Background())
	te.Wait()
}

func (te *testEngine) handle(t *testing.T, typ string, data map[string]any) {
	t.Helper()
	ev := models.Event{TSUTC: te.clock.Now().UnixMilli(), URL: testURL, Type: typ, Data: data}
	if err := te.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent(%s) failed: %v", typ, err)
	}
	te.Wait()
}

func (te *testEngine) advance(d time.Duration) {
	te.clock.Advance(d)
	te.Wait()
}

func checkout() map[string]any {
	return map[string]any{"type": float64(models.EventTypeFullSnapshot), "data": map[string]any{"node": 1}}
}

func incremental() map[string]any {
	return map[string]any{"type": float64(models.EventTypeIncrementalSnapshot), "data": map[string]any{"source": 0}}
}

func click(nodeID int) map[string]any {
	return map[string]any{"target": map[string]any{"nodeId": nodeID, "tag": "button"}}
}

func decodeRecording(t *testing.T, seg models.Segment) []map[string]any {
	t.Helper()
	var events []map[string]any
	if err := json.Unmarshal(seg.RecordingData, &events); err != nil {
		t.Fatalf("Failed to decode recording data %q: %v", seg.RecordingData, err)
	}
	return events
}

func breadcrumbCategories(t *testing.T, segments []models.Segment) []string {
	t.Helper()
	var out []string
	for _, seg := range segments {
		for _, ev := range decodeRecording(t, seg) {
			data, _ := ev["data"].(map[string]any)
			payload, _ := data["payload"].(map[string]any)
			if category, ok := payload["category"].(string); ok {
				out = append(out, category)
			}
		}
	}
	return out
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func TestStartSampledSession(t *testing.T) {
	te := setupTestEngine(t, defaultOptions())
	te.start()

	if !te.IsEnabled() {
		t.Fatal("Expected engine to be recording")
	}
	if te.RecordingMode() != session.ModeSession {
		t.Errorf("Expected session mode, got %s", te.RecordingMode())
	}
	if te.SessionID() == "" {
		t.Error("Expected a session id")
	}
	if _, ok, _ := te.storage.GetItem(session.StorageKey); !ok {
		t.Error("Expected sticky session to be persisted")
	}
}

func TestStartNotSampledNeverBuffers(t *testing.T) {
	opts := defaultOptions()
	opts.SessionSampleRate = 0.5
	te := setupTestEngine(t, opts)
	te.Engine.rand = fixedRand(0.9)
	te.start()

	if te.IsEnabled() {
		t.Fatal("Expected unsampled session not to record")
	}
	te.handle(t, "recording", checkout())
	te.handle(t, "click", click(1))

	st := te.Status()
	if st.Session == nil || st.Session.Sampled != session.NotSampled {
		t.Errorf("Expected unsampled session, got %+v", st.Session)
	}
	if st.BufferedEvents != 0 {
		t.Errorf("Expected no buffered events, got %d", st.BufferedEvents)
	}
}

func TestStartWithZeroRates(t *testing.T) {
	opts := defaultOptions()
	opts.SessionSampleRate = 0
	te := setupTestEngine(t, opts)
	te.start()

	if te.Status().Session != nil {
		t.Fatal("Expected no session with both rates at zero")
	}
	if err := te.StartRecording(); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	if !te.IsEnabled() || te.RecordingMode() != session.ModeSession {
		t.Errorf("Expected session recording, enabled=%v mode=%s", te.IsEnabled(), te.RecordingMode())
	}
	if err := te.StartRecording(); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("Expected ErrAlreadyRecording, got %v", err)
	}
	if err := te.StartBuffering(); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("Expected ErrAlreadyRecording, got %v", err)
	}
}

func TestDebouncedFlush(t *testing.T) {
	te := setupTestEngine(t, defaultOptions())
	te.start()
	te.handle(t, "recording", checkout())

	te.advance(4 * time.Second)
	if n := len(te.sent.all()); n != 0 {
		t.Fatalf("Expected no segment before the debounce, got %d", n)
	}

	te.advance(time.Second)
	sent := te.sent.all()
	if len(sent) != 1 {
		t.Fatalf("Expected 1 segment, got %d", len(sent))
	}
	seg := sent[0]
	if seg.SegmentID != 0 || seg.ReplayType != "session" || seg.ReplayID != te.SessionID() {
		t.Errorf("Unexpected segment: %+v", seg)
	}
	if len(seg.URLs) != 1 || seg.URLs[0] != testURL {
		t.Errorf("Expected urls [%s], got %v", testURL, seg.URLs)
	}
	if seg.ReplayStartTimestamp == nil || *seg.ReplayStartTimestamp != models.TimeToSeconds(baseTime) {
		t.Errorf("Expected replay start %v, got %v", models.TimeToSeconds(baseTime), seg.ReplayStartTimestamp)
	}
	if seg.Timestamp != models.TimeToSeconds(baseTime.Add(5*time.Second)) {
		t.Errorf("Expected timestamp at flush time, got %v", seg.Timestamp)
	}
	events := decodeRecording(t, seg)
	if len(events) != 1 || events[0]["type"] != float64(models.EventTypeFullSnapshot) {
		t.Errorf("Expected the checkout event, got %v", events)
	}

	if got := te.Status().Session.SegmentID; got != 1 {
		t.Errorf("Expected segment id 1 after flush, got %d", got)
	}
	if _, ok, _ := te.storage.GetItem(buffer.FlushStatusKey); ok {
		t.Error("Expected flush state to be cleared after a complete flush")
	}
}

func TestFlushTooShortRearmsDebounce(t *testing.T) {
	opts := defaultOptions()
	opts.MinReplayDuration = 8 * time.Second
	te := setupTestEngine(t, opts)
	te.start()
	te.handle(t, "recording", checkout())

	te.advance(5 * time.Second)
	if n := len(te.sent.all()); n != 0 {
		t.Fatalf("Expected short session not to be sent, got %d segments", n)
	}
	te.advance(5 * time.Second)
	if n := len(te.sent.all()); n != 1 {
		t.Fatalf("Expected re-armed flush to send, got %d segments", n)
	}
}

func TestSegmentsIncrement(t *testing.T) {
	te := setupTestEngine(t, defaultOptions())
	te.start()
	te.handle(t, "recording", checkout())
	te.advance(5 * time.Second)

	te.handle(t, "recording", incremental())
	te.handle(t, "navigate", map[string]any{"from": testURL})
	te.advance(5 * time.Second)

	sent := te.sent.all()
	if len(sent) != 2 {
		t.Fatalf("Expected 2 segments, got %d", len(sent))
	}
	for i, seg := range sent {
		if seg.SegmentID != i {
			t.Errorf("Segment %d has id %d", i, seg.SegmentID)
		}
	}
	if len(sent[1].URLs) != 1 {
		t.Errorf("Expected navigation url in second segment, got %v", sent[1].URLs)
	}
	if n := len(decodeRecording(t, sent[1])); n != 2 {
		t.Errorf("Expected 2 events in second segment, got %d", n)
	}
}

func TestSendFailureStopsWithoutResend(t *testing.T) {
	mem := storage.NewMemory()
	te := setupTestEngineWithStorage(t, defaultOptions(), mem)
	te.sent.err = errors.New("network down")
	te.start()
	te.handle(t, "recording", checkout())
	te.advance(5 * time.Second)

	if te.IsEnabled() {
		t.Fatal("Expected send failure to stop recording")
	}
	if status, _, _ := mem.GetItem(buffer.FlushStatusKey); status != "sent_request" {
		t.Fatalf("Expected sent_request flush state, got %q", status)
	}
	if _, ok, _ := mem.GetItem(buffer.PendingPayloadKey); ok {
		t.Error("Expected no pending payload once the request was issued")
	}
	if te.clock.Pending() != 0 {
		t.Errorf("Expected no timers after stop, got %d", te.clock.Pending())
	}

	next := setupTestEngineWithStorage(t, defaultOptions(), mem)
	next.start()
	if n := len(next.sent.all()); n != 0 {
		t.Errorf("Expected issued segment not to be resent, got %d", n)
	}
	if _, ok, _ := mem.GetItem(buffer.FlushStatusKey); ok {
		t.Error("Expected flush state to be cleared on start")
	}
}

func TestPendingFlushIsRecovered(t *testing.T) {
	mem := storage.NewMemory()
	start := models.TimeToSeconds(baseTime)
	envelope, err := transport.EncodeEnvelope(models.Segment{
		ReplayID:             "abc",
		SegmentID:            3,
		ReplayType:           "session",
		Timestamp:            start,
		ReplayStartTimestamp: &start,
		RecordingData:        []byte(`[{"type":2,"timestamp":1580598000000,"data":{}}]`),
	})
	if err != nil {
		t.Fatalf("Failed to encode envelope: %v", err)
	}
	buffer.NewFlushStore(mem, nil).SetFlushState(buffer.FlushPending, envelope)

	te := setupTestEngineWithStorage(t, defaultOptions(), mem)
	te.start()
	sent := te.sent.all()
	if len(sent) != 1 {
		t.Fatalf("Expected pending segment to be resent, got %d", len(sent))
	}
	if sent[0].ReplayID != "abc" || sent[0].SegmentID != 3 || sent[0].ReplayType != "session" {
		t.Errorf("Unexpected resent segment: %+v", sent[0])
	}
	if events := decodeRecording(t, sent[0]); len(events) != 1 {
		t.Errorf("Expected resent checkout event, got %v", events)
	}
	if _, ok, _ := mem.GetItem(buffer.PendingPayloadKey); ok {
		t.Error("Expected pending payload to be cleared after recovery")
	}
	if _, ok, _ := mem.GetItem(buffer.FlushStatusKey); ok {
		t.Error("Expected flush state to be cleared after recovery")
	}
}

func TestInFlightSendIsNotResentAfterReload(t *testing.T) {
	mem := storage.NewMemory()
	te := setupTestEngineWithStorage(t, defaultOptions(), mem)
	te.sent.started = make(chan struct{})
	te.sent.release = make(chan struct{})
	te.start()
	te.handle(t, "recording", checkout())

	done := make(chan struct{})
	go func() {
		defer close(done)
		te.advance(5 * time.Second)
	}()
	select {
	case <-te.sent.started:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected flush to reach the transport")
	}

	reloaded := setupTestEngineWithStorage(t, defaultOptions(), mem)
	reloaded.start()
	if n := len(reloaded.sent.all()); n != 0 {
		t.Errorf("Expected in-flight segment not to be resent after reload, got %d", n)
	}

	close(te.sent.release)
	<-done
	if n := len(te.sent.all()); n != 1 {
		t.Errorf("Expected the original send to complete, got %d segments", n)
	}
}

func TestBufferModeErrorConvertsToSession(t *testing.T) {
	opts := defaultOptions()
	opts.SessionSampleRate = 0
	opts.ErrorSampleRate = 1
	te := setupTestEngine(t, opts)
	te.start()

	if te.RecordingMode() != session.ModeBuffer {
		t.Fatalf("Expected buffer mode, got %s", te.RecordingMode())
	}
	te.handle(t, "recording", checkout())
	te.handle(t, "click", click(3))
	te.advance(10 * time.Second)
	if n := len(te.sent.all()); n != 0 {
		t.Fatalf("Expected buffer mode not to send, got %d segments", n)
	}

	te.handle(t, "error", map[string]any{"id": "err-1"})

	sent := te.sent.all()
	if len(sent) != 1 {
		t.Fatalf("Expected buffered replay to be sent, got %d segments", len(sent))
	}
	if sent[0].ReplayType != "buffer" || len(sent[0].ErrorIDs) != 1 || sent[0].ErrorIDs[0] != "err-1" {
		t.Errorf("Unexpected segment: %+v", sent[0])
	}
	if te.RecordingMode() != session.ModeSession {
		t.Errorf("Expected session mode after error, got %s", te.RecordingMode())
	}
	if st := te.Status(); st.Session.Sampled != session.BufferedOnError || !st.Enabled {
		t.Errorf("Expected buffered session to keep recording, got %+v", st)
	}
}

func TestBufferModeCheckoutClearsBuffer(t *testing.T) {
	opts := defaultOptions()
	opts.SessionSampleRate = 0
	opts.ErrorSampleRate = 1
	te := setupTestEngine(t, opts)
	te.start()

	te.handle(t, "recording", checkout())
	te.handle(t, "recording", incremental())
	te.advance(time.Minute)
	te.handle(t, "recording", checkout())

	st := te.Status()
	if st.BufferedEvents != 1 {
		t.Errorf("Expected only the new checkout to be buffered, got %d", st.BufferedEvents)
	}
	if !st.Session.Started.Equal(baseTime.Add(time.Minute)) {
		t.Errorf("Expected session start at the checkout, got %v", st.Session.Started)
	}
}

func TestPauseOnIdleAndResumeOnClick(t *testing.T) {
	te := setupTestEngine(t, defaultOptions())
	te.start()
	te.handle(t, "keydown", map[string]any{"key": "a"})

	te.advance(5 * time.Minute)
	if state := te.Tick(); state != session.StateIdlePaused {
		t.Fatalf("Expected idle pause, got %v", state)
	}
	if !te.IsPaused() {
		t.Fatal("Expected engine to be paused")
	}

	te.handle(t, "recording", incremental())
	if n := te.Status().BufferedEvents; n != 0 {
		t.Errorf("Expected events to be dropped while paused, got %d", n)
	}

	te.advance(time.Second)
	te.handle(t, "click", click(1))
	if te.IsPaused() {
		t.Error("Expected click to resume recording")
	}
	if n := te.Status().BufferedEvents; n != 1 {
		t.Errorf("Expected click breadcrumb after resume, got %d events", n)
	}
}

func TestPollPausesIdleSession(t *testing.T) {
	opts := defaultOptions()
	opts.SessionPollInterval = 10 * time.Second
	te := setupTestEngine(t, opts)
	te.start()

	te.advance(4 * time.Minute)
	if te.IsPaused() {
		t.Fatal("Expected session to stay active before the idle pause")
	}
	te.advance(time.Minute)
	if !te.IsPaused() {
		t.Fatal("Expected poll to pause the idle session")
	}
	if te.clock.Pending() == 0 {
		t.Error("Expected the poll to keep running while paused")
	}

	if err := te.Stop(context.Background(), false, "test"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if te.clock.Pending() != 0 {
		t.Errorf("Expected no timers after stop, got %d", te.clock.Pending())
	}
}

func TestRefreshExpiredSession(t *testing.T) {
	te := setupTestEngine(t, defaultOptions())
	te.start()
	first := te.SessionID()

	te.advance(16 * time.Minute)
	te.handle(t, "click", click(1))

	st := te.Status()
	if st.Session == nil || st.Session.ID == first {
		t.Fatalf("Expected a new session, got %+v", st.Session)
	}
	if st.Session.PreviousSessionID != first {
		t.Errorf("Expected previous session %s, got %s", first, st.Session.PreviousSessionID)
	}
	if !st.Enabled {
		t.Error("Expected the new session to record")
	}
}

func TestTickEndsSessionAtMaxAge(t *testing.T) {
	opts := defaultOptions()
	opts.Timeouts.MaxReplayDuration = 10 * time.Minute
	te := setupTestEngine(t, opts)
	te.start()
	first := te.SessionID()

	for i := 0; i < 3; i++ {
		te.advance(4 * time.Minute)
		if i < 2 {
			te.handle(t, "keydown", map[string]any{"key": "a"})
		}
	}
	if state := te.Tick(); state != session.StateExpired {
		t.Fatalf("Expected expired state, got %v", state)
	}
	if id := te.SessionID(); id == "" || id == first {
		t.Errorf("Expected session to be replaced, got %q", id)
	}
}

func TestThrottledBreadcrumbs(t *testing.T) {
	te := setupTestEngine(t, defaultOptions())
	te.start()

	console := map[string]any{"level": "log", "arguments": []any{"hello"}}
	for i := 0; i < 302; i++ {
		te.handle(t, "console", console)
	}
	if n := te.Status().BufferedEvents; n != 301 {
		t.Fatalf("Expected 300 breadcrumbs plus one throttle marker, got %d", n)
	}

	te.advance(time.Second)
	te.handle(t, "console", console)
	if n := te.Status().BufferedEvents; n != 302 {
		t.Errorf("Expected throttle to recover, got %d events", n)
	}
}

func TestMutationLimitStopsRecording(t *testing.T) {
	opts := defaultOptions()
	opts.MutationBreadcrumbLimit = 5
	opts.MutationLimit = 10
	te := setupTestEngine(t, opts)
	te.start()
	te.handle(t, "recording", checkout())

	te.handle(t, "mutation", map[string]any{"count": 6})
	if n := te.Status().BufferedEvents; n != 2 {
		t.Fatalf("Expected mutation breadcrumb, got %d events", n)
	}

	te.handle(t, "mutation", map[string]any{"count": 11})
	if te.IsEnabled() {
		t.Fatal("Expected mutation limit to stop recording")
	}
	if te.clock.Pending() != 0 {
		t.Errorf("Expected no timers after stop, got %d", te.clock.Pending())
	}
	if _, ok, _ := te.storage.GetItem(session.StorageKey); ok {
		t.Error("Expected persisted session to be cleared")
	}
}

func TestRageClickIsRecorded(t *testing.T) {
	te := setupTestEngine(t, defaultOptions())
	te.start()
	for i := 0; i < 4; i++ {
		te.handle(t, "click", click(7))
	}
	te.advance(5 * time.Second)

	categories := breadcrumbCategories(t, te.sent.all())
	if !contains(categories, models.CategoryRageClick) {
		t.Errorf("Expected rage click frame, got %v", categories)
	}
}

func TestSlowClickIsRecorded(t *testing.T) {
	te := setupTestEngine(t, defaultOptions())
	te.start()
	te.handle(t, "click", click(1))
	te.advance(15 * time.Second)

	categories := breadcrumbCategories(t, te.sent.all())
	if !contains(categories, models.CategorySlowClick) {
		t.Errorf("Expected slow click frame, got %v", categories)
	}
}

func TestSlowClickOnNestedTarget(t *testing.T) {
	te := setupTestEngine(t, defaultOptions())
	te.start()
	te.handle(t, "click", map[string]any{"target": map[string]any{
		"nodeId": 2,
		"tag":    "span",
		"parent": map[string]any{"nodeId": 1, "tag": "button"},
	}})
	te.advance(15 * time.Second)

	categories := breadcrumbCategories(t, te.sent.all())
	if !contains(categories, models.CategorySlowClick) {
		t.Errorf("Expected slow click frame for click inside a button, got %v", categories)
	}
}

func TestModifiedClickIsNotSlow(t *testing.T) {
	te := setupTestEngine(t, defaultOptions())
	te.start()
	data := click(1)
	data["metaKey"] = true
	te.handle(t, "click", data)
	te.advance(15 * time.Second)

	categories := breadcrumbCategories(t, te.sent.all())
	if contains(categories, models.CategorySlowClick) {
		t.Errorf("Expected no slow click frame for modified click, got %v", categories)
	}
	if !contains(categories, models.CategoryClick) {
		t.Errorf("Expected click breadcrumb, got %v", categories)
	}
}

func TestMutationAfterClickIsNotSlow(t *testing.T) {
	te := setupTestEngine(t, defaultOptions())
	te.start()
	te.handle(t, "click", click(1))
	te.advance(500 * time.Millisecond)
	te.handle(t, "mutation", map[string]any{"count": 1})
	te.advance(15 * time.Second)

	categories := breadcrumbCategories(t, te.sent.all())
	if contains(categories, models.CategorySlowClick) {
		t.Errorf("Expected no slow click frame, got %v", categories)
	}
	if !contains(categories, models.CategoryClick) {
		t.Errorf("Expected click breadcrumb, got %v", categories)
	}
}

func TestBlurFlushesImmediately(t *testing.T) {
	te := setupTestEngine(t, defaultOptions())
	te.start()
	te.handle(t, "recording", checkout())
	te.advance(4999 * time.Millisecond)

	te.handle(t, "blur", nil)
	sent := te.sent.all()
	if len(sent) != 1 {
		t.Fatalf("Expected blur to flush, got %d segments", len(sent))
	}
	if !contains(breadcrumbCategories(t, sent), models.CategoryBlur) {
		t.Error("Expected blur breadcrumb in the flushed segment")
	}
	if te.clock.Pending() != 0 {
		t.Errorf("Expected debounce to be cancelled, got %d timers", te.clock.Pending())
	}
}

func TestStopForceFlush(t *testing.T) {
	te := setupTestEngine(t, defaultOptions())
	te.start()
	te.handle(t, "recording", checkout())
	te.handle(t, "click", click(1))
	te.advance(4999 * time.Millisecond)

	if err := te.Stop(context.Background(), true, "test"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if n := len(te.sent.all()); n != 1 {
		t.Errorf("Expected force flush to send, got %d segments", n)
	}
	if te.IsEnabled() {
		t.Error("Expected engine to be stopped")
	}
	if te.clock.Pending() != 0 {
		t.Errorf("Expected every timer to be cleared, got %d", te.clock.Pending())
	}
	if _, ok, _ := te.storage.GetItem(session.StorageKey); ok {
		t.Error("Expected persisted session to be cleared")
	}
}

func TestHandleEventsSkipsInvalid(t *testing.T) {
	te := setupTestEngine(t, defaultOptions())
	te.start()

	batch := models.Batch{Events: []models.Event{
		{TSUTC: baseTime.UnixMilli(), URL: testURL, Type: "recording", Data: checkout()},
		{TSUTC: baseTime.UnixMilli(), Type: "click"},
		{TSUTC: baseTime.UnixMilli(), URL: testURL, Type: "teleport"},
	}}
	skipped, err := te.HandleEvents(context.Background(), batch)
	te.Wait()
	if skipped != 2 || err == nil {
		t.Errorf("Expected 2 skipped events with an error, got %d, %v", skipped, err)
	}
	if n := te.Status().BufferedEvents; n != 1 {
		t.Errorf("Expected the valid event to be buffered, got %d", n)
	}
}

func TestDebouncer(t *testing.T) {
	clk := clock.NewFake(baseTime)
	calls := 0
	d := newDebouncer(clk, 5*time.Second, 5500*time.Millisecond, func() { calls++ })

	d.Call()
	clk.Advance(4 * time.Second)
	d.Call()
	clk.Advance(1400 * time.Millisecond)
	if calls != 0 {
		t.Fatalf("Expected no call before max wait, got %d", calls)
	}
	clk.Advance(100 * time.Millisecond)
	if calls != 1 {
		t.Fatalf("Expected max wait to fire, got %d calls", calls)
	}
	clk.Advance(10 * time.Second)
	if calls != 1 {
		t.Errorf("Expected stale timer not to fire, got %d calls", calls)
	}
	if d.Pending() {
		t.Error("Expected nothing pending")
	}

	d.Call()
	d.Cancel()
	clk.Advance(10 * time.Second)
	if calls != 1 || clk.Pending() != 0 {
		t.Errorf("Expected cancel to drop the call, calls=%d timers=%d", calls, clk.Pending())
	}
}
