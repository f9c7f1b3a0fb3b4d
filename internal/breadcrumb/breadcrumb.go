// Package breadcrumb turns raw events posted by the browser extension into
// the signals and fixed-shape frames the capture engine consumes.
package breadcrumb

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vincentbai/browsetrace-replay/internal/models"
)

var ErrInvalidEvent = errors.New("invalid event")

var validEventTypes = map[string]models.SignalKind{
	"click":       models.SignalClick,
	"mutation":    models.SignalMutation,
	"scroll":      models.SignalScroll,
	"window_open": models.SignalWindowOpen,
	"console":     models.SignalConsole,
	"network":     models.SignalNetwork,
	"error":       models.SignalError,
	"navigate":    models.SignalNavigation,
	"keydown":     models.SignalKeyDown,
	"focus":       models.SignalFocus,
	"blur":        models.SignalBlur,
	"visibility":  models.SignalVisibility,
	"recording":   models.SignalRecording,
}

// ValidateEvent checks the fields every event must carry.
func ValidateEvent(event models.Event) error {
	if event.URL == "" {
		return fmt.Errorf("%w: URL cannot be empty", ErrInvalidEvent)
	}
	if event.Type == "" {
		return fmt.Errorf("%w: type cannot be empty", ErrInvalidEvent)
	}
	if _, ok := validEventTypes[event.Type]; !ok {
		return fmt.Errorf("%w: unknown event type: %s", ErrInvalidEvent, event.Type)
	}
	if event.TSUTC <= 0 {
		return fmt.Errorf("%w: timestamp must be positive", ErrInvalidEvent)
	}
	return nil
}

// CreateBreadcrumb builds a default breadcrumb frame.
func CreateBreadcrumb(category, message string, data map[string]any, ts time.Time) models.Breadcrumb {
	return models.Breadcrumb{
		Type:      models.BreadcrumbTypeDefault,
		Category:  category,
		Message:   message,
		Timestamp: models.TimeToSeconds(ts),
		Data:      data,
	}
}

// Normalize validates event and converts it to a Signal.
func Normalize(event models.Event) (models.Signal, error) {
	if err := ValidateEvent(event); err != nil {
		return models.Signal{}, err
	}

	ts := time.UnixMilli(event.TSUTC)
	sig := models.Signal{
		Kind:      validEventTypes[event.Type],
		Timestamp: ts,
		URL:       event.URL,
		Route:     stringField(event.Data, "route"),
	}

	switch sig.Kind {
	case models.SignalClick:
		target, err := parseElement(event.Data["target"])
		if err != nil {
			return models.Signal{}, fmt.Errorf("%w: click target: %v", ErrInvalidEvent, err)
		}
		sig.Target = target
		sig.Modified = hasModifier(event.Data)
		b := CreateBreadcrumb(models.CategoryClick, describeElement(target), map[string]any{"nodeId": target.NodeID}, ts)
		sig.Breadcrumb = &b

	case models.SignalMutation:
		sig.MutationCount = intField(event.Data, "count", 1)

	case models.SignalConsole:
		b := consoleBreadcrumb(event.Data, ts)
		sig.Breadcrumb = &b

	case models.SignalNetwork:
		b := networkBreadcrumb(event.Data, ts)
		sig.Breadcrumb = &b

	case models.SignalError:
		sig.ErrorID = stringField(event.Data, "id")
		if sig.ErrorID == "" {
			sig.ErrorID = uuid.NewString()
		}

	case models.SignalNavigation:
		b := CreateBreadcrumb(models.CategoryNavigation, "", map[string]any{
			"from": stringField(event.Data, "from"),
			"to":   event.URL,
		}, ts)
		sig.Breadcrumb = &b

	case models.SignalKeyDown:
		sig.Breadcrumb = keyDownBreadcrumb(event.Data, ts)

	case models.SignalFocus:
		b := CreateBreadcrumb(models.CategoryFocus, "", nil, ts)
		sig.Breadcrumb = &b

	case models.SignalBlur:
		b := CreateBreadcrumb(models.CategoryBlur, "", nil, ts)
		sig.Breadcrumb = &b

	case models.SignalVisibility:
		if v, ok := event.Data["visible"].(bool); ok {
			sig.Visible = v
		} else {
			sig.Visible = stringField(event.Data, "state") == "visible"
		}

	case models.SignalRecording:
		rec, err := parseRecording(event.Data, event.TSUTC)
		if err != nil {
			return models.Signal{}, fmt.Errorf("%w: recording event: %v", ErrInvalidEvent, err)
		}
		sig.Recording = rec
	}

	return sig, nil
}

func networkBreadcrumb(data map[string]any, ts time.Time) models.Breadcrumb {
	category := stringField(data, "category")
	if category == "" {
		category = "fetch"
	}
	out := make(map[string]any, 4)
	for _, k := range []string{"method", "url", "status_code", "request_body_size", "response_body_size"} {
		if v, ok := data[k]; ok {
			out[k] = v
		}
	}
	return CreateBreadcrumb(category, "", out, ts)
}

var modifierKeys = []string{"metaKey", "shiftKey", "ctrlKey", "altKey"}

func hasModifier(data map[string]any) bool {
	for _, m := range modifierKeys {
		if v, _ := data[m].(bool); v {
			return true
		}
	}
	return false
}

// keyDownBreadcrumb returns nil for plain character keys without a
// modifier, which are never recorded.
func keyDownBreadcrumb(data map[string]any, ts time.Time) *models.Breadcrumb {
	key := stringField(data, "key")
	if key == "" {
		return nil
	}
	modifiers := map[string]any{}
	for _, m := range modifierKeys {
		v, _ := data[m].(bool)
		modifiers[m] = v
	}
	if !hasModifier(data) && len([]rune(key)) == 1 {
		return nil
	}

	message := ""
	out := modifiers
	out["key"] = key
	if target, err := parseElement(data["target"]); err == nil {
		message = describeElement(target)
		out["nodeId"] = target.NodeID
	}
	b := CreateBreadcrumb(models.CategoryKeyDown, message, out, ts)
	return &b
}

func parseRecording(data map[string]any, fallbackTS int64) (*models.RecordingEvent, error) {
	typ, ok := data["type"].(float64)
	if !ok {
		return nil, errors.New("missing type")
	}
	ts := int64(intField(data, "timestamp", 0))
	if ts <= 0 {
		ts = fallbackTS
	}
	return &models.RecordingEvent{Type: int(typ), Timestamp: ts, Data: data["data"]}, nil
}

func parseElement(v any) (*models.Element, error) {
	if v == nil {
		return nil, errors.New("missing")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var el models.Element
	if err := json.Unmarshal(raw, &el); err != nil {
		return nil, err
	}
	if el.Tag == "" {
		return nil, errors.New("missing tag")
	}
	return &el, nil
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func intField(data map[string]any, key string, def int) int {
	switch v := data[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return def
}
