package breadcrumb

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vincentbai/browsetrace-replay/internal/models"
)

const (
	// ConsoleArgMaxSize is the longest console argument kept, in characters.
	ConsoleArgMaxSize = 5000

	maxSelectorDepth = 5
)

// describeElement renders el and up to four ancestors as a CSS-like path,
// e.g. "form#login > div.row > button.primary".
func describeElement(el *models.Element) string {
	var parts []string
	for e := el; e != nil && len(parts) < maxSelectorDepth; e = e.Parent {
		parts = append(parts, describeNode(e))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

func describeNode(el *models.Element) string {
	var sb strings.Builder
	sb.WriteString(strings.ToLower(el.Tag))
	if id, ok := el.Attr("id"); ok && id != "" {
		sb.WriteString("#")
		sb.WriteString(id)
	}
	if class, ok := el.Attr("class"); ok {
		for _, c := range strings.Fields(class) {
			sb.WriteString(".")
			sb.WriteString(c)
		}
	}
	for _, attr := range []string{"type", "name", "title", "alt", "aria-label"} {
		if v, ok := el.Attr(attr); ok && v != "" {
			fmt.Fprintf(&sb, "[%s=%q]", attr, v)
		}
	}
	return sb.String()
}

func consoleBreadcrumb(data map[string]any, ts time.Time) models.Breadcrumb {
	level := stringField(data, "level")
	if level == "" {
		level = "log"
	}
	args, _ := data["arguments"].([]any)

	normalized, truncated := normalizeConsoleArgs(args)
	messages := make([]string, len(normalized))
	for i, a := range normalized {
		if s, ok := a.(string); ok {
			messages[i] = s
			continue
		}
		raw, _ := json.Marshal(a)
		messages[i] = string(raw)
	}

	out := map[string]any{
		"arguments": normalized,
		"logger":    "console",
		"level":     level,
	}
	if truncated {
		out["_meta"] = map[string]any{"warnings": []string{"CONSOLE_ARG_TRUNCATED"}}
	}
	return CreateBreadcrumb(models.CategoryConsole, strings.Join(messages, " "), out, ts)
}

// normalizeConsoleArgs truncates every argument longer than
// ConsoleArgMaxSize characters. Objects that serialize too long are replaced
// by their truncated JSON text.
func normalizeConsoleArgs(args []any) ([]any, bool) {
	out := make([]any, len(args))
	truncated := false
	for i, arg := range args {
		switch v := arg.(type) {
		case string:
			if s, cut := truncate(v); cut {
				out[i] = s
				truncated = true
				continue
			}
			out[i] = v
		case map[string]any, []any:
			raw, err := json.Marshal(v)
			if err != nil {
				out[i] = fmt.Sprint(v)
				continue
			}
			if s, cut := truncate(string(raw)); cut {
				out[i] = s
				truncated = true
				continue
			}
			out[i] = v
		default:
			out[i] = v
		}
	}
	return out, truncated
}

func truncate(s string) (string, bool) {
	if len(s) <= ConsoleArgMaxSize {
		return s, false
	}
	r := []rune(s)
	if len(r) <= ConsoleArgMaxSize {
		return s, false
	}
	return string(r[:ConsoleArgMaxSize]) + "…", true
}
