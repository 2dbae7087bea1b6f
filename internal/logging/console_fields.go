package logging

import (
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	maxInfoFields     = 8
	maxErrorValueRune = 240
)

type infoField struct {
	label string
	value string
}

// infoPriority lists the keys shown first, in this order, at info level.
var infoPriority = []string{
	FieldAddress,
	FieldChannelID,
	FieldSegmentID,
	FieldMessageKind,
	FieldResourceID,
	FieldReason,
	"error",
	FieldErrorHint,
	FieldImpact,
}

// Keys that only help when debugging; they stay in JSON output.
var debugOnlyKeys = map[string]struct{}{
	FieldEventType:     {},
	FieldCorrelationID: {},
}

var labelOverrides = map[string]string{
	FieldErrorHint: "Hint",
	"pid":          "PID",
}

func selectInfoFields(attrs []kv) ([]infoField, int) {
	byKey := make(map[string]kv, len(attrs))
	for _, attr := range attrs {
		byKey[attr.key] = attr
	}
	ordered := make([]kv, 0, len(attrs))
	used := make(map[string]struct{}, len(attrs))
	for _, key := range infoPriority {
		if attr, ok := byKey[key]; ok {
			ordered = append(ordered, attr)
			used[key] = struct{}{}
		}
	}
	for _, attr := range attrs {
		if _, ok := used[attr.key]; ok {
			continue
		}
		if _, ok := debugOnlyKeys[attr.key]; ok {
			continue
		}
		ordered = append(ordered, attr)
	}

	fields := make([]infoField, 0, min(len(ordered), maxInfoFields))
	hidden := 0
	for _, attr := range ordered {
		if len(fields) >= maxInfoFields {
			hidden++
			continue
		}
		fields = append(fields, infoField{label: displayLabel(attr.key), value: formatFieldValue(attr.key, attr.value)})
	}
	return fields, hidden
}

func formatFieldValue(key string, v slog.Value) string {
	v = v.Resolve()
	switch {
	case isByteSizeKey(key):
		switch v.Kind() {
		case slog.KindInt64:
			if n := v.Int64(); n >= 0 {
				return humanize.IBytes(uint64(n))
			}
		case slog.KindUint64:
			return humanize.IBytes(v.Uint64())
		}
	case v.Kind() == slog.KindDuration:
		return formatDuration(v.Duration())
	case key == "error":
		return truncateRunes(attrString(v), maxErrorValueRune)
	}
	return attrString(v)
}

func isByteSizeKey(key string) bool {
	return key == "size" || key == "bytes" || strings.HasSuffix(key, "_bytes") || strings.HasSuffix(key, "_size")
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return d.String()
	case d < time.Second:
		return d.Round(10 * time.Microsecond).String()
	default:
		return d.Round(time.Millisecond).String()
	}
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}

// displayLabel turns snake_case keys into title-cased labels, keeping "ID"
// upper case.
func displayLabel(key string) string {
	if label, ok := labelOverrides[key]; ok {
		return label
	}
	words := strings.FieldsFunc(key, func(r rune) bool { return r == '_' || r == '.' || r == '-' })
	if len(words) == 0 {
		return key
	}
	caser := cases.Title(language.English)
	for i, word := range words {
		if strings.EqualFold(word, "id") {
			words[i] = "ID"
			continue
		}
		words[i] = caser.String(word)
	}
	return strings.Join(words, " ")
}
