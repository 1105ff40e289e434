package outreach

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/agentworkforce/outreachdesk/internal/draftsync"
)

var (
	senderIntFields    = []string{"daily_cap", "gap_min_sec", "gap_max_sec", "win_jitter_min_sec", "win_jitter_max_sec"}
	senderBoolFields   = []string{"is_active", "auto_gap"}
	senderTextFields   = []string{"notes", "tz"}
	senderTimeFields   = []string{"w1_start", "w1_end", "w2_start", "w2_end", "w3_start", "w3_end"}
	senderDaySetFields = []string{"work_days", "w1_days", "w2_days", "w3_days"}

	clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d(:[0-5]\d)?$`)
)

func senderDefaults() draftsync.Fields {
	defaults := draftsync.Fields{}
	for _, name := range senderIntFields {
		defaults[name] = 0
	}
	for _, name := range senderBoolFields {
		defaults[name] = false
	}
	for _, name := range senderTextFields {
		defaults[name] = nil
	}
	for _, name := range senderTimeFields {
		defaults[name] = nil
	}
	for _, name := range senderDaySetFields {
		defaults[name] = nil
	}
	defaults["work_days"] = []int{1, 2, 3, 4, 5}
	return defaults
}

// CoerceSender normalises a sender account patch. Values that cannot be
// parsed fall back to the field default instead of failing the edit.
func CoerceSender(key string, patch draftsync.Fields) draftsync.Fields {
	defaults := senderDefaults()
	out := draftsync.Fields{}
	for name, value := range patch {
		switch {
		case contains(senderIntFields, name):
			if n, ok := toInt(value); ok {
				out[name] = n
			} else {
				out[name] = defaults[name]
			}
		case contains(senderBoolFields, name):
			if b, ok := toBool(value); ok {
				out[name] = b
			} else {
				out[name] = defaults[name]
			}
		case contains(senderTextFields, name):
			out[name] = toOptionalText(value)
		case contains(senderTimeFields, name):
			out[name] = toClock(value)
		case contains(senderDaySetFields, name):
			out[name] = toDaySet(value)
		default:
			out[name] = value
		}
	}
	return out
}

// CoerceSetting stores setting values as strings, the way the scraper reads
// them.
func CoerceSetting(key string, patch draftsync.Fields) draftsync.Fields {
	out := draftsync.Fields{}
	for name, value := range patch {
		if name == "value" {
			out[name] = FormatSettingValue(value)
			continue
		}
		out[name] = value
	}
	return out
}

func CoercePipeline(key string, patch draftsync.Fields) draftsync.Fields {
	out := draftsync.Fields{}
	for name, value := range patch {
		if name == "enabled" {
			if b, ok := toBool(value); ok {
				out[name] = b
			} else {
				out[name] = true
			}
			continue
		}
		out[name] = value
	}
	return out
}

func contains(list []string, name string) bool {
	for _, candidate := range list {
		if candidate == name {
			return true
		}
	}
	return false
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int(v), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n), true
		}
		if f, err := v.Float64(); err == nil {
			return toInt(f)
		}
	case string:
		s := strings.TrimSpace(v)
		if n, err := strconv.Atoi(s); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return toInt(f)
		}
	}
	return 0, false
}

func toBool(value any) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "t", "1", "yes", "y", "on":
			return true, true
		case "false", "f", "0", "no", "n", "off":
			return false, true
		}
	default:
		if n, ok := toInt(value); ok {
			return n != 0, true
		}
	}
	return false, false
}

func toOptionalText(value any) any {
	if value == nil {
		return nil
	}
	s, ok := value.(string)
	if !ok {
		s = fmt.Sprint(value)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}

func toClock(value any) any {
	s, ok := value.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if !clockPattern.MatchString(s) {
		return nil
	}
	return s
}

// toDaySet turns any spelling of a weekday list (ints, strings, "1,3,5") into
// sorted unique ISO weekdays 1..7. nil stays nil.
func toDaySet(value any) any {
	if value == nil {
		return nil
	}
	var raw []any
	switch v := value.(type) {
	case []int:
		for _, n := range v {
			raw = append(raw, n)
		}
	case []string:
		for _, s := range v {
			raw = append(raw, s)
		}
	case []any:
		raw = v
	case string:
		for _, part := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' || r == ';' }) {
			raw = append(raw, part)
		}
	default:
		raw = []any{v}
	}
	seen := map[int]struct{}{}
	days := []int{}
	for _, item := range raw {
		n, ok := toInt(item)
		if !ok || n < 1 || n > 7 {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		days = append(days, n)
	}
	sort.Ints(days)
	return days
}
