package outreach

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/agentworkforce/outreachdesk/internal/draftsync"
	"github.com/agentworkforce/outreachdesk/internal/remote"
)

// ScraperDefaults are the values the scraper assumes for settings that have
// no row yet.
var ScraperDefaults = map[string]any{
	"agents_per_search":       20,
	"scraper_enabled":         true,
	"filter_license_active":   true,
	"filter_min_sales_year":   1,
	"filter_require_listings": true,
	"filter_min_avg_price":    500000,
}

// ParseSettingValue reads a stored setting string: booleans first, then
// numbers, otherwise the raw string.
func ParseSettingValue(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return int(n)
		}
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return f
		}
	}
	return raw
}

// FormatSettingValue is the inverse of ParseSettingValue. nil stays nil.
func FormatSettingValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(raw)
	}
}

// ScraperSetting is one scraper setting with its parsed value.
type ScraperSetting struct {
	Key       string  `json:"key"`
	Value     any     `json:"value"`
	Raw       *string `json:"raw"`
	IsDefault bool    `json:"isDefault"`
}

// ScraperSettingsFrom parses a snapshot of the scraper_settings table and
// fills in defaults for keys with no row.
func ScraperSettingsFrom(snapshot draftsync.TableSnapshot) []ScraperSetting {
	seen := map[string]struct{}{}
	out := []ScraperSetting{}
	for _, rec := range snapshot.Records {
		seen[rec.Key] = struct{}{}
		setting := ScraperSetting{Key: rec.Key}
		if raw, ok := rec.Draft["value"].(string); ok {
			setting.Raw = &raw
			setting.Value = ParseSettingValue(raw)
		} else if def, ok := ScraperDefaults[rec.Key]; ok {
			setting.Value = def
			setting.IsDefault = true
		}
		out = append(out, setting)
	}
	for key, def := range ScraperDefaults {
		if _, ok := seen[key]; ok {
			continue
		}
		out = append(out, ScraperSetting{Key: key, Value: def, IsDefault: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

type PipelineType string

const (
	PipelineLegacy    PipelineType = "legacy"
	PipelineMarketing PipelineType = "marketing"
)

func PipelineTypes() []PipelineType {
	return []PipelineType{PipelineLegacy, PipelineMarketing}
}

func ParsePipelineType(raw string) (PipelineType, error) {
	normalized := PipelineType(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range PipelineTypes() {
		if normalized == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("%w: unknown pipeline type %q", draftsync.ErrInvalidInput, raw)
}

const (
	rpcClearPipelineQueue = "clear_pipeline_queue"
	rpcResetAllTasks      = "reset_all_outreach_tasks"
)

// ClearPipelineQueue deletes the queued tasks of one pipeline and returns how
// many were removed.
func ClearPipelineQueue(ctx context.Context, invoker remote.Invoker, pipeline PipelineType) (int, error) {
	if _, err := ParsePipelineType(string(pipeline)); err != nil {
		return 0, err
	}
	raw, err := invoker.Call(ctx, rpcClearPipelineQueue, map[string]any{"p_pipeline_type": string(pipeline)})
	if err != nil {
		return 0, fmt.Errorf("clear %s queue: %w", pipeline, err)
	}
	return decodeCount(rpcClearPipelineQueue, raw)
}

// ResetAllTasks resets every outreach task across pipelines.
func ResetAllTasks(ctx context.Context, invoker remote.Invoker) (int, error) {
	raw, err := invoker.Call(ctx, rpcResetAllTasks, nil)
	if err != nil {
		return 0, fmt.Errorf("reset outreach tasks: %w", err)
	}
	return decodeCount(rpcResetAllTasks, raw)
}

// decodeCount accepts a bare number or null, which some RPCs return when
// nothing matched.
func decodeCount(fn string, raw json.RawMessage) (int, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return 0, nil
	}
	var n float64
	if err := json.Unmarshal([]byte(trimmed), &n); err != nil {
		return 0, fmt.Errorf("decode %s result: %w", fn, err)
	}
	return int(n), nil
}
