package outreach

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/agentworkforce/outreachdesk/internal/draftsync"
)

const senderSchema = `{
  "type": "object",
  "properties": {
    "daily_cap": {"type": "integer", "minimum": 0, "maximum": 10000},
    "is_active": {"type": "boolean"},
    "auto_gap": {"type": "boolean"},
    "notes": {"type": ["string", "null"], "maxLength": 2000},
    "tz": {"type": ["string", "null"], "maxLength": 64},
    "gap_min_sec": {"type": "integer", "minimum": 0, "maximum": 86400},
    "gap_max_sec": {"type": "integer", "minimum": 0, "maximum": 86400},
    "win_jitter_min_sec": {"type": "integer", "minimum": 0, "maximum": 7200},
    "win_jitter_max_sec": {"type": "integer", "minimum": 0, "maximum": 7200},
    "w1_start": {"$ref": "#/$defs/clock"},
    "w1_end": {"$ref": "#/$defs/clock"},
    "w2_start": {"$ref": "#/$defs/clock"},
    "w2_end": {"$ref": "#/$defs/clock"},
    "w3_start": {"$ref": "#/$defs/clock"},
    "w3_end": {"$ref": "#/$defs/clock"},
    "work_days": {"$ref": "#/$defs/days"},
    "w1_days": {"$ref": "#/$defs/days"},
    "w2_days": {"$ref": "#/$defs/days"},
    "w3_days": {"$ref": "#/$defs/days"}
  },
  "$defs": {
    "clock": {
      "anyOf": [
        {"type": "null"},
        {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9](:[0-5][0-9])?$"}
      ]
    },
    "days": {
      "anyOf": [
        {"type": "null"},
        {"type": "array", "uniqueItems": true, "items": {"type": "integer", "minimum": 1, "maximum": 7}}
      ]
    }
  }
}`

const settingSchema = `{
  "type": "object",
  "properties": {
    "value": {"type": ["string", "null"], "maxLength": 4000}
  }
}`

const pipelineSchema = `{
  "type": "object",
  "properties": {
    "enabled": {"type": "boolean"}
  }
}`

// senderRules layers cross-field checks the schema cannot express on top of
// the schema itself.
type senderRules struct {
	schema *draftsync.SchemaValidator
}

func senderValidator() draftsync.Validator {
	return senderRules{schema: draftsync.MustSchemaValidator(SenderAccountsTable, senderSchema)}
}

func settingValidator() draftsync.Validator {
	return draftsync.MustSchemaValidator(ScraperSettingsTable, settingSchema)
}

func pipelineValidator() draftsync.Validator {
	return draftsync.MustSchemaValidator(PipelineSettingsTable, pipelineSchema)
}

func (r senderRules) Validate(key string, draft draftsync.Fields) error {
	if err := r.schema.Validate(key, draft); err != nil {
		return err
	}
	if err := orderedPair(key, draft, "gap_min_sec", "gap_max_sec"); err != nil {
		return err
	}
	if err := orderedPair(key, draft, "win_jitter_min_sec", "win_jitter_max_sec"); err != nil {
		return err
	}
	if tz, ok := draft["tz"].(string); ok && tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("%w: %s: unknown time zone %q", draftsync.ErrInvalidDraft, key, tz)
		}
	}
	return nil
}

// orderedPair fails when both bounds are set and min exceeds max. A zero max
// means "unset" in the sender table.
func orderedPair(key string, draft draftsync.Fields, minField, maxField string) error {
	lo, okLo := toInt(draft[minField])
	hi, okHi := toInt(draft[maxField])
	if !okLo || !okHi || hi == 0 {
		return nil
	}
	if lo > hi {
		return fmt.Errorf("%w: %s: %s (%d) exceeds %s (%d)", draftsync.ErrInvalidDraft, key, minField, lo, maxField, hi)
	}
	return nil
}
