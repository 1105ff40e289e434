// Package outreach defines the outreach tables operators edit: sender
// accounts, scraper settings and pipeline switches.
package outreach

import (
	"sort"
	"time"

	"github.com/agentworkforce/outreachdesk/internal/draftsync"
)

const (
	SenderAccountsTable   = "outreach_sender_accounts"
	SenderStatsView       = "outreach_sender_stats"
	ScraperSettingsTable  = "scraper_settings"
	PipelineSettingsTable = "outreach_pipeline_settings"
)

var senderEditable = []string{
	"daily_cap", "is_active", "notes",
	"gap_min_sec", "gap_max_sec", "auto_gap",
	"tz", "work_days",
	"w1_start", "w1_end", "w2_start", "w2_end", "w3_start", "w3_end",
	"win_jitter_min_sec", "win_jitter_max_sec",
	"w1_days", "w2_days", "w3_days",
}

func SenderAccounts() draftsync.Table {
	return draftsync.Table{
		Name:         SenderAccountsTable,
		KeyField:     "email",
		VersionField: "updated_at",
		Editable:     append([]string(nil), senderEditable...),
		Defaults:     senderDefaults(),
		StatsView:    SenderStatsView,
		Coerce:       CoerceSender,
		Validator:    senderValidator(),
	}
}

func ScraperSettings() draftsync.Table {
	return draftsync.Table{
		Name:         ScraperSettingsTable,
		KeyField:     "key",
		VersionField: "updated_at",
		Editable:     []string{"value"},
		Defaults:     draftsync.Fields{"value": nil},
		Upsert:       true,
		Coerce:       CoerceSetting,
		Validator:    settingValidator(),
	}
}

func PipelineSettings() draftsync.Table {
	return draftsync.Table{
		Name:      PipelineSettingsTable,
		KeyField:  "pipeline_type",
		Editable:  []string{"enabled"},
		Defaults:  draftsync.Fields{"enabled": true},
		Upsert:    true,
		Coerce:    CoercePipeline,
		Validator: pipelineValidator(),
	}
}

// Tables returns every known table, sorted by name.
func Tables() []draftsync.Table {
	tables := []draftsync.Table{SenderAccounts(), ScraperSettings(), PipelineSettings()}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })
	return tables
}

func TableByName(name string) (draftsync.Table, bool) {
	for _, table := range Tables() {
		if table.Name == name {
			return table, true
		}
	}
	return draftsync.Table{}, false
}

func TableNames() []string {
	tables := Tables()
	names := make([]string, 0, len(tables))
	for _, table := range tables {
		names = append(names, table.Name)
	}
	return names
}

// DefaultRefreshInterval is how often a table is re-read when nothing else
// triggers a refresh. Sender rows change under live sending, settings rarely.
func DefaultRefreshInterval(table string) time.Duration {
	switch table {
	case SenderAccountsTable:
		return 10 * time.Second
	case ScraperSettingsTable, PipelineSettingsTable:
		return 60 * time.Second
	default:
		return 30 * time.Second
	}
}
