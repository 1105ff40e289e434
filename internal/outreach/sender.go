package outreach

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentworkforce/outreachdesk/internal/draftsync"
)

// SenderAccount is the typed form of an outreach_sender_accounts draft.
type SenderAccount struct {
	Email           string  `json:"email"`
	DailyCap        int     `json:"daily_cap"`
	IsActive        bool    `json:"is_active"`
	Notes           *string `json:"notes"`
	GapMinSec       int     `json:"gap_min_sec"`
	GapMaxSec       int     `json:"gap_max_sec"`
	AutoGap         bool    `json:"auto_gap"`
	TZ              *string `json:"tz"`
	WorkDays        []int   `json:"work_days"`
	W1Start         *string `json:"w1_start"`
	W1End           *string `json:"w1_end"`
	W2Start         *string `json:"w2_start"`
	W2End           *string `json:"w2_end"`
	W3Start         *string `json:"w3_start"`
	W3End           *string `json:"w3_end"`
	WinJitterMinSec int     `json:"win_jitter_min_sec"`
	WinJitterMaxSec int     `json:"win_jitter_max_sec"`
	W1Days          []int   `json:"w1_days"`
	W2Days          []int   `json:"w2_days"`
	W3Days          []int   `json:"w3_days"`
}

// SenderStats is one row of the outreach_sender_stats view.
type SenderStats struct {
	Email                   string   `json:"email"`
	IsActive                bool     `json:"is_active"`
	TZ                      string   `json:"tz"`
	DailyCap                int      `json:"daily_cap"`
	SentToday               int      `json:"sent_today"`
	SentTotal               int      `json:"sent_total"`
	RemainingToday          int      `json:"remaining_today"`
	SentTotalE1             int      `json:"sent_total_e1"`
	SentTotalE2             int      `json:"sent_total_e2"`
	SentTotalE3             int      `json:"sent_total_e3"`
	NextAvailableAt         *string  `json:"next_available_at"`
	NextSlotUTC             *string  `json:"next_slot_utc"`
	NextSlotCET             *string  `json:"next_slot_cet"`
	WindowOpen              bool     `json:"window_open"`
	CooldownOK              bool     `json:"cooldown_ok"`
	HasActiveQueue          bool     `json:"has_active_queue"`
	FirstsReady             int      `json:"firsts_ready"`
	FollowupsReady          int      `json:"followups_ready"`
	CanSendNow              bool     `json:"can_send_now"`
	PickTaskID              *string  `json:"pick_task_id"`
	PickTaskKind            *string  `json:"pick_task_kind"`
	ScheduledAtCalc         *string  `json:"scheduled_at_calc"`
	Reasons                 []string `json:"reasons"`
	OpensToday              int      `json:"opens_today"`
	UniqueOpensToday        int      `json:"unique_opens_today"`
	OpensTotal              int      `json:"opens_total"`
	OpenRateTodayPct        float64  `json:"open_rate_today_pct"`
	UnsubsToday             int      `json:"unsubs_today"`
	UniqueUnsubsToday       int      `json:"unique_unsubs_today"`
	UnsubsTotal             int      `json:"unsubs_total"`
	UnsubscribeRateTodayPct float64  `json:"unsubscribe_rate_today_pct"`
}

// DecodeSenderAccount reads a draft into a SenderAccount.
func DecodeSenderAccount(email string, draft draftsync.Fields) (SenderAccount, error) {
	var account SenderAccount
	if err := decodeFields(draft, &account); err != nil {
		return SenderAccount{}, fmt.Errorf("decode sender %s: %w", email, err)
	}
	account.Email = email
	return account, nil
}

// DecodeSenderStats reads a stats view row. A nil row decodes to zero stats.
func DecodeSenderStats(email string, row draftsync.Fields) (SenderStats, error) {
	var stats SenderStats
	if len(row) > 0 {
		if err := decodeFields(row, &stats); err != nil {
			return SenderStats{}, fmt.Errorf("decode stats %s: %w", email, err)
		}
	}
	stats.Email = email
	return stats, nil
}

func decodeFields(fields draftsync.Fields, out any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (s SenderStats) HasReason(reason string) bool {
	for _, r := range s.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}

func (s SenderStats) Queued() int {
	return s.FirstsReady + s.FollowupsReady
}

// NextSlot returns the next scheduled send slot, preferring the UTC column.
func (s SenderStats) NextSlot() (time.Time, bool) {
	for _, candidate := range []*string{s.NextSlotUTC, s.NextSlotCET} {
		if candidate == nil || *candidate == "" {
			continue
		}
		if at, err := time.Parse(time.RFC3339Nano, *candidate); err == nil {
			return at, true
		}
	}
	return time.Time{}, false
}

// SendState is the coarse status shown in compact sender lists.
type SendState string

const (
	SendOff     SendState = "off"
	SendReady   SendState = "ready"
	SendWaiting SendState = "waiting"
)

// StateOf uses the draft's is_active so a pause shows immediately, before the
// write lands and the stats view catches up.
func StateOf(account SenderAccount, stats SenderStats) SendState {
	switch {
	case !account.IsActive:
		return SendOff
	case stats.CanSendNow:
		return SendReady
	default:
		return SendWaiting
	}
}

type SenderPhase string

const (
	PhasePaused  SenderPhase = "paused"
	PhaseDayOff  SenderPhase = "day_off"
	PhaseCapped  SenderPhase = "cap_reached"
	PhaseSending SenderPhase = "sending"
	PhaseReady   SenderPhase = "ready"
	PhaseWaiting SenderPhase = "waiting"
)

const (
	reasonCapped   = "daily_cap_reached"
	reasonCooldown = "cooldown"
)

// SenderStatus is the detailed status of one sender at a point in time.
type SenderStatus struct {
	Phase SenderPhase `json:"phase"`
	// Weekday is the ISO weekday (1 = Monday) in the sender's zone.
	Weekday  int           `json:"weekday"`
	NextSlot *time.Time    `json:"nextSlot,omitempty"`
	WaitFor  time.Duration `json:"waitFor,omitempty"`
}

// Label renders the status the way the dashboard badge reads.
func (s SenderStatus) Label() string {
	switch s.Phase {
	case PhasePaused:
		return "Paused"
	case PhaseDayOff:
		return "Day off (" + isoWeekdayName(s.Weekday) + ")"
	case PhaseCapped:
		return "Cap reached"
	case PhaseSending:
		return "Sending..."
	case PhaseReady:
		return "Ready"
	default:
		if s.WaitFor > 0 {
			return "Waiting · " + FormatCountdown(s.WaitFor)
		}
		return "Waiting"
	}
}

// StatusAt decides the detailed sender status. Checks run in priority order:
// paused, day off, cap reached, sending, ready, waiting.
func StatusAt(account SenderAccount, stats SenderStats, now time.Time) SenderStatus {
	loc := time.UTC
	if account.TZ != nil && *account.TZ != "" {
		if zone, err := time.LoadLocation(*account.TZ); err == nil {
			loc = zone
		}
	}
	status := SenderStatus{Weekday: isoWeekday(now.In(loc))}
	workDays := account.WorkDays
	if workDays == nil {
		workDays = []int{1, 2, 3, 4, 5}
	}
	switch {
	case !account.IsActive:
		status.Phase = PhasePaused
	case !containsInt(workDays, status.Weekday):
		status.Phase = PhaseDayOff
	case stats.HasReason(reasonCapped):
		status.Phase = PhaseCapped
	case stats.HasActiveQueue:
		status.Phase = PhaseSending
	case stats.Queued() > 0 && !stats.HasReason(reasonCooldown):
		status.Phase = PhaseReady
	default:
		status.Phase = PhaseWaiting
		if slot, ok := stats.NextSlot(); ok {
			status.NextSlot = &slot
			if wait := slot.Sub(now); wait > 0 {
				status.WaitFor = wait
			}
		}
	}
	return status
}

// FormatCountdown renders d as "1h 5m" or "12m". Sub-minute waits read "0m".
func FormatCountdown(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int(d / time.Hour)
	mins := int((d % time.Hour) / time.Minute)
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func isoWeekday(t time.Time) int {
	day := int(t.Weekday())
	if day == 0 {
		return 7
	}
	return day
}

func isoWeekdayName(day int) string {
	names := []string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}
	if day < 1 || day > 7 {
		return "?"
	}
	return names[day-1]
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}

// Aggregates sums the fleet-wide counters shown above the sender list.
type Aggregates struct {
	Active      int `json:"active"`
	Ready       int `json:"ready"`
	SentToday   int `json:"sentToday"`
	Queued      int `json:"queued"`
	SentTotal   int `json:"sentTotal"`
	OpensTotal  int `json:"opensTotal"`
	UnsubsTotal int `json:"unsubsTotal"`
}

func Aggregate(stats []SenderStats) Aggregates {
	var agg Aggregates
	for _, row := range stats {
		if row.IsActive {
			agg.Active++
		}
		if row.CanSendNow {
			agg.Ready++
		}
		agg.SentToday += row.SentToday
		agg.Queued += row.Queued()
		agg.SentTotal += row.SentTotal
		agg.OpensTotal += row.OpensTotal
		agg.UnsubsTotal += row.UnsubsTotal
	}
	return agg
}

// SenderOverview joins each sender's draft with its stats row.
type SenderOverview struct {
	Account SenderAccount    `json:"account"`
	Stats   SenderStats      `json:"stats"`
	State   SendState        `json:"state"`
	Status  SenderStatus     `json:"status"`
	Sync    draftsync.Status `json:"sync"`
}

// Overview builds the per-sender dashboard rows and fleet aggregates from a
// syncer snapshot of the sender table.
func Overview(snapshot draftsync.TableSnapshot, now time.Time) ([]SenderOverview, Aggregates, error) {
	rows := make([]SenderOverview, 0, len(snapshot.Records))
	all := make([]SenderStats, 0, len(snapshot.Records))
	for _, rec := range snapshot.Records {
		account, err := DecodeSenderAccount(rec.Key, rec.Draft)
		if err != nil {
			return nil, Aggregates{}, err
		}
		stats, err := DecodeSenderStats(rec.Key, rec.Stats)
		if err != nil {
			return nil, Aggregates{}, err
		}
		all = append(all, stats)
		rows = append(rows, SenderOverview{
			Account: account,
			Stats:   stats,
			State:   StateOf(account, stats),
			Status:  StatusAt(account, stats, now),
			Sync:    rec.Status,
		})
	}
	return rows, Aggregate(all), nil
}
