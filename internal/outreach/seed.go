package outreach

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/outreachdesk/internal/remote"
)

// DevQueue is the fake task queue behind the pipeline RPCs of a seeded
// memory store.
type DevQueue struct {
	mu     sync.Mutex
	queued map[PipelineType]int
}

func (q *DevQueue) Queued(pipeline PipelineType) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued[pipeline]
}

// SeedMemory fills a memory store with a small outreach setup so the daemon
// can run without a database.
func SeedMemory(store *remote.MemoryStore, now time.Time) (*DevQueue, error) {
	senders := []map[string]any{
		{
			"email": "ana@outreach.test", "daily_cap": 40, "is_active": true,
			"gap_min_sec": 90, "gap_max_sec": 240, "auto_gap": false,
			"tz": "Europe/Berlin", "work_days": []int{1, 2, 3, 4, 5},
			"w1_start": "09:00", "w1_end": "12:00", "w2_start": "14:00", "w2_end": "17:30",
			"win_jitter_min_sec": 0, "win_jitter_max_sec": 300,
		},
		{
			"email": "ben@outreach.test", "daily_cap": 25, "is_active": false,
			"gap_min_sec": 120, "gap_max_sec": 360, "auto_gap": true,
			"tz": "America/New_York", "work_days": []int{1, 2, 3, 4},
			"w1_start": "08:30", "w1_end": "11:30",
		},
	}
	for _, row := range senders {
		if err := store.PutRow(SenderAccountsTable, "email", row); err != nil {
			return nil, fmt.Errorf("seed sender: %w", err)
		}
	}
	nextSlot := now.Add(25 * time.Minute).UTC().Format(time.RFC3339)
	store.SetView(SenderStatsView, []map[string]any{
		{
			"email": "ana@outreach.test", "is_active": true, "daily_cap": 40,
			"sent_today": 12, "sent_total": 840, "remaining_today": 28,
			"firsts_ready": 3, "followups_ready": 2, "can_send_now": true,
			"window_open": true, "cooldown_ok": true, "reasons": []string{},
			"opens_today": 5, "opens_total": 310, "unsubs_total": 4,
		},
		{
			"email": "ben@outreach.test", "is_active": false, "daily_cap": 25,
			"sent_today": 0, "sent_total": 120, "remaining_today": 25,
			"next_slot_utc": nextSlot, "reasons": []string{"inactive"},
		},
	})
	for _, pipeline := range PipelineTypes() {
		if err := store.PutRow(PipelineSettingsTable, "pipeline_type", map[string]any{"pipeline_type": string(pipeline), "enabled": true}); err != nil {
			return nil, fmt.Errorf("seed pipeline: %w", err)
		}
	}
	if err := store.PutRow(ScraperSettingsTable, "key", map[string]any{
		"key": "agents_per_search", "value": "20",
	}); err != nil {
		return nil, fmt.Errorf("seed setting: %w", err)
	}

	queue := &DevQueue{queued: map[PipelineType]int{PipelineLegacy: 7, PipelineMarketing: 12}}
	store.HandleRPC(rpcClearPipelineQueue, func(ctx context.Context, args map[string]any) (any, error) {
		raw, _ := args["p_pipeline_type"].(string)
		pipeline, err := ParsePipelineType(raw)
		if err != nil {
			return nil, err
		}
		queue.mu.Lock()
		defer queue.mu.Unlock()
		cleared := queue.queued[pipeline]
		queue.queued[pipeline] = 0
		return cleared, nil
	})
	store.HandleRPC(rpcResetAllTasks, func(ctx context.Context, args map[string]any) (any, error) {
		queue.mu.Lock()
		defer queue.mu.Unlock()
		total := 0
		for pipeline, n := range queue.queued {
			total += n
			queue.queued[pipeline] = 0
		}
		return total, nil
	})
	return queue, nil
}
