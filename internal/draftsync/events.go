package draftsync

import "time"

type EventType string

const (
	EventPatched        EventType = "draft.patched"
	EventCanceled       EventType = "draft.canceled"
	EventDiscarded      EventType = "draft.discarded"
	EventWriteStarted   EventType = "write.started"
	EventWriteSucceeded EventType = "write.succeeded"
	EventWriteRetrying  EventType = "write.retrying"
	EventWriteFailed    EventType = "write.failed"
	EventRefreshed      EventType = "refresh.succeeded"
	EventRefreshFailed  EventType = "refresh.failed"
)

type Event struct {
	Type    EventType   `json:"type"`
	Table   string      `json:"table"`
	Key     string      `json:"key,omitempty"`
	State   KeyState    `json:"state,omitempty"`
	Attempt int         `json:"attempt,omitempty"`
	Kind    FailureKind `json:"kind,omitempty"`
	Error   string      `json:"error,omitempty"`
	At      time.Time   `json:"at"`
}

// Subscribe returns a channel of events and a function that detaches it.
// Slow subscribers miss events rather than block the syncer.
func (s *Syncer) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
}

func (s *Syncer) emitLocked(ev Event) {
	ev.Table = s.table.Name
	ev.At = s.clock.Now()
	if ev.Key != "" && ev.State == "" {
		ev.State = s.keyStateLocked(ev.Key)
	}
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
