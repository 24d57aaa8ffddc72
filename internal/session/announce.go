package session

import (
	"sync"
	"time"
)

// Announce statuses stored in run metadata.
const (
	announceDelivered = "delivered"
	announceGiveup    = "giveup"
)

// AnnounceEventKind classifies announce log entries.
type AnnounceEventKind string

const (
	// AnnounceRetry records a failed persistence attempt that will be
	// retried.
	AnnounceRetry AnnounceEventKind = "retry"
	// AnnounceDelivered records a successful persistence.
	AnnounceDelivered AnnounceEventKind = "delivered"
	// AnnounceGiveup records retry exhaustion.
	AnnounceGiveup AnnounceEventKind = "giveup"
)

// AnnounceEvent is one entry in the announce event log.
type AnnounceEvent struct {
	Time    time.Time
	Kind    AnnounceEventKind
	RunID   string
	Attempt int
	Detail  string
}

// announceLog is a size-capped ring of announce events. When full, the
// oldest entry is dropped and the drop counter incremented.
type announceLog struct {
	mu      sync.Mutex
	entries []AnnounceEvent
	max     int
	dropped uint64
}

func newAnnounceLog(max int) *announceLog {
	if max <= 0 {
		max = 100
	}
	return &announceLog{max: max}
}

func (l *announceLog) append(e AnnounceEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) >= l.max {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
		l.dropped++
	}
	l.entries = append(l.entries, e)
}

// Events returns a copy of the log.
func (l *announceLog) Events() []AnnounceEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AnnounceEvent, len(l.entries))
	copy(out, l.entries)
	return out
}

// Dropped returns how many entries were discarded to stay under the cap.
func (l *announceLog) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
