package scheduler

import (
	"sync/atomic"
	"time"

	"github.com/s1366560/overseer/internal/logging"
)

// EventType classifies scheduler events.
type EventType string

const (
	// EventTaskStarted fires when a task acquires a slot and begins.
	EventTaskStarted EventType = "task_started"
	// EventTaskProgress relays execution-unit progress output.
	EventTaskProgress EventType = "task_progress"
	// EventTaskCompleted fires when a task finishes successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed fires when a task fails, times out, or is aborted.
	EventTaskFailed EventType = "task_failed"
	// EventTaskDropped fires when a task is discarded before scheduling.
	EventTaskDropped EventType = "task_dropped"
	// EventBatchCompleted closes the stream with the batch summary.
	EventBatchCompleted EventType = "batch_completed"
)

// Event is one element of the interleaved, task-id-tagged batch stream.
type Event struct {
	Type     EventType
	TaskID   string
	SubAgent string
	Message  string
	// Batch is set only on EventBatchCompleted.
	Batch *BatchResult
}

// emitter is a bounded, drop-counting event channel. A slow consumer
// loses events rather than stalling the batch.
type emitter struct {
	events  chan Event
	dropped atomic.Uint64
}

func newEmitter(bufferSize int) *emitter {
	if bufferSize <= 0 {
		bufferSize = 128
	}
	return &emitter{events: make(chan Event, bufferSize)}
}

// emit sends an event, giving a full channel a short grace period before
// dropping.
func (e *emitter) emit(ev Event) {
	select {
	case e.events <- ev:
		return
	default:
	}

	select {
	case e.events <- ev:
	case <-time.After(100 * time.Millisecond):
		count := e.dropped.Add(1)
		if count%10 == 1 {
			logging.Debugf("[scheduler] event channel full, dropped event (total dropped: %d): type=%s task=%s", count, ev.Type, ev.TaskID)
		}
	}
}

// droppedCount returns how many events were discarded.
func (e *emitter) droppedCount() uint64 {
	return e.dropped.Load()
}

func (e *emitter) close() {
	close(e.events)
}
