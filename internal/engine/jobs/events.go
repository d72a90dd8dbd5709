package jobs

import (
	"sync"
	"time"

	"github.com/mkorchev/lectoscribe/internal/engine"
)

// Stage is the progress stage of one transcription flow.
type Stage string

const (
	StageStarting   Stage = "starting"
	StagePreparing  Stage = "preparing"
	StageUploading  Stage = "uploading"
	StageProcessing Stage = "processing"
	StagePolling    Stage = "polling"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
	StageCanceled   Stage = "canceled"
)

// Terminal reports whether no further transition can occur from s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCanceled
}

// Event is one progress update, sequenced per bus.
type Event struct {
	Seq       int64       `json:"seq"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"requestId"`
	Stage     Stage       `json:"stage"`
	Percent   float64     `json:"percent,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      engine.Code `json:"code,omitempty"`
}

// EventBus stores recent events and fans them out to live subscribers.
type EventBus struct {
	mu        sync.RWMutex
	nextSeq   int64
	nextSub   int
	maxEvents int
	events    []Event
	subs      map[int]subscriber
}

type subscriber struct {
	requestID string // "" = all flows
	ch        chan Event
}

// NewEventBus creates a bounded in-memory event buffer.
func NewEventBus(maxEvents int) *EventBus {
	if maxEvents <= 0 {
		maxEvents = 500
	}
	return &EventBus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		subs:      make(map[int]subscriber),
	}
}

// Publish appends one event, assigns sequence and timestamp, and notifies
// subscribers. Slow subscribers lose events rather than block the flow.
func (b *EventBus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	for _, sub := range b.subs {
		if sub.requestID != "" && sub.requestID != event.RequestID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
	return event
}

// Since returns events with sequence strictly greater than seq.
func (b *EventBus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return nil
	}
	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// Subscribe registers a live listener for one flow (or all flows when
// requestID is empty). The returned cancel must be called to release it.
func (b *EventBus) Subscribe(requestID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSub++
	id := b.nextSub
	ch := make(chan Event, 64)
	b.subs[id] = subscriber{requestID: requestID, ch: ch}

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
	}
}
