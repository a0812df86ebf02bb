package app

import (
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultEventLogSize = 20

type EventLevel string

const (
	EventInfo   EventLevel = "info"
	EventNotice EventLevel = "notice"
	EventError  EventLevel = "error"
)

// Event is one user-facing line, such as "viewer joined" or "room full".
type Event struct {
	Time  time.Time
	Level EventLevel
	Text  string
}

// EventLog keeps the most recent events of a session. The session layer
// creates one and hands it to whatever reports to the user.
type EventLog struct {
	module string

	mu     sync.Mutex
	size   int
	ring   []Event
	next   int
	count  int
	subs   map[uint64]func(Event)
	subSeq uint64
	now    func() time.Time
}

func NewEventLog(module string, size int) *EventLog {
	if size <= 0 {
		size = DefaultEventLogSize
	}
	return &EventLog{
		module: module,
		size:   size,
		ring:   make([]Event, size),
		subs:   make(map[uint64]func(Event)),
		now:    time.Now,
	}
}

func (l *EventLog) Info(text string)   { l.Add(EventInfo, text) }
func (l *EventLog) Notice(text string) { l.Add(EventNotice, text) }
func (l *EventLog) Error(text string)  { l.Add(EventError, text) }

// Add records an event, writes it to the process log and hands it to every
// subscriber in subscription order.
func (l *EventLog) Add(level EventLevel, text string) {
	l.mu.Lock()
	ev := Event{Time: l.now(), Level: level, Text: text}
	l.ring[l.next] = ev
	l.next = (l.next + 1) % l.size
	if l.count < l.size {
		l.count++
	}
	subs := l.subscribersLocked()
	l.mu.Unlock()

	var e *zerolog.Event
	switch level {
	case EventError:
		e = log.Error()
	case EventNotice:
		e = log.Warn()
	default:
		e = log.Info()
	}
	e.Str("module", l.module).Str("event", string(level)).Msg(text)

	for _, fn := range subs {
		fn(ev)
	}
}

func (l *EventLog) subscribersLocked() []func(Event) {
	ids := make([]uint64, 0, len(l.subs))
	for id := range l.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]func(Event), len(ids))
	for i, id := range ids {
		out[i] = l.subs[id]
	}
	return out
}

// Entries returns the kept events, oldest first.
func (l *EventLog) Entries() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, 0, l.count)
	start := (l.next - l.count + l.size) % l.size
	for i := 0; i < l.count; i++ {
		out = append(out, l.ring[(start+i)%l.size])
	}
	return out
}

// Subscribe calls fn for every later event until the returned func is called.
func (l *EventLog) Subscribe(fn func(Event)) (unsubscribe func()) {
	l.mu.Lock()
	l.subSeq++
	id := l.subSeq
	l.subs[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

// Reset forgets every kept event. Subscribers stay.
func (l *EventLog) Reset() {
	l.mu.Lock()
	l.ring = make([]Event, l.size)
	l.next = 0
	l.count = 0
	l.mu.Unlock()
}
