package executor

import "sync"

// EventKind identifies the callback an Event came from.
type EventKind int

const (
	EventStep EventKind = iota
	EventLog
	EventStatus
)

func (k EventKind) String() string {
	switch k {
	case EventStep:
		return "step"
	case EventLog:
		return "log"
	case EventStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Event is one observer callback as a value. Step is set for EventStep,
// Text for the others.
type Event struct {
	Kind EventKind
	Step StepEvent
	Text string
}

// EventStream turns Observer callbacks into an ordered channel. The queue is
// unbounded, so a slow reader never blocks the run.
type EventStream struct {
	in   chan Event
	out  chan Event
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewEventStream starts the stream's forwarding goroutine. Call Close when
// the run is over.
func NewEventStream() *EventStream {
	s := &EventStream{
		in:   make(chan Event),
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	go s.pump()
	return s
}

// Observer returns callbacks that feed the stream.
func (s *EventStream) Observer() Observer {
	return Observer{
		OnStep:   func(e StepEvent) { s.send(Event{Kind: EventStep, Step: e}) },
		OnLog:    func(msg string) { s.send(Event{Kind: EventLog, Text: msg}) },
		OnStatus: func(text string) { s.send(Event{Kind: EventStatus, Text: text}) },
	}
}

// Events is closed after Close once every queued event has been read.
func (s *EventStream) Events() <-chan Event {
	return s.out
}

// Close stops accepting events and waits until the reader has drained the
// queue. Events sent after Close are dropped.
func (s *EventStream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	close(s.in)
	s.mu.Unlock()
	<-s.done
}

func (s *EventStream) send(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.in <- e
}

func (s *EventStream) pump() {
	defer close(s.done)
	defer close(s.out)

	in := s.in
	var queue []Event
	for in != nil || len(queue) > 0 {
		var out chan Event
		var next Event
		if len(queue) > 0 {
			out = s.out
			next = queue[0]
		}

		select {
		case e, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			queue = append(queue, e)
		case out <- next:
			queue[0] = Event{}
			queue = queue[1:]
		}
	}
}
