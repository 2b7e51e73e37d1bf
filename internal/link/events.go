package link

import (
	"errors"
	"sync/atomic"

	"github.com/dbehnke/pocketqube-comms/internal/payload"
	"github.com/golang/glog"
)

// ErrQueueFull is returned when an event could not be queued.
var ErrQueueFull = errors.New("link: event queue full")

// Event is a notification delivered to the state machine. Radio drivers,
// timers and collaborators produce events; only the machine consumes them.
type Event interface {
	event()
}

// TxDone reports that a frame left the antenna.
type TxDone struct{}

// RxDone carries a received frame.
type RxDone struct {
	Payload []byte
	RSSI    int16
	SNR     int8
}

// TxTimeout reports that the driver gave up transmitting.
type TxTimeout struct{}

// RxTimeout reports that a receive window closed without a frame.
type RxTimeout struct{}

// RxError reports a corrupt frame (CRC or header error).
type RxError struct{}

// CadDone reports the outcome of channel activity detection.
type CadDone struct {
	Detected bool
}

// CadTimerFired is posted when the CAD retry timer expires.
type CadTimerFired struct{}

// RxTimerFired is posted when the receive watchdog expires.
type RxTimerFired struct{}

// ContingencyChanged is posted by the mode sequencer.
type ContingencyChanged struct {
	On bool
}

// CommsReset is posted when a new payload supersedes the one in flight.
type CommsReset struct{}

// CaptureReady carries a new capture. The machine writes it to the payload
// zone and restarts the transfer.
type CaptureReady struct {
	Data []byte
}

func (TxDone) event()             {}
func (RxDone) event()             {}
func (TxTimeout) event()          {}
func (RxTimeout) event()          {}
func (RxError) event()            {}
func (CadDone) event()            {}
func (CadTimerFired) event()      {}
func (RxTimerFired) event()       {}
func (ContingencyChanged) event() {}
func (CommsReset) event()         {}
func (CaptureReady) event()       {}

// EventSink accepts events without blocking.
type EventSink interface {
	Post(ev Event) bool
}

// CaptureSink hands captures to the machine through its event queue, so the
// payload zone is only written from the machine goroutine.
type CaptureSink struct {
	Queue EventSink
}

// Ingest posts data as a CaptureReady event.
func (s CaptureSink) Ingest(data []byte) error {
	if len(data) == 0 {
		return payload.ErrEmpty
	}
	if !s.Queue.Post(CaptureReady{Data: data}) {
		return ErrQueueFull
	}
	return nil
}

// EventQueue is a bounded FIFO of events with a single consumer.
type EventQueue struct {
	ch      chan Event
	dropped atomic.Uint64
}

// NewEventQueue creates a queue holding up to size pending events.
func NewEventQueue(size int) *EventQueue {
	if size <= 0 {
		size = 1
	}
	return &EventQueue{ch: make(chan Event, size)}
}

// Post enqueues ev. It never blocks: on a full queue the event is dropped and
// false is returned.
func (q *EventQueue) Post(ev Event) bool {
	select {
	case q.ch <- ev:
		return true
	default:
		q.dropped.Add(1)
		glog.Warningf("link event queue full, dropping %T", ev)
		return false
	}
}

// C returns the receive side of the queue.
func (q *EventQueue) C() <-chan Event {
	return q.ch
}

// Len returns the number of pending events.
func (q *EventQueue) Len() int {
	return len(q.ch)
}

// Dropped returns the number of events lost to a full queue.
func (q *EventQueue) Dropped() uint64 {
	return q.dropped.Load()
}
