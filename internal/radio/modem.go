// Package radio drives the link state machine over packet transports. A
// Modem emulates the half-duplex LoRa transceiver: it turns transport
// traffic into the completion events the machine expects.
package radio

import (
	"errors"
	"sync"
	"time"

	"github.com/dbehnke/pocketqube-comms/internal/link"
	"github.com/golang/glog"
)

// ErrClosed is returned by a transport after Close.
var ErrClosed = errors.New("radio: transport closed")

// Frame is one received frame with its signal quality.
type Frame struct {
	Payload []byte
	RSSI    int16
	SNR     int8
}

// Transport carries frames between the modem and the ground segment.
type Transport interface {
	// Send delivers one downlink frame. It may block for the duration of the
	// transfer.
	Send(frame []byte) error
	// Frames returns the uplink frames. The channel is closed by Close.
	Frames() <-chan Frame
	Close() error
}

// Configurer is implemented by transports with a modulation of their own.
type Configurer interface {
	Configure(p link.Params) error
}

type mode int

const (
	modeStandby mode = iota
	modeCad
	modeRx
	modeTx
)

// DefaultCadTime is the channel activity detection duration.
const DefaultCadTime = 20 * time.Millisecond

// DefaultBacklog is the number of uplink frames held between receptions.
const DefaultBacklog = 8

// Modem implements link.Radio over a Transport.
type Modem struct {
	tr   Transport
	sink link.EventSink

	CadTime time.Duration
	Backlog int

	mu      sync.Mutex
	params  link.Params
	mode    mode
	gen     uint64 // bumped by every mode change; stale completions compare it
	pending []Frame

	done chan struct{}
	wg   sync.WaitGroup
}

// NewModem creates a modem posting completions to sink. Call Start before
// use.
func NewModem(tr Transport, sink link.EventSink) *Modem {
	return &Modem{
		tr:      tr,
		sink:    sink,
		CadTime: DefaultCadTime,
		Backlog: DefaultBacklog,
		done:    make(chan struct{}),
	}
}

// Start begins pumping uplink frames.
func (m *Modem) Start() {
	m.wg.Add(1)
	go m.pump()
}

// Close stops the modem and its transport.
func (m *Modem) Close() error {
	m.mu.Lock()
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	m.gen++
	m.mu.Unlock()
	err := m.tr.Close()
	m.wg.Wait()
	return err
}

func (m *Modem) pump() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case f, ok := <-m.tr.Frames():
			if !ok {
				return
			}
			m.arrived(f)
		}
	}
}

func (m *Modem) arrived(f Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == modeRx {
		m.mode = modeStandby
		m.gen++
		m.sink.Post(link.RxDone{Payload: f.Payload, RSSI: f.RSSI, SNR: f.SNR})
		return
	}
	if len(m.pending) >= m.Backlog {
		glog.Warningf("uplink backlog full, dropping oldest frame")
		m.pending = m.pending[1:]
	}
	m.pending = append(m.pending, f)
}

// Configure applies p to the modem and, if supported, to the transport.
func (m *Modem) Configure(p link.Params) error {
	if c, ok := m.tr.(Configurer); ok {
		if err := c.Configure(p); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.params = p
	m.mu.Unlock()
	glog.V(1).Infof("modem configured: %s", p)
	return nil
}

// StartCad reports activity after CadTime if an uplink frame is waiting.
func (m *Modem) StartCad() error {
	m.mu.Lock()
	m.mode = modeCad
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	time.AfterFunc(m.CadTime, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.gen != gen {
			return
		}
		m.mode = modeStandby
		m.sink.Post(link.CadDone{Detected: len(m.pending) > 0})
	})
	return nil
}

// Receive delivers the oldest waiting frame, or the next one to arrive
// within timeout.
func (m *Modem) Receive(timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	if len(m.pending) > 0 {
		f := m.pending[0]
		m.pending = m.pending[1:]
		m.mode = modeStandby
		m.sink.Post(link.RxDone{Payload: f.Payload, RSSI: f.RSSI, SNR: f.SNR})
		return nil
	}
	m.mode = modeRx
	gen := m.gen
	time.AfterFunc(timeout, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.gen != gen {
			return
		}
		m.mode = modeStandby
		m.sink.Post(link.RxTimeout{})
	})
	return nil
}

// Send hands frame to the transport and reports TxDone once the frame's air
// time has elapsed, or TxTimeout if the transport fails.
func (m *Modem) Send(frame []byte) error {
	m.mu.Lock()
	m.mode = modeTx
	m.gen++
	gen := m.gen
	air := link.TimeOnAir(m.params, len(frame))
	m.mu.Unlock()

	buf := append([]byte(nil), frame...)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		start := time.Now()
		err := m.tr.Send(buf)
		if err != nil {
			glog.Warningf("downlink send failed: %v", err)
		} else if rest := air - time.Since(start); rest > 0 {
			select {
			case <-time.After(rest):
			case <-m.done:
				return
			}
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.gen != gen {
			return
		}
		m.mode = modeStandby
		if err != nil {
			m.sink.Post(link.TxTimeout{})
			return
		}
		m.sink.Post(link.TxDone{})
	}()
	return nil
}

// Standby aborts any pending CAD or reception.
func (m *Modem) Standby() error {
	m.mu.Lock()
	if m.mode != modeTx {
		m.mode = modeStandby
		m.gen++
	}
	m.mu.Unlock()
	return nil
}

// TimeOnAir returns the air time of an n byte frame.
func (m *Modem) TimeOnAir(n int) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return link.TimeOnAir(m.params, n)
}

// Pending returns the number of uplink frames waiting for a reception.
func (m *Modem) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
