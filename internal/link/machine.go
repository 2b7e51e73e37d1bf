package link

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dbehnke/pocketqube-comms/internal/flash"
	"github.com/dbehnke/pocketqube-comms/internal/payload"
	"github.com/dbehnke/pocketqube-comms/internal/protocol"
	"github.com/dbehnke/pocketqube-comms/internal/settings"
	"github.com/dbehnke/pocketqube-comms/internal/telecommand"
	"github.com/golang/glog"
)

// ErrSystemReset is returned by Run after a reset telecommand. The caller
// re-initialises everything from flash, as after a power-on reset.
var ErrSystemReset = errors.New("link: system reset requested")

// State is the radio operating mode.
type State int

const (
	StateLowPower State = iota
	StateRx
	StateRxTimeout
	StateRxError
	StateTx
	StateTxTimeout
	StateStartCad
)

func (s State) String() string {
	switch s {
	case StateLowPower:
		return "LOWPOWER"
	case StateRx:
		return "RX"
	case StateRxTimeout:
		return "RX_TIMEOUT"
	case StateRxError:
		return "RX_ERROR"
	case StateTx:
		return "TX"
	case StateTxTimeout:
		return "TX_TIMEOUT"
	case StateStartCad:
		return "START_CAD"
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// CadResult is the outcome of the last channel activity detection.
type CadResult int

const (
	CadFail CadResult = iota
	CadSuccess
	CadPending
)

// Config holds the link parameters.
type Config struct {
	BufferSize       int
	UplinkBufferSize int
	WindowSize       int
	CadRetry         time.Duration // delay before sensing the channel again
	RxWatchdog       time.Duration // total time allowed for one reception
	RxTimeout        time.Duration // single receive window
	Tick             time.Duration // timer resolution of Run
	Radio            Params        // SF and CR come from the stored link config
}

// DefaultConfig returns the stock link parameters.
func DefaultConfig() Config {
	return Config{
		BufferSize:       protocol.DefaultBufferSize,
		UplinkBufferSize: protocol.DefaultUplinkBufferSize,
		WindowSize:       protocol.DefaultWindowSize,
		CadRetry:         2 * time.Second,
		RxWatchdog:       4 * time.Second,
		RxTimeout:        3 * time.Second,
		Tick:             10 * time.Millisecond,
		Radio: Params{
			Frequency: 868000000,
			TxPower:   22,
			Bandwidth: 125000,
			Preamble:  8,
		},
	}
}

// Validate checks the frame and window sizes.
func (c Config) Validate() error {
	if c.WindowSize < 1 || c.WindowSize > protocol.MaxWindowSize {
		return fmt.Errorf("window size %d outside 1..%d", c.WindowSize, protocol.MaxWindowSize)
	}
	if c.BufferSize < protocol.AckPayloadLength || c.UplinkBufferSize < 2 {
		return fmt.Errorf("buffer sizes %d/%d too small", c.BufferSize, c.UplinkBufferSize)
	}
	if c.UplinkBufferSize > c.BufferSize {
		return fmt.Errorf("telemetry chunk of %d bytes does not fit a %d byte frame", c.UplinkBufferSize-1, c.BufferSize-1)
	}
	if c.BufferSize < settings.ConfigRecordSize+1 {
		return fmt.Errorf("buffer size %d cannot carry a config dump", c.BufferSize)
	}
	if c.Tick <= 0 {
		return fmt.Errorf("tick must be positive")
	}
	return nil
}

// Status is a snapshot of the machine for observers outside its goroutine.
type Status struct {
	State       State
	Window      WindowState
	WindowFull  bool
	SendData    bool
	Telemetry   bool
	Nack        bool
	Ack         protocol.AckBitmap
	Contingency bool
	Params      Params
	Stats       Stats
}

// Machine is the radio link state machine. Handle, Step, Clock and Run must
// be called from one goroutine; SetContingency, ResetCommsParams and Status
// are safe from any goroutine.
type Machine struct {
	cfg        Config
	radio      Radio
	queue      *EventQueue
	settings   *settings.Store
	store      *flash.Store
	acct       *Accountant
	packager   *Packager
	dispatcher *telecommand.Dispatcher
	ingester   *payload.Ingester

	state          State
	cad            CadResult
	packetReceived bool
	rxInFlight     bool
	rxBuf          []byte
	rxRSSI         int16
	rxSNR          int8
	txInFlight     bool

	sendData       bool
	sendConfig     bool
	contingency    bool
	resetRequested bool
	params         Params

	cadTimer *Timer
	rxTimer  *Timer

	stats Stats

	mu        sync.Mutex
	published Status
}

// NewMachine creates a machine in low power. Events for it are read from
// queue, which is also where radio drivers and timers post.
func NewMachine(cfg Config, radio Radio, queue *EventQueue, st *settings.Store) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fs := st.Flash()
	if blocks := fs.Map().Payload.Size / cfg.BufferSize; blocks >= math.MaxUint16 {
		return nil, fmt.Errorf("payload zone of %d blocks exceeds the window slot range", blocks)
	}
	acct := NewAccountant(fs, cfg.WindowSize, cfg.BufferSize)
	m := &Machine{
		cfg:      cfg,
		radio:    radio,
		queue:    queue,
		settings: st,
		store:    fs,
		acct:     acct,
		packager: NewPackager(fs, acct, cfg.BufferSize, cfg.UplinkBufferSize),
		ingester: payload.NewIngester(st, nil),
		state:    StateLowPower,
		rxBuf:    make([]byte, 0, cfg.UplinkBufferSize),
		cadTimer: NewTimer(1000, int(cfg.CadRetry.Milliseconds())),
		rxTimer:  NewTimer(1000, int(cfg.RxWatchdog.Milliseconds())),
	}
	m.dispatcher = telecommand.NewDispatcher(st, m, cfg.UplinkBufferSize)
	return m, nil
}

// Start loads the link configuration and counters from flash, configures the
// radio and starts sensing the channel.
func (m *Machine) Start() error {
	if err := m.configure(); err != nil {
		return err
	}
	m.state = StateStartCad
	return m.Step()
}

func (m *Machine) configure() error {
	lc, err := m.settings.LinkConfig()
	if err != nil {
		return fmt.Errorf("load link config: %w", err)
	}
	p := m.cfg.Radio
	p.SF = lc.SF
	p.CR = lc.CR
	if err := m.radio.Configure(p); err != nil {
		return fmt.Errorf("configure radio: %w", err)
	}
	m.params = p
	m.stats.AirTime = m.radio.TimeOnAir(m.cfg.BufferSize)

	if err := m.acct.Load(); err != nil {
		return fmt.Errorf("load window counters: %w", err)
	}
	if err := m.loadPayloadLength(); err != nil {
		return err
	}
	m.packager.ResetAck()

	glog.Infof("link configured: %s, frame air time %v, %s", p, m.stats.AirTime, m.acct.State())
	m.publish()
	return nil
}

func (m *Machine) loadPayloadLength() error {
	n, err := m.settings.Uint32(flash.ItemPayloadLength)
	if err != nil {
		return fmt.Errorf("load payload length: %w", err)
	}
	m.packager.SetPayloadLength(int(n))
	return nil
}

// Run starts the machine and processes events and timers until ctx is done
// or a reset telecommand arrives.
func (m *Machine) Run(ctx context.Context) error {
	if err := m.Start(); err != nil {
		return err
	}

	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-ctx.Done():
			m.radio.Standby()
			return nil

		case ev := <-m.queue.C():
			if err := m.Handle(ev); err != nil {
				if errors.Is(err, ErrSystemReset) {
					glog.Infof("reset telecommand received, stopping link")
					m.radio.Standby()
					return err
				}
				glog.Errorf("link: %v", err)
			}

		case now := <-ticker.C:
			elapsed := int(now.Sub(last).Milliseconds())
			if elapsed > 0 {
				last = now
				m.Clock(elapsed)
			}
		}
	}
}

// Clock advances both timers by ms milliseconds and posts their expiries.
func (m *Machine) Clock(ms int) {
	if m.cadTimer.Clock(ms) {
		m.queue.Post(CadTimerFired{})
	}
	if m.rxTimer.Clock(ms) {
		m.queue.Post(RxTimerFired{})
	}
}

// Handle applies one event and then runs the machine until it rests in
// low power.
func (m *Machine) Handle(ev Event) error {
	switch e := ev.(type) {
	case TxDone:
		m.standby()
		m.txInFlight = false
		m.state = StateTx
	case RxDone:
		m.standby()
		m.rxInFlight = false
		m.rxTimer.Stop()
		m.rxBuf = append(m.rxBuf[:0], e.Payload...)
		m.rxRSSI = e.RSSI
		m.rxSNR = e.SNR
		m.packetReceived = true
		m.state = StateRx
	case TxTimeout:
		m.standby()
		m.txInFlight = false
		m.state = StateTxTimeout
	case RxTimeout:
		m.standby()
		m.rxInFlight = false
		m.state = StateRxTimeout
	case RxError:
		m.standby()
		m.rxInFlight = false
		m.state = StateRxError
	case CadDone:
		m.standby()
		if e.Detected {
			m.cad = CadSuccess
			m.stats.CadDetected++
		} else {
			m.cad = CadFail
			m.stats.CadMissed++
		}
		m.state = StateRx
	case CadTimerFired:
		if m.txInFlight {
			glog.V(2).Infof("CAD retry timer fired during transmission, ignored")
			break
		}
		m.standby()
		m.state = StateStartCad
	case RxTimerFired:
		if !m.rxInFlight {
			break
		}
		glog.V(2).Infof("receive watchdog expired")
		m.standby()
		m.rxInFlight = false
		m.state = StateRxTimeout
	case ContingencyChanged:
		if m.contingency != e.On {
			glog.Infof("contingency %v", e.On)
		}
		m.contingency = e.On
	case CommsReset:
		if err := m.resetComms(); err != nil {
			m.publish()
			return err
		}
	case CaptureReady:
		if err := m.ingester.Ingest(e.Data); err != nil {
			m.publish()
			return fmt.Errorf("store capture: %w", err)
		}
		if err := m.resetComms(); err != nil {
			m.publish()
			return err
		}
	default:
		glog.Warningf("unexpected link event %T", ev)
	}

	err := m.Step()
	m.publish()
	return err
}

// Step runs state actions until the machine rests in low power. The first
// error is returned after the machine has come to rest.
func (m *Machine) Step() error {
	var firstErr error
	for m.state != StateLowPower && !m.resetRequested {
		var err error
		switch m.state {
		case StateRxTimeout:
			m.stats.RxTimeouts++
			m.state = StateStartCad
		case StateRxError:
			m.stats.RxErrors++
			m.packetReceived = false
			m.state = StateStartCad
		case StateRx:
			err = m.receive()
		case StateTx:
			err = m.transmit()
		case StateTxTimeout:
			m.stats.TxTimeouts++
			m.cadTimer.Start()
			m.state = StateLowPower
		case StateStartCad:
			m.startCad()
		default:
			m.state = StateLowPower
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.resetRequested {
		return ErrSystemReset
	}
	return firstErr
}

func (m *Machine) receive() error {
	if m.packetReceived {
		m.packetReceived = false
		m.stats.record(m.rxRSSI, m.rxSNR)
		glog.V(2).Infof("frame received (%d bytes, rssi %d, snr %d)", len(m.rxBuf), m.rxRSSI, m.rxSNR)

		// a telecommand may move the machine to Tx; that transition wins
		m.state = StateStartCad
		if err := m.dispatcher.Dispatch(m.rxBuf); err != nil {
			return fmt.Errorf("telecommand: %w", err)
		}
		return nil
	}

	m.state = StateLowPower
	if m.cad == CadSuccess {
		m.rxTimer.Start()
		if err := m.radio.Receive(m.cfg.RxTimeout); err != nil {
			glog.Warningf("starting reception failed: %v", err)
			m.rxTimer.Stop()
			m.cadTimer.Start()
			return nil
		}
		m.rxInFlight = true
		return nil
	}
	m.cadTimer.Start()
	return nil
}

func (m *Machine) transmit() error {
	m.state = StateLowPower
	if m.contingency {
		m.cadTimer.Start()
		return nil
	}

	var (
		frame []byte
		kind  FrameKind
		err   error
	)
	switch {
	case m.sendConfig:
		m.sendConfig = false
		var rec []byte
		if rec, err = m.settings.ConfigRecord(); err == nil {
			frame, kind = protocol.ConfigFrame(rec, m.cfg.BufferSize), FrameConfig
		}
	case (m.sendData || m.packager.Telemetry() || m.packager.Nack()) && !m.acct.WindowFull():
		if m.sendData && !m.packager.PayloadRemaining() && !m.packager.Nack() {
			m.sendData = false
			glog.Infof("payload transfer complete (%s)", m.acct.State())
		}
		before := m.acct.State()
		frame, kind, err = m.packager.Next(m.sendData)
		if err == nil && frame == nil && m.acct.State() != before {
			// a drained window was closed without sending
			m.cadTimer.Start()
			if err := m.acct.Flush(); err != nil {
				return fmt.Errorf("flush window counters: %w", err)
			}
			return nil
		}
	}
	if err != nil {
		m.cadTimer.Start()
		return fmt.Errorf("build %s frame: %w", kind, err)
	}
	if frame == nil {
		m.cadTimer.Start()
		return nil
	}

	m.cadTimer.Stop()
	if err := m.radio.Send(frame); err != nil {
		glog.Warningf("sending %s frame failed: %v", kind, err)
		m.stats.TxTimeouts++
		m.cadTimer.Start()
		return nil
	}
	m.txInFlight = true
	m.stats.FramesSent++
	switch kind {
	case FramePayload:
		m.stats.PayloadFrames++
	case FrameRetransmit:
		m.stats.Retransmissions++
	case FrameTelemetry:
		m.stats.TelemetryFrames++
	case FrameConfig:
		m.stats.ConfigDumps++
	}
	glog.V(2).Infof("sent %s frame, %s", kind, m.acct.State())

	if kind == FramePayload || kind == FrameRetransmit {
		if m.acct.WindowFull() {
			glog.V(1).Infof("window %d complete, awaiting ACK", m.acct.State().Window-1)
		}
		if err := m.acct.Flush(); err != nil {
			glog.Errorf("window counters not persisted after send: %v", err)
			return fmt.Errorf("flush window counters: %w", err)
		}
	}
	return nil
}

func (m *Machine) startCad() {
	m.rxTimer.Stop()
	if m.cad == CadFail {
		glog.V(3).Infof("no channel activity detected")
	}
	m.cad = CadPending
	m.state = StateLowPower
	if err := m.radio.StartCad(); err != nil {
		glog.Warningf("starting CAD failed: %v", err)
		m.cad = CadFail
		m.cadTimer.Start()
	}
}

func (m *Machine) standby() {
	if err := m.radio.Standby(); err != nil {
		glog.Warningf("radio standby failed: %v", err)
	}
}

func (m *Machine) resetComms() error {
	m.acct.Reset()
	m.packager.ResetAck()
	if err := m.loadPayloadLength(); err != nil {
		return err
	}
	glog.Infof("new payload, transfer counters reset")
	if err := m.acct.Flush(); err != nil {
		return fmt.Errorf("flush window counters: %w", err)
	}
	return nil
}

// SetContingency restricts the link to receive-only operation.
func (m *Machine) SetContingency(on bool) {
	m.queue.Post(ContingencyChanged{On: on})
}

// ResetCommsParams restarts the payload transfer from the first block.
func (m *Machine) ResetCommsParams() {
	m.queue.Post(CommsReset{})
}

// Contingency reports whether the link is receive-only.
func (m *Machine) Contingency() bool {
	return m.contingency
}

// BeginSendingData enables fresh payload transmission.
func (m *Machine) BeginSendingData() {
	m.sendData = true
	m.state = StateTx
	if !m.packager.PayloadRemaining() {
		glog.Infof("SEND_DATA with the payload already sent (%s)", m.acct.State())
	}
}

// BeginSendingTelemetry starts a telemetry transfer.
func (m *Machine) BeginSendingTelemetry() {
	m.packager.StartTelemetry()
	m.state = StateTx
}

// StopSendingData disables fresh transmission and restarts the window.
func (m *Machine) StopSendingData() error {
	m.sendData = false
	m.acct.ResetPacket()
	if err := m.acct.Flush(); err != nil {
		return fmt.Errorf("flush window counters: %w", err)
	}
	return nil
}

// AcknowledgeWindow merges an ACK bitmap and re-opens the window.
func (m *Machine) AcknowledgeWindow(bm protocol.AckBitmap) {
	m.packager.Acknowledge(bm)
	m.acct.ClearWindowFull()
	if m.packager.Nack() {
		glog.V(1).Infof("ACK reports %d missing packets", m.packager.Ack().Missing(m.cfg.WindowSize))
	}
	m.state = StateTx
}

// RequestConfigDump queues the link configuration for the next transmission.
func (m *Machine) RequestConfigDump() {
	m.sendConfig = true
	m.state = StateTx
}

// SystemReset stops the machine after the current event.
func (m *Machine) SystemReset() {
	m.resetRequested = true
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Accountant returns the window accountant.
func (m *Machine) Accountant() *Accountant {
	return m.acct
}

// Packager returns the frame packager.
func (m *Machine) Packager() *Packager {
	return m.packager
}

// Dispatcher returns the telecommand dispatcher.
func (m *Machine) Dispatcher() *telecommand.Dispatcher {
	return m.dispatcher
}

// SendingData reports whether fresh payload transmission is enabled.
func (m *Machine) SendingData() bool {
	return m.sendData
}

// PacketPending reports whether a received frame awaits processing.
func (m *Machine) PacketPending() bool {
	return m.packetReceived
}

func (m *Machine) publish() {
	st := m.stats
	st.DroppedEvents = m.queue.Dropped()
	m.mu.Lock()
	m.published = Status{
		State:       m.state,
		Window:      m.acct.State(),
		WindowFull:  m.acct.WindowFull(),
		SendData:    m.sendData,
		Telemetry:   m.packager.Telemetry(),
		Nack:        m.packager.Nack(),
		Ack:         m.packager.Ack(),
		Contingency: m.contingency,
		Params:      m.params,
		Stats:       st,
	}
	m.mu.Unlock()
}

// Stats returns the link counters as of the last event.
func (m *Machine) Stats() Stats {
	return m.Status().Stats
}

// Status returns the snapshot taken after the last event.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published
}
