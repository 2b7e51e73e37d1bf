package link

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/dbehnke/pocketqube-comms/internal/flash"
	"github.com/dbehnke/pocketqube-comms/internal/payload"
	"github.com/dbehnke/pocketqube-comms/internal/protocol"
	"github.com/dbehnke/pocketqube-comms/internal/settings"
	"github.com/stretchr/testify/require"
)

type fakeRadio struct {
	params  []Params
	calls   []string
	sent    [][]byte
	sendErr error
}

func (r *fakeRadio) Configure(p Params) error {
	r.params = append(r.params, p)
	r.calls = append(r.calls, "configure")
	return nil
}

func (r *fakeRadio) StartCad() error {
	r.calls = append(r.calls, "cad")
	return nil
}

func (r *fakeRadio) Receive(timeout time.Duration) error {
	r.calls = append(r.calls, "receive")
	return nil
}

func (r *fakeRadio) Send(frame []byte) error {
	if r.sendErr != nil {
		return r.sendErr
	}
	r.calls = append(r.calls, "send")
	r.sent = append(r.sent, append([]byte(nil), frame...))
	return nil
}

func (r *fakeRadio) Standby() error {
	return nil
}

func (r *fakeRadio) TimeOnAir(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func (r *fakeRadio) last() string {
	if len(r.calls) == 0 {
		return ""
	}
	return r.calls[len(r.calls)-1]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BufferSize = testBlock
	cfg.UplinkBufferSize = testBlock
	cfg.WindowSize = testWindow
	return cfg
}

func newTestMachine(t *testing.T) (*Machine, *fakeRadio, *settings.Store) {
	fs := newTestFlash(t)
	writeBlocks(t, fs, 12)
	st := settings.NewStore(fs, settings.DefaultLinkConfig(settings.SF7, settings.CR4_5))
	require.NoError(t, st.PutUint32(flash.ItemPayloadLength, 12*testBlock))

	radio := &fakeRadio{}
	m, err := NewMachine(testConfig(), radio, NewEventQueue(16), st)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	require.Equal(t, "cad", radio.last())
	require.Equal(t, StateLowPower, m.State())
	return m, radio, st
}

// uplink senses activity, opens a reception and delivers one telecommand.
func uplink(t *testing.T, m *Machine, tc protocol.Telecommand) error {
	require.NoError(t, m.Handle(CadDone{Detected: true}))
	return m.Handle(RxDone{Payload: tc.Encode(testBlock), RSSI: -90, SNR: 5})
}

func counters(t *testing.T, st *settings.Store) []byte {
	raw, err := st.Flash().ReadItem(flash.ItemCounters)
	require.NoError(t, err)
	return raw[:3]
}

func TestStartConfiguresStoredModulation(t *testing.T) {
	m, radio, _ := newTestMachine(t)
	require.Len(t, radio.params, 1)
	require.Equal(t, settings.SF7, radio.params[0].SF)
	require.Equal(t, settings.CR4_5, radio.params[0].CR)
	require.Equal(t, testBlock*time.Millisecond, m.Status().Stats.AirTime)
}

func TestSendDataFillsWindow(t *testing.T) {
	m, radio, st := newTestMachine(t)
	require.NoError(t, uplink(t, m, protocol.Telecommand{Op: protocol.OpSendData}))
	require.True(t, m.SendingData())
	require.Len(t, radio.sent, 1)

	for i := 0; i < testWindow; i++ {
		require.NoError(t, m.Handle(TxDone{}))
	}
	require.Len(t, radio.sent, testWindow, "sent past a full window")
	for k, frame := range radio.sent {
		require.Equal(t, block(k), frame)
	}
	require.True(t, m.Accountant().WindowFull())
	require.Equal(t, []byte{0, 1, 0}, counters(t, st))
	require.Equal(t, StateLowPower, m.State())
}

func TestAckRetransmitsMissingPacket(t *testing.T) {
	m, radio, st := newTestMachine(t)
	require.NoError(t, uplink(t, m, protocol.Telecommand{Op: protocol.OpSendData}))
	for i := 0; i < testWindow; i++ {
		require.NoError(t, m.Handle(TxDone{}))
	}

	ack := protocol.AckAll &^ (1 << 2)
	require.NoError(t, uplink(t, m, protocol.Telecommand{Op: protocol.OpAckData, Args: ack.Encode()}))
	require.NoError(t, m.Handle(TxDone{}))
	require.NoError(t, m.Handle(TxDone{}))

	require.Len(t, radio.sent, testWindow+3)
	require.Equal(t, block(2), radio.sent[4])
	require.Equal(t, block(4), radio.sent[5])
	require.Equal(t, block(5), radio.sent[6])
	require.Equal(t, uint32(1), m.Stats().Retransmissions)
	require.Equal(t, []byte{3, 1, 1}, counters(t, st))
}

func TestFinalPartialWindowIsAcknowledged(t *testing.T) {
	m, radio, st := newTestMachine(t)
	require.NoError(t, st.PutUint32(flash.ItemPayloadLength, 6*testBlock))
	m.ResetCommsParams()
	require.NoError(t, m.Handle(<-m.queue.C()))

	require.NoError(t, uplink(t, m, protocol.Telecommand{Op: protocol.OpSendData}))
	for i := 0; i < testWindow; i++ {
		require.NoError(t, m.Handle(TxDone{}))
	}
	require.NoError(t, uplink(t, m, protocol.Telecommand{Op: protocol.OpAckData, Args: protocol.AckAll.Encode()}))
	require.NoError(t, m.Handle(TxDone{}))
	require.NoError(t, m.Handle(TxDone{}))
	require.Len(t, radio.sent, 6)
	require.True(t, m.Accountant().WindowFull(), "last window left open")
	require.Equal(t, []byte{0, 2, 0}, counters(t, st))

	// packet 0 of the two block window is lost
	ack := protocol.AckAll &^ 1
	require.NoError(t, uplink(t, m, protocol.Telecommand{Op: protocol.OpAckData, Args: ack.Encode()}))
	require.NoError(t, m.Handle(TxDone{}))
	require.Len(t, radio.sent, 7)
	require.Equal(t, block(4), radio.sent[6])
	require.False(t, m.Packager().Nack())
	require.Equal(t, []byte{0, 3, 0}, counters(t, st))

	require.NoError(t, uplink(t, m, protocol.Telecommand{Op: protocol.OpAckData, Args: protocol.AckAll.Encode()}))
	require.Len(t, radio.sent, 7)
	require.False(t, m.SendingData())
	for k := 0; k < 6; k++ {
		require.Equal(t, block(k), radio.sent[k])
	}
}

func TestCaptureReadyReplacesPayload(t *testing.T) {
	m, radio, st := newTestMachine(t)
	require.NoError(t, uplink(t, m, protocol.Telecommand{Op: protocol.OpSendData}))
	require.NoError(t, m.Handle(TxDone{}))
	require.Equal(t, []byte{2, 0, 0}, counters(t, st))

	data := bytes.Repeat([]byte{0xAB}, 3*testBlock)
	sink := CaptureSink{Queue: m.queue}
	require.NoError(t, sink.Ingest(data))
	require.NoError(t, m.Handle(<-m.queue.C()))

	fs := st.Flash()
	got, err := fs.Read(fs.Map().Payload.Base, len(data))
	require.NoError(t, err)
	require.Equal(t, data, got)
	length, err := st.Uint32(flash.ItemPayloadLength)
	require.NoError(t, err)
	require.Equal(t, uint32(len(data)), length)
	require.Equal(t, []byte{0, 0, 0}, counters(t, st))

	// the transfer in progress continues with the new capture
	require.NoError(t, m.Handle(TxDone{}))
	require.Len(t, radio.sent, 3)
	require.Equal(t, data[:testBlock], radio.sent[2])
}

func TestCaptureSinkRejects(t *testing.T) {
	q := NewEventQueue(1)
	sink := CaptureSink{Queue: q}
	require.ErrorIs(t, sink.Ingest(nil), payload.ErrEmpty)
	require.NoError(t, sink.Ingest([]byte{1}))
	require.ErrorIs(t, sink.Ingest([]byte{2}), ErrQueueFull)
	require.Equal(t, CaptureReady{Data: []byte{1}}, <-q.C())
}

func TestStopSendingDataRestartsWindow(t *testing.T) {
	m, radio, st := newTestMachine(t)
	require.NoError(t, uplink(t, m, protocol.Telecommand{Op: protocol.OpSendData}))
	require.NoError(t, m.Handle(TxDone{}))
	require.Len(t, radio.sent, 2)

	require.NoError(t, uplink(t, m, protocol.Telecommand{Op: protocol.OpStopSendingData}))
	require.False(t, m.SendingData())
	require.Equal(t, WindowState{}, m.Accountant().State())
	require.Equal(t, []byte{0, 0, 0}, counters(t, st))
	require.Equal(t, "cad", radio.last())
}

func TestContingencyIgnoresSendData(t *testing.T) {
	m, radio, st := newTestMachine(t)
	require.NoError(t, m.Handle(ContingencyChanged{On: true}))
	require.True(t, m.Contingency())

	require.NoError(t, uplink(t, m, protocol.Telecommand{Op: protocol.OpSendData}))
	require.NoError(t, uplink(t, m, protocol.Telecommand{Op: protocol.OpSendTelemetry}))
	require.False(t, m.SendingData())
	require.False(t, m.Packager().Telemetry())
	require.Empty(t, radio.sent)
	require.Equal(t, []byte{0, 0, 0}, counters(t, st))

	// the config dump waits for contingency to end
	require.NoError(t, uplink(t, m, protocol.Telecommand{Op: protocol.OpSendConfig}))
	require.Empty(t, radio.sent)
	require.NoError(t, m.Handle(ContingencyChanged{On: false}))
	require.NoError(t, m.Handle(CadTimerFired{}))
	require.NoError(t, uplink(t, m, protocol.Telecommand{Op: protocol.OpSendConfig}))
	require.Len(t, radio.sent, 1)
}

func TestRxTimeoutRestartsCad(t *testing.T) {
	m, radio, _ := newTestMachine(t)
	require.NoError(t, m.Handle(CadDone{Detected: true}))
	require.Equal(t, "receive", radio.last())

	require.NoError(t, m.Handle(RxTimeout{}))
	require.Equal(t, "cad", radio.last())
	require.Equal(t, uint32(1), m.Stats().RxTimeouts)
}

func TestRxErrorClearsPendingFrame(t *testing.T) {
	m, radio, _ := newTestMachine(t)
	m.packetReceived = true
	require.NoError(t, m.Handle(RxError{}))
	require.False(t, m.PacketPending())
	require.Equal(t, "cad", radio.last())
	require.Equal(t, uint32(1), m.Stats().RxErrors)
}

func TestReceiveWatchdogClosesReception(t *testing.T) {
	m, radio, _ := newTestMachine(t)
	require.NoError(t, m.Handle(CadDone{Detected: true}))
	require.Equal(t, "receive", radio.last())

	m.Clock(int(testConfig().RxWatchdog.Milliseconds()))
	ev := <-m.queue.C()
	require.Equal(t, RxTimerFired{}, ev)
	require.NoError(t, m.Handle(ev))
	require.Equal(t, "cad", radio.last())

	// a late expiry after the reception ended changes nothing
	calls := len(radio.calls)
	require.NoError(t, m.Handle(RxTimerFired{}))
	require.Len(t, radio.calls, calls)
}

func TestCadMissRetriesAfterTimer(t *testing.T) {
	m, radio, _ := newTestMachine(t)
	require.NoError(t, m.Handle(CadDone{Detected: false}))
	require.Equal(t, "cad", radio.last())
	require.Equal(t, 1, countCalls(radio, "cad"))

	m.Clock(int(testConfig().CadRetry.Milliseconds()))
	ev := <-m.queue.C()
	require.Equal(t, CadTimerFired{}, ev)
	require.NoError(t, m.Handle(ev))
	require.Equal(t, 2, countCalls(radio, "cad"))
	require.Equal(t, uint32(1), m.Stats().CadMissed)
}

func countCalls(r *fakeRadio, name string) int {
	n := 0
	for _, c := range r.calls {
		if c == name {
			n++
		}
	}
	return n
}

func TestCadTimerIgnoredDuringTransmission(t *testing.T) {
	m, radio, _ := newTestMachine(t)
	require.NoError(t, uplink(t, m, protocol.Telecommand{Op: protocol.OpSendData}))
	require.Equal(t, "send", radio.last())
	require.NoError(t, m.Handle(CadTimerFired{}))
	require.Equal(t, "send", radio.last())
}

func TestTelemetryTransfer(t *testing.T) {
	m, radio, st := newTestMachine(t)
	require.NoError(t, uplink(t, m, protocol.Telecommand{Op: protocol.OpSendTelemetry}))
	for m.Packager().Telemetry() {
		require.NoError(t, m.Handle(TxDone{}))
	}
	require.NoError(t, m.Handle(TxDone{}))

	blocks := m.Packager().TelemetryBlocks()
	require.Len(t, radio.sent, blocks)
	for i, frame := range radio.sent {
		require.Equal(t, byte(i), frame[0])
	}
	require.Equal(t, uint32(blocks), m.Stats().TelemetryFrames)
	require.Equal(t, []byte{0, 0, 0}, counters(t, st))
}

func TestConfigDump(t *testing.T) {
	m, radio, st := newTestMachine(t)
	require.NoError(t, st.UpdateLinkConfig(func(c *settings.LinkConfig) { c.KP = 42 }))
	require.NoError(t, uplink(t, m, protocol.Telecommand{Op: protocol.OpSendConfig}))

	rec, err := st.ConfigRecord()
	require.NoError(t, err)
	require.Len(t, radio.sent, 1)
	require.Equal(t, protocol.ConfigFrame(rec, testBlock), radio.sent[0])
	require.Equal(t, uint32(1), m.Stats().ConfigDumps)
}

func TestSignalAverages(t *testing.T) {
	m, _, _ := newTestMachine(t)
	unknown := protocol.Telecommand{Op: protocol.Opcode(200)}.Encode(testBlock)

	require.NoError(t, m.Handle(CadDone{Detected: true}))
	require.NoError(t, m.Handle(RxDone{Payload: unknown, RSSI: -100, SNR: 4}))
	require.NoError(t, m.Handle(CadDone{Detected: true}))
	require.NoError(t, m.Handle(RxDone{Payload: unknown, RSSI: -50, SNR: 8}))

	s := m.Stats()
	require.Equal(t, uint32(2), s.RxCorrect)
	require.InDelta(t, -75, s.RSSIAverage, 1e-9)
	require.InDelta(t, 6, s.SNRAverage, 1e-9)
}

func TestResetTelecommandStopsMachine(t *testing.T) {
	m, _, _ := newTestMachine(t)
	err := uplink(t, m, protocol.Telecommand{Op: protocol.OpReset})
	require.ErrorIs(t, err, ErrSystemReset)
}

func TestCommsResetRestartsTransfer(t *testing.T) {
	m, _, st := newTestMachine(t)
	require.NoError(t, uplink(t, m, protocol.Telecommand{Op: protocol.OpSendData}))
	require.NoError(t, m.Handle(TxDone{}))
	require.Equal(t, []byte{2, 0, 0}, counters(t, st))

	require.NoError(t, st.PutUint32(flash.ItemPayloadLength, testBlock))
	m.ResetCommsParams()
	require.NoError(t, m.Handle(<-m.queue.C()))
	require.Equal(t, []byte{0, 0, 0}, counters(t, st))
	require.Equal(t, WindowState{}, m.Accountant().State())
}

func TestSendFailureReturnsToCad(t *testing.T) {
	m, radio, _ := newTestMachine(t)
	radio.sendErr = errors.New("bus fault")
	require.NoError(t, uplink(t, m, protocol.Telecommand{Op: protocol.OpSendData}))
	require.Empty(t, radio.sent)
	require.Equal(t, uint32(1), m.Stats().TxTimeouts)
	require.True(t, m.cadTimer.IsRunning())
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.WindowSize = protocol.MaxWindowSize + 1
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.UplinkBufferSize = cfg.BufferSize + 1
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.BufferSize = settings.ConfigRecordSize
	cfg.UplinkBufferSize = 2
	require.Error(t, cfg.Validate())
}

func TestEventQueueDropsWhenFull(t *testing.T) {
	q := NewEventQueue(1)
	require.True(t, q.Post(TxDone{}))
	require.False(t, q.Post(RxTimeout{}))
	require.Equal(t, uint64(1), q.Dropped())
	require.Equal(t, 1, q.Len())
	require.Equal(t, TxDone{}, <-q.C())
}

func TestTimeOnAir(t *testing.T) {
	p := Params{Bandwidth: 125000, Preamble: 8, SF: settings.SF7, CR: settings.CR4_5}
	// 40.25 symbols of 1.024 ms
	require.InDelta(t, 41.216, float64(TimeOnAir(p, 10))/float64(time.Millisecond), 0.01)
	require.Zero(t, TimeOnAir(Params{}, 10))
}
