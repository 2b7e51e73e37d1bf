package radio

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dbehnke/pocketqube-comms/internal/link"
	"github.com/dbehnke/pocketqube-comms/internal/settings"
	"github.com/stretchr/testify/require"
)

type chanTransport struct {
	frames chan Frame

	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	params  []link.Params
}

func newChanTransport() *chanTransport {
	return &chanTransport{frames: make(chan Frame, 4)}
}

func (c *chanTransport) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, frame)
	return nil
}

func (c *chanTransport) Frames() <-chan Frame { return c.frames }

func (c *chanTransport) Close() error { return nil }

func (c *chanTransport) Configure(p link.Params) error {
	c.params = append(c.params, p)
	return nil
}

func (c *chanTransport) sentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

func nextEvent(t *testing.T, q *link.EventQueue) link.Event {
	t.Helper()
	select {
	case ev := <-q.C():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return nil
	}
}

func newTestModem(t *testing.T) (*Modem, *chanTransport, *link.EventQueue) {
	tr := newChanTransport()
	q := link.NewEventQueue(8)
	m := NewModem(tr, q)
	m.CadTime = time.Millisecond
	m.Start()
	t.Cleanup(func() { m.Close() })
	return m, tr, q
}

func TestModemCadSeesQueuedFrame(t *testing.T) {
	m, tr, q := newTestModem(t)

	require.NoError(t, m.StartCad())
	require.Equal(t, link.CadDone{Detected: false}, nextEvent(t, q))

	tr.frames <- Frame{Payload: []byte{9, 1}, RSSI: -80, SNR: 7}
	require.Eventually(t, func() bool { return m.Pending() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, m.StartCad())
	require.Equal(t, link.CadDone{Detected: true}, nextEvent(t, q))

	require.NoError(t, m.Receive(time.Second))
	require.Equal(t, link.RxDone{Payload: []byte{9, 1}, RSSI: -80, SNR: 7}, nextEvent(t, q))
	require.Zero(t, m.Pending())
}

func TestModemReceiveWaitsForFrame(t *testing.T) {
	m, tr, q := newTestModem(t)
	require.NoError(t, m.Receive(time.Second))
	tr.frames <- Frame{Payload: []byte{14}}
	require.Equal(t, link.RxDone{Payload: []byte{14}}, nextEvent(t, q))
}

func TestModemReceiveTimeout(t *testing.T) {
	m, _, q := newTestModem(t)
	require.NoError(t, m.Receive(5*time.Millisecond))
	require.Equal(t, link.RxTimeout{}, nextEvent(t, q))
}

func TestModemStandbyCancelsReception(t *testing.T) {
	m, _, q := newTestModem(t)
	require.NoError(t, m.Receive(20*time.Millisecond))
	require.NoError(t, m.Standby())
	time.Sleep(60 * time.Millisecond)
	require.Zero(t, q.Len())
}

func TestModemSend(t *testing.T) {
	m, tr, q := newTestModem(t)
	require.NoError(t, m.Configure(link.Params{Bandwidth: 500000, Preamble: 8, SF: settings.SF7, CR: settings.CR4_5}))
	require.Len(t, tr.params, 1)

	frame := []byte{1, 2, 3}
	require.NoError(t, m.Send(frame))
	frame[0] = 0xFF
	require.Equal(t, link.TxDone{}, nextEvent(t, q))
	require.Equal(t, [][]byte{{1, 2, 3}}, tr.sentFrames())
}

func TestModemSendFailure(t *testing.T) {
	m, tr, q := newTestModem(t)
	tr.sendErr = errors.New("link down")
	require.NoError(t, m.Send([]byte{1}))
	require.Equal(t, link.TxTimeout{}, nextEvent(t, q))
}

func TestModemBacklogDropsOldest(t *testing.T) {
	m, tr, _ := newTestModem(t)
	m.mu.Lock()
	m.Backlog = 2
	m.mu.Unlock()
	for i := 0; i < 3; i++ {
		tr.frames <- Frame{Payload: []byte{byte(i)}}
	}
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.pending) == 2 && m.pending[0].Payload[0] == 1
	}, time.Second, time.Millisecond)
}
