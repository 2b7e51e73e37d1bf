package radio

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dbehnke/pocketqube-comms/internal/link"
	"github.com/golang/glog"
	"go.bug.st/serial"
)

const (
	rylrTxOverTime = 10  // +ERR code for a transmission that ran over time
	rylrMaxData    = 240 // largest AT+SEND data field
)

// RYLRError is a +ERR result.
type RYLRError struct {
	Code int
}

func (e *RYLRError) Error() string {
	return fmt.Sprintf("RYLR896 error %d", e.Code)
}

// RYLROptions configures an RYLR896 module.
type RYLROptions struct {
	Port      string
	Baud      int
	Address   uint16 // own address
	Peer      uint16 // ground station address
	NetworkID uint8
	Timeout   time.Duration // per AT command
}

// RYLRTransport drives a REYAX RYLR896 LoRa module over its AT command UART.
// Frames are hex encoded because the module's data field is text.
type RYLRTransport struct {
	port    io.ReadWriteCloser
	peer    uint16
	timeout time.Duration
	frames  chan Frame

	cmdMu     sync.Mutex // one command in flight
	responses chan string

	closeOnce sync.Once
	done      chan struct{}
}

// OpenRYLR opens the serial port and sets the module address and network.
func OpenRYLR(o RYLROptions) (*RYLRTransport, error) {
	baud := o.Baud
	if baud == 0 {
		baud = 115200
	}
	port, err := serial.Open(o.Port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", o.Port, err)
	}
	t := NewRYLRTransport(port, o.Peer, o.Timeout)
	if err := t.Command(fmt.Sprintf("AT+ADDRESS=%d", o.Address)); err != nil {
		t.Close()
		return nil, fmt.Errorf("set address: %w", err)
	}
	if err := t.Command(fmt.Sprintf("AT+NETWORKID=%d", o.NetworkID)); err != nil {
		t.Close()
		return nil, fmt.Errorf("set network ID: %w", err)
	}
	glog.Infof("RYLR896 on %s, address %d, peer %d", o.Port, o.Address, o.Peer)
	return t, nil
}

// NewRYLRTransport runs the AT protocol over an open port.
func NewRYLRTransport(port io.ReadWriteCloser, peer uint16, timeout time.Duration) *RYLRTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	t := &RYLRTransport{
		port:      port,
		peer:      peer,
		timeout:   timeout,
		frames:    make(chan Frame, DefaultBacklog),
		responses: make(chan string, 1),
		done:      make(chan struct{}),
	}
	go t.read()
	return t
}

func (t *RYLRTransport) read() {
	defer close(t.frames)
	reader := bufio.NewReader(t.port)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			select {
			case <-t.done:
			default:
				glog.Errorf("RYLR896 read error: %v", err)
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		glog.V(3).Infof("RYLR896 RX %q", line)

		if payload, found := strings.CutPrefix(line, "+RCV="); found {
			f, err := parseRCV(payload)
			if err != nil {
				glog.Warningf("RYLR896 bad +RCV: %v", err)
				continue
			}
			select {
			case t.frames <- f:
			default:
				glog.Warningf("RYLR896 uplink queue full, dropping frame")
			}
			continue
		}

		select {
		case t.responses <- line:
		default:
			glog.V(1).Infof("RYLR896 unsolicited %q", line)
		}
	}
}

// parseRCV parses <address>,<length>,<data>,<rssi>,<snr>. The data field is
// hex and never contains a comma.
func parseRCV(payload string) (Frame, error) {
	fields := strings.Split(payload, ",")
	if len(fields) != 5 {
		return Frame{}, fmt.Errorf("want 5 fields, got %d", len(fields))
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n != len(fields[2]) {
		return Frame{}, fmt.Errorf("length %q does not match data", fields[1])
	}
	data, err := hex.DecodeString(fields[2])
	if err != nil {
		return Frame{}, fmt.Errorf("data: %w", err)
	}
	rssi, err := strconv.ParseInt(fields[3], 10, 16)
	if err != nil {
		return Frame{}, fmt.Errorf("rssi: %w", err)
	}
	snr, err := strconv.ParseInt(fields[4], 10, 8)
	if err != nil {
		return Frame{}, fmt.Errorf("snr: %w", err)
	}
	return Frame{Payload: data, RSSI: int16(rssi), SNR: int8(snr)}, nil
}

// Command sends one AT command and waits for +OK or +ERR.
func (t *RYLRTransport) Command(cmd string) error {
	_, err := t.query(cmd)
	return err
}

func (t *RYLRTransport) query(cmd string) (string, error) {
	t.cmdMu.Lock()
	defer t.cmdMu.Unlock()

	// a late reply to a timed out command
	select {
	case <-t.responses:
	default:
	}

	glog.V(3).Infof("RYLR896 TX %q", cmd)
	if _, err := io.WriteString(t.port, cmd+"\r\n"); err != nil {
		return "", err
	}
	select {
	case line := <-t.responses:
		if code, found := strings.CutPrefix(line, "+ERR="); found {
			n, err := strconv.Atoi(code)
			if err != nil {
				return line, fmt.Errorf("bad error reply %q", line)
			}
			return line, &RYLRError{Code: n}
		}
		return line, nil
	case <-time.After(t.timeout):
		return "", fmt.Errorf("%s: no reply after %v", cmd, t.timeout)
	case <-t.done:
		return "", ErrClosed
	}
}

// rylrBandwidth maps a bandwidth in Hz to the module's code.
func rylrBandwidth(hz uint32) (int, error) {
	switch hz {
	case 125000:
		return 7, nil
	case 250000:
		return 8, nil
	case 500000:
		return 9, nil
	}
	return 0, fmt.Errorf("bandwidth %d Hz not supported", hz)
}

// Configure sets band, modulation and output power.
func (t *RYLRTransport) Configure(p link.Params) error {
	bw, err := rylrBandwidth(p.Bandwidth)
	if err != nil {
		return err
	}
	preamble := p.Preamble
	if preamble < 4 || preamble > 7 {
		preamble = 4
	}
	power := p.TxPower
	if power > 15 {
		power = 15
	}
	cmds := []string{
		fmt.Sprintf("AT+BAND=%d", p.Frequency),
		fmt.Sprintf("AT+PARAMETER=%d,%d,%d,%d", uint8(p.SF), bw, p.CR.Denominator()-4, preamble),
		fmt.Sprintf("AT+CRFOP=%d", power),
	}
	for _, cmd := range cmds {
		if err := t.Command(cmd); err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
	}
	return nil
}

// Send transmits frame to the ground station address.
func (t *RYLRTransport) Send(frame []byte) error {
	data := hex.EncodeToString(frame)
	if len(data) > rylrMaxData {
		return fmt.Errorf("%d byte frame exceeds the %d byte hex data field", len(frame), rylrMaxData)
	}
	err := t.Command(fmt.Sprintf("AT+SEND=%d,%d,%s", t.peer, len(data), data))
	var rerr *RYLRError
	if errors.As(err, &rerr) && rerr.Code == rylrTxOverTime {
		glog.Warningf("RYLR896 transmit over time")
	}
	return err
}

// Frames returns the uplink frames.
func (t *RYLRTransport) Frames() <-chan Frame {
	return t.frames
}

// Close closes the port.
func (t *RYLRTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.port.Close()
	})
	return err
}
