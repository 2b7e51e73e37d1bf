// Package console implements the operator commands for inspecting and
// tampering with a flash image while the link is not running.
package console

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dbehnke/pocketqube-comms/internal/flash"
	"github.com/dbehnke/pocketqube-comms/internal/link"
	"github.com/dbehnke/pocketqube-comms/internal/payload"
	"github.com/dbehnke/pocketqube-comms/internal/protocol"
	"github.com/dbehnke/pocketqube-comms/internal/settings"
	"github.com/dbehnke/pocketqube-comms/internal/telecommand"
)

// Options sizes the link that telecommands are applied to.
type Options struct {
	BufferSize       int
	UplinkBufferSize int
	WindowSize       int
}

// Console operates on one flash image.
type Console struct {
	settings   *settings.Store
	link       *offlineLink
	dispatcher *telecommand.Dispatcher
	ingester   *payload.Ingester
	opts       Options
}

// New creates a console over st.
func New(st *settings.Store, o Options) *Console {
	l := &offlineLink{acct: link.NewAccountant(st.Flash(), o.WindowSize, o.BufferSize)}
	return &Console{
		settings:   st,
		link:       l,
		dispatcher: telecommand.NewDispatcher(st, l, o.UplinkBufferSize),
		ingester:   payload.NewIngester(st, l),
		opts:       o,
	}
}

// Zones prints the address map.
func (c *Console) Zones(w io.Writer) {
	amap := c.settings.Flash().Map()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ZONE\tBASE\tSIZE")
	for _, z := range amap.Zones() {
		fmt.Fprintf(tw, "%s\t0x%05X\t%d\n", z.Name, uint32(z.Base), z.Size)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "ITEM\tADDRESS\tLENGTH")
	for _, it := range flash.Items() {
		r := amap.Region(it)
		fmt.Fprintf(tw, "%s\t0x%05X\t%d\n", it, uint32(r.Addr), r.Len)
	}
	tw.Flush()
}

// Counters prints the persisted transfer counters and the payload progress.
func (c *Console) Counters(w io.Writer) error {
	acct := link.NewAccountant(c.settings.Flash(), c.opts.WindowSize, c.opts.BufferSize)
	if err := acct.Load(); err != nil {
		return err
	}
	length, err := c.settings.Uint32(flash.ItemPayloadLength)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s\n", acct.State())
	fmt.Fprintf(w, "next block at offset %d of %d\n", acct.CurrentPayloadOffset(), length)
	return nil
}

// Config prints the link configuration record.
func (c *Console) Config(w io.Writer) error {
	lc, err := c.settings.LinkConfig()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, lc)
	return nil
}

// Telemetry prints the telemetry snapshot.
func (c *Console) Telemetry(w io.Writer) error {
	t, err := c.settings.Telemetry()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "temperatures %v C, voltage %d, current %d, battery %d%%\n",
		t.Temperatures, t.Voltage, t.Current, t.BatteryLevel)
	return nil
}

// SaveTelemetry stores a telemetry snapshot.
func (c *Console) SaveTelemetry(t settings.Telemetry) error {
	return c.settings.SaveTelemetry(t)
}

// Calibration prints the calibration constants.
func (c *Console) Calibration(w io.Writer) error {
	cal, err := c.settings.Calibration()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "magnetometer matrix %v offset %v\n", cal.MagnetoMatrix, cal.MagnetoOffset)
	fmt.Fprintf(w, "gyro polynomial %v\n", cal.GyroPolynomial)
	fmt.Fprintf(w, "photodiode offset %v\n", cal.PhotodiodeOffset)
	return nil
}

// Read returns n bytes at addr. Redundant addresses are voted.
func (c *Console) Read(addr flash.Address, n int) ([]byte, error) {
	return c.settings.Flash().Read(addr, n)
}

// Mirrors returns the raw content of the three mirrors of a redundant
// address.
func (c *Console) Mirrors(addr flash.Address, n int) ([3][]byte, error) {
	var out [3][]byte
	for m := 1; m <= 3; m++ {
		b, err := c.settings.Flash().ReadMirror(addr, m, n)
		if err != nil {
			return out, err
		}
		out[m-1] = b
	}
	return out, nil
}

// Corrupt overwrites data in a single mirror of the redundant zone, leaving
// the other two intact.
func (c *Console) Corrupt(addr flash.Address, mirror int, data []byte) error {
	fs := c.settings.Flash()
	amap := fs.Map()
	if !amap.Primary().Contains(addr, len(data)) {
		return fmt.Errorf("0x%05X is not in the redundant zone: %w", uint32(addr), flash.ErrZoneViolation)
	}
	if mirror < 1 || mirror > 3 {
		return fmt.Errorf("mirror %d does not exist", mirror)
	}
	target := amap.Mirrors(addr)[mirror-1]
	first, count := flash.PageSpan(target, len(data))

	dev := fs.Device()
	pages := make([]byte, count*flash.PageSize)
	if err := dev.Read(first, pages); err != nil {
		return err
	}
	copy(pages[target-first:], data)
	if err := dev.ErasePages(first, count); err != nil {
		return err
	}
	return dev.Program(first, pages)
}

// Scrub rewrites a redundant range whose mirrors disagree.
func (c *Console) Scrub(addr flash.Address, n int) (bool, error) {
	return c.settings.Flash().Scrub(addr, n)
}

// Telecommand applies one uplink frame and returns what it asked of the
// link.
func (c *Console) Telecommand(frame []byte) ([]string, error) {
	c.link.actions = nil
	err := c.dispatcher.Dispatch(frame)
	return c.link.actions, err
}

// SetContingency sets the contingency flag seen by telecommands.
func (c *Console) SetContingency(on bool) {
	c.link.contingency = on
}

// Ingest stores a capture file in the payload zone and restarts the transfer
// counters.
func (c *Console) Ingest(path string) ([]string, error) {
	c.link.actions = nil
	err := c.ingester.IngestFile(path)
	return c.link.actions, err
}

// ParseFrame builds an uplink frame from an opcode name or number followed by
// argument bytes.
func ParseFrame(args []string) ([]byte, error) {
	if len(args) == 0 {
		return nil, protocol.ErrEmptyFrame
	}
	op, ok := protocol.ParseOpcode(strings.ToUpper(args[0]))
	if !ok {
		v, err := parseByte(args[0])
		if err != nil {
			return nil, fmt.Errorf("unknown opcode %q", args[0])
		}
		op = protocol.Opcode(v)
	}
	frame := []byte{byte(op)}
	for _, a := range args[1:] {
		v, err := parseByte(a)
		if err != nil {
			return nil, err
		}
		frame = append(frame, v)
	}
	return frame, nil
}

// offlineLink stands in for the link while no machine runs. Payload
// transfer requests are recorded, counter changes go to flash.
type offlineLink struct {
	acct        *link.Accountant
	contingency bool
	actions     []string
}

func (l *offlineLink) record(format string, args ...interface{}) {
	l.actions = append(l.actions, fmt.Sprintf(format, args...))
}

func (l *offlineLink) BeginSendingData()      { l.record("payload transfer enabled") }
func (l *offlineLink) BeginSendingTelemetry() { l.record("telemetry transfer started") }
func (l *offlineLink) RequestConfigDump()     { l.record("configuration dump queued") }
func (l *offlineLink) SystemReset()           { l.record("system reset requested") }
func (l *offlineLink) Contingency() bool      { return l.contingency }

func (l *offlineLink) StopSendingData() error {
	if err := l.acct.Load(); err != nil {
		return err
	}
	l.acct.ResetPacket()
	if err := l.acct.Flush(); err != nil {
		return err
	}
	l.record("payload transfer stopped, %s", l.acct.State())
	return nil
}

func (l *offlineLink) AcknowledgeWindow(bm protocol.AckBitmap) {
	l.record("window acknowledged, %d packets missing", bm.Missing(l.acct.WindowSize()))
}

func (l *offlineLink) ResetCommsParams() {
	if err := l.acct.Load(); err != nil {
		l.record("counter reset failed: %v", err)
		return
	}
	l.acct.Reset()
	if err := l.acct.Flush(); err != nil {
		l.record("counter reset failed: %v", err)
		return
	}
	l.record("transfer counters reset")
}
