package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dbehnke/pocketqube-comms/internal/config"
	"github.com/dbehnke/pocketqube-comms/internal/database"
	"github.com/dbehnke/pocketqube-comms/internal/flash"
	"github.com/dbehnke/pocketqube-comms/internal/link"
	"github.com/dbehnke/pocketqube-comms/internal/payload"
	"github.com/dbehnke/pocketqube-comms/internal/radio"
	"github.com/dbehnke/pocketqube-comms/internal/settings"
	"github.com/golang/glog"
)

const VERSION = "0.3.0"

// Node is the communications subsystem of the on-board computer.
type Node struct {
	config *config.Config

	db       *database.DB
	store    *flash.Store
	settings *settings.Store

	queue *link.EventQueue
	modem *radio.Modem

	resets int
}

// NewNode loads the configuration and opens the flash image and the radio.
func NewNode(configFile string) (*Node, error) {
	cfg := config.NewConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, fmt.Errorf("failed to load config: %v", err)
	}
	applyVerbosity(cfg.GetLogVerbosity())

	n := &Node{config: cfg}
	if err := n.openFlash(); err != nil {
		return nil, err
	}

	n.queue = link.NewEventQueue(int(cfg.GetLinkEventQueue()))
	tr, err := n.openTransport()
	if err != nil {
		n.closeFlash()
		return nil, err
	}
	n.modem = radio.NewModem(tr, n.queue)
	n.modem.CadTime = time.Duration(cfg.GetRadioCadTime()) * time.Millisecond
	return n, nil
}

// applyVerbosity sets glog's -v from the config file unless it was given on
// the command line.
func applyVerbosity(v int32) {
	if v < 0 {
		return
	}
	given := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "v" {
			given = true
		}
	})
	if !given {
		flag.Set("v", strconv.Itoa(int(v)))
	}
}

func (n *Node) openFlash() error {
	cfg := n.config
	amap, err := flash.NewAddressMap(flash.Sizes{
		Telemetry:   int(cfg.GetFlashTelemetrySize()),
		TLE:         int(cfg.GetFlashTLESize()),
		Calibration: int(cfg.GetFlashCalibrationSize()),
		Payload:     int(cfg.GetFlashPayloadSize()),
	})
	if err != nil {
		return fmt.Errorf("invalid flash layout: %v", err)
	}

	var dev flash.Device
	switch cfg.GetFlashBackend() {
	case "sqlite":
		db, err := database.NewDB(database.Config{
			Path:  cfg.GetFlashPath(),
			Quiet: !cfg.GetFlashDebug(),
		})
		if err != nil {
			return fmt.Errorf("failed to open flash image %s: %v", cfg.GetFlashPath(), err)
		}
		n.db = db
		dev = database.NewFlashDevice(db, amap.DeviceSize())
	case "memory":
		glog.Warningf("flash backend is volatile, state is lost on exit")
		dev = flash.NewMemoryDevice(amap.DeviceSize())
	default:
		return fmt.Errorf("unknown flash backend %q", cfg.GetFlashBackend())
	}

	n.store, err = flash.NewStore(dev, amap)
	if err != nil {
		n.closeFlash()
		return err
	}
	sf := settings.SpreadingFactor(cfg.GetLinkDefaultSF())
	if !sf.Valid() {
		n.closeFlash()
		return fmt.Errorf("invalid default spreading factor %d", cfg.GetLinkDefaultSF())
	}
	cr := settings.CodingRate(cfg.GetLinkDefaultCR())
	if !cr.Valid() {
		n.closeFlash()
		return fmt.Errorf("invalid default coding rate %d", cfg.GetLinkDefaultCR())
	}
	n.settings = settings.NewStore(n.store, settings.DefaultLinkConfig(sf, cr))
	return nil
}

func (n *Node) closeFlash() {
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			glog.Warningf("close flash image: %v", err)
		}
		n.db = nil
	}
}

func (n *Node) openTransport() (radio.Transport, error) {
	cfg := n.config
	switch cfg.GetRadioDriver() {
	case "udp":
		return radio.NewUDPTransport(cfg.GetUDPAddress(), int(cfg.GetUDPPort()), cfg.GetUDPGroundStation())
	case "mqtt":
		return radio.NewMQTTTransport(radio.MQTTOptions{
			BrokerURL: cfg.GetMQTTBroker(),
			QoS:       cfg.GetMQTTQoS(),
			Timeout:   time.Duration(cfg.GetMQTTTimeout()) * time.Millisecond,
		})
	case "serial":
		return radio.OpenRYLR(radio.RYLROptions{
			Port:      cfg.GetSerialPort(),
			Baud:      int(cfg.GetSerialBaud()),
			Address:   cfg.GetSerialAddress(),
			Peer:      cfg.GetSerialPeer(),
			NetworkID: cfg.GetSerialNetworkID(),
		})
	default:
		return nil, fmt.Errorf("unknown radio driver %q", cfg.GetRadioDriver())
	}
}

// linkConfig maps the [Link] and [Radio] sections onto the machine
// parameters.
func (n *Node) linkConfig() link.Config {
	cfg := n.config
	lc := link.DefaultConfig()
	lc.BufferSize = int(cfg.GetLinkBufferSize())
	lc.UplinkBufferSize = int(cfg.GetLinkUplinkBufferSize())
	lc.WindowSize = int(cfg.GetLinkWindowSize())
	lc.CadRetry = time.Duration(cfg.GetLinkCadRetry()) * time.Millisecond
	lc.RxWatchdog = time.Duration(cfg.GetLinkRxWatchdog()) * time.Millisecond
	lc.RxTimeout = time.Duration(cfg.GetLinkRxTimeout()) * time.Millisecond
	lc.Radio = link.Params{
		Frequency: cfg.GetRadioFrequency(),
		TxPower:   cfg.GetRadioTxPower(),
		Bandwidth: cfg.GetRadioBandwidth(),
		Preamble:  cfg.GetRadioPreamble(),
	}
	return lc
}

// Run runs the link until ctx is done. A reset telecommand restarts the
// machine from the state persisted in flash.
func (n *Node) Run(ctx context.Context) error {
	defer n.closeFlash()
	defer n.modem.Close()

	glog.Infof("PocketQube comms v%s starting", VERSION)
	glog.Infof("Radio: %s, %d Hz, %d dBm", n.config.GetRadioDriver(), n.config.GetRadioFrequency(), n.config.GetRadioTxPower())
	glog.Infof("Flash: %s %s", n.config.GetFlashBackend(), n.config.GetFlashPath())

	if dir := n.config.GetPayloadWatchDir(); dir != "" {
		w, err := payload.NewWatcher(dir, link.CaptureSink{Queue: n.queue})
		if err != nil {
			return fmt.Errorf("failed to watch %s: %v", dir, err)
		}
		w.Settle = time.Duration(n.config.GetPayloadSettle()) * time.Millisecond
		go func() {
			if err := w.Run(ctx); err != nil {
				glog.Errorf("capture watcher: %v", err)
			}
		}()
	}

	n.modem.Start()

	for {
		machine, err := link.NewMachine(n.linkConfig(), n.modem, n.queue, n.settings)
		if err != nil {
			return fmt.Errorf("failed to create link: %v", err)
		}

		mctx, stop := context.WithCancel(ctx)
		go n.reportStats(mctx, machine)
		go n.contingencySignals(mctx, machine)
		err = machine.Run(ctx)
		stop()

		switch {
		case err == nil:
			n.printStats(machine)
			glog.Infof("Shutdown requested")
			return nil
		case errors.Is(err, link.ErrSystemReset):
			n.resets++
			n.printStats(machine)
			n.drain()
			glog.Infof("Restarting link (reset %d)", n.resets)
		default:
			return err
		}
	}
}

// drain discards events addressed to the stopped machine.
func (n *Node) drain() {
	for {
		select {
		case ev := <-n.queue.C():
			glog.V(2).Infof("discarding %T after reset", ev)
		default:
			return
		}
	}
}

// reportStats logs the link statistics every StatsInterval seconds.
func (n *Node) reportStats(ctx context.Context, m *link.Machine) {
	interval := time.Duration(n.config.GetLogStatsInterval()) * time.Second
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.printStats(m)
		}
	}
}

// printStats prints periodic statistics
func (n *Node) printStats(m *link.Machine) {
	st := m.Status()
	s := st.Stats
	glog.Infof("Stats: state %v, %s, window full %v, sending %v, contingency %v",
		st.State, st.Window, st.WindowFull, st.SendData, st.Contingency)
	glog.Infof("Rx: %d ok (RSSI %.1f dBm, SNR %.1f dB), %d timeouts, %d errors, CAD %d/%d",
		s.RxCorrect, s.RSSIAverage, s.SNRAverage, s.RxTimeouts, s.RxErrors, s.CadDetected, s.CadDetected+s.CadMissed)
	glog.Infof("Tx: %d frames (%d payload, %d retransmitted, %d telemetry, %d config), %d timeouts, %d dropped events",
		s.FramesSent, s.PayloadFrames, s.Retransmissions, s.TelemetryFrames, s.ConfigDumps, s.TxTimeouts, s.DroppedEvents)
}

// contingencySignals lets the mode sequencer switch receive-only operation
// with SIGUSR1 (on) and SIGUSR2 (off).
func (n *Node) contingencySignals(ctx context.Context, m *link.Machine) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigChan:
			on := sig == syscall.SIGUSR1
			glog.Infof("Received signal %v, contingency %v", sig, on)
			m.SetContingency(on)
		}
	}
}

func main() {
	var (
		configFile = flag.String("config", getDefaultConfig(), "Configuration file path")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()
	defer glog.Flush()

	if *version {
		fmt.Printf("PocketQube comms v%s\n", VERSION)
		return
	}

	if flag.NArg() > 0 {
		*configFile = flag.Arg(0)
	}

	glog.Infof("PocketQube comms v%s starting with config: %s", VERSION, *configFile)

	node, err := NewNode(*configFile)
	if err != nil {
		glog.Exitf("Failed to start: %v", err)
	}

	// Setup signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		glog.Infof("Received signal %v, shutting down...", sig)
		cancel()
	}()

	if err := node.Run(ctx); err != nil {
		glog.Exitf("Link error: %v", err)
	}

	glog.Infof("PocketQube comms stopped")
}

// getDefaultConfig returns the default configuration file path
func getDefaultConfig() string {
	if _, err := os.Stat("obccomms.ini"); err == nil {
		return "obccomms.ini"
	}

	systemConfig := "/etc/obccomms.ini"
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig
	}

	return "obccomms.ini"
}
