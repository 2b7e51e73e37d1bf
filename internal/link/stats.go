package link

import (
	"fmt"
	"time"
)

// Stats are the link counters kept by the machine.
type Stats struct {
	RxCorrect       uint32
	RSSIAverage     float64 // dBm
	SNRAverage      float64 // dB
	LastRSSI        int16
	LastSNR         int8
	RxTimeouts      uint32
	RxErrors        uint32
	CadDetected     uint32
	CadMissed       uint32
	FramesSent      uint32
	PayloadFrames   uint32
	Retransmissions uint32
	TelemetryFrames uint32
	ConfigDumps     uint32
	TxTimeouts      uint32
	DroppedEvents   uint64
	AirTime         time.Duration // of one downlink frame
}

// record folds a received frame's signal quality into the moving averages.
func (s *Stats) record(rssi int16, snr int8) {
	n := float64(s.RxCorrect)
	s.RSSIAverage = (s.RSSIAverage*n + float64(rssi)) / (n + 1)
	s.SNRAverage = (s.SNRAverage*n + float64(snr)) / (n + 1)
	s.LastRSSI = rssi
	s.LastSNR = snr
	s.RxCorrect++
}

func (s Stats) String() string {
	return fmt.Sprintf("rx=%d (rssi %.1f snr %.1f) timeouts=%d errors=%d cad=%d/%d tx=%d (payload %d rtx %d tm %d cfg %d) txtimeouts=%d dropped=%d",
		s.RxCorrect, s.RSSIAverage, s.SNRAverage, s.RxTimeouts, s.RxErrors, s.CadDetected, s.CadDetected+s.CadMissed,
		s.FramesSent, s.PayloadFrames, s.Retransmissions, s.TelemetryFrames, s.ConfigDumps, s.TxTimeouts, s.DroppedEvents)
}
