// Package payload stores science captures in the payload zone and restarts
// the downlink transfer when a new capture supersedes the old one.
package payload

import (
	"errors"
	"fmt"
	"os"

	"github.com/dbehnke/pocketqube-comms/internal/flash"
	"github.com/dbehnke/pocketqube-comms/internal/settings"
	"github.com/dbehnke/pocketqube-comms/internal/telecommand"
	"github.com/golang/glog"
)

// ErrEmpty is returned for a zero length capture.
var ErrEmpty = errors.New("payload: empty capture")

// Notifier is told that the payload zone holds a new capture.
type Notifier interface {
	ResetCommsParams()
}

// Ingester writes captures to flash.
type Ingester struct {
	settings *settings.Store
	notify   Notifier
}

// NewIngester creates an ingester. notify may be nil when no link is running.
func NewIngester(st *settings.Store, notify Notifier) *Ingester {
	return &Ingester{settings: st, notify: notify}
}

// Ingest replaces the payload with data, persists its length and marks the
// payload subsystem idle.
func (in *Ingester) Ingest(data []byte) error {
	if len(data) == 0 {
		return ErrEmpty
	}
	fs := in.settings.Flash()
	zone := fs.Map().Payload
	if len(data) > zone.Size {
		return fmt.Errorf("payload: %d byte capture exceeds the %d byte zone: %w", len(data), zone.Size, flash.ErrZoneViolation)
	}

	if err := fs.Write(zone.Base, data); err != nil {
		return fmt.Errorf("payload: write capture: %w", err)
	}
	if err := in.settings.PutUint32(flash.ItemPayloadLength, uint32(len(data))); err != nil {
		return fmt.Errorf("payload: persist length: %w", err)
	}
	if err := in.settings.PutByte(flash.ItemPayloadState, telecommand.PayloadIdle); err != nil {
		return fmt.Errorf("payload: clear state: %w", err)
	}
	glog.Infof("new %d byte capture stored", len(data))

	if in.notify != nil {
		in.notify.ResetCommsParams()
	}
	return nil
}

// IngestFile reads a capture from path.
func (in *Ingester) IngestFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := in.Ingest(data); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
