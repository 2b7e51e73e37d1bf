package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dbehnke/pocketqube-comms/internal/config"
	"github.com/dbehnke/pocketqube-comms/internal/console"
	"github.com/dbehnke/pocketqube-comms/internal/database"
	"github.com/dbehnke/pocketqube-comms/internal/flash"
	"github.com/dbehnke/pocketqube-comms/internal/settings"
	"github.com/golang/glog"
)

func main() {
	var (
		configFile = flag.String("config", "obccomms.ini", "Configuration file path")
		image      = flag.String("image", "", "Flash image, overrides [Flash] Path")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] [command args...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	defer glog.Flush()

	cfg := config.NewConfig(*configFile)
	if err := cfg.Load(); err != nil {
		glog.Warningf("using defaults: %v", err)
	}
	path := cfg.GetFlashPath()
	if *image != "" {
		path = *image
	}

	amap, err := flash.NewAddressMap(flash.Sizes{
		Telemetry:   int(cfg.GetFlashTelemetrySize()),
		TLE:         int(cfg.GetFlashTLESize()),
		Calibration: int(cfg.GetFlashCalibrationSize()),
		Payload:     int(cfg.GetFlashPayloadSize()),
	})
	if err != nil {
		glog.Exitf("invalid flash layout: %v", err)
	}
	db, err := database.NewDB(database.Config{Path: path, Quiet: !cfg.GetFlashDebug()})
	if err != nil {
		glog.Exitf("failed to open flash image %s: %v", path, err)
	}
	defer db.Close()

	fs, err := flash.NewStore(database.NewFlashDevice(db, amap.DeviceSize()), amap)
	if err != nil {
		glog.Exitf("%v", err)
	}
	defaults := settings.DefaultLinkConfig(settings.SpreadingFactor(cfg.GetLinkDefaultSF()), settings.CodingRate(cfg.GetLinkDefaultCR()))
	st := settings.NewStore(fs, defaults)

	sh := console.NewShell(console.New(st, console.Options{
		BufferSize:       int(cfg.GetLinkBufferSize()),
		UplinkBufferSize: int(cfg.GetLinkUplinkBufferSize()),
		WindowSize:       int(cfg.GetLinkWindowSize()),
	}))

	if flag.NArg() > 0 {
		if err := sh.Process(flag.Args()...); err != nil {
			glog.Exitf("%v", err)
		}
		return
	}
	sh.Printf("flash image %s\n", path)
	sh.Run()
}
