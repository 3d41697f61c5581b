// fwupd: device firmware update driver for PixArt RF HID and Synaptics RMI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/jinglewu/fwupd/internal/cli/progress"
	"github.com/jinglewu/fwupd/internal/config"
	"github.com/jinglewu/fwupd/internal/host/diag"
	"github.com/jinglewu/fwupd/internal/host/statusapi"
	"github.com/jinglewu/fwupd/internal/pixart"
	"github.com/jinglewu/fwupd/internal/transport/hid"
	"github.com/jinglewu/fwupd/internal/update"
)

var (
	firmwarePath = flag.String("firmware", "", "path to the firmware image to flash")
	version      = flag.String("fw-version", "", "firmware version string reported to the device")
	statusAddr   = flag.String("status-addr", "", "if set, serve flash status as JSON on this address")
	copyReport   = flag.Bool("copy-report", false, "copy the final flash report to the clipboard")
)

func main() {
	flag.Parse()

	switch flag.Arg(0) {
	case "doctor":
		runDoctor()
	case "flash":
		runFlash()
	default:
		fmt.Fprintln(os.Stderr, "usage: fwupdctl [doctor|flash] [flags]")
		os.Exit(2)
	}
}

func runDoctor() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	report, err := diag.Collect(cfg.HIDVendorID, cfg.HIDProductID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "diagnostics failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(report.String())
}

func runFlash() {
	if *firmwarePath == "" {
		fmt.Fprintln(os.Stderr, "flash: -firmware is required")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	blob, err := os.ReadFile(*firmwarePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read firmware: %v\n", err)
		os.Exit(1)
	}

	dev, err := hid.Open(cfg.HIDVendorID, cfg.HIDProductID, 0x01, 0x81)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open device: %v\n", err)
		os.Exit(1)
	}
	defer dev.Close()

	pxDev := pixart.New(dev, cfg.OperationTimeout)
	driver := pxDev.AsUpdateDriver(blob, *version)

	ch := make(chan progress.Msg)
	var status *statusapi.Server
	obs := progress.Pump(ch)
	if *statusAddr != "" {
		status = statusapi.New(*firmwarePath)
		statusObs := status.Observer()
		prev := obs
		obs = func(ev update.ProgressEvent) {
			prev(ev)
			statusObs(ev)
		}
		go status.ListenAndServe(*statusAddr)
	}

	session := update.NewSession(driver, obs)

	go progress.RunAndClose(ch, session.Run)

	model := progress.New(*firmwarePath, ch)
	p := tea.NewProgram(model)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "progress ui: %v\n", err)
	}

	if status != nil && session.Phase() != update.Done {
		status.SetError(fmt.Errorf("flash ended in phase %s", session.Phase()))
	}

	if session.Phase() != update.Done {
		os.Exit(1)
	}

	if *copyReport {
		report := fmt.Sprintf("fwupd: %s flashed successfully in %s", *firmwarePath, time.Now().Format(time.RFC3339))
		if err := clipboard.WriteAll(report); err == nil {
			fmt.Println("copied to clipboard")
		}
	}
}
