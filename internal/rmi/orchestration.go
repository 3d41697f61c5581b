package rmi

import "github.com/jinglewu/fwupd/internal/update"

// AsUpdateDriver adapts Engine to the orchestration package's Driver
// shape. Verify maps onto a post-write QueryStatus read that fails only if
// the status read fails (the bootloader bit is not checked); Restart maps
// onto ResetToApplication.
func (e *Engine) AsUpdateDriver(fw Firmware, forceSecure bool) update.Driver {
	return update.Driver{
		Init: e.Setup,
		QueryInfo: func() error {
			_, err := e.QueryStatus()
			return err
		},
		WriteBlocks: func(progress func(done, total int)) error {
			e.ProgressFunc = progress
			defer func() { e.ProgressFunc = nil }()
			return e.WriteFirmware(fw, forceSecure)
		},
		Verify: func() error {
			_, err := e.QueryStatus()
			return err
		},
		Restart: e.ResetToApplication,
	}
}
