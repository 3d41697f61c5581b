// Package hid wraps a gousb HID device with the pwrite/pread/feature_get
// primitives the PixArt and RMI-HID protocol layers are built on.
package hid

import (
	"context"
	"time"

	"github.com/google/gousb"

	"github.com/jinglewu/fwupd/internal/fwerr"
)

const (
	bufferSize  = 32 // every PixArt HID packet is a fixed 32-byte buffer
	defaultIntf = 0
	defaultCfg  = 1
)

// Device is a HID register transport backed by direct USB access,
// generalized from usb_device.go's OpenUSBDevice/SendPacket/ReadPacket to
// a device-agnostic pwrite/pread/feature_get surface.
type Device struct {
	ctx   *gousb.Context
	dev   *gousb.Device
	cfg   *gousb.Config
	intf  *gousb.Interface
	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	epOutAddr gousb.EndpointAddress
	epInAddr  gousb.EndpointAddress
}

// Open claims the HID interface of the device matching vid/pid.
func Open(vid, pid uint16, epOut, epIn gousb.EndpointAddress) (*Device, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		ctx.Close()
		return nil, fwerr.Wrap(fwerr.NotSupported, "hid open", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fwerr.New(fwerr.NotSupported, "hid open", "device not found (vid=0x%04x pid=0x%04x)", vid, pid)
	}

	cfg, err := dev.Config(defaultCfg)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fwerr.Wrap(fwerr.WriteError, "hid config", err)
	}

	intf, err := cfg.Interface(defaultIntf, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fwerr.Wrap(fwerr.WriteError, "hid claim interface", err)
	}

	out, err := intf.OutEndpoint(int(epOut))
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fwerr.Wrap(fwerr.WriteError, "hid out endpoint", err)
	}

	in, err := intf.InEndpoint(int(epIn))
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fwerr.Wrap(fwerr.ReadError, "hid in endpoint", err)
	}

	return &Device{
		ctx: ctx, dev: dev, cfg: cfg, intf: intf,
		epOut: out, epIn: in,
		epOutAddr: epOut, epInAddr: epIn,
	}, nil
}

// Close releases the USB interface, config, device, and context in order.
func (d *Device) Close() error {
	if d.intf != nil {
		d.intf.Close()
	}
	if d.cfg != nil {
		d.cfg.Close()
	}
	if d.dev != nil {
		d.dev.Close()
	}
	if d.ctx != nil {
		d.ctx.Close()
	}
	return nil
}

// Pwrite writes a single OUTPUT report. Buffers are padded to the fixed
// HID packet size if shorter.
func (d *Device) Pwrite(buf []byte) error {
	padded := pad(buf)
	if _, err := d.epOut.Write(padded); err != nil {
		return fwerr.Wrap(fwerr.WriteError, "hid pwrite", err)
	}
	return nil
}

// Pread blocks until an INPUT report arrives or timeout elapses.
func (d *Device) Pread(timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	buf := make([]byte, bufferSize)
	n, err := d.epIn.ReadContext(ctx, buf)
	if err != nil {
		return nil, fwerr.Wrap(fwerr.ReadError, "hid pread", err)
	}
	return buf[:n], nil
}

// FeatureGet reads a FEATURE report via a control transfer, matching the
// device-side semantics of a HID GetFeature request.
func (d *Device) FeatureGet(reportID byte, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, bufferSize)
	buf[0] = reportID

	const (
		reqTypeClassIn = 0xA1 // IN | CLASS | INTERFACE
		reqGetReport   = 0x01
		reportTypeFeat = 0x03
	)

	d.dev.ControlTimeout = timeout
	_, err := d.dev.Control(
		reqTypeClassIn, reqGetReport,
		uint16(reportTypeFeat)<<8|uint16(reportID),
		uint16(d.intf.Setting.Number),
		buf,
	)
	if err != nil {
		return nil, fwerr.Wrap(fwerr.ReadError, "hid feature_get", err)
	}
	return buf, nil
}

func pad(buf []byte) []byte {
	if len(buf) >= bufferSize {
		return buf[:bufferSize]
	}
	out := make([]byte, bufferSize)
	copy(out, buf)
	return out
}

// IsAvailable probes for a device with the given VID/PID without claiming
// it, mirroring the teacher's IsUSBDeviceAvailable probe.
func IsAvailable(vid, pid uint16) bool {
	ctx := gousb.NewContext()
	defer ctx.Close()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil || dev == nil {
		return false
	}
	dev.Close()
	return true
}
