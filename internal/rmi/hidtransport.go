package rmi

import (
	"encoding/binary"
	"time"

	"github.com/jinglewu/fwupd/internal/fwerr"
)

// HID register-bus report IDs and opcodes. spec.md leaves the exact RMI
// HID wire framing to an external HID driver; these mirror the PixArt
// report-ID convention (internal/pixart) since both protocols share the
// same HID register transport (spec.md §2.1).
const (
	hidReportOutput  = 0x06
	hidReportInput   = 0x05
	hidReportFeature = 0x07

	hidOpRead       = 0x01
	hidOpWrite      = 0x02
	hidOpSetPage    = 0x03
	hidOpAttn       = 0x04
	hidOpBuildID    = 0x05
	hidOpProductSub = 0x06
)

// HIDPwriter is the subset of internal/transport/hid.Device the RMI-HID
// transport is built on.
type HIDPwriter interface {
	Pwrite(buf []byte) error
	Pread(timeout time.Duration) ([]byte, error)
	FeatureGet(reportID byte, timeout time.Duration) ([]byte, error)
}

// HIDTransport implements rmi.Transport over the HID register bus.
type HIDTransport struct {
	dev     HIDPwriter
	timeout time.Duration
}

// NewHIDTransport wraps a HID device as an RMI register transport.
func NewHIDTransport(dev HIDPwriter, timeout time.Duration) *HIDTransport {
	return &HIDTransport{dev: dev, timeout: timeout}
}

func (h *HIDTransport) Read(addr uint16, length int) ([]byte, error) {
	buf := make([]byte, 5)
	buf[0] = hidReportOutput
	buf[1] = hidOpRead
	binary.LittleEndian.PutUint16(buf[2:4], addr)
	buf[4] = byte(length)
	if err := h.dev.Pwrite(buf); err != nil {
		return nil, fwerr.Wrap(fwerr.WriteError, "rmi hid read request", err)
	}
	reply, err := h.dev.Pread(h.timeout)
	if err != nil {
		return nil, fwerr.Wrap(fwerr.ReadError, "rmi hid read", err)
	}
	if len(reply) < 2 || reply[0] != hidReportInput {
		return nil, fwerr.New(fwerr.ProtocolError, "rmi hid read", "unexpected reply header")
	}
	data := reply[2:]
	if len(data) > length {
		data = data[:length]
	}
	return data, nil
}

func (h *HIDTransport) Write(addr uint16, data []byte) error {
	buf := make([]byte, 4+len(data))
	buf[0] = hidReportOutput
	buf[1] = hidOpWrite
	binary.LittleEndian.PutUint16(buf[2:4], addr)
	copy(buf[4:], data)
	if err := h.dev.Pwrite(buf); err != nil {
		return fwerr.Wrap(fwerr.WriteError, "rmi hid write", err)
	}
	return nil
}

func (h *HIDTransport) SetPage(page byte) error {
	return h.Write(pageSelectAddr, []byte{page})
}

func (h *HIDTransport) WaitForAttr(sourceMask byte, timeout time.Duration) error {
	buf := []byte{hidReportOutput, hidOpAttn, sourceMask}
	if err := h.dev.Pwrite(buf); err != nil {
		return fwerr.Wrap(fwerr.WriteError, "rmi hid wait_for_attr", err)
	}
	if timeout <= 0 {
		return nil
	}
	_, err := h.dev.Pread(timeout)
	if err != nil {
		return fwerr.Wrap(fwerr.ReadError, "rmi hid wait_for_attr", err)
	}
	return nil
}

func (h *HIDTransport) QueryStatus() (Status, error) {
	data, err := h.Read(0, 1)
	if err != nil {
		return Status{}, err
	}
	if len(data) < 1 {
		return Status{}, fwerr.New(fwerr.ProtocolError, "rmi hid query_status", "short reply")
	}
	return Status{
		IsBootloader: data[0]&(1<<6) != 0,
		Unconfigured: data[0]&(1<<7) != 0,
	}, nil
}

func (h *HIDTransport) QueryBuildID() (uint32, error) {
	reply, err := h.dev.FeatureGet(hidReportFeature, h.timeout)
	if err != nil {
		return 0, fwerr.Wrap(fwerr.ReadError, "rmi hid query_build_id", err)
	}
	if len(reply) < 6 {
		return 0, fwerr.New(fwerr.ProtocolError, "rmi hid query_build_id", "short reply")
	}
	return binary.LittleEndian.Uint32(reply[2:6]), nil
}

func (h *HIDTransport) QueryProductSubID() (uint8, bool, error) {
	reply, err := h.dev.FeatureGet(hidReportFeature, h.timeout)
	if err != nil {
		return 0, false, fwerr.Wrap(fwerr.ReadError, "rmi hid query_product_sub_id", err)
	}
	if len(reply) < 3 {
		return 0, false, nil
	}
	return reply[2], true, nil
}

// EnterBackdoor is a no-op on the HID transport: the backdoor concept is
// specific to the PS/2 adaptor (spec.md §4.3).
func (h *HIDTransport) EnterBackdoor() error { return nil }
