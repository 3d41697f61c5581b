// Package pixart implements the PixArt RF HID OTA update protocol:
// ota_init, ota_init_new, get_info, and the object/payload write loop with
// PRN flow control, checksum verification, upgrade, and reset.
package pixart

import (
	"encoding/binary"
	"time"

	"github.com/jinglewu/fwupd/internal/fwerr"
)

// Report IDs, the first byte of every HID buffer.
const (
	ReportInput   = 0x05
	ReportOutput  = 0x06
	ReportFeature = 0x07
)

// Command opcodes.
const (
	cmdOTAInit      = 0x10
	cmdFWWrite      = 0x17
	cmdFWUpgrade    = 0x18
	cmdMCUReset     = 0x22
	cmdGetInfo      = 0x23
	cmdObjectCreate = 0x25
	cmdOTAInitNew   = 0x27
)

const (
	objectSize  = 4096
	payloadSize = 20
	versionLen  = 10

	objectCreateSettleDelay = 30 * time.Millisecond
	initNewSettleDelay      = 30 * time.Millisecond
	initNewRetries          = 3
)

// Transport is the HID pwrite/pread/feature_get surface the protocol is
// driven over, shared with the RMI-HID transport.
type Transport interface {
	Pwrite(buf []byte) error
	Pread(timeout time.Duration) ([]byte, error)
	FeatureGet(reportID byte, timeout time.Duration) ([]byte, error)
}

// DeviceState is populated by OTA_INIT_NEW and never mutated concurrently.
type DeviceState struct {
	Status          uint8
	NewFlow         uint8
	Offset          uint16
	Checksum        uint16
	MaxObjectSize   uint32
	MTUSize         uint16
	PRNThreshold    uint16
	SpecCheckResult uint8
}

// Device drives the PixArt OTA protocol over a Transport.
type Device struct {
	t       Transport
	timeout time.Duration
	state   DeviceState
}

// New wraps a transport with a per-operation timeout.
func New(t Transport, timeout time.Duration) *Device {
	return &Device{t: t, timeout: timeout}
}

// State returns the last device state parsed by OTAInitNew.
func (d *Device) State() DeviceState { return d.state }

// OTAInit writes the bare OTA-init command; no reply is expected.
func (d *Device) OTAInit() error {
	if err := d.t.Pwrite([]byte{ReportOutput, cmdOTAInit}); err != nil {
		return fwerr.Wrap(fwerr.WriteError, "ota_init", err)
	}
	return nil
}

// OTAInitNew announces the firmware size and reads back the device state
// struct that governs the rest of the update.
func (d *Device) OTAInitNew(fwSize uint32) error {
	buf := make([]byte, 2+4+1+versionLen)
	buf[0] = ReportOutput
	buf[1] = cmdOTAInitNew
	binary.LittleEndian.PutUint32(buf[2:6], fwSize)
	buf[6] = 0x00 // OTA setting

	if err := d.t.Pwrite(buf); err != nil {
		return fwerr.Wrap(fwerr.WriteError, "ota_init_new", err)
	}

	var reply []byte
	var err error
	for attempt := 0; attempt < initNewRetries; attempt++ {
		time.Sleep(initNewSettleDelay)
		reply, err = d.t.FeatureGet(ReportFeature, d.timeout)
		if err == nil && len(reply) >= 0x11 && reply[0] == ReportFeature && reply[1] == cmdOTAInitNew {
			break
		}
		err = fwerr.New(fwerr.ProtocolError, "ota_init_new", "unexpected or short feature reply")
	}
	if err != nil {
		return err
	}

	d.state = DeviceState{
		Status:          reply[0x02],
		NewFlow:         reply[0x03],
		Offset:          binary.LittleEndian.Uint16(reply[0x04:0x06]),
		Checksum:        binary.LittleEndian.Uint16(reply[0x06:0x08]),
		MaxObjectSize:   binary.LittleEndian.Uint32(reply[0x08:0x0C]),
		MTUSize:         binary.LittleEndian.Uint16(reply[0x0C:0x0E]),
		PRNThreshold:    binary.LittleEndian.Uint16(reply[0x0E:0x10]),
		SpecCheckResult: reply[0x10],
	}
	if d.state.PRNThreshold == 0 {
		return fwerr.New(fwerr.ProtocolError, "ota_init_new", "prn_threshold must be > 0")
	}
	if d.state.MaxObjectSize < 1 {
		return fwerr.New(fwerr.ProtocolError, "ota_init_new", "max_object_size must be >= 1")
	}
	return nil
}

// Info is the parsed GET_INFO feature reply.
type Info struct {
	Version  string
	Checksum uint16
}

// GetInfo queries the device firmware version and checksum.
func (d *Device) GetInfo() (Info, error) {
	if err := d.t.Pwrite([]byte{ReportOutput, cmdGetInfo}); err != nil {
		return Info{}, fwerr.Wrap(fwerr.WriteError, "get_info", err)
	}
	reply, err := d.t.FeatureGet(ReportFeature, d.timeout)
	if err != nil {
		return Info{}, fwerr.Wrap(fwerr.ReadError, "get_info", err)
	}
	if len(reply) < 0x0A || reply[0] != ReportFeature || reply[0x02] != cmdGetInfo {
		return Info{}, fwerr.New(fwerr.ProtocolError, "get_info", "unexpected feature reply")
	}
	version := string(trimNulls(reply[0x03:0x08]))
	checksum := binary.LittleEndian.Uint16(reply[0x08:0x0A])
	return Info{Version: version, Checksum: checksum}, nil
}

// ProgressFunc reports completed-object progress during WriteFirmware.
type ProgressFunc func(objectsDone, objectsTotal int)

// WriteFirmware runs the full object/payload transfer loop, then issues
// upgrade and reset.
func (d *Device) WriteFirmware(blob []byte, version string, progress ProgressFunc) error {
	if err := d.OTAInit(); err != nil {
		return err
	}
	if err := d.OTAInitNew(uint32(len(blob))); err != nil {
		return err
	}

	objects := chunk(blob, objectSize)
	for i, obj := range objects {
		addr := uint32(i * objectSize)
		if err := d.writeObject(addr, obj); err != nil {
			return err
		}
		if progress != nil {
			progress(i+1, len(objects))
		}
	}

	if err := d.upgrade(blob, version); err != nil {
		return err
	}
	return d.reset(uint32(len(blob)))
}

func (d *Device) writeObject(addr uint32, obj []byte) error {
	if err := d.objectCreate(addr, uint32(len(obj))); err != nil {
		return err
	}

	payloads := chunk(obj, payloadSize)
	for i, p := range payloads {
		buf := make([]byte, 1+len(p))
		buf[0] = ReportOutput
		copy(buf[1:], p)
		if err := d.t.Pwrite(buf); err != nil {
			return fwerr.Wrap(fwerr.WriteError, "fw_write payload", err)
		}

		// A PRN ack and the terminal checksum notification are
		// independent reads: when the last payload also lands on a
		// PRN boundary, both arrive.
		if (i+1)%int(d.state.PRNThreshold) == 0 {
			if err := d.readPRNAck(); err != nil {
				return err
			}
		}
	}

	return d.readObjectChecksum(obj)
}

// objectCreate opens a new 4096-byte object at addr and discards the
// best-effort 32-byte acknowledge, matching the original C's handling
// (the reply bytes carry no meaning the caller inspects; see SPEC_FULL.md).
func (d *Device) objectCreate(addr, size uint32) error {
	buf := make([]byte, 2+4+4)
	buf[0] = ReportOutput
	buf[1] = cmdObjectCreate
	binary.LittleEndian.PutUint32(buf[2:6], addr)
	binary.LittleEndian.PutUint32(buf[6:10], size)
	if err := d.t.Pwrite(buf); err != nil {
		return fwerr.Wrap(fwerr.WriteError, "object_create", err)
	}

	d.discardObjectCreateAck()
	time.Sleep(objectCreateSettleDelay)
	return nil
}

func (d *Device) discardObjectCreateAck() {
	_, _ = d.t.Pread(d.timeout)
}

func (d *Device) readPRNAck() error {
	reply, err := d.t.Pread(d.timeout)
	if err != nil {
		return fwerr.Wrap(fwerr.ReadError, "fw_write prn", err)
	}
	if len(reply) < 2 || reply[1] != cmdFWWrite {
		return fwerr.New(fwerr.ProtocolError, "fw_write prn", "opcode invalid 0x%02X", safeByte(reply, 1))
	}
	return nil
}

func (d *Device) readObjectChecksum(obj []byte) error {
	reply, err := d.t.Pread(d.timeout)
	if err != nil {
		return fwerr.Wrap(fwerr.ReadError, "fw_write checksum", err)
	}
	if len(reply) < 4 {
		return fwerr.New(fwerr.ProtocolError, "fw_write checksum", "short notification")
	}
	// Checksum sits one byte past the status/opcode field the PRN-ack
	// notification reads (reply[1]), matching the source's wait_notify
	// offsets (status at res[0x01], checksum at res[0x02:0x04]).
	got := binary.LittleEndian.Uint16(reply[2:4])
	want := Checksum16(obj)
	if got != want {
		return fwerr.New(fwerr.ProtocolError, "fw_write checksum", "checksum fail: got 0x%04X want 0x%04X", got, want)
	}
	return nil
}

func (d *Device) upgrade(blob []byte, version string) error {
	buf := make([]byte, 2+4+4+versionLen)
	buf[0] = ReportOutput
	buf[1] = cmdFWUpgrade
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(blob)))
	binary.LittleEndian.PutUint32(buf[6:10], uint32(Checksum16(blob)))
	copy(buf[10:10+versionLen], version)

	if err := d.t.Pwrite(buf); err != nil {
		return fwerr.Wrap(fwerr.WriteError, "upgrade", err)
	}

	reply, err := d.t.Pread(d.timeout)
	if err != nil {
		return fwerr.Wrap(fwerr.ReadError, "upgrade", err)
	}
	if len(reply) < 2 || reply[1] != cmdFWUpgrade {
		return fwerr.New(fwerr.ProtocolError, "upgrade", "opcode invalid 0x%02X", safeByte(reply, 1))
	}
	return nil
}

// reset truncates fwSize to a single byte, preserving the original wire
// quirk documented in spec.md §9.
func (d *Device) reset(fwSize uint32) error {
	buf := []byte{ReportOutput, cmdMCUReset, byte(fwSize & 0xFF)}
	if err := d.t.Pwrite(buf); err != nil {
		return fwerr.Wrap(fwerr.WriteError, "reset", err)
	}
	return nil
}

// Checksum16 sums bytes as unsigned 16-bit with wraparound (no carry
// propagation beyond 16 bits).
func Checksum16(data []byte) uint16 {
	var sum uint16
	for _, b := range data {
		sum += uint16(b)
	}
	return sum
}

func chunk(data []byte, size int) [][]byte {
	var out [][]byte
	for i := 0; i < len(data); i += size {
		end := i + size
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[i:end])
	}
	if len(out) == 0 {
		out = append(out, data[:0])
	}
	return out
}

func trimNulls(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

func safeByte(b []byte, i int) byte {
	if i < len(b) {
		return b[i]
	}
	return 0
}
