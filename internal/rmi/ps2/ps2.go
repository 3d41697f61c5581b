// Package ps2 implements the Synaptics RMI PS/2 adaptor: the byte-level
// write/read-ack protocol, the composite resolution/status/sample-rate
// command sequences that smuggle RMI register operations over a legacy
// PS/2 mouse channel, and the psmouse/serio_raw mode transitions.
package ps2

import (
	"errors"
	"time"

	"github.com/jinglewu/fwupd/internal/fwerr"
	"github.com/jinglewu/fwupd/internal/rmi"
	"github.com/jinglewu/fwupd/internal/transport/serial"
)

// PS/2 command bytes (spec.md §6).
const (
	cmdReset           = 0xFF
	cmdDisableStream   = 0xF5
	cmdSetSampleRate   = 0xF3
	cmdSetResolution   = 0xE8
	cmdSetScaling1To1  = 0xE6
	cmdSetScaling2To1  = 0xE7
	cmdStatusRequest   = 0xE9
	cmdReadSecondaryID = 0xE1
)

// Response tokens.
const (
	respACK    = 0xFA
	respResend = 0xFE
	respError  = 0xFC
)

// Opaque device-side argument tokens (spec.md §6).
const (
	argFullRMIBackdoor   = 0x81
	argSetModeByte2      = 0x14
	argIdentifySynaptics = 0x00
	argReadExtraCaps2    = 0x01
	argReadCapabilities  = 0x02
	jytSyna              = 0x47
	synapticsID          = 0x3B
)

const (
	writeRetries        = 3
	ackPollIterations   = 60
	ackPollInterval     = 30 * time.Microsecond
	resendDelay         = 1 * time.Second
	errorDelay          = 10 * time.Millisecond
	otherResponseDelay  = 10 * time.Millisecond
	registerSettleDelay = 20 * time.Millisecond
	rescanRetries       = 5
	rescanBackoff       = 200 * time.Millisecond
	flushMaxBytes       = 65535
	resetTimeout        = 600 * time.Millisecond
)

// Channel is the single-byte raw PS/2 transport (internal/transport/serial.Channel).
type Channel interface {
	WriteByte(b byte) error
	ReadByte(timeout time.Duration) (byte, error)
	FlushInput(max int) int
	Close() error
}

// RegisterKind tells the adaptor's Read whether addr is a "packet
// register" (multi-byte burst reads, used by V5 secure_check) or an
// ordinary single-byte-per-address register. The source has no way to
// derive this from the address alone (spec.md §9 open question); callers
// must say which they mean.
type RegisterKind int

const (
	OrdinaryRegister RegisterKind = iota
	PacketRegister
)

// Adaptor translates RMI register operations into PS/2 command sequences
// and implements rmi.Transport so the V5 flash engine runs over it
// unmodified.
type Adaptor struct {
	ch         Channel
	drvctlPath string

	inBackdoor bool
	bootloader bool

	// Kind is consulted by Read to choose packet-register vs
	// ordinary-register framing (spec.md §9).
	Kind RegisterKind
}

// New wraps a byte channel as an RMI PS/2 adaptor.
func New(ch Channel, drvctlPath string) *Adaptor {
	return &Adaptor{ch: ch, drvctlPath: drvctlPath}
}

// --- byte-level protocol -------------------------------------------------

// WriteByte writes b and waits for an acknowledge, retrying the whole
// write up to 3 times on ack-read failure (spec.md §4.3).
func (a *Adaptor) WriteByte(b byte) error {
	var lastErr error
	for attempt := 0; attempt < writeRetries; attempt++ {
		if err := a.ch.WriteByte(b); err != nil {
			lastErr = fwerr.Wrap(fwerr.WriteError, "ps2 write_byte", err)
			continue
		}
		ok, err := a.readAck()
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return nil
		}
		lastErr = fwerr.New(fwerr.WriteError, "ps2 write_byte", "ack retries exhausted")
	}
	return lastErr
}

// readAck implements the ACK/RESEND/ERROR/other response contract.
func (a *Adaptor) readAck() (bool, error) {
	for {
		b, err := a.readByteRetrying()
		if err != nil {
			return false, err
		}
		switch b {
		case respACK:
			return true, nil
		case respResend:
			time.Sleep(resendDelay)
			return false, nil
		case respError:
			time.Sleep(errorDelay)
			return false, nil
		default:
			time.Sleep(otherResponseDelay)
			continue
		}
	}
}

// readByteRetrying polls up to 60 times, sleeping 30us between timeouts,
// matching the read_ack contract in spec.md §4.3.
func (a *Adaptor) readByteRetrying() (byte, error) {
	for i := 0; i < ackPollIterations; i++ {
		b, err := a.ch.ReadByte(ackPollInterval)
		if err == nil {
			return b, nil
		}
		if !isTimeout(err) {
			return 0, fwerr.Wrap(fwerr.ReadError, "ps2 read_ack", err)
		}
		time.Sleep(ackPollInterval)
	}
	return 0, fwerr.New(fwerr.ReadError, "ps2 read_ack", "timed out after %d polls", ackPollIterations)
}

func (a *Adaptor) readByte() (byte, error) {
	return a.readByteRetrying()
}

// isTimeout reports whether err is the serial channel's timeout sentinel.
func isTimeout(err error) bool {
	return errors.Is(err, serial.ErrTimedOut)
}

// --- composite command sequences -----------------------------------------

// setResolutionSequence encodes an 8-bit argument into four 2-bit
// SET_RESOLUTION writes, after one or two SET_SCALING_1TO1 primers.
func (a *Adaptor) setResolutionSequence(arg byte, sendE6s bool) error {
	if err := a.WriteByte(cmdSetScaling1To1); err != nil {
		return err
	}
	if sendE6s {
		if err := a.WriteByte(cmdSetScaling1To1); err != nil {
			return err
		}
	}
	for i := 3; i >= 0; i-- {
		frag := (arg >> uint(2*i)) & 0x03
		if err := a.WriteByte(cmdSetResolution); err != nil {
			return err
		}
		if err := a.WriteByte(frag); err != nil {
			return err
		}
	}
	return nil
}

// statusRequestSequence retries up to 3 times, returning a 24-bit
// big-endian assembled status word.
func (a *Adaptor) statusRequestSequence(arg byte) (uint32, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if err := a.setResolutionSequence(arg, false); err != nil {
			lastErr = err
			continue
		}
		if err := a.WriteByte(cmdStatusRequest); err != nil {
			lastErr = err
			continue
		}
		var buf [3]byte
		ok := true
		for i := range buf {
			b, err := a.readByte()
			if err != nil {
				lastErr = err
				ok = false
				break
			}
			buf[i] = b
		}
		if !ok {
			continue
		}
		return uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2]), nil
	}
	return 0, lastErr
}

// sampleRateSequence retries up to 4 times, forcing sendE6s=true on retry.
func (a *Adaptor) sampleRateSequence(param, arg byte, sendE6s bool) error {
	var lastErr error
	for attempt := 0; attempt < 4; attempt++ {
		force := sendE6s || attempt > 0
		if err := a.setResolutionSequence(arg, force); err != nil {
			lastErr = err
			continue
		}
		if err := a.WriteByte(cmdSetSampleRate); err != nil {
			lastErr = err
			continue
		}
		if err := a.WriteByte(param); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// --- higher-level RMI operations ------------------------------------------

// EnterBackdoor is idempotent: a second call while already in the
// backdoor returns immediately without emitting any bytes.
func (a *Adaptor) EnterBackdoor() error {
	if a.inBackdoor {
		return nil
	}
	if err := a.WriteByte(cmdDisableStream); err != nil {
		return err
	}
	if err := a.sampleRateSequence(argSetModeByte2, argFullRMIBackdoor, false); err != nil {
		return err
	}
	a.inBackdoor = true
	return nil
}

func (a *Adaptor) writeRMIRegister(addr byte, data []byte) error {
	if err := a.EnterBackdoor(); err != nil {
		return err
	}
	if err := a.WriteByte(cmdSetScaling2To1); err != nil {
		return err
	}
	if err := a.WriteByte(cmdSetSampleRate); err != nil {
		return err
	}
	if err := a.WriteByte(addr); err != nil {
		return err
	}
	for _, b := range data {
		if err := a.WriteByte(cmdSetSampleRate); err != nil {
			return err
		}
		if err := a.WriteByte(b); err != nil {
			return err
		}
	}
	time.Sleep(registerSettleDelay)
	return nil
}

func (a *Adaptor) readRMIRegister(addr byte) (byte, error) {
	if err := a.EnterBackdoor(); err != nil {
		return 0, err
	}
	if err := a.WriteByte(cmdSetScaling2To1); err != nil {
		return 0, err
	}
	if err := a.WriteByte(cmdSetSampleRate); err != nil {
		return 0, err
	}
	if err := a.WriteByte(addr); err != nil {
		return 0, err
	}
	if err := a.WriteByte(cmdStatusRequest); err != nil {
		return 0, err
	}
	var buf [3]byte
	for i := range buf {
		b, err := a.readByte()
		if err != nil {
			return 0, err
		}
		buf[i] = b
	}
	// Little-endian assembly: the register value is the first byte read
	// (original: `response |= tmp << (8*i)` then truncated to guint8),
	// unlike statusRequestSequence's big-endian 24-bit status word.
	word := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16
	time.Sleep(registerSettleDelay)
	return byte(word & 0xFF), nil
}

// readRMIPacketRegister uses identical framing to readRMIRegister but
// returns all n bytes of a multi-byte query-base register. Used by the
// V5 secure_check caller in fixed 3-byte bursts.
func (a *Adaptor) readRMIPacketRegister(addr byte, n int) ([]byte, error) {
	if err := a.EnterBackdoor(); err != nil {
		return nil, err
	}
	if err := a.WriteByte(cmdSetScaling2To1); err != nil {
		return nil, err
	}
	if err := a.WriteByte(cmdSetSampleRate); err != nil {
		return nil, err
	}
	if err := a.WriteByte(addr); err != nil {
		return nil, err
	}
	if err := a.WriteByte(cmdStatusRequest); err != nil {
		return nil, err
	}
	out := make([]byte, 0, n)
	for len(out) < n {
		var buf [3]byte
		for i := range buf {
			b, err := a.readByte()
			if err != nil {
				return nil, err
			}
			buf[i] = b
		}
		out = append(out, buf[:]...)
	}
	time.Sleep(registerSettleDelay)
	return out[:n], nil
}

// --- rmi.Transport surface -------------------------------------------------

// Read implements rmi.Transport. When a.Kind is PacketRegister it performs
// one burst read; otherwise it reads len successive single-byte
// registers, per spec.md §4.3.
func (a *Adaptor) Read(addr uint16, length int) ([]byte, error) {
	if err := a.SetPage(byte(addr >> 8)); err != nil {
		return nil, err
	}
	base := byte(addr & 0xFF)

	if a.Kind == PacketRegister {
		return a.readRMIPacketRegister(base, length)
	}

	out := make([]byte, 0, length)
	for i := 0; i < length; i++ {
		b, err := a.readRMIRegister(base + byte(i))
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Write implements rmi.Transport. No per-call timeout is applied: each
// byte's acknowledge is awaited with WriteByte's fixed read_ack polling.
func (a *Adaptor) Write(addr uint16, data []byte) error {
	if err := a.SetPage(byte(addr >> 8)); err != nil {
		return err
	}
	return a.writeRMIRegister(byte(addr&0xFF), data)
}

// SetPage writes page to the RMI page-select register (0xFF) through the
// backdoor; Read and Write then address only the low byte within that page.
func (a *Adaptor) SetPage(page byte) error {
	return a.writeRMIRegister(0xFF, []byte{page})
}

// WaitForAttr has no PS/2 analog (the F01 status bit is unavailable in
// PS/2 mode per spec.md §4.3); it simply sleeps for timeout.
func (a *Adaptor) WaitForAttr(sourceMask byte, timeout time.Duration) error {
	time.Sleep(timeout)
	return nil
}

// QueryStatus is a no-op: the F01 status bit is unavailable in PS/2 mode
// (spec.md §4.3).
func (a *Adaptor) QueryStatus() (rmi.Status, error) {
	return rmi.Status{IsBootloader: a.bootloader}, nil
}

// QueryBuildID clears in_backdoor, identifies the device type, and
// assembles the 24-bit build id from READ_EXTRA_CAPABILITIES_2.
func (a *Adaptor) QueryBuildID() (uint32, error) {
	a.inBackdoor = false

	status, err := a.statusRequestSequence(argIdentifySynaptics)
	if err != nil {
		return 0, err
	}
	highByte := byte(status >> 16)
	isTouchpad := highByte != 0

	isStick := false
	if err := a.WriteByte(cmdReadSecondaryID); err != nil {
		return 0, err
	}
	secondary, err := a.readByte()
	if err != nil {
		return 0, err
	}
	if secondary == jytSyna || secondary == synapticsID {
		isStick = true
	}

	if !isTouchpad && !isStick {
		return 0, nil
	}

	build, err := a.statusRequestSequence(argReadExtraCaps2)
	if err != nil {
		return 0, err
	}
	return build & 0xFFFFFF, nil
}

// QueryProductSubID returns bits 15:8 of READ_CAPABILITIES. The original
// C source returns a NULL (type-mismatched against its guint8 return)
// when the preceding status request fails, which the caller cannot
// distinguish from a genuine sub_id of 0 (spec.md §9 open question); this
// module resolves the ambiguity by returning ok=false so Go callers CAN
// distinguish the two cases, unlike the original.
func (a *Adaptor) QueryProductSubID() (uint8, bool, error) {
	status, err := a.statusRequestSequence(argReadCapabilities)
	if err != nil {
		return 0, false, err
	}
	return byte(status >> 8), true, nil
}

// --- mode transitions -------------------------------------------------------

// Detach switches the kernel driver from psmouse to serio_raw so the
// device can be driven directly, then enables the RMI backdoor.
func (a *Adaptor) Detach() error {
	if a.bootloader {
		return nil
	}
	if err := a.setDriverWithRetry("serio_raw"); err != nil {
		return err
	}
	a.bootloader = true
	return a.EnterBackdoor()
}

// Attach switches back to psmouse and clears the sticky backdoor flag.
func (a *Adaptor) Attach() error {
	if !a.bootloader {
		return nil
	}
	if err := a.setDriverWithRetry("psmouse"); err != nil {
		return err
	}
	a.inBackdoor = false
	a.bootloader = false
	return nil
}

func (a *Adaptor) setDriverWithRetry(driver string) error {
	var lastErr error
	for attempt := 0; attempt < rescanRetries; attempt++ {
		if err := writeDrvctl(a.drvctlPath, driver); err != nil {
			lastErr = err
			time.Sleep(rescanBackoff)
			continue
		}
		return nil
	}
	return fwerr.Wrap(fwerr.WriteError, "ps2 drvctl rescan", lastErr)
}

// open drains stale input, resets the device, and expects the two-byte
// 0xAA 0x00 announcement (bootloader mode only).
func (a *Adaptor) Open() error {
	if !a.bootloader {
		return nil
	}
	a.ch.FlushInput(flushMaxBytes)
	if err := a.ch.WriteByte(cmdReset); err != nil {
		return fwerr.Wrap(fwerr.WriteError, "ps2 open reset", err)
	}
	b1, err := a.ch.ReadByte(resetTimeout)
	if err != nil {
		return fwerr.Wrap(fwerr.ReadError, "ps2 open reset", err)
	}
	b2, err := a.ch.ReadByte(resetTimeout)
	if err != nil {
		return fwerr.Wrap(fwerr.ReadError, "ps2 open reset", err)
	}
	if b1 != 0xAA || b2 != 0x00 {
		return fwerr.New(fwerr.ProtocolError, "ps2 open reset", "unexpected announcement 0x%02X 0x%02X", b1, b2)
	}
	return a.WriteByte(cmdDisableStream)
}

// Close releases the underlying channel.
func (a *Adaptor) Close() error {
	return a.ch.Close()
}

func writeDrvctl(path, driver string) error {
	return serial.SetDriver(path, driver)
}
