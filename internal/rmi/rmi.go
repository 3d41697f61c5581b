// Package rmi implements the Synaptics RMI V5 register protocol and the
// flash engine built on top of it. The engine is generic over Transport
// so it runs unmodified over either the HID register bus or the PS/2
// adaptor (internal/rmi/ps2).
package rmi

import (
	"encoding/binary"
	"time"

	"github.com/jinglewu/fwupd/internal/fwerr"
)

// Page-select register address; writing addr>>8 here switches the active
// 16-bit register page.
const pageSelectAddr = 0xFF

// RefreshFlag requests wait_for_idle to re-scan F34 before returning,
// since erase may change its layout.
type RefreshFlag int

const (
	NoRefresh RefreshFlag = iota
	RefreshF34
)

// Transport is the capability interface the V5 flash engine is generic
// over — implemented by the HID register bus and by the PS/2 adaptor
// (internal/rmi/ps2.Adaptor).
type Transport interface {
	Read(addr uint16, length int) ([]byte, error)
	Write(addr uint16, data []byte) error
	SetPage(page byte) error
	WaitForAttr(sourceMask byte, timeout time.Duration) error
	QueryStatus() (Status, error)
	QueryBuildID() (uint32, error)
	QueryProductSubID() (uint8, bool, error)
	// EnterBackdoor is meaningful only for the PS/2 adaptor (spec.md
	// §4.3); HID-backed transports implement it as a no-op.
	EnterBackdoor() error
}

// Status is the parsed F01 device-control status byte.
type Status struct {
	IsBootloader bool
	// Unconfigured surfaces bit 7 of the F01 status byte — recovered
	// from original_source/ (see SPEC_FULL.md §4); additive only, does
	// not change the documented bootloader semantics.
	Unconfigured bool
}

// Function is a PDT function record, supplied by an external PDT scanner
// (out of scope for this module; spec.md §1).
type Function struct {
	FunctionNumber      byte
	QueryBase           uint16
	DataBase            uint16
	CommandBase         uint16
	ControlBase         uint16
	FunctionVersion     byte
	InterruptSourceMask byte
}

// FlashState is re-populated on every Setup after entering bootloader mode.
type FlashState struct {
	BlockSize     uint16
	BlockCountFW  uint16
	BlockCountCfg uint16
	BootloaderID  [2]byte
	StatusAddr    uint16
	RSAKeylenBits uint16
}

// SecureCapable reports whether the device advertises an RSA key.
func (f FlashState) SecureCapable() bool { return f.RSAKeylenBits != 0 }

// Firmware is the already-parsed firmware image the flash engine consumes
// (firmware-file parsing is out of scope; spec.md §1).
type Firmware struct {
	UI            []byte // ui image bytes, trailing signature_size bytes are the RSA signature when Secure
	Config        []byte
	Version       string
	Secure        bool
	SignatureSize int
}

// FirmwareBody returns the ui image minus its trailing signature.
func (fw Firmware) FirmwareBody() []byte {
	n := len(fw.UI) - fw.SignatureSize
	if n < 0 {
		n = 0
	}
	return fw.UI[:n]
}

// Signature returns the trailing signature bytes of the ui image.
func (fw Firmware) Signature() []byte {
	n := len(fw.UI) - fw.SignatureSize
	if n < 0 || fw.SignatureSize == 0 {
		return nil
	}
	return fw.UI[n:]
}

// V5 flash protocol commands, written to FlashState.StatusAddr.
const (
	cmdEraseAll       = 0x03
	cmdWriteFWBlock   = 0x02
	cmdWriteCfgBlock  = 0x06
	f01CmdDeviceReset = 0x01
)

const (
	eraseSettleDelay   = 5 * time.Second
	eraseIdleTimeout   = 5 * time.Second
	registerIdleWait   = 500 * time.Millisecond
	instantIdleTimeout = 0
)

// Engine is the V5 flash engine, generic over Transport.
type Engine struct {
	t Transport

	f01 Function
	f34 Function

	state    FlashState
	bootMode bool

	// ProgressFunc, when set, receives fractional progress
	// (blocksDone, blocksTotal) during WriteFirmware.
	ProgressFunc func(blocksDone, blocksTotal int)
}

// New builds a flash engine bound to the given F01/F34 function records
// (owned by the device object, borrowed by the engine per spec.md §9).
func New(t Transport, f01, f34 Function) *Engine {
	return &Engine{t: t, f01: f01, f34: f34}
}

// State returns the flash state populated by the last Setup.
func (e *Engine) State() FlashState { return e.state }

// read selects addr's page through the transport before every read; write
// does the same before every write.
func (e *Engine) read(addr uint16, length int) ([]byte, error) {
	if err := e.t.SetPage(byte(addr >> 8)); err != nil {
		return nil, fwerr.Wrap(fwerr.WriteError, "set_page", err)
	}
	data, err := e.t.Read(addr, length)
	if err != nil {
		return nil, fwerr.Wrap(fwerr.ReadError, "read", err)
	}
	return data, nil
}

func (e *Engine) write(addr uint16, data []byte) error {
	if err := e.t.SetPage(byte(addr >> 8)); err != nil {
		return fwerr.Wrap(fwerr.WriteError, "set_page", err)
	}
	if err := e.t.Write(addr, data); err != nil {
		return fwerr.Wrap(fwerr.WriteError, "write", err)
	}
	return nil
}

// Setup reads the F34 query block and recomputes StatusAddr, per
// spec.md §4.2.
func (e *Engine) Setup() error {
	idBytes, err := e.read(e.f34.QueryBase, 2)
	if err != nil {
		return err
	}
	var state FlashState
	copy(state.BootloaderID[:], idBytes)

	props, err := e.read(e.f34.QueryBase+9, 1)
	if err != nil {
		return err
	}
	if props[0]&0x01 == 1 {
		keylen, err := e.read(e.f34.QueryBase+10, 2)
		if err != nil {
			return err
		}
		state.RSAKeylenBits = binary.LittleEndian.Uint16(keylen)
	}

	blk, err := e.read(e.f34.QueryBase+2, 7)
	if err != nil {
		return err
	}
	if len(blk) < 7 {
		return fwerr.New(fwerr.ProtocolError, "setup", "short block-size query reply")
	}
	state.BlockSize = binary.LittleEndian.Uint16(blk[1:3])
	state.BlockCountFW = binary.LittleEndian.Uint16(blk[3:5])
	state.BlockCountCfg = binary.LittleEndian.Uint16(blk[5:7])
	state.StatusAddr = e.f34.DataBase + 2 + state.BlockSize

	e.state = state
	return nil
}

// QueryStatus reads the F01 status byte and updates the engine's
// observable bootloader flag.
func (e *Engine) QueryStatus() (Status, error) {
	data, err := e.read(e.f01.DataBase, 1)
	if err != nil {
		return Status{}, err
	}
	if len(data) < 1 {
		return Status{}, fwerr.New(fwerr.ProtocolError, "query_status", "short reply")
	}
	st := Status{
		IsBootloader: data[0]&(1<<6) != 0,
		Unconfigured: data[0]&(1<<7) != 0,
	}
	e.bootMode = st.IsBootloader
	return st, nil
}

// IsBootloader reports the last QueryStatus result.
func (e *Engine) IsBootloader() bool { return e.bootMode }

// EraseAll issues the erase command and waits for the device to settle
// and report idle, re-scanning F34 afterward since erase may change its
// layout.
func (e *Engine) EraseAll() error {
	if err := e.write(e.state.StatusAddr, []byte{cmdEraseAll}); err != nil {
		return fwerr.Wrap(fwerr.WriteError, "failed to erase all", err)
	}
	time.Sleep(eraseSettleDelay)
	if err := e.waitForIdle(eraseIdleTimeout, RefreshF34); err != nil {
		return err
	}
	return nil
}

// waitForIdle blocks for the device attention interrupt (or the fixed
// settle timeout when the transport has none) and, when flag is
// RefreshF34, re-reads F34 since the block layout may have moved.
func (e *Engine) waitForIdle(timeout time.Duration, flag RefreshFlag) error {
	if err := e.t.WaitForAttr(e.f34.InterruptSourceMask, timeout); err != nil {
		return fwerr.Wrap(fwerr.ReadError, "wait_for_idle", err)
	}
	if flag == RefreshF34 {
		return e.Setup()
	}
	return nil
}

// WriteFirmware requires bootloader mode, validates the security posture,
// erases, and streams firmware then config blocks.
func (e *Engine) WriteFirmware(fw Firmware, forceSecure bool) error {
	if !e.bootMode {
		return fwerr.New(fwerr.NotBootloader, "write_firmware", "device not in bootloader mode")
	}

	if err := e.enterBackdoor(); err != nil {
		return err
	}
	if err := e.waitForIdle(instantIdleTimeout, RefreshF34); err != nil {
		return err
	}

	deviceSecure := e.state.SecureCapable()
	if deviceSecure != fw.Secure {
		return fwerr.New(fwerr.SecurityError, "write_firmware", "device secure=%v firmware secure=%v", deviceSecure, fw.Secure)
	}

	if deviceSecure && fw.Secure {
		if err := e.SecureCheck(fw, forceSecure); err != nil {
			return err
		}
	}

	if err := e.disableSleep(); err != nil {
		return err
	}

	if err := e.write(e.state.StatusAddr, e.state.BootloaderID[:]); err != nil {
		return fwerr.Wrap(fwerr.WriteError, "unlock", err)
	}

	if err := e.EraseAll(); err != nil {
		return err
	}

	if err := e.write(e.f34.DataBase, []byte{0, 0}); err != nil {
		return fwerr.Wrap(fwerr.WriteError, "initial block address", err)
	}

	blockAddr := e.f34.DataBase + 2
	if e.f34.FunctionVersion == 1 {
		blockAddr = e.f34.DataBase + 1
	}

	total := int(e.state.BlockCountFW) + int(e.state.BlockCountCfg)
	done := 0

	if err := e.writeBlocks(blockAddr, fw.UI, e.state.BlockSize, cmdWriteFWBlock, &done, total); err != nil {
		return err
	}

	// Re-zero the block address counter before the config image: the
	// device counts blocks from 0 for each image, not cumulatively.
	if err := e.write(e.f34.DataBase, []byte{0, 0}); err != nil {
		return fwerr.Wrap(fwerr.WriteError, "2nd write address zero", err)
	}

	if err := e.writeBlocks(blockAddr, fw.Config, e.state.BlockSize, cmdWriteCfgBlock, &done, total); err != nil {
		return err
	}

	return nil
}

// f01NoSleepBit is the F01 control0 "NoSleep" bit (bit 2), per the RMI4
// specification's device-control register layout; the original's
// fu_synaptics_rmi_device_disable_sleep is defined outside the files kept
// in original_source/, so this bit position is a named, out-of-pack
// judgment call rather than a transcription (see DESIGN.md).
const f01NoSleepBit = 0x04

// disableSleep sets the NoSleep bit in the F01 control register so the
// device does not enter a low-power state mid-flash.
func (e *Engine) disableSleep() error {
	ctrl, err := e.read(e.f01.ControlBase, 1)
	if err != nil {
		return err
	}
	if len(ctrl) < 1 {
		return fwerr.New(fwerr.ProtocolError, "disable_sleep", "short control0 reply")
	}
	if err := e.write(e.f01.ControlBase, []byte{ctrl[0] | f01NoSleepBit}); err != nil {
		return fwerr.Wrap(fwerr.WriteError, "disable_sleep", err)
	}
	return nil
}

func (e *Engine) writeBlocks(addr uint16, image []byte, blockSize uint16, cmd byte, done *int, total int) error {
	if blockSize == 0 {
		return fwerr.New(fwerr.ProtocolError, "write_firmware", "block_size is zero")
	}
	for off := 0; off < len(image); off += int(blockSize) {
		end := off + int(blockSize)
		if end > len(image) {
			end = len(image)
		}
		block := image[off:end]
		buf := append(append([]byte{}, block...), cmd)

		if err := e.write(addr, buf); err != nil {
			return fwerr.Wrap(fwerr.WriteError, "write block", err)
		}
		if err := e.waitForIdle(registerIdleWait, NoRefresh); err != nil {
			return err
		}

		*done++
		if e.ProgressFunc != nil {
			e.ProgressFunc(*done, total)
		}
	}
	return nil
}

// ResetToApplication writes the F01 device-reset command, the restart
// step recovered from original_source/ for RMI devices (SPEC_FULL.md §4).
func (e *Engine) ResetToApplication() error {
	if err := e.write(e.f01.CommandBase, []byte{f01CmdDeviceReset}); err != nil {
		return fwerr.Wrap(fwerr.WriteError, "reset to application", err)
	}
	return nil
}

func (e *Engine) enterBackdoor() error {
	return e.t.EnterBackdoor()
}
