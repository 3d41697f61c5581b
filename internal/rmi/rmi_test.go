package rmi

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinglewu/fwupd/internal/fwerr"
)

// fakeTransport is a page-unaware in-memory register file keyed by address,
// sufficient to exercise Engine without any real bus.
type fakeTransport struct {
	regs            map[uint16][]byte
	lastPage        byte
	enterBackdoorN  int
	waitForAttrErrs []error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{regs: make(map[uint16][]byte)}
}

func (f *fakeTransport) set(addr uint16, data []byte) { f.regs[addr] = data }

func (f *fakeTransport) Read(addr uint16, length int) ([]byte, error) {
	v, ok := f.regs[addr]
	if !ok {
		return make([]byte, length), nil
	}
	out := make([]byte, length)
	copy(out, v)
	return out, nil
}

func (f *fakeTransport) Write(addr uint16, data []byte) error {
	cp := append([]byte{}, data...)
	f.regs[addr] = cp
	return nil
}

func (f *fakeTransport) SetPage(page byte) error {
	f.lastPage = page
	return nil
}

func (f *fakeTransport) WaitForAttr(sourceMask byte, timeout time.Duration) error {
	if len(f.waitForAttrErrs) == 0 {
		return nil
	}
	err := f.waitForAttrErrs[0]
	f.waitForAttrErrs = f.waitForAttrErrs[1:]
	return err
}

func (f *fakeTransport) QueryStatus() (Status, error)          { return Status{}, nil }
func (f *fakeTransport) QueryBuildID() (uint32, error)         { return 0, nil }
func (f *fakeTransport) QueryProductSubID() (uint8, bool, error) { return 0, false, nil }

func (f *fakeTransport) EnterBackdoor() error {
	f.enterBackdoorN++
	return nil
}

func newTestEngine() (*Engine, *fakeTransport) {
	f01 := Function{FunctionNumber: 0x01, DataBase: 0x10, CommandBase: 0x20}
	f34 := Function{FunctionNumber: 0x34, QueryBase: 0x30, DataBase: 0x40, InterruptSourceMask: 0x02}
	ft := newFakeTransport()
	return New(ft, f01, f34), ft
}

func TestSetupComputesStatusAddr(t *testing.T) {
	e, ft := newTestEngine()

	ft.set(e.f34.QueryBase, []byte{0x01, 0x02}) // bootloader id
	ft.set(e.f34.QueryBase+9, []byte{0x00})     // no rsa key flag
	blk := make([]byte, 7)
	binary.LittleEndian.PutUint16(blk[1:3], 16) // block size
	binary.LittleEndian.PutUint16(blk[3:5], 100)
	binary.LittleEndian.PutUint16(blk[5:7], 4)
	ft.set(e.f34.QueryBase+2, blk)

	require.NoError(t, e.Setup())

	state := e.State()
	assert.EqualValues(t, 16, state.BlockSize)
	assert.EqualValues(t, 100, state.BlockCountFW)
	assert.EqualValues(t, 4, state.BlockCountCfg)
	assert.EqualValues(t, e.f34.DataBase+2+state.BlockSize, state.StatusAddr)
	assert.False(t, state.SecureCapable())
}

func TestSetupReadsRSAKeylenWhenAdvertised(t *testing.T) {
	e, ft := newTestEngine()

	ft.set(e.f34.QueryBase, []byte{0x01, 0x02})
	ft.set(e.f34.QueryBase+9, []byte{0x01}) // rsa key present
	keylen := make([]byte, 2)
	binary.LittleEndian.PutUint16(keylen, 2048)
	ft.set(e.f34.QueryBase+10, keylen)
	blk := make([]byte, 7)
	binary.LittleEndian.PutUint16(blk[1:3], 16)
	ft.set(e.f34.QueryBase+2, blk)

	require.NoError(t, e.Setup())
	assert.EqualValues(t, 2048, e.State().RSAKeylenBits)
	assert.True(t, e.State().SecureCapable())
}

func TestQueryStatusParsesBootloaderAndUnconfiguredBits(t *testing.T) {
	e, ft := newTestEngine()
	ft.set(e.f01.DataBase, []byte{1<<6 | 1<<7})

	st, err := e.QueryStatus()
	require.NoError(t, err)
	assert.True(t, st.IsBootloader)
	assert.True(t, st.Unconfigured)
	assert.True(t, e.IsBootloader())
}

func TestWriteFirmwareRequiresBootloaderMode(t *testing.T) {
	e, _ := newTestEngine()
	err := e.WriteFirmware(Firmware{}, true)
	require.Error(t, err)
	assert.True(t, fwerr.Is(err, fwerr.NotBootloader))
}

func TestWriteFirmwareRejectsSecureMismatch(t *testing.T) {
	e, ft := newTestEngine()
	ft.set(e.f01.DataBase, []byte{1 << 6})
	_, err := e.QueryStatus()
	require.NoError(t, err)

	// device reports no RSA key, firmware claims to be secure.
	ft.set(e.f34.QueryBase, []byte{0, 0})
	ft.set(e.f34.QueryBase+9, []byte{0})
	blk := make([]byte, 7)
	binary.LittleEndian.PutUint16(blk[1:3], 16)
	ft.set(e.f34.QueryBase+2, blk)
	require.NoError(t, e.Setup())

	err = e.WriteFirmware(Firmware{Secure: true}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secure")
}

