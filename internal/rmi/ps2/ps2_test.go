package ps2

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinglewu/fwupd/internal/transport/serial"
)

// fakeChannel is a scripted PS/2 byte channel: writes are recorded in
// order, reads are served from a queue, and an exhausted read queue returns
// serial.ErrTimedOut so isTimeout's polling loop terminates quickly.
type fakeChannel struct {
	written []byte
	reads   []byte
}

func (c *fakeChannel) WriteByte(b byte) error {
	c.written = append(c.written, b)
	return nil
}

func (c *fakeChannel) ReadByte(timeout time.Duration) (byte, error) {
	if len(c.reads) == 0 {
		return 0, serial.ErrTimedOut
	}
	b := c.reads[0]
	c.reads = c.reads[1:]
	return b, nil
}

func (c *fakeChannel) FlushInput(max int) int { return 0 }
func (c *fakeChannel) Close() error           { return nil }

func TestWriteByteRetriesOnResendThenSucceeds(t *testing.T) {
	ch := &fakeChannel{reads: []byte{respResend, respACK}}
	a := New(ch, "")

	err := a.WriteByte(0x42)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x42, 0x42}, ch.written)
}

func TestEnterBackdoorIsIdempotent(t *testing.T) {
	// DISABLE, then the sample-rate sequence: one scaling primer, 4
	// resolution fragments (each preceded by a SET_RESOLUTION byte), and
	// SET_SAMPLE_RATE + param; every write needs one ACK queued.
	ch := &fakeChannel{}
	for i := 0; i < 64; i++ {
		ch.reads = append(ch.reads, respACK)
	}
	a := New(ch, "")

	require.NoError(t, a.EnterBackdoor())
	firstLen := len(ch.written)
	assert.Equal(t, cmdDisableStream, ch.written[0])

	require.NoError(t, a.EnterBackdoor())
	assert.Equal(t, firstLen, len(ch.written), "a second EnterBackdoor call must emit no bytes")
}

func TestReadRMIRegisterEntersBackdoorOnFreshDevice(t *testing.T) {
	// From a fresh (non-backdoor) adaptor, read_rmi_register(0x10) must
	// itself trigger backdoor entry as a side effect. EnterBackdoor emits
	// 12 writes (DISABLE + the resolution-encoded backdoor argument +
	// SET_SAMPLE_RATE/mode-byte-2 param), and the register op itself emits 4 more
	// (SET_SCALING_2TO1, SET_SAMPLE_RATE, addr, STATUS_REQUEST) before the
	// 3 raw status bytes are read directly off the wire.
	ch := &fakeChannel{}
	for i := 0; i < 16; i++ {
		ch.reads = append(ch.reads, respACK)
	}
	// register value is the first byte read (little-endian assembly), not
	// the last — the other two bytes must be ignored by readRMIRegister.
	ch.reads = append(ch.reads, 0x10, 0x00, 0x00)

	a := New(ch, "")
	v, err := a.readRMIRegister(0x10)
	require.NoError(t, err)
	assert.Equal(t, byte(0x10), v)
	assert.True(t, a.inBackdoor)
	assert.Equal(t, cmdDisableStream, ch.written[0])
}

func TestQueryProductSubIDDistinguishesFailureFromZero(t *testing.T) {
	ch := &fakeChannel{}
	// No ACKs queued at all: setResolutionSequence's first WriteByte fails
	// every retry, exhausting statusRequestSequence's 3 attempts.
	a := New(ch, "")

	_, ok, err := a.QueryProductSubID()
	require.Error(t, err)
	assert.False(t, ok)
}

func TestDetachFailsWithoutDrvctlAndStaysOutOfBootloader(t *testing.T) {
	ch := &fakeChannel{}
	for i := 0; i < 64; i++ {
		ch.reads = append(ch.reads, respACK)
	}
	a := New(ch, "/tmp/does-not-exist-drvctl")

	// Detach will fail because the drvctl path does not exist, but it must
	// retry rescanRetries times before giving up rather than failing fast.
	err := a.Detach()
	require.Error(t, err)
	assert.False(t, a.bootloader)
}
