package rmi

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHIDDev struct {
	writes  [][]byte
	preads  [][]byte
	feature []byte
}

func (f *fakeHIDDev) Pwrite(buf []byte) error {
	f.writes = append(f.writes, append([]byte{}, buf...))
	return nil
}

func (f *fakeHIDDev) Pread(timeout time.Duration) ([]byte, error) {
	r := f.preads[0]
	f.preads = f.preads[1:]
	return r, nil
}

func (f *fakeHIDDev) FeatureGet(reportID byte, timeout time.Duration) ([]byte, error) {
	return f.feature, nil
}

func TestHIDTransportReadFramesRequestAndParsesReply(t *testing.T) {
	reply := []byte{hidReportInput, hidOpRead, 0xAA, 0xBB}
	dev := &fakeHIDDev{preads: [][]byte{reply}}
	h := NewHIDTransport(dev, time.Millisecond)

	data, err := h.Read(0x1234, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB}, data)

	require.Len(t, dev.writes, 1)
	req := dev.writes[0]
	assert.Equal(t, byte(hidOpRead), req[1])
	assert.Equal(t, uint16(0x1234), binary.LittleEndian.Uint16(req[2:4]))
	assert.Equal(t, byte(2), req[4])
}

func TestHIDTransportSetPageWritesPageSelectRegister(t *testing.T) {
	dev := &fakeHIDDev{}
	h := NewHIDTransport(dev, time.Millisecond)

	require.NoError(t, h.SetPage(0x04))
	require.Len(t, dev.writes, 1)
	assert.Equal(t, uint16(pageSelectAddr), binary.LittleEndian.Uint16(dev.writes[0][2:4]))
	assert.Equal(t, byte(0x04), dev.writes[0][4])
}

func TestHIDTransportQueryProductSubIDShortReplyIsNotAnError(t *testing.T) {
	dev := &fakeHIDDev{feature: []byte{hidReportFeature}}
	h := NewHIDTransport(dev, time.Millisecond)

	_, ok, err := h.QueryProductSubID()
	require.NoError(t, err)
	assert.False(t, ok)
}
