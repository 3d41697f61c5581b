package pixart

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a minimal in-memory HID transport for testing the
// object/payload write loop and the error-path state-machine checks.
type fakeTransport struct {
	writes   [][]byte
	preads   [][]byte // queued INPUT report replies
	features [][]byte // queued FEATURE report replies
}

func (f *fakeTransport) Pwrite(buf []byte) error {
	cp := append([]byte{}, buf...)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeTransport) Pread(timeout time.Duration) ([]byte, error) {
	if len(f.preads) == 0 {
		return nil, assertErr("no queued pread reply")
	}
	r := f.preads[0]
	f.preads = f.preads[1:]
	return r, nil
}

func (f *fakeTransport) FeatureGet(reportID byte, timeout time.Duration) ([]byte, error) {
	if len(f.features) == 0 {
		return nil, assertErr("no queued feature reply")
	}
	r := f.features[0]
	f.features = f.features[1:]
	return r, nil
}

type testErr string

func (e testErr) Error() string { return string(e) }
func assertErr(s string) error  { return testErr(s) }

func initNewReply(prn uint16, maxObj uint32) []byte {
	buf := make([]byte, 0x11)
	buf[0] = ReportFeature
	buf[1] = cmdOTAInitNew
	buf[0x02] = 0x01 // status
	buf[0x03] = 0x00 // new_flow
	binary.LittleEndian.PutUint16(buf[0x04:0x06], 0)
	binary.LittleEndian.PutUint16(buf[0x06:0x08], 0)
	binary.LittleEndian.PutUint32(buf[0x08:0x0C], maxObj)
	binary.LittleEndian.PutUint16(buf[0x0C:0x0E], 64)
	binary.LittleEndian.PutUint16(buf[0x0E:0x10], prn)
	buf[0x10] = 0x00
	return buf
}

func TestChecksum16Wraparound(t *testing.T) {
	data := make([]byte, 258)
	for i := range data {
		data[i] = 0xFF
	}
	// 258 * 0xFF = 0x100FE, which overflows 16 bits and must wrap to 0x00FE.
	assert.EqualValues(t, uint16(0x00FE), Checksum16(data))
}

func TestWriteFirmwareHappyPath(t *testing.T) {
	blob := make([]byte, 40)
	for i := range blob {
		blob[i] = byte(i)
	}

	ft := &fakeTransport{
		features: [][]byte{initNewReply(2, 4096)},
		preads: [][]byte{
			{ReportInput, cmdFWWrite}, // object-create discard-read
			{ReportInput, cmdFWWrite}, // PRN ack after payload #2 (prn_threshold=2)
			nil,                       // checksum notification placeholder, replaced below
			{ReportInput, cmdFWUpgrade},
		},
	}
	// Build the real checksum notification: reply[1] carries status/opcode
	// (unused here), reply[2:4] the 16-bit LE checksum, one byte past the
	// PRN-ack's opcode field.
	checksum := Checksum16(blob)
	checksumReply := make([]byte, 4)
	checksumReply[0] = ReportInput
	binary.LittleEndian.PutUint16(checksumReply[2:4], checksum)
	ft.preads[2] = checksumReply

	dev := New(ft, 100*time.Millisecond)
	err := dev.WriteFirmware(blob, "1.0.0000", nil)
	require.NoError(t, err)

	assert.EqualValues(t, 2, dev.state.PRNThreshold)
	assert.EqualValues(t, 4096, dev.state.MaxObjectSize)
}

func TestWriteFirmwareChecksumMismatch(t *testing.T) {
	blob := make([]byte, 20)
	for i := range blob {
		blob[i] = byte(i)
	}

	badChecksum := make([]byte, 4)
	badChecksum[0] = ReportInput
	binary.LittleEndian.PutUint16(badChecksum[2:4], Checksum16(blob)+1)

	ft := &fakeTransport{
		// prn_threshold=2 with a single 20-byte payload never hits the PRN
		// boundary, so only the discard-read and the checksum read fire.
		features: [][]byte{initNewReply(2, 4096)},
		preads: [][]byte{
			{ReportInput, cmdFWWrite}, // object-create discard-read
			badChecksum,
		},
	}

	dev := New(ft, 100*time.Millisecond)
	err := dev.WriteFirmware(blob, "1.0.0000", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum fail")
}

func TestResetTruncatesFirmwareSize(t *testing.T) {
	ft := &fakeTransport{}
	dev := New(ft, time.Millisecond)
	err := dev.reset(0x1FF) // 0x1FF truncated to a single byte is 0xFF
	require.NoError(t, err)
	require.Len(t, ft.writes, 1)
	assert.Equal(t, byte(0xFF), ft.writes[0][2])
}
