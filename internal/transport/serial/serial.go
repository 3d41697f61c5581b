// Package serial provides the single-byte, raw-mode PS/2 channel the RMI
// PS/2 adaptor is built on: ReadByte/WriteByte with timeouts, flush, and
// the sysfs drvctl switch between serio_raw and psmouse.
package serial

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jinglewu/fwupd/internal/fwerr"
)

// ErrTimedOut is returned by ReadByte when no byte arrives before the
// deadline. Callers (the PS/2 ack loop) retry on this specific error.
var ErrTimedOut = fmt.Errorf("serial: timed out")

// Channel is a raw PS/2 byte channel over a serio_raw device node.
type Channel struct {
	file *os.File
	fd   int
}

// Open puts the device node into raw, non-canonical, no-echo mode, the
// termios layout needed for single-byte PS/2 framing.
func Open(path string) (*Channel, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_NOCTTY, 0)
	if err != nil {
		return nil, fwerr.Wrap(fwerr.WriteError, "serial open", err)
	}
	fd := int(f.Fd())

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		f.Close()
		return nil, fwerr.Wrap(fwerr.ReadError, "serial get termios", err)
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		f.Close()
		return nil, fwerr.Wrap(fwerr.WriteError, "serial set termios", err)
	}

	return &Channel{file: f, fd: fd}, nil
}

// Close releases the channel so a later Open (e.g. after detach/attach)
// can reacquire it.
func (c *Channel) Close() error {
	return c.file.Close()
}

// WriteByte writes a single byte, flushing stale input first — the PS/2
// adaptor's write_byte contract expects a clean response stream.
func (c *Channel) WriteByte(b byte) error {
	const maxStaleBytes = 65535
	c.FlushInput(maxStaleBytes)
	if _, err := c.file.Write([]byte{b}); err != nil {
		return fwerr.Wrap(fwerr.WriteError, "serial write", err)
	}
	return nil
}

// ReadByte polls for a single byte with the given timeout via poll(2),
// returning ErrTimedOut if the deadline elapses with no data.
func (c *Channel) ReadByte(timeout time.Duration) (byte, error) {
	pfd := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	if err != nil {
		return 0, fwerr.Wrap(fwerr.ReadError, "serial poll", err)
	}
	if n == 0 {
		return 0, ErrTimedOut
	}

	var buf [1]byte
	if _, err := c.file.Read(buf[:]); err != nil {
		return 0, fwerr.Wrap(fwerr.ReadError, "serial read", err)
	}
	return buf[0], nil
}

// FlushInput discards up to max stale bytes without blocking, used by the
// PS/2 bootloader open() handshake.
func (c *Channel) FlushInput(max int) int {
	n := 0
	for n < max {
		b, err := c.ReadByte(time.Millisecond)
		if err != nil {
			break
		}
		_ = b
		n++
	}
	return n
}

// SetDriver writes the sysfs drvctl node to switch between "serio_raw"
// and "psmouse", the PS/2 detach/attach mechanism.
func SetDriver(drvctlPath, driver string) error {
	if err := os.WriteFile(drvctlPath, []byte(driver), 0o644); err != nil {
		return fwerr.Wrap(fwerr.WriteError, "serial drvctl", err)
	}
	return nil
}
