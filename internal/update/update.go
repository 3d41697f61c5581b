// Package update sequences the phases common to both device families into
// the linear state machine spec.md §4.4 describes:
//
//	READY → BUSY(ota_init) → BUSY(query_info) → WRITE(blocks) →
//	VERIFY(upgrade cmd) → RESTART(reset) → DONE
//
// Failure in any phase is fatal; there is no partial rollback.
package update

import (
	"fmt"
	"time"

	"github.com/jinglewu/fwupd/internal/fwerr"
)

// Phase is a step of the flash state machine. The zero value is Ready.
type Phase int

const (
	Ready Phase = iota
	Busy
	Write
	Verify
	Restart
	Done
	Failed
)

func (p Phase) String() string {
	switch p {
	case Ready:
		return "READY"
	case Busy:
		return "BUSY"
	case Write:
		return "WRITE"
	case Verify:
		return "VERIFY"
	case Restart:
		return "RESTART"
	case Done:
		return "DONE"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ProgressEvent is emitted on every phase transition and every completed
// block/object during Write.
type ProgressEvent struct {
	Phase      Phase
	Done       int
	Total      int
	StartedAt  time.Time
	ElapsedFor Phase
}

// Observer receives progress events; implementations must not block for
// long since they are called on the device's single update goroutine.
type Observer func(ProgressEvent)

// Driver is implemented per device family (PixArt, RMI) to plug into the
// shared orchestration phases.
type Driver struct {
	Init        func() error
	QueryInfo   func() error
	WriteBlocks func(progress func(done, total int)) error
	Verify      func() error
	Restart     func() error
}

// Session runs one device through the full state machine, reporting
// progress through obs.
type Session struct {
	driver Driver
	obs    Observer
	phase  Phase
}

// NewSession builds a session bound to a device's Driver implementation.
func NewSession(driver Driver, obs Observer) *Session {
	return &Session{driver: driver, obs: obs, phase: Ready}
}

// Phase returns the session's current state.
func (s *Session) Phase() Phase { return s.phase }

// Run drives the device through every phase in order, transitioning the
// user-visible status BUSY → WRITE → VERIFY → RESTART as spec.md §4.4
// requires, and stopping at the first failure.
func (s *Session) Run() error {
	steps := []struct {
		phase Phase
		run   func() error
	}{
		{Busy, s.runInit},
		{Busy, s.runQueryInfo},
		{Write, s.runWrite},
		{Verify, s.runVerify},
		{Restart, s.runRestart},
	}

	for _, step := range steps {
		s.transition(step.phase)
		if err := step.run(); err != nil {
			s.transition(Failed)
			return err
		}
	}
	s.transition(Done)
	return nil
}

func (s *Session) transition(p Phase) {
	s.phase = p
	if s.obs != nil {
		s.obs(ProgressEvent{Phase: p, StartedAt: time.Now()})
	}
}

func (s *Session) runInit() error {
	if s.driver.Init == nil {
		return nil
	}
	if err := s.driver.Init(); err != nil {
		return fwerr.Wrap(fwerr.WriteError, "orchestration init", err)
	}
	return nil
}

func (s *Session) runQueryInfo() error {
	if s.driver.QueryInfo == nil {
		return nil
	}
	if err := s.driver.QueryInfo(); err != nil {
		return fwerr.Wrap(fwerr.ReadError, "orchestration query_info", err)
	}
	return nil
}

func (s *Session) runWrite() error {
	if s.driver.WriteBlocks == nil {
		return nil
	}
	err := s.driver.WriteBlocks(func(done, total int) {
		if s.obs != nil {
			s.obs(ProgressEvent{Phase: Write, Done: done, Total: total, StartedAt: time.Now()})
		}
	})
	if err != nil {
		return fmt.Errorf("orchestration write: %w", err)
	}
	return nil
}

func (s *Session) runVerify() error {
	if s.driver.Verify == nil {
		return nil
	}
	if err := s.driver.Verify(); err != nil {
		return fwerr.Wrap(fwerr.ProtocolError, "orchestration verify", err)
	}
	return nil
}

func (s *Session) runRestart() error {
	if s.driver.Restart == nil {
		return nil
	}
	if err := s.driver.Restart(); err != nil {
		return fwerr.Wrap(fwerr.WriteError, "orchestration restart", err)
	}
	return nil
}
