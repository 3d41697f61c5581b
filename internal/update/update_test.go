package update

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRunsPhasesInOrder(t *testing.T) {
	var seen []Phase
	driver := Driver{
		Init:      func() error { return nil },
		QueryInfo: func() error { return nil },
		WriteBlocks: func(progress func(done, total int)) error {
			progress(1, 2)
			progress(2, 2)
			return nil
		},
		Verify:  func() error { return nil },
		Restart: func() error { return nil },
	}

	s := NewSession(driver, func(ev ProgressEvent) { seen = append(seen, ev.Phase) })
	require.NoError(t, s.Run())

	assert.Equal(t, Done, s.Phase())
	assert.Equal(t, []Phase{Busy, Busy, Write, Write, Write, Verify, Restart, Done}, seen)
}

func TestSessionStopsAtFirstFailureNoRollback(t *testing.T) {
	writeCalled := false
	verifyCalled := false
	driver := Driver{
		Init:        func() error { return nil },
		QueryInfo:   func() error { return errors.New("boom") },
		WriteBlocks: func(progress func(done, total int)) error { writeCalled = true; return nil },
		Verify:      func() error { verifyCalled = true; return nil },
	}

	s := NewSession(driver, nil)
	err := s.Run()

	require.Error(t, err)
	assert.Equal(t, Failed, s.Phase())
	assert.False(t, writeCalled, "write must not run after an earlier phase fails")
	assert.False(t, verifyCalled)
}

func TestSessionNilDriverFuncsAreSkipped(t *testing.T) {
	s := NewSession(Driver{}, nil)
	require.NoError(t, s.Run())
	assert.Equal(t, Done, s.Phase())
}
