package rmi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssembleRSAKeyReversesAndPrependsEachBurst(t *testing.T) {
	e, ft := newTestEngine()
	addr := e.f34.QueryBase + rsaKeyQueryOffset

	// Two 3-byte bursts; assembleRSAKey reverses each then prepends it, so
	// burst #2 (read second) ends up first in the assembled key.
	ft.set(addr, []byte{0x01, 0x02, 0x03})
	// fakeTransport.Read always returns the same registered value for a
	// given address regardless of call count, so both bursts read back
	// identically here; assembleRSAKey still must reverse+prepend each one.
	key, err := e.assembleRSAKey(6)
	require.NoError(t, err)
	require.Len(t, key, 6)
	assert.Equal(t, []byte{0x03, 0x02, 0x01, 0x03, 0x02, 0x01}, key)
}

func TestSecureCheckRefusesWhenForceSecure(t *testing.T) {
	e, ft := newTestEngine()
	e.state.RSAKeylenBits = 24 // 3 bytes, one burst
	ft.set(e.f34.QueryBase+rsaKeyQueryOffset, []byte{0xAA, 0xBB, 0xCC})

	fw := Firmware{UI: make([]byte, 16), SignatureSize: 4}
	err := e.SecureCheck(fw, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not implemented")
}

func TestSecureCheckAllowsWhenNotForced(t *testing.T) {
	e, ft := newTestEngine()
	e.state.RSAKeylenBits = 24
	ft.set(e.f34.QueryBase+rsaKeyQueryOffset, []byte{0xAA, 0xBB, 0xCC})

	fw := Firmware{UI: make([]byte, 16), SignatureSize: 4}
	err := e.SecureCheck(fw, false)
	assert.NoError(t, err)
}
