package undo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUBAPacking(t *testing.T) {
	u := NewUBA(5, 0xdeadbeef, 0x1234, false)
	assert.Equal(t, uint8(5), u.Space())
	assert.Equal(t, uint32(0xdeadbeef), u.Page())
	assert.Equal(t, uint16(0x1234), u.Offset())
	assert.True(t, u.IsActive())

	c := u.Committed()
	assert.False(t, c.IsActive())
	assert.Equal(t, u.Addr(), c.Addr())
	assert.Equal(t, u.Offset(), c.Offset())

	assert.Equal(t, c, NewUBA(5, 0xdeadbeef, 0x1234, true))
}

func TestUBASentinels(t *testing.T) {
	assert.True(t, NullUBA.IsActive(), "null uba must be active")
	assert.False(t, FakeUBA.IsActive(), "fake uba must be committed")
	assert.Equal(t, Addr{}, FakeUBA.Addr())
	assert.False(t, RolledBackUBA.IsActive(), "rolled back uba must be committed")
	assert.NotEqual(t, FakeUBA, RolledBackUBA)
	assert.Equal(t, "uba{rolled back}", RolledBackUBA.String())
}

func TestUBAEncodeDecode(t *testing.T) {
	ubas := []UBA{
		NullUBA,
		FakeUBA,
		RolledBackUBA,
		NewUBA(MaxSpaceID, 0xFFFFFFFF, 0xFFFF, true),
		NewUBA(1, 1, HeaderOffset, false),
		NewUBA(64, 12345, 300, true),
	}
	for _, u := range ubas {
		b := make([]byte, UBASize)
		u.Encode(b)
		assert.Equal(t, u, DecodeUBA(b), "uba %s", u)
	}

	// the top byte of the 7 bytes holds the committed flag and the space id
	b := make([]byte, UBASize)
	NewUBA(3, 0, 0, true).Encode(b)
	assert.Equal(t, byte(0x83), b[0])
}

func TestUBASpaceOverflowPanics(t *testing.T) {
	assert.Panics(t, func() { NewUBA(MaxSpaceID+1, 0, 0, false) })
}
