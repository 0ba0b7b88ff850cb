package tagstruct

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripPrimitives(t *testing.T) {
	w := NewWriter()
	w.PutU32(0x8000001e)
	w.PutString("hello")
	w.PutBoolean(true)
	w.PutU8(7)
	w.PutArbitrary([]byte{1, 2, 3})
	w.PutStringNil()

	r := NewReader(w.Bytes())

	u32, err := r.GetU32()
	require.NoError(t, err)
	require.Equal(t, uint32(0x8000001e), u32)

	s, ok, err := r.GetString()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", s)

	b, err := r.GetBoolean()
	require.NoError(t, err)
	require.True(t, b)

	u8, err := r.GetU8()
	require.NoError(t, err)
	require.Equal(t, uint8(7), u8)

	arb, err := r.GetArbitrary()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, arb)

	_, ok, err = r.GetString()
	require.NoError(t, err)
	require.False(t, ok)

	require.True(t, r.Empty())
}

func TestGetStringWrongTag(t *testing.T) {
	w := NewWriter()
	w.PutU32(1)
	r := NewReader(w.Bytes())

	_, _, err := r.GetString()
	require.ErrorIs(t, err, ErrMalformed)
}

func TestGetPastEnd(t *testing.T) {
	r := NewReader(nil)
	_, err := r.GetU32()
	require.ErrorIs(t, err, ErrMalformed)
}
