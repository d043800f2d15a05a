package sei

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildAndParse(t *testing.T) {
	t.Parallel()

	data := []byte("hello roomkit")

	nal, err := Build(data)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(nal, startCode))
	require.Equal(t, byte(nalTypeSEI), nal[4])

	payload, err := Parse(nal[4:])
	require.NoError(t, err)
	require.Equal(t, data, payload)
}

func TestEmulationPrevention(t *testing.T) {
	t.Parallel()

	data := []byte{0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x03, 0xff}

	nal, err := Build(data)
	require.NoError(t, err)

	// no start code may appear after the leading one
	require.False(t, bytes.Contains(nal[4:], []byte{0x00, 0x00, 0x01}))
	require.False(t, bytes.Contains(nal[4:], []byte{0x00, 0x00, 0x00}))

	payload, err := Parse(nal[4:])
	require.NoError(t, err)
	require.Equal(t, data, payload)
}

func TestLargePayloadSize(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte{0xab}, MaxPayloadSize)

	nal, err := Build(data)
	require.NoError(t, err)

	payload, err := Parse(nal[4:])
	require.NoError(t, err)
	require.Equal(t, data, payload)

	_, err = Build(append(data, 0x01))
	require.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = Build(nil)
	require.ErrorIs(t, err, ErrEmptyPayload)
}

func TestInjectExtract(t *testing.T) {
	t.Parallel()

	idr := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00, 0x33}

	frame, err := Inject(idr, []byte("a"), []byte("bc"))
	require.NoError(t, err)
	require.True(t, bytes.HasSuffix(frame, idr))

	payloads := Extract(frame)
	require.Len(t, payloads, 2)
	require.Equal(t, []byte("a"), payloads[0])
	require.Equal(t, []byte("bc"), payloads[1])

	nalus := SplitNALUs(frame)
	require.Len(t, nalus, 3)
	require.Equal(t, idr[4:], nalus[2])
}

func TestParseForeignSEI(t *testing.T) {
	t.Parallel()

	// recovery point SEI, payload type 6
	_, err := Parse([]byte{0x06, 0x06, 0x01, 0xc4, 0x80})
	require.ErrorIs(t, err, ErrNoUserData)

	_, err = Parse([]byte{0x65, 0x00})
	require.ErrorIs(t, err, ErrNotSEI)

	require.Empty(t, Extract([]byte{0x00, 0x00, 0x01, 0x06, 0x06, 0x01, 0xc4, 0x80}))
}
