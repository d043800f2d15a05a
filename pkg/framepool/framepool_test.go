package framepool

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetCopiesData(t *testing.T) {
	pool := New(0)

	src := []byte{1, 2, 3}
	f, err := pool.Get(src)
	require.NoError(t, err)

	src[0] = 9
	require.Equal(t, []byte{1, 2, 3}, f.Data())

	f.Release()
}

func TestRetainRelease(t *testing.T) {
	pool := New(16)

	f, err := pool.Get([]byte("frame"))
	require.NoError(t, err)

	require.NoError(t, f.Retain())
	f.Release()
	require.Equal(t, []byte("frame"), f.Data())

	f.Release()
	require.ErrorIs(t, f.Retain(), ErrFrameReleased)

	// releasing twice must not put the frame back twice
	f.Release()
}

func TestFrameTooLarge(t *testing.T) {
	pool := New(4)

	_, err := pool.Get(bytes.Repeat([]byte{1}, 5))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func BenchmarkFramePool(b *testing.B) {
	pool := New(0)
	data := make([]byte, 1400)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f, err := pool.Get(data)
		if err != nil {
			b.Fatal(err)
		}

		f.Release()
	}
}
