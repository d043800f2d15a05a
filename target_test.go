package roomkit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTargetArenaGenerations(t *testing.T) {
	a := newTargetArena()

	count := 0
	sink := RenderSinkFunc(func(string, StreamKind, *VideoFrame) { count++ })

	h1 := a.register(sink)
	require.NotZero(t, h1)
	require.True(t, a.render(h1, "u", StreamMain, &VideoFrame{}))
	require.Equal(t, 1, count)

	require.True(t, a.release(h1))
	require.False(t, a.release(h1))
	require.False(t, a.render(h1, "u", StreamMain, &VideoFrame{}))

	// index is reused but the stale handle stays dead
	h2 := a.register(sink)
	require.Equal(t, h1.index(), h2.index())
	require.NotEqual(t, h1, h2)
	require.False(t, a.valid(h1))
	require.True(t, a.valid(h2))
	require.False(t, a.valid(0))
}
