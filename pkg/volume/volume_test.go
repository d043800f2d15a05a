package volume

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func newTestEvaluator(now *time.Time) *Evaluator {
	e := New(DefaultConfig())
	e.now = func() time.Time { return *now }

	return e
}

func TestSnapshotPeakAndReset(t *testing.T) {
	now := time.Now()
	e := newTestEvaluator(&now)

	e.Add("bob", 127, false)
	e.Add("alice", 0, false)
	e.Add("alice", 100, false)

	levels := e.Snapshot()
	require.Len(t, levels, 2)
	require.Equal(t, Level{UserID: "alice", Volume: 100, Speaking: true}, levels[0])
	require.Equal(t, Level{UserID: "bob", Volume: 0, Speaking: false}, levels[1])
	require.Equal(t, 100, Total(levels))

	levels = e.Snapshot()
	require.Equal(t, 0, levels[0].Volume)
}

func TestTailMargin(t *testing.T) {
	now := time.Now()
	e := newTestEvaluator(&now)

	e.Add("alice", 10, false)

	now = now.Add(100 * time.Millisecond)
	e.Add("alice", 120, false)
	require.True(t, e.Snapshot()[0].Speaking)

	now = now.Add(time.Second)
	require.False(t, e.Snapshot()[0].Speaking)
}

func TestAddExtension(t *testing.T) {
	now := time.Now()
	e := newTestEvaluator(&now)

	ext := rtp.AudioLevelExtension{Level: 90, Voice: true}
	payload, err := ext.Marshal()
	require.NoError(t, err)

	require.NoError(t, e.AddExtension("carol", payload))

	levels := e.Snapshot()
	require.Len(t, levels, 1)
	require.True(t, levels[0].Speaking)
	require.Equal(t, (127-90)*100/127, levels[0].Volume)

	e.Remove("carol")
	require.Empty(t, e.Snapshot())
}
