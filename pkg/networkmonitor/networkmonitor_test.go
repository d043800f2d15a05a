package networkmonitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkMonitorOrdered(t *testing.T) {
	nm := New(100 * time.Millisecond)

	var changes []Quality

	nm.OnQualityChanged(func(q Quality) {
		changes = append(changes, q)
	})

	for seq := uint16(1); seq <= 50; seq++ {
		require.NoError(t, nm.Add(seq))
	}

	assert.Equal(t, QualityExcellent, nm.Evaluate())
	assert.Equal(t, []Quality{QualityExcellent}, changes)

	// no traffic keeps the grade and fires nothing
	assert.Equal(t, QualityExcellent, nm.Evaluate())
	assert.Len(t, changes, 1)
}

func TestNetworkMonitorReorderWithinLatency(t *testing.T) {
	nm := New(100 * time.Millisecond)

	for _, seq := range []uint16{1, 2, 4, 3, 6, 5, 7} {
		require.NoError(t, nm.Add(seq))
	}

	assert.Equal(t, QualityExcellent, nm.Evaluate())
}

func TestNetworkMonitorLoss(t *testing.T) {
	maxLatency := 50 * time.Millisecond
	nm := New(maxLatency)

	// 10 of 100 sequences never arrive
	for seq := uint16(1); seq <= 100; seq++ {
		if seq%10 == 5 {
			continue
		}
		require.NoError(t, nm.Add(seq))
	}

	time.Sleep(maxLatency + 10*time.Millisecond)

	assert.Equal(t, QualityVeryBad, nm.Evaluate())
}

func TestNetworkMonitorLateAndDuplicate(t *testing.T) {
	nm := New(100 * time.Millisecond)

	require.NoError(t, nm.Add(10))
	require.NoError(t, nm.Add(12))
	require.ErrorIs(t, nm.Add(12), ErrPacketDuplicate)
	require.ErrorIs(t, nm.Add(10), ErrPacketTooLate)
	require.ErrorIs(t, nm.Add(9), ErrPacketTooLate)
}

func TestNetworkMonitorWrap(t *testing.T) {
	nm := New(100 * time.Millisecond)

	for _, seq := range []uint16{65533, 65534, 65535, 0, 1, 2} {
		require.NoError(t, nm.Add(seq))
	}

	assert.Equal(t, QualityExcellent, nm.Evaluate())
}
