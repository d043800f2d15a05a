package roomkit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testMixConfig(users ...string) *MixTranscodingConfig {
	cfg := &MixTranscodingConfig{
		Mode:            MixModeManual,
		Width:           640,
		Height:          360,
		FPS:             15,
		GOP:             2,
		VideoBitrate:    800,
		AudioSampleRate: 48000,
		AudioBitrate:    64,
		AudioChannels:   1,
	}

	for i, u := range users {
		cfg.Inputs = append(cfg.Inputs, MixInput{
			UserID:  u,
			Kind:    StreamMain,
			Quality: QualityBig,
			X:       i * 320,
			Width:   320,
			Height:  180,
			ZOrder:  i + 1,
		})
	}

	return cfg
}

func TestMixRejectsUnknownStream(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t, testOptions())
	te.enter(t, SceneLive)
	te.addUser(t, "alice")

	require.ErrorIs(t, te.Mix().SetMixTranscodingConfig(testMixConfig("local", "bob")), ErrInvalidStreamReference)

	// alice does not publish a sub stream
	cfg := testMixConfig("local")
	cfg.Inputs = append(cfg.Inputs, MixInput{UserID: "alice", Kind: StreamSub, Width: 10, Height: 10})
	require.ErrorIs(t, te.Mix().SetMixTranscodingConfig(cfg), ErrInvalidStreamReference)

	require.Nil(t, te.Mix().Current())
	require.Empty(t, te.transport.mixCalls())
}

func TestMixRejectsInvalidLayout(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t, testOptions())
	te.enter(t, SceneLive)

	cfg := testMixConfig("local")
	cfg.Width = 0
	require.ErrorIs(t, te.Mix().SetMixTranscodingConfig(cfg), ErrInvalidParams)

	cfg = testMixConfig("local")
	cfg.AudioChannels = 3
	require.ErrorIs(t, te.Mix().SetMixTranscodingConfig(cfg), ErrInvalidParams)

	cfg = testMixConfig("")
	require.ErrorIs(t, te.Mix().SetMixTranscodingConfig(cfg), ErrInvalidStreamReference)

	// pure audio needs no video output
	cfg = testMixConfig("local")
	cfg.Mode = MixModePureAudio
	cfg.Width, cfg.Height, cfg.FPS, cfg.VideoBitrate = 0, 0, 0, 0
	require.NoError(t, te.Mix().SetMixTranscodingConfig(cfg))
	require.NoError(t, receive(t, te.listener.mix))
}

func TestMixSetAndClear(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t, testOptions())
	te.enter(t, SceneLive)
	te.addUser(t, "alice")

	cfg := testMixConfig("local", "alice")
	require.NoError(t, te.Mix().SetMixTranscodingConfig(cfg))
	require.NoError(t, receive(t, te.listener.mix))

	// the coordinator keeps its own copy
	cfg.Inputs[0].UserID = "changed"
	require.Equal(t, "local", te.Mix().Current().Inputs[0].UserID)

	require.NoError(t, te.Mix().SetMixTranscodingConfig(&MixTranscodingConfig{}))
	require.NoError(t, receive(t, te.listener.mix))
	require.Nil(t, te.Mix().Current())

	calls := te.transport.mixCalls()
	require.Len(t, calls, 2)
	require.Len(t, calls[0].Inputs, 2)
	require.Nil(t, calls[1])

	// clearing again sends nothing
	require.NoError(t, te.Mix().SetMixTranscodingConfig(nil))
	require.Len(t, te.transport.mixCalls(), 2)
}

func TestMixCachedUntilJoined(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t, testOptions())

	require.NoError(t, te.Mix().SetMixTranscodingConfig(testMixConfig("local")))
	require.NotNil(t, te.Mix().Pending())
	require.Empty(t, te.transport.mixCalls())

	te.enter(t, SceneLive)
	require.NoError(t, receive(t, te.listener.mix))

	require.Nil(t, te.Mix().Pending())
	require.NotNil(t, te.Mix().Current())
	require.Len(t, te.transport.mixCalls(), 1)
}

func TestMixSetWhileJoining(t *testing.T) {
	t.Parallel()

	for i := 0; i < 20; i++ {
		te := newTestEngine(t, testOptions())

		gate := make(chan struct{})
		te.transport.mu.Lock()
		te.transport.joinGate = gate
		te.transport.mu.Unlock()

		require.NoError(t, te.Session().Enter(testEnterParams("local"), SceneVideoCall))

		go close(gate)
		require.NoError(t, te.Mix().SetMixTranscodingConfig(testMixConfig("local")))
		require.NoError(t, receive(t, te.listener.enter))

		// applied exactly once whichever side saw the join first
		require.NoError(t, receive(t, te.listener.mix))
		require.Len(t, te.transport.mixCalls(), 1)
		require.Nil(t, te.Mix().Pending())
		require.NotNil(t, te.Mix().Current())
	}
}

func TestMixCachedRevalidatedOnJoin(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t, testOptions())

	require.NoError(t, te.Mix().SetMixTranscodingConfig(testMixConfig("local", "bob")))

	te.enter(t, SceneLive)
	require.ErrorIs(t, receive(t, te.listener.mix), ErrInvalidStreamReference)

	require.Nil(t, te.Mix().Current())
	require.Empty(t, te.transport.mixCalls())
}

func TestMixClearedOnExit(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t, testOptions())
	te.enter(t, SceneLive)

	require.NoError(t, te.Mix().SetMixTranscodingConfig(testMixConfig("local")))
	require.NoError(t, receive(t, te.listener.mix))

	require.NoError(t, te.Session().Exit())
	receive(t, te.listener.exit)

	require.Nil(t, te.Mix().Current())
	require.Nil(t, te.Mix().Pending())

	te.enter(t, SceneLive)
	require.Len(t, te.transport.mixCalls(), 1)
}

func TestPublishCDNStream(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t, testOptions())

	param := PublishCDNParam{AppID: 1, BizID: 2, URL: "rtmp://cdn.example.com/live/room-1"}

	require.ErrorIs(t, te.Mix().StartPublishCDNStream(param), ErrNotInRoom)
	require.ErrorIs(t, te.Mix().StopPublishCDNStream(), ErrNotInRoom)

	te.enter(t, SceneLive)

	require.ErrorIs(t, te.Mix().StartPublishCDNStream(PublishCDNParam{}), ErrInvalidParams)
	require.NoError(t, te.Mix().StartPublishCDNStream(param))
	require.NoError(t, receive(t, te.listener.cdn))

	got, ok := te.Mix().PublishingCDN()
	require.True(t, ok)
	require.Equal(t, param, got)

	require.NoError(t, te.Session().Exit())
	receive(t, te.listener.exit)

	_, ok = te.Mix().PublishingCDN()
	require.False(t, ok)
}
