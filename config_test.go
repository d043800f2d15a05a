package roomkit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

func TestLoadOptionsDefaults(t *testing.T) {
	opts, err := LoadOptions("")
	require.NoError(t, err)

	def := DefaultOptions()
	require.Equal(t, def.Quota, opts.Quota)
	require.Equal(t, def.SEIExpiry, opts.SEIExpiry)
	require.Equal(t, webrtc.MimeTypeH264, opts.VideoEncoder.Codec.MimeType)
	require.Equal(t, uint32(90000), opts.VideoEncoder.Codec.ClockRate)
}

func TestLoadOptionsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roomkit.yaml")

	content := `
video_encoder:
  width: 1280
  height: 720
quota:
  max_messages: 10
sei_expiry: 2s
exit_when_alone: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	opts, err := LoadOptions(path)
	require.NoError(t, err)

	require.Equal(t, 1280, opts.VideoEncoder.Width)
	require.Equal(t, 720, opts.VideoEncoder.Height)
	require.Equal(t, 15, opts.VideoEncoder.FPS)
	require.Equal(t, 10, opts.Quota.MaxMessages)
	require.Equal(t, 8000, opts.Quota.MaxBytes)
	require.Equal(t, 2*time.Second, opts.SEIExpiry)
	require.True(t, opts.ExitWhenAlone)
}

func TestLoadOptionsMissingFile(t *testing.T) {
	_, err := LoadOptions(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
