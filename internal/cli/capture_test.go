package cli

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tapbench/internal/device"
	"tapbench/internal/imaging"
	"tapbench/internal/mockdevice"
)

func TestCapture_ReferenceMatchesLiveFrame(t *testing.T) {
	_, url := mockServer(t, mockdevice.Profile{Name: "instant"})
	ctx := context.Background()
	sess, err := device.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer sess.Close(ctx)

	require.NoError(t, sess.Launch(ctx, "com.example.shop"))
	require.NoError(t, sess.Tap(ctx, mockdevice.SearchButtonPoint.X, mockdevice.SearchButtonPoint.Y))

	dir := t.TempDir()
	out := filepath.Join(dir, "ref.png")
	full := filepath.Join(dir, "frame.png")
	size, err := Capture(ctx, sess, out, CaptureOptions{Region: mockdevice.MarkerRegion, FullFrame: full})
	require.NoError(t, err)
	assert.Equal(t, mockdevice.FrameWidth, size.X)

	ref, err := imaging.LoadReference(out)
	require.NoError(t, err)
	frame, err := imaging.LoadReference(full)
	require.NoError(t, err)
	assert.Equal(t, mockdevice.FrameHeight, frame.Bounds().Dy())

	m, err := imaging.NewMatcher(ref, mockdevice.MarkerRegion)
	require.NoError(t, err)
	score, err := m.MatchImage(frame)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 1e-6)
}

func TestCapture_LaunchesFirst(t *testing.T) {
	srv, url := mockServer(t, mockdevice.Profile{Name: "instant"})
	ctx := context.Background()
	sess, err := device.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer sess.Close(ctx)

	_, err = Capture(ctx, sess, filepath.Join(t.TempDir(), "ref.png"), CaptureOptions{
		Region: imaging.FullFrame,
		App:    "com.example.shop",
		Launch: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Launches())
}

func TestCapture_BadRegion(t *testing.T) {
	_, err := Capture(context.Background(), nil, "x.png", CaptureOptions{Region: imaging.Region{W: 2, H: 1}})
	assert.Error(t, err)
}

func TestParseRegion(t *testing.T) {
	r, err := ParseRegion("0, 0.88, 1, 0.1")
	require.NoError(t, err)
	assert.Equal(t, imaging.Region{X: 0, Y: 0.88, W: 1, H: 0.1}, r)

	for _, bad := range []string{"", "1,2,3", "a,b,c,d", "0.5,0,0.6,1"} {
		_, err := ParseRegion(bad)
		assert.Error(t, err, bad)
	}
}
