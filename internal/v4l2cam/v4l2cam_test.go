package v4l2cam

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/camgrab"
)

func fakeNodes(t *testing.T, nodes ...string) (devDir, sysDir string) {
	t.Helper()
	devDir, sysDir = t.TempDir(), t.TempDir()
	for _, n := range nodes {
		require.NoError(t, os.WriteFile(filepath.Join(devDir, n), nil, 0o600))
	}
	return devDir, sysDir
}

func TestDriver_Enumerate(t *testing.T) {
	devDir, sysDir := fakeNodes(t, "video10", "video2", "video0")
	require.NoError(t, os.MkdirAll(filepath.Join(sysDir, "video2"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sysDir, "video2", "name"), []byte("HD Pro Webcam C920\n"), 0o600))

	d := New(nil, WithPattern(filepath.Join(devDir, "video*")), WithSysfs(sysDir))
	assert.Equal(t, DriverName, d.Name())

	refs, err := d.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 3)

	assert.Equal(t, "video0", refs[0].ID)
	assert.Equal(t, "video2", refs[1].ID)
	assert.Equal(t, "video10", refs[2].ID)
	assert.Equal(t, "HD Pro Webcam C920", refs[1].Model)
	assert.Empty(t, refs[0].Model)
	assert.Equal(t, filepath.Join(devDir, "video2"), refs[1].Path)
}

func TestDriver_EnumerateEmpty(t *testing.T) {
	devDir, sysDir := fakeNodes(t)
	d := New(nil, WithPattern(filepath.Join(devDir, "video*")), WithSysfs(sysDir))

	_, err := d.Enumerate(context.Background())
	assert.ErrorIs(t, err, camgrab.ErrNoDevicesFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Enumerate(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDriver_Attach(t *testing.T) {
	devDir, sysDir := fakeNodes(t, "video0")
	d := New(nil, WithPattern(filepath.Join(devDir, "video*")), WithSysfs(sysDir))

	cam, err := d.Attach(camgrab.DeviceRef{ID: "video0"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(devDir, "video0"), cam.Info().Serial)

	_, err = d.Attach(camgrab.DeviceRef{ID: "video7"})
	assert.ErrorIs(t, err, camgrab.ErrDeviceUnavailable)
}

func TestSwapRB(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7}
	swapRB(data)
	assert.Equal(t, []byte{3, 2, 1, 6, 5, 4, 7}, data)
}

func TestNodeIndex(t *testing.T) {
	assert.Equal(t, 0, nodeIndex("/dev/video0"))
	assert.Equal(t, 12, nodeIndex("/dev/video12"))
	assert.Equal(t, -1, nodeIndex("/dev/media"))
}
