package report

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/e7canasta/camgrab"
)

func TestPrinter_Devices(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf)

	p.Devices([]camgrab.DeviceRef{
		{ID: "sim0", Driver: "sim", Model: "SimCam 1920"},
		{ID: "video2", Driver: "v4l2"},
	})
	out := buf.String()
	assert.Contains(t, out, "[0] Using device SimCam 1920 (sim:sim0)")
	assert.Contains(t, out, "[1] Using device unknown model (v4l2:video2)")
	assert.NotContains(t, out, "\x1b[", "no color outside a terminal")

	buf.Reset()
	p.Devices(nil)
	assert.Equal(t, "No devices found\n", buf.String())
}

func TestPrinter_Array(t *testing.T) {
	var buf bytes.Buffer
	p := NewPlain(&buf)

	p.Array(camgrab.ArrayStats{
		State:    camgrab.ArrayGrabbing,
		Timeouts: 1,
		Contexts: []camgrab.ContextStats{
			{HandleStats: camgrab.HandleStats{Context: 0, Device: "sim:sim0", Frames: 42, Grabbing: true,
				LastFrameAt: time.Now()}, LastSlot: 6},
			{HandleStats: camgrab.HandleStats{Context: 1, Device: "sim:sim1", Grabbing: true}, Stalls: 1},
		},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3)
	assert.Equal(t, "array grabbing, 2 contexts, 1 whole-array timeouts", lines[0])
	assert.Contains(t, lines[1], "grabbing")
	assert.Contains(t, lines[1], "frames=42")
	assert.Contains(t, lines[1], "slot=06")
	assert.Contains(t, lines[2], "degraded")
	assert.Contains(t, lines[2], "last=never")
}

func TestKeyWatcher(t *testing.T) {
	r, w := io.Pipe()
	kw := watchReader(r)
	exit := kw.ExitFunc()
	assert.False(t, exit())

	_, _ = w.Write([]byte("x"))
	assert.False(t, exit())

	_, _ = w.Write([]byte("q"))
	assert.Eventually(t, exit, time.Second, 5*time.Millisecond)
	assert.NoError(t, kw.Close())
	_ = w.Close()
}
