package preview

import (
	"bytes"
	"context"
	"encoding/json"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/camgrab"
	"github.com/e7canasta/camgrab/composite"
)

func bgrFrame(w, h int, seq uint64) *camgrab.Frame {
	data := make([]byte, w*h*3)
	for i := range data {
		data[i] = byte(seq)
	}
	return &camgrab.Frame{Seq: seq, Width: w, Height: h, PixelFormat: camgrab.PixelFormatBGR8, Data: data}
}

func newView(t *testing.T) *composite.View {
	t.Helper()
	v, err := composite.New(2, composite.Config{})
	require.NoError(t, err)
	return v
}

func TestSnapshot_NoFrames(t *testing.T) {
	s := New(newView(t), Config{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/composite.jpg", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSnapshot_Composite(t *testing.T) {
	v := newView(t)
	require.NoError(t, v.Update(0, bgrFrame(8, 4, 1)))
	require.NoError(t, v.Update(1, bgrFrame(8, 4, 2)))

	s := New(v, Config{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/composite.jpg", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))

	img, err := jpeg.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())
	assert.Equal(t, 4, img.Bounds().Dy())
}

func TestHealth(t *testing.T) {
	v := newView(t)
	s := New(v, Config{Status: func() any { return map[string]int{"frames": 3} }})

	get := func() Health {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var h Health
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
		return h
	}

	h := get()
	assert.Equal(t, "waiting", h.Status)
	assert.Equal(t, map[string]any{"frames": float64(3)}, h.Acquisition)

	require.NoError(t, v.Update(1, bgrFrame(4, 4, 1)))
	h = get()
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, uint64(1), h.Version)
}

func TestWebSocket_PushesOnUpdate(t *testing.T) {
	v := newView(t)
	s := New(v, Config{MinInterval: time.Millisecond})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, v.Update(0, bgrFrame(6, 6, 1)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, b, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)

	img, err := jpeg.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	// context 1 falls back to context 0
	assert.Equal(t, 12, img.Bounds().Dx())
}

func TestServer_Lifecycle(t *testing.T) {
	v := newView(t)
	s := New(v, Config{Addr: "127.0.0.1:0"})
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), camgrab.ErrAlreadyStarted)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.NoError(t, s.Stop())
}

func TestServer_StopBeforeStart(t *testing.T) {
	s := New(newView(t), Config{})
	assert.NoError(t, s.Stop())
	assert.NoError(t, s.Wait())
}
