package sink_test

import (
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/camgrab"
	"github.com/e7canasta/camgrab/sink"
)

func testFrame(seq uint64) *camgrab.Frame {
	data := make([]byte, 4*4*3)
	for i := range data {
		data[i] = byte(seq)
	}
	return &camgrab.Frame{
		Seq:         seq,
		Width:       4,
		Height:      4,
		PixelFormat: camgrab.PixelFormatBGR8,
		Data:        data,
	}
}

func TestRing_Wraparound(t *testing.T) {
	store := sink.NewMemoryStore()
	ring, err := sink.NewRing(store, sink.DefaultCapacity)
	require.NoError(t, err)
	require.NoError(t, ring.Reset())

	var slots []int
	for seq := uint64(1); seq <= 14; seq++ {
		slot, err := ring.Write(testFrame(seq))
		require.NoError(t, err)
		slots = append(slots, slot)
	}

	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 1, 2}, slots)
	assert.Equal(t, 12, store.Len(), "never more than capacity artifacts")

	f, ok := store.Get(1)
	require.True(t, ok)
	assert.Equal(t, uint64(13), f.Seq, "slot 01 holds frame #13")

	f, ok = store.Get(2)
	require.True(t, ok)
	assert.Equal(t, uint64(14), f.Seq, "slot 02 holds frame #14")

	f, ok = store.Get(3)
	require.True(t, ok)
	assert.Equal(t, uint64(3), f.Seq, "slot 03 still holds frame #3")

	assert.Equal(t, 3, ring.Cursor())
	latest, ok := ring.Latest()
	assert.True(t, ok)
	assert.Equal(t, 2, latest)
	assert.Equal(t, uint64(14), ring.Written())
}

func TestRing_ResetClearsPreviousSession(t *testing.T) {
	store := sink.NewMemoryStore()
	ring, err := sink.NewRing(store, 3)
	require.NoError(t, err)

	for seq := uint64(1); seq <= 5; seq++ {
		_, err := ring.Write(testFrame(seq))
		require.NoError(t, err)
	}
	require.NoError(t, ring.Reset())

	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 1, ring.Cursor())
	_, ok := ring.Latest()
	assert.False(t, ok)

	slot, err := ring.Write(testFrame(6))
	require.NoError(t, err)
	assert.Equal(t, 1, slot)
}

func TestRing_MemoryStoreKeepsPrivateCopy(t *testing.T) {
	store := sink.NewMemoryStore()
	ring, err := sink.NewRing(store, 2)
	require.NoError(t, err)

	f := testFrame(1)
	_, err = ring.Write(f)
	require.NoError(t, err)

	// the producer reuses the buffer after release
	f.Data[0] = 0xFF

	stored, ok := store.Get(1)
	require.True(t, ok)
	assert.Equal(t, byte(1), stored.Data[0])
}

func TestRing_RejectsInvalidInput(t *testing.T) {
	_, err := sink.NewRing(nil, 12)
	assert.Error(t, err)

	_, err = sink.NewRing(sink.NewMemoryStore(), 0)
	assert.Error(t, err)

	ring, err := sink.NewRing(sink.NewMemoryStore(), 12)
	require.NoError(t, err)

	_, err = ring.Write(nil)
	assert.ErrorIs(t, err, sink.ErrInvalidFrame)

	_, err = ring.Write(&camgrab.Frame{Width: 1, Height: 1})
	assert.ErrorIs(t, err, sink.ErrInvalidFrame)
	assert.Equal(t, 1, ring.Cursor(), "failed write must not advance the cursor")
}

func TestDirStore_SlotFilesAndReset(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "output")
	store, err := sink.NewDirStore(dir, sink.JPEG{Quality: 80})
	require.NoError(t, err)

	// leftovers of a previous session
	require.NoError(t, os.WriteFile(filepath.Join(dir, "07.jpg"), []byte("stale"), 0o644))

	ring, err := sink.NewRing(store, sink.DefaultCapacity)
	require.NoError(t, err)
	require.NoError(t, ring.Reset())

	_, err = os.Stat(filepath.Join(dir, "07.jpg"))
	assert.True(t, os.IsNotExist(err), "reset must remove previous artifacts")

	for seq := uint64(1); seq <= 14; seq++ {
		_, err := ring.Write(testFrame(seq))
		require.NoError(t, err)
	}

	artifacts, err := store.Artifacts()
	require.NoError(t, err)
	require.Len(t, artifacts, 12)
	for i, a := range artifacts {
		assert.Equal(t, i+1, a.Slot)
		assert.Equal(t, filepath.Join(dir, sink.SlotName(i+1, "jpg")), a.Path)
	}

	file, err := os.Open(store.Path(2))
	require.NoError(t, err)
	defer file.Close()
	img, err := jpeg.Decode(file)
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())

	saved, failed := store.Stats()
	assert.Equal(t, uint64(14), saved)
	assert.Equal(t, uint64(0), failed)
}

func TestDirStore_MJPEGPassThrough(t *testing.T) {
	store, err := sink.NewDirStore(t.TempDir(), sink.JPEG{})
	require.NoError(t, err)

	payload := []byte{0xFF, 0xD8, 0xFF, 0xD9}
	err = store.Put(1, &camgrab.Frame{PixelFormat: camgrab.PixelFormatMJPEG, Data: payload})
	require.NoError(t, err)

	got, err := os.ReadFile(store.Path(1))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDirStore_EncodeFailureLeavesNoArtifact(t *testing.T) {
	store, err := sink.NewDirStore(t.TempDir(), sink.PNG{})
	require.NoError(t, err)

	err = store.Put(1, &camgrab.Frame{Width: 4, Height: 4, PixelFormat: camgrab.PixelFormatBGR8, Data: []byte{1}})
	assert.Error(t, err)

	artifacts, err := store.Artifacts()
	require.NoError(t, err)
	assert.Empty(t, artifacts)

	_, failed := store.Stats()
	assert.Equal(t, uint64(1), failed)
}

func TestEncoderFor(t *testing.T) {
	tests := []struct {
		format  string
		wantExt string
		wantErr bool
	}{
		{"jpeg", "jpg", false},
		{"JPG", "jpg", false},
		{"", "jpg", false},
		{"png", "png", false},
		{"bmp", "bmp", false},
		{"tiff", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			enc, err := sink.EncoderFor(tt.format, 90)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantExt, enc.Ext())
		})
	}
}

func TestParseSlot(t *testing.T) {
	tests := []struct {
		name     string
		wantSlot int
		wantOK   bool
	}{
		{"01.jpg", 1, true},
		{"12.png", 12, true},
		{"100.bmp", 100, true},
		{".01.jpg.1234", 0, false},
		{"1.jpg", 0, false},
		{"00.jpg", 0, false},
		{"ab.jpg", 0, false},
		{"01", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slot, ok := sink.ParseSlot(tt.name)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantSlot, slot)
		})
	}
}
