package sink

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/e7canasta/camgrab"
	"github.com/e7canasta/camgrab/internal/convert"
)

// DirStore writes one encoded image per slot into a session directory.
//
// Slot k is stored as fmt.Sprintf("%02d.<ext>", k). Files are written to a
// temporary name and renamed, so readers never observe a partial image.
type DirStore struct {
	dir     string
	encoder Encoder

	saved  atomic.Uint64
	failed atomic.Uint64
}

// Artifact is one stored slot on disk.
type Artifact struct {
	Slot    int
	Path    string
	ModTime time.Time
	Size    int64
}

// NewDirStore creates a store writing into dir with encoder.
// The directory is created if missing; it is emptied on Clear.
func NewDirStore(dir string, encoder Encoder) (*DirStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("sink: output directory is required")
	}
	if encoder == nil {
		encoder = JPEG{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sink: create output directory: %w", err)
	}
	return &DirStore{dir: dir, encoder: encoder}, nil
}

// Clear removes the directory with all previous artifacts and recreates it empty.
func (d *DirStore) Clear() error {
	if err := os.RemoveAll(d.dir); err != nil {
		return fmt.Errorf("remove %s: %w", d.dir, err)
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", d.dir, err)
	}
	return nil
}

// Put encodes frame into the file of slot, replacing the previous one.
func (d *DirStore) Put(slot int, frame *camgrab.Frame) error {
	if err := d.put(slot, frame); err != nil {
		d.failed.Add(1)
		return err
	}
	d.saved.Add(1)
	return nil
}

func (d *DirStore) put(slot int, frame *camgrab.Frame) error {
	target := d.Path(slot)
	tmp, err := os.CreateTemp(d.dir, "."+filepath.Base(target)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, ok := d.encoder.(JPEG); ok && frame.PixelFormat == camgrab.PixelFormatMJPEG {
		// already a JPEG bitstream
		_, err = tmp.Write(frame.Data)
	} else {
		var img image.Image
		if img, err = convert.ToImage(frame); err == nil {
			err = d.encoder.Encode(tmp, img)
		}
	}
	if err != nil {
		tmp.Close()
		return fmt.Errorf("encode frame %d: %w", frame.Seq, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("rename %s: %w", target, err)
	}
	return nil
}

// Dir returns the session directory.
func (d *DirStore) Dir() string {
	return d.dir
}

// Path returns the file path of slot.
func (d *DirStore) Path(slot int) string {
	return filepath.Join(d.dir, SlotName(slot, d.encoder.Ext()))
}

// Artifacts lists the stored slots in ascending slot order.
func (d *DirStore) Artifacts() ([]Artifact, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("sink: list %s: %w", d.dir, err)
	}
	var out []Artifact
	for _, e := range entries {
		slot, ok := ParseSlot(e.Name())
		if !ok || e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Artifact{
			Slot:    slot,
			Path:    filepath.Join(d.dir, e.Name()),
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out, nil
}

// Stats returns the number of saved and failed writes.
func (d *DirStore) Stats() (saved, failed uint64) {
	return d.saved.Load(), d.failed.Load()
}

// SlotName returns the artifact file name of slot: two-digit 1-based index plus extension.
func SlotName(slot int, ext string) string {
	return fmt.Sprintf("%02d.%s", slot, ext)
}

// ParseSlot extracts the slot from an artifact file name such as "07.jpg".
// Hidden temporary files are rejected.
func ParseSlot(name string) (int, bool) {
	if strings.HasPrefix(name, ".") {
		return 0, false
	}
	base, _, found := strings.Cut(name, ".")
	if !found || len(base) < 2 {
		return 0, false
	}
	slot, err := strconv.Atoi(base)
	if err != nil || slot <= 0 {
		return 0, false
	}
	return slot, true
}
