// Package notify publishes frame events and acquisition status over MQTT and
// accepts remote stop and status commands.
package notify

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/camgrab"
)

// FrameEvent announces a stored frame. Frame data is never included.
type FrameEvent struct {
	Context   int    `msgpack:"context" json:"context"`
	Slot      int    `msgpack:"slot" json:"slot"`
	Seq       uint64 `msgpack:"seq" json:"seq"`
	TraceID   string `msgpack:"trace_id" json:"trace_id"`
	Timestamp int64  `msgpack:"ts_unix_ms" json:"ts_unix_ms"`
	Width     int    `msgpack:"width" json:"width"`
	Height    int    `msgpack:"height" json:"height"`
	Format    string `msgpack:"format" json:"format"`
	Size      int    `msgpack:"size" json:"size"`
}

// NewFrameEvent describes frame as stored in slot.
func NewFrameEvent(contextID, slot int, frame *camgrab.Frame) FrameEvent {
	return FrameEvent{
		Context:   contextID,
		Slot:      slot,
		Seq:       frame.Seq,
		TraceID:   frame.TraceID,
		Timestamp: frame.Timestamp.UnixMilli(),
		Width:     frame.Width,
		Height:    frame.Height,
		Format:    frame.PixelFormat.String(),
		Size:      len(frame.Data),
	}
}

// Marshal encodes the event as msgpack.
func (e FrameEvent) Marshal() ([]byte, error) {
	b, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("notify: marshal frame event: %w", err)
	}
	return b, nil
}

// UnmarshalFrameEvent decodes a msgpack frame event.
func UnmarshalFrameEvent(b []byte) (FrameEvent, error) {
	var e FrameEvent
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return FrameEvent{}, fmt.Errorf("notify: unmarshal frame event: %w", err)
	}
	return e, nil
}

// Time returns the frame timestamp.
func (e FrameEvent) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}
