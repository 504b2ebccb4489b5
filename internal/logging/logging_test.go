package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("info", "json", &buf)
	require.NoError(t, err)

	logger.Debug("camgrab: hidden")
	logger.Info("camgrab: frame stored", "slot", 3)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "camgrab: frame stored", line["msg"])
	assert.EqualValues(t, 3, line["slot"])
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("debug", "", &buf)
	require.NoError(t, err)
	logger.Debug("camgrab: visible")
	assert.Contains(t, buf.String(), "msg=\"camgrab: visible\"")

	_, err = New("info", "xml", &buf)
	assert.Error(t, err)
}
