package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, ParseLevel("INFO"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelDebug, ParseLevel("bogus"))
}

func TestHandlerFormatsAndFilters(t *testing.T) {
	defer SetLevel(GetLevel())
	SetLevel("info")
	assert.Equal(t, "info", GetLevel())

	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf))
	log.Debug("hidden")
	log.With("component", "reload").Info("[Reload] Snapshot installed", "generation", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasSuffix(out, "[INFO] [Reload] Snapshot installed component=reload generation=3\n"), out)
}

func TestHandlerGroups(t *testing.T) {
	defer SetLevel(GetLevel())
	SetLevel("debug")

	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf)).WithGroup("gw")
	log.Debug("probe", "id", 7, slog.Group("addr", "host", "10.0.0.1"))
	assert.Contains(t, buf.String(), "gw.id=7 gw.addr.host=10.0.0.1")
}

func TestJSONReformatter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONReformatter(&buf)

	line := []byte(`{"level":"debug","message":"UDP read","time":"2024-01-02T10:11:12Z","caller":"x.go:1","src":"1.2.3.4","bytes":10}` + "\n")
	n, err := w.Write(line)
	assert.NoError(t, err)
	assert.Equal(t, len(line), n)
	assert.Equal(t, "[10:11:12] [DEBUG] UDP read bytes=10 src=1.2.3.4\n", buf.String())

	buf.Reset()
	_, _ = w.Write([]byte("plain text\n"))
	assert.Equal(t, "plain text\n", buf.String())
}
