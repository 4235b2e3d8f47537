package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "debug", Format: "json"}, &buf)

	l.WithField("room", "forum:1").WithError(errors.New("boom")).Infof("emitted %d events", 3)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "emitted 3 events", entry["msg"])
	assert.Equal(t, "forum:1", entry["room"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "info", entry["level"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "warn"}, &buf)

	l.Infof("hidden")
	assert.Zero(t, buf.Len())

	l.Warnf("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "loud"}, &buf)

	l.Debugf("hidden")
	l.Infof("visible")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")
}

func TestNop(t *testing.T) {
	var l Logger = Nop{}
	l.Infof("nothing")
	assert.Equal(t, Nop{}, l.WithField("k", "v"))
	assert.Equal(t, Nop{}, l.WithContext(context.Background()))
}

func TestSetDefault(t *testing.T) {
	prev := Default()
	t.Cleanup(func() { SetDefault(prev) })

	var buf bytes.Buffer
	SetDefault(New(Config{Level: "info"}, &buf))
	Infof("via default %s", "logger")
	assert.Contains(t, buf.String(), "via default logger")

	assert.Equal(t, Default(), OrDefault(nil))
}
