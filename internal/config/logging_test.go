package config

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSONRemapsLevelAndMessage(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "info", "json")
	require.NoError(t, err)

	logger.Error("boom")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "error", line["level"])
	assert.Equal(t, "boom", line["message"])
}

func TestNewLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "debug", "text")
	require.NoError(t, err)

	logger.Debug("hello")
	assert.True(t, strings.Contains(buf.String(), "hello"))
}

func TestNewLoggerRejectsUnknownLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	_, err := NewLogger(&buf, "bogus", "json")
	require.Error(t, err)

	_, err = NewLogger(&buf, "info", "bogus")
	require.Error(t, err)
}

func TestNewLoggerHonorsLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "error", "json")
	require.NoError(t, err)

	logger.Info("should not appear")
	assert.Empty(t, buf.Bytes())

	logger.Error("should appear")
	assert.NotEmpty(t, buf.Bytes())
}
