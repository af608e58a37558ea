package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/pario-ai/helmsman/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "ticket", "T1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "T1", line["ticket"])
}

func TestNewLoggerRejectsBadInput(t *testing.T) {
	_, err := newLogger(config.LogConfig{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)

	_, err = newLogger(config.LogConfig{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}
