// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSLogger(t *testing.T) {
	logger := DefaultSLogger()
	assert.NotNil(t, logger)

	// discards output without panicking
	logger.Debug("debug message", "key", "value")
	logger.Info("info message", "key", "value")
	logger.Warn("warn message", "key", 42)
}

func TestNewSpanID(t *testing.T) {
	parsed, err := uuid.Parse(NewSpanID())
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())

	const count = 100
	seen := make(map[string]struct{}, count)
	for range count {
		spanID := NewSpanID()
		_, duplicate := seen[spanID]
		require.False(t, duplicate, "duplicate span ID generated: %s", spanID)
		seen[spanID] = struct{}{}
	}
}

// withSpan attaches the spanID to every event of a *slog.Logger.
func TestWithSpan(t *testing.T) {
	logger, records := newCapturingLogger()

	withSpan(logger, "span-1").Info("event")

	record, found := records.find("event")
	require.True(t, found)
	value, found := recordAttr(record, "spanID")
	require.True(t, found)
	assert.Equal(t, "span-1", value.String())

	// other loggers pass through unchanged
	discard := DefaultSLogger()
	assert.Equal(t, discard, withSpan(discard, "span-1"))
}
