package app

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()

	t.Run("json renders durations as text", func(t *testing.T) {
		var buf bytes.Buffer
		logger := newLogger("info", "json", &buf)

		logger.Info("Tick complete.", "sim_time", 1500*time.Millisecond)

		assert.Contains(t, buf.String(), `"sim_time":"1.5s"`)
		assert.Contains(t, buf.String(), `"service":"lockstep"`)
	})

	t.Run("level filters records", func(t *testing.T) {
		var buf bytes.Buffer
		logger := newLogger("warn", "text", &buf)

		logger.Info("hidden")
		logger.Warn("shown")

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "msg=shown")
	})
}
