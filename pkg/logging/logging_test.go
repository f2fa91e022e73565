package logging_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/orgflow/orgflow/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Options{Level: logging.LevelDebug, Output: &buf})

	logger.Debug("test message", map[string]any{"key": "value"})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "test message", entry["message"])
	assert.Equal(t, "value", entry["key"])
	assert.Contains(t, entry, "timestamp")
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.LevelWarn)
	logger.SetOutput(&buf)

	logger.Debug("hidden")
	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("shown")
	assert.Contains(t, buf.String(), `"message":"shown"`)

	buf.Reset()
	logger.SetLevel(logging.LevelDebug)
	logger.Debug("now shown")
	assert.Contains(t, buf.String(), "now shown")
}

func TestLogger_WithFieldsAndNamed(t *testing.T) {
	var buf bytes.Buffer
	base := logging.New(logging.Options{Level: logging.LevelInfo, Output: &buf})
	child := base.WithFields(map[string]any{"repo": "/tmp/r"}).Named("merge")

	child.Info("merged", map[string]any{"branch": "wip-auth-alice"})

	out := buf.String()
	assert.Contains(t, out, `"repo":"/tmp/r"`)
	assert.Contains(t, out, `"branch":"wip-auth-alice"`)
	assert.Contains(t, out, `"logger":"merge"`)
}

func TestLogger_ErrorErr(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Options{Level: logging.LevelInfo, Output: &buf})

	logger.ErrorErr("append failed", errors.New("disk full"), map[string]any{"seq": 3})

	assert.Contains(t, buf.String(), `"error":"disk full"`)
	assert.Contains(t, buf.String(), `"seq":3`)
}

func TestLogger_ConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Options{Level: logging.LevelInfo, Format: logging.FormatConsole, Output: &buf})

	logger.Info("hello")

	assert.True(t, strings.Contains(buf.String(), "INFO"))
	assert.False(t, strings.HasPrefix(buf.String(), "{"))
}

func TestNewObserved(t *testing.T) {
	logger, logs := logging.NewObserved(logging.LevelDebug)

	logger.Warn("audit degraded", map[string]any{"op": "merge"})
	logger.Info("fine")

	assert.Equal(t, 2, logs.Len())
	assert.Equal(t, 1, logging.WarnCount(logs))
	entry := logs.FilterMessage("audit degraded").All()[0]
	assert.Equal(t, "merge", entry.ContextMap()["op"])
}

func TestGlobalLogger(t *testing.T) {
	prev := logging.Global()
	t.Cleanup(func() { logging.SetGlobal(prev) })

	logger, logs := logging.NewObserved(logging.LevelInfo)
	logging.SetGlobal(logger)
	logging.Info("from global")
	logging.WithFields(map[string]any{"a": 1}).Warn("with fields")

	assert.Equal(t, 2, logs.Len())
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, logging.OrNop(nil))
	l := logging.NewNop()
	assert.Same(t, l, logging.OrNop(l))
}
