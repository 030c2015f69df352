package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-sync-resolve/errors"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/types"
)

func TestLogError_RendersSyncError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Level: "debug", Format: "json"})

	syncErr := errors.NewValidationError(errors.OpDetect, "entityId", fmt.Errorf("entity id is required"))
	logger.LogError(context.Background(), syncErr, "detection rejected")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "detection rejected", line["msg"])

	group, ok := line["sync_error"].(map[string]any)
	require.True(t, ok, "sync_error should be a group: %v", line)
	assert.Equal(t, "validation", group["kind"])
	assert.Equal(t, "detect", group["operation"])
	assert.Contains(t, line, "caller")
}

func TestLogOperation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Level: "debug", Format: "text"})

	err := logger.LogOperation(context.Background(), Operation("resolve"), Component("engine"), func() error {
		return nil
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "operation completed")

	buf.Reset()
	err = logger.LogOperation(context.Background(), Operation("resolve"), Component("engine"), func() error {
		return fmt.Errorf("nope")
	})
	require.Error(t, err)
	assert.Contains(t, buf.String(), "operation failed")
}

func TestConflictAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Level: "info", Format: "json"})

	c := &types.Conflict{
		ConflictID: "c-1",
		EntityID:   "u1",
		Collection: "users",
		FieldConflicts: map[string]types.FieldConflict{
			"age": {FieldName: "age", ConflictType: types.ValueDifference, ConfidenceScore: 0.9},
		},
	}
	logger.WithConflict(c).Info("detected", ConflictAttrs(c))

	out := buf.String()
	assert.Contains(t, out, `"conflict_id":"c-1"`)
	assert.Contains(t, out, `"fields":1`)
}

func TestDynamicLevel(t *testing.T) {
	lv := NewDynamicLevelVar(slog.LevelInfo)
	assert.True(t, lv.SetFromString("debug"))
	assert.Equal(t, slog.LevelDebug, lv.Level())
	assert.False(t, lv.SetFromString("verbose"))
	assert.Equal(t, slog.LevelDebug, lv.Level())
}

func TestDynamicLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, level := NewDynamicLogger(&buf, Config{Level: "warn", Format: "json"})
	logger.Info("before")
	level.SetFromString("info")
	logger.Info("after")

	out := buf.String()
	assert.NotContains(t, out, "before")
	assert.Contains(t, out, "after")
}

func TestGetConfigFromEnv(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("LOG_LEVEL", "WARN")
	t.Setenv("LOG_FORMAT", "")
	t.Setenv("LOG_ADD_SOURCE", "")

	cfg := GetConfigFromEnv()
	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, "warn", cfg.Level)
	assert.Equal(t, "text", cfg.Format)
	assert.True(t, cfg.AddSource)
}
