package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/meridian/sym"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name       string
		jsonOutput bool
		verbosity  int
		wantLevel  zapcore.Level
	}{
		{"JSON output, quiet", true, 0, zapcore.WarnLevel},
		{"console output, -v", false, 1, zapcore.InfoLevel},
		{"console output, -vv", false, 2, zapcore.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Cleanup(func() { Logger = zap.NewNop().Sugar(); JSONOutput = false })

			require.NoError(t, Initialize(tt.jsonOutput, tt.verbosity))
			require.NotNil(t, Logger)
			assert.Equal(t, tt.jsonOutput, JSONOutput)
			assert.True(t, Logger.Desugar().Core().Enabled(tt.wantLevel))
			if tt.wantLevel > zapcore.DebugLevel {
				assert.False(t, Logger.Desugar().Core().Enabled(tt.wantLevel-1))
			}
		})
	}
}

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(-1))
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(5))

	assert.Equal(t, "warn", LevelName(0))
	assert.Equal(t, "info", LevelName(1))
	assert.Equal(t, "debug", LevelName(3))
}

func TestSymbolWrappers(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core).Sugar()

	AddSlotSymbol(base).Infow("Slot fired", FieldSlotKey, "2026-10-18_07:00")
	AddPulseCloseSymbol(base).Infow("Stopping")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, sym.Slot, entries[0].ContextMap()[FieldSymbol])
	assert.Equal(t, "2026-10-18_07:00", entries[0].ContextMap()[FieldSlotKey])
	assert.Equal(t, sym.PulseClose, entries[1].ContextMap()[FieldSymbol])
}

func TestFromContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core).Sugar()

	ctx := WithRequestID(WithJobID(context.Background(), "job-42"), "req-7")
	FromContext(ctx, base).Infow("progress")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "job-42", fields[FieldJobID])
	assert.Equal(t, "req-7", fields[FieldRequestID])

	assert.Same(t, base, FromContext(context.Background(), base))
}
