package logging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/singlestore-labs/iapprofile/internal/logging"
)

func TestNew(t *testing.T) {
	logger, err := logging.New("warn")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	_, err = logging.New("loud")
	require.Error(t, err)
}

func TestAdapter(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logging.NewAdapter(zap.New(core)).Logf("Audience - resolved %s", "/projects/1/apps/x")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "Audience - resolved /projects/1/apps/x", entries[0].Message)
}

func TestAdapterBelowLevel(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logging.NewAdapter(zap.New(core)).Logf("dropped")
	assert.Zero(t, logs.Len())

	// nil is a no-op rather than a panic
	logging.NewAdapter(nil).Logf("nothing")
}
