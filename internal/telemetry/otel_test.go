package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestSetup_Disabled(t *testing.T) {
	// Act
	p, err := Setup(context.Background(), "inventory-ledger", "localhost:4318", false)

	// Assert
	require.NoError(t, err)
	assert.NotNil(t, p.Tracer)
	assert.NotNil(t, p.Meter)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewLogger(t *testing.T) {
	// Act
	logger, err := NewLogger("inventory-ledger", "debug")

	// Assert
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewLogger_BadLevel(t *testing.T) {
	_, err := NewLogger("inventory-ledger", "loud")

	assert.Error(t, err)
}
