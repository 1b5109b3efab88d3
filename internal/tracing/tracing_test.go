package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("collector:4318", "v0.3.0")
	assert.Equal(t, "rapidflat", cfg.ServiceName)
	assert.Equal(t, "v0.3.0", cfg.ServiceVersion)
	assert.Equal(t, "collector:4318", cfg.OTLPEndpoint)
	assert.Equal(t, 1.0, cfg.SampleRatio)
}

func TestSetupWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), DefaultConfig("", "dev"), nil)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, Shutdown(shutdown, zap.NewNop()))
}

func TestSetupWithEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), DefaultConfig("127.0.0.1:4318", "dev"), zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, Shutdown(shutdown, nil), "nothing was recorded so nothing is exported")
}

func TestShutdownReportsError(t *testing.T) {
	assert.NoError(t, Shutdown(nil, nil))

	failing := func(context.Context) error { return errors.New("flush failed") }
	assert.Error(t, Shutdown(failing, zap.NewNop()))
}
