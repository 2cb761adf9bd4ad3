package logging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rezonia/triphase-signer/internal/logging"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		verbose, json bool
		debug         bool
	}{
		{false, false, false},
		{true, false, true},
		{false, true, false},
		{true, true, true},
	}
	for _, tt := range tests {
		logger := logging.New(tt.verbose, tt.json)
		assert.Equal(t, tt.debug, logger.Core().Enabled(zap.DebugLevel))
		assert.True(t, logger.Core().Enabled(zap.InfoLevel))
	}
}

func TestNewWithCore_ServiceField(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logging.NewWithCore(core).Info("started", zap.String("address", ":8080"))

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "triphase-signer", fields["service"])
		assert.Equal(t, ":8080", fields["address"])
	}
}
