// Package logging builds the process logger
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger writing to stderr. Verbose lowers the level to
// debug; json switches from the console encoder to JSON lines.
func New(verbose, json bool) *zap.Logger {
	level := zap.InfoLevel
	if verbose {
		level = zap.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if json {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	return NewWithCore(zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level))
}

// NewWithCore wraps core with the fields every entry carries
func NewWithCore(core zapcore.Core) *zap.Logger {
	return zap.New(core, zap.AddCaller()).With(zap.String("service", "triphase-signer"))
}
