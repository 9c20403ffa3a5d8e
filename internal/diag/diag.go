// Package diag builds the logger for the proxy's diagnostics stream.
//
// Lifecycle events must only ever appear on the diagnostics stream: a single
// stray byte on the client-output stream corrupts the client's wire parsing.
package diag

import (
	"io"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Tag is the fixed prefix on every diagnostics log line.
const Tag = "respawn"

// NewLogger returns a logger that writes to the diagnostics stream as
//
//	[<ISO-8601 UTC timestamp>] [respawn] <message>
func NewLogger(w io.Writer, level zapcore.Level) *zap.SugaredLogger {
	encCfg := zapcore.EncoderConfig{
		MessageKey:       "msg",
		TimeKey:          "ts",
		NameKey:          "tag",
		LevelKey:         zapcore.OmitKey,
		CallerKey:        zapcore.OmitKey,
		StacktraceKey:    zapcore.OmitKey,
		ConsoleSeparator: " ",
		EncodeTime: func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString("[" + t.UTC().Format(time.RFC3339) + "]")
		},
		EncodeName: func(name string, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString("[" + name + "]")
		},
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(w), level)
	return zap.New(core).Named(Tag).Sugar()
}
