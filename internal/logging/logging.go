// Package logging builds the structured logger shared by every component.
// The teacher's audit-proxy used log.Printf diagnostics; this module
// follows the wider example pack (caddyserver-caddy, the caddy language
// server) in using zap for anything beyond the JSONL event sink.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a JSON-encoded zap logger writing to stderr. debug selects DebugLevel;
// otherwise InfoLevel, matching PROXY_DEBUG's default-emitting behaviour
// (spec section 6: "default emitting").
func New(debug bool) *zap.SugaredLogger {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.Lock(os.Stderr), level)
	return zap.New(core).Sugar()
}

// DebugEnabledFromEnv mirrors the PROXY_DEBUG toggle: unset or "1"/"true"
// enables debug logging (the spec's "default emitting" behaviour), "0"
// disables it.
func DebugEnabledFromEnv() bool {
	v, ok := os.LookupEnv("PROXY_DEBUG")
	if !ok {
		return true
	}
	v = strings.TrimSpace(strings.ToLower(v))
	return v != "0" && v != "false"
}
