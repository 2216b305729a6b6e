// Package applog builds the zap logger every binary in this module uses,
// following the teacher's cmd/zmux-server/main.go construction (a
// colorized development console encoder with the timestamp key and
// stacktraces stripped). It adds the JSON-lines file sink spec §6's
// persistent state layout calls for, which the teacher's single-console
// logger has no equivalent of.
package applog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls where and how logs are written.
type Config struct {
	// JSONLinesPath, if non-empty, tees every log entry as a JSON line to
	// this file in addition to the console.
	JSONLinesPath string
	// Debug enables debug-level console output; otherwise info level.
	Debug bool
}

// New builds the module's logger. Callers should defer log.Sync().
func New(cfg Config) (*zap.Logger, error) {
	consoleCfg := zap.NewDevelopmentConfig()
	consoleCfg.EncoderConfig.TimeKey = "" // teacher's convention: timestamps come from the tmux/journal wrapper
	consoleCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleCfg.DisableStacktrace = true
	consoleCfg.DisableCaller = true
	if cfg.Debug {
		consoleCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	consoleLogger, err := consoleCfg.Build()
	if err != nil {
		return nil, err
	}

	if cfg.JSONLinesPath == "" {
		return consoleLogger, nil
	}

	f, err := os.OpenFile(cfg.JSONLinesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	jsonEncoderCfg := zap.NewProductionEncoderConfig()
	jsonEncoderCfg.TimeKey = "ts"
	jsonEncoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	level := zap.InfoLevel
	if cfg.Debug {
		level = zap.DebugLevel
	}

	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(jsonEncoderCfg), zapcore.AddSync(f), level)
	core := zapcore.NewTee(consoleLogger.Core(), fileCore)

	return zap.New(core), nil
}
