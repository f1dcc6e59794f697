// Package logger provides structured logging for Kayan Connect.
//
// This package wraps Uber's zap logger. It holds a global logger instance used
// throughout the coordinator; until InitLogger is called it discards
// everything, so packages and tests can log freely.
//
// # Configuration
//
// The log level is configured via the LOG_LEVEL environment variable or
// directly via InitLogger:
//
//	logger.InitLogger("debug") // Options: debug, info, warn, error
//
// # Usage
//
//	logger.Log.Info("qr session authorized",
//	    zap.String("scene", scene),
//	    zap.String("account_id", accountID),
//	)
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Log = zap.NewNop()

func InitLogger(level string) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zap.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var err error
	Log, err = cfg.Build()
	if err != nil {
		panic(err)
	}
}

