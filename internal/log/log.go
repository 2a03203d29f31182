package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
	mutex  sync.RWMutex
)

// Create instance of logger with colorized logging and stack trace disabled
func instance() *zap.Logger {
	once.Do(func() {
		config := zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		config.DisableStacktrace = true
		l, err := config.Build()
		if err != nil {
			panic(err)
		}
		mutex.Lock()
		if logger == nil {
			logger = l
		}
		mutex.Unlock()
	})
	mutex.RLock()
	defer mutex.RUnlock()
	return logger
}

// Logger returns the process logger
func Logger() *zap.Logger {
	return instance()
}

// SetLogger replaces the process logger, e.g. with a production config from the commands.
func SetLogger(l *zap.Logger) {
	once.Do(func() {})
	mutex.Lock()
	logger = l
	mutex.Unlock()
}

// WrapError is a helper func to log the error passed in and also return the err
func WrapError(err error) error {
	if err != nil {
		Logger().WithOptions(zap.AddCallerSkip(1)).Error(err.Error())
	}
	return err
}

// New builds a production logger at the given level, e.g. "debug" or "warn".
func New(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(lvl)
	config.DisableStacktrace = true
	return config.Build()
}
