package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	sugar *zap.SugaredLogger
	once  sync.Once
)

// Logger is the canonical structured logging interface used by the project.
// Keep it small and focused on key/value structured events.
type Logger interface {
	Infow(msg string, keysAndValues ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Fatalw(msg string, keysAndValues ...interface{})
	Sync() error
}

// noopLogger is a tiny, extremely cheap logger that does nothing. We use
// this as the default to make logging calls safe before Init is invoked.
type noopLogger struct{}

func (n noopLogger) Infow(msg string, keysAndValues ...interface{})  {}
func (n noopLogger) Debugw(msg string, keysAndValues ...interface{}) {}
func (n noopLogger) Warnw(msg string, keysAndValues ...interface{})  {}
func (n noopLogger) Errorw(msg string, keysAndValues ...interface{}) {}
func (n noopLogger) Fatalw(msg string, keysAndValues ...interface{}) {}
func (n noopLogger) Sync() error                                     { return nil }

// current holds the active Logger. Initialize to noopLogger so calls are
// always safe even if Init() hasn't been called yet.
var current Logger = noopLogger{}

// Init initializes the global sugared logger based on LOG_LEVEL and
// redirects the standard library logger into zap. Callers must invoke this
// in main() to enable structured logging. It's safe to call multiple times.
func Init() *zap.SugaredLogger {
	once.Do(func() {
		level := strings.ToLower(os.Getenv("LOG_LEVEL"))
		cfg := zap.Config{
			Encoding:         "json",
			EncoderConfig:    zap.NewProductionEncoderConfig(),
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
		}
		// Use ISO8601 time format for easier ingestion
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.CallerKey = "caller"
		lvl := zap.InfoLevel
		if level == "debug" {
			lvl = zap.DebugLevel
		} else if level == "warn" {
			lvl = zap.WarnLevel
		} else if level == "error" {
			lvl = zap.ErrorLevel
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)

		logger, _ := cfg.Build(zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel))
		// Redirect standard library logs into zap so all logs are unified.
		_ = zap.RedirectStdLog(logger)
		sugar = logger.Sugar()
		current = sugar
	})
	return sugar
}

// Sugar returns the initialized sugared logger (may be nil if Init not called).
func Sugar() *zap.SugaredLogger { return sugar }

// SetLogger replaces the package-level logger. Pass nil to reset to the
// sugared logger initialized by Init() (if any). Useful for tests.
func SetLogger(l Logger) {
	if l == nil {
		if sugar != nil {
			current = sugar
		} else {
			current = noopLogger{}
		}
	} else {
		current = l
	}
}

// GetLogger returns the current Logger.
func GetLogger() Logger { return current }

// Infow forwards to current logger if present.
func Infow(msg string, keysAndValues ...interface{}) {
	if current != nil {
		current.Infow(msg, keysAndValues...)
	}
}
func Debugw(msg string, keysAndValues ...interface{}) {
	if current != nil {
		current.Debugw(msg, keysAndValues...)
	}
}
func Warnw(msg string, keysAndValues ...interface{}) {
	if current != nil {
		current.Warnw(msg, keysAndValues...)
	}
}
func Errorw(msg string, keysAndValues ...interface{}) {
	if current != nil {
		current.Errorw(msg, keysAndValues...)
	}
}
func Fatalw(msg string, keysAndValues ...interface{}) {
	if current != nil {
		current.Fatalw(msg, keysAndValues...)
	}
}

// Sync flushes any buffered logs.
func Sync() error {
	if current != nil {
		return current.Sync()
	}
	return nil
}

// Helper functions that return sugared logger key/value pairs for common
// Discord entities. Use canonical dot-separated keys to make queries easier
// in downstream log analysis tooling.
func UserFields(userID, userName string) []interface{} {
	if userName == "" {
		return []interface{}{"user.id", userID}
	}
	return []interface{}{"user.id", userID, "user.name", userName}
}

func ChannelFields(channelID, channelName string) []interface{} {
	if channelName == "" {
		return []interface{}{"channel.id", channelID}
	}
	return []interface{}{"channel.id", channelID, "channel.name", channelName}
}

// TurnFields returns structured fields for logging turn-taking state: the
// channel consumer, the addressed speaker, and the buffered fragment count.
func TurnFields(channelID, speakerID string, fragments int) []interface{} {
	return []interface{}{"channel.id", channelID, "speaker.id", speakerID, "fragments", fragments}
}
