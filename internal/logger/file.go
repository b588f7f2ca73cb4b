package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kal997/nt-notifier/internal/models"
)

// FileLogger implements Logger interface for file-based logging.
// Each line is a JSON object written by zap.
type FileLogger struct {
	file   *os.File
	zl     *zap.Logger
	mutex  sync.Mutex
	closed bool
}

// NewFileLogger creates a new file logger that drops records below level
func NewFileLogger(logfile string, level zapcore.Level) (*FileLogger, error) {
	file, err := os.OpenFile(logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	fl := &FileLogger{file: file}
	fl.zl = zap.New(
		zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoderConfig()), zapcore.AddSync(fileWriter{fl}), level),
		zap.ErrorOutput(zapcore.AddSync(io.Discard)),
	)
	return fl, nil
}

func fileEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	return cfg
}

// fileWriter goes through the logger so tests can swap the file out.
type fileWriter struct {
	fl *FileLogger
}

func (w fileWriter) Write(p []byte) (int, error) {
	return w.fl.file.Write(p)
}

func (w fileWriter) Sync() error {
	return w.fl.file.Sync()
}

// Log writes a timestamped message to the file
func (fl *FileLogger) Log(ctx context.Context, message string) error {
	return fl.write(func(zl *zap.Logger) {
		zl.Info(message)
	})
}

// LogEvent writes an entry notification with its name, handle, flags and value
func (fl *FileLogger) LogEvent(ctx context.Context, ev models.Event) error {
	return fl.write(func(zl *zap.Logger) {
		zl.Info("entry notification",
			zap.String("name", ev.Name),
			zap.Stringer("entry", ev.Entry),
			zap.Stringer("listener", ev.Listener),
			zap.Stringer("flags", ev.Flags),
			zap.Stringer("type", ev.Value.Type),
			zap.Stringer("value", ev.Value),
		)
	})
}

func (fl *FileLogger) write(emit func(*zap.Logger)) error {
	fl.mutex.Lock()
	defer fl.mutex.Unlock()

	if fl.closed {
		return fmt.Errorf("logger is closed")
	}

	emit(fl.zl)

	// Ensure data is written to disk
	if err := fl.zl.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	return nil
}

// Zap exposes the underlying structured logger
func (fl *FileLogger) Zap() *zap.Logger {
	return fl.zl
}

// Close closes the log file
func (fl *FileLogger) Close() error {
	fl.mutex.Lock()
	defer fl.mutex.Unlock()

	if fl.closed {
		return nil
	}

	fl.closed = true
	return fl.file.Close()
}
