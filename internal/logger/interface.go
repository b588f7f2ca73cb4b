package logger

import (
	"context"

	"github.com/kal997/nt-notifier/internal/models"
)

// Logger defines the interface for logging messages
type Logger interface {
	// Log writes a message to the logger
	Log(ctx context.Context, message string) error

	// LogEvent writes one entry notification with its fields
	LogEvent(ctx context.Context, ev models.Event) error

	// Close closes the logger and any resources
	Close() error
}
