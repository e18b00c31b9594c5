package memory

import (
	"errors"
	"fmt"

	"github.com/goclaw/cortex/pkg/breaker"
	"github.com/goclaw/cortex/pkg/storage"
)

// Sentinel errors for the memory system. One error may match several of
// them: an open breaker on the embedding path matches both
// ErrEmbeddingUnavailable and ErrCircuitOpen.
var (
	ErrInvalidInput         = errors.New("memory: invalid input")
	ErrNotFound             = errors.New("memory: not found")
	ErrEmbeddingUnavailable = errors.New("memory: embedding unavailable")
	ErrStorage              = errors.New("memory: storage error")
	ErrCircuitOpen          = breaker.ErrOpen
	ErrClosed               = errors.New("memory: closed")
)

// Logger is the minimal logger interface used by the memory system.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(msg string, args ...any) {}
func (nopLogger) Info(msg string, args ...any)  {}
func (nopLogger) Warn(msg string, args ...any)  {}
func (nopLogger) Error(msg string, args ...any) {}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// storageError maps a storage failure onto the memory taxonomy.
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if storage.IsNotFound(err) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
