package logger

import (
	"fmt"
	"io"
	"log"
	"os"
)

// New returns a stdlib logger for messages emitted before slog is configured.
func New(component string) *log.Logger {
	return NewWithWriter(component, os.Stderr)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(component string, w io.Writer) *log.Logger {
	return log.New(w, fmt.Sprintf("[%s] ", component), log.LstdFlags|log.Lmsgprefix)
}
