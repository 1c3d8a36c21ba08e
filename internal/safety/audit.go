package safety

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// OpenAuditLog opens the JSON-lines audit sink. path "-" writes to stderr and
// an empty path discards records. The returned closer must be called on
// shutdown.
func OpenAuditLog(path string) (*slog.Logger, io.Closer, error) {
	switch path {
	case "":
		return slog.New(slog.DiscardHandler), nopCloser{}, nil
	case "-":
		return NewAuditLogger(os.Stderr), nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("audit log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}
	return NewAuditLogger(f), f, nil
}

func NewAuditLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})).With(slog.String("log", "safety_audit"))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
