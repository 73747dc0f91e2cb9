// Package querylog appends query/response pairs to a plain text audit file.
package querylog

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// separator divides consecutive entries in the log file.
var separator = strings.Repeat("-", 70)

// Logger appends query/response pairs to a file. Safe for concurrent use;
// a mutex serializes writes so entries never interleave.
type Logger struct {
	mu   sync.Mutex
	path string
}

// New creates a Logger writing to path. The file is created on first write.
func New(path string) (*Logger, error) {
	if path == "" {
		return nil, fmt.Errorf("querylog: path must not be empty")
	}
	return &Logger{path: path}, nil
}

// Record appends one query/response pair followed by a separator line.
func (l *Logger) Record(query, response string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("querylog: open %s: %w", l.path, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "Query: %s\nResponse: %s\n%s\n", query, response, separator); err != nil {
		return fmt.Errorf("querylog: write: %w", err)
	}
	return nil
}
