// Package textlog creates per-run text loggers. Every pipeline run gets
// its own log file named after the pipeline and run id, mirrored to
// stderr, so a run's full trace can be pulled up from the run id recorded
// in the control tables.
package textlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

// RunLogger is a run-scoped logger backed by a file.
type RunLogger struct {
	*log.Logger
	file *os.File

	// Path is the log file location, reported at run start.
	Path string
}

// ForRun opens logs/<pipeline>_<runID>.log under dir and returns a logger
// writing to both the file and stderr. An empty dir logs to stderr only.
func ForRun(dir, pipeline, runID string) (*RunLogger, error) {
	flags := log.LstdFlags | log.LUTC
	prefix := fmt.Sprintf("[%s] ", pipeline)

	if dir == "" {
		return &RunLogger{Logger: log.New(os.Stderr, prefix, flags)}, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("textlog: create log dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", pipeline, runID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("textlog: open log file: %w", err)
	}

	return &RunLogger{
		Logger: log.New(io.MultiWriter(os.Stderr, f), prefix, flags),
		file:   f,
		Path:   path,
	}, nil
}

// Close flushes and closes the underlying file, if any.
func (l *RunLogger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
