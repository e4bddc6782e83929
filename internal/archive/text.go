package archive

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"NetScope/internal/model"
)

// TextWriter appends one line per record to <root>/<session id>.log.
type TextWriter struct {
	rootPath string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewTextWriter creates the root directory if needed.
func NewTextWriter(rootPath string) (*TextWriter, error) {
	if err := os.MkdirAll(rootPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &TextWriter{rootPath: rootPath, files: make(map[string]*os.File)}, nil
}

// Name implements model.RecordWriter.
func (w *TextWriter) Name() string { return "text" }

// WriteRecords appends the batch to the session's file.
func (w *TextWriter) WriteRecords(_ context.Context, sessionID string, records []model.TrafficRecord) error {
	if len(records) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := w.fileFor(sessionID)
	if err != nil {
		return err
	}
	writer := bufio.NewWriter(file)
	for i := range records {
		if _, err := writer.WriteString(records[i].String() + "\n"); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush records: %w", err)
	}
	return nil
}

func (w *TextWriter) fileFor(sessionID string) (*os.File, error) {
	if f, ok := w.files[sessionID]; ok {
		return f, nil
	}
	path := filepath.Join(w.rootPath, filepath.Base(sessionID)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive file '%s': %w", path, err)
	}
	w.files[sessionID] = f
	return f, nil
}

// Close closes every open file.
func (w *TextWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for id, f := range w.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(w.files, id)
	}
	return firstErr
}
