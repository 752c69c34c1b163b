package review

import (
	"fmt"
	"os"
	"sync"
)

// FileWAL appends newline-delimited entries to a file and fsyncs each one.
type FileWAL struct {
	mu sync.Mutex
	f  *os.File
}

// OpenFileWAL opens path for appending, creating it if needed.
func OpenFileWAL(path string) (*FileWAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileWAL{f: f}, nil
}

// Write appends one record and syncs the file.
func (w *FileWAL) Write(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	line := append(append([]byte(nil), data...), '\n')
	n, err := w.f.Write(line)
	if err != nil {
		return err
	}
	if n != len(line) {
		return fmt.Errorf("partial write: wrote %d of %d bytes", n, len(line))
	}
	return w.f.Sync()
}

func (w *FileWAL) Path() string { return w.f.Name() }

func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
