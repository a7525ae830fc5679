package storage

import (
	"fmt"
	"os"
	"sync"
)

// WAL is an append-only audit log of accepted orders, trades, and epoch
// transitions, kept independent of the Pebble store so it can be tailed or
// shipped without opening the database. Shape kept from the teacher's
// pkg/storage/wal.go, generalized from consensus vote/proposal lines to
// exchange event lines.
type WAL interface {
	Append(line string)
}

// NopWAL discards every line. Used in unit tests where durability of the
// audit trail is irrelevant.
type NopWAL struct{}

func NewNopWAL() *NopWAL          { return &NopWAL{} }
func (w *NopWAL) Append(_ string) {}

// FileWAL appends newline-delimited entries to a single file.
type FileWAL struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileWAL(path string) (*FileWAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileWAL{f: f}, nil
}

func (w *FileWAL) Append(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintln(w.f, line)
}

func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

var _ WAL = (*NopWAL)(nil)
var _ WAL = (*FileWAL)(nil)
