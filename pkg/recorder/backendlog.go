package recorder

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// TailLines is the size of the in-memory ring of recent backend lines.
const TailLines = 200

// BackendLog mirrors worker notices to a per-meeting log file (unbounded)
// and an in-memory tail for the debug surface.
type BackendLog struct {
	mu   sync.Mutex
	f    *os.File
	ring []string
}

// OpenBackendLog truncates and opens the log file; start of a session
// resets the previous session's log.
func OpenBackendLog(path string) (*BackendLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open backend log: %w", err)
	}
	return &BackendLog{f: f}, nil
}

// Append writes one line with a timestamp prefix and keeps it in the tail.
func (b *BackendLog) Append(line string) {
	stamped := time.Now().Format("15:04:05.000") + " " + line

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f != nil {
		fmt.Fprintln(b.f, stamped)
	}
	b.ring = append(b.ring, stamped)
	if len(b.ring) > TailLines {
		b.ring = b.ring[len(b.ring)-TailLines:]
	}
}

// Tail returns a copy of the recent lines.
func (b *BackendLog) Tail() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.ring))
	copy(out, b.ring)
	return out
}

// Close closes the file; further appends only feed the ring.
func (b *BackendLog) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return nil
	}
	err := b.f.Close()
	b.f = nil
	return err
}
