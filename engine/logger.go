package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	defaultLogLines      = 1000
	defaultBatchSize     = 10
	defaultFlushInterval = 100 * time.Millisecond
)

// Logger keeps the most recent lines in a fixed-size ring for the monitor
// and mirrors everything to a file through a batching writer goroutine.
type Logger struct {
	mu       sync.Mutex
	lines    []string
	capacity int
	head     int
	count    int

	filePath string
	file     *os.File
	ch       chan string
	closed   bool
}

func NewLogger(filePath string, capacity int) *Logger {
	if capacity <= 0 {
		capacity = defaultLogLines
	}

	l := &Logger{
		lines:    make([]string, capacity),
		capacity: capacity,
		filePath: filePath,
		ch:       make(chan string, 100),
	}

	if err := l.openFile(); err != nil {
		return l
	}

	if l.file != nil {
		go l.writer()
	}

	return l
}

func (l *Logger) openFile() error {
	if l.filePath == "" {
		return nil
	}

	if dir := filepath.Dir(l.filePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// Printf records a timestamped line. Safe for concurrent use and safe on
// a nil logger.
func (l *Logger) Printf(format string, args ...interface{}) {
	if l == nil {
		return
	}
	line := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05.000"), fmt.Sprintf(format, args...))

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	l.lines[l.head] = line
	l.head = (l.head + 1) % l.capacity
	if l.count < l.capacity {
		l.count++
	}

	select {
	case l.ch <- line:
	default:
	}
}

// ReadAll returns the buffered lines, oldest first.
func (l *Logger) ReadAll() string {
	if l == nil {
		return ""
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count == 0 {
		return ""
	}

	start := 0
	if l.count >= l.capacity {
		start = l.head
	}

	var result []byte
	for i := 0; i < l.count; i++ {
		idx := (start + i) % l.capacity
		if l.lines[idx] != "" {
			result = append(result, l.lines[idx]...)
			result = append(result, '\n')
		}
	}

	return string(result)
}

func (l *Logger) writer() {
	batch := make([]string, 0, defaultBatchSize)
	ticker := time.NewTicker(defaultFlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 || l.file == nil {
			return
		}

		l.mu.Lock()
		defer l.mu.Unlock()

		for _, msg := range batch {
			l.file.WriteString(msg + "\n")
		}
		batch = batch[:0]
	}

	for {
		select {
		case msg, ok := <-l.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, msg)
			if len(batch) >= defaultBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (l *Logger) Close() {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true

	close(l.ch)

	if l.file != nil {
		l.file.Close()
	}
}
