package logging

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AccessEntry defines the JSON structure of one access log line.
type AccessEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Query      string    `json:"query,omitempty"`
	Status     int       `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	RemoteAddr string    `json:"remote_addr"`
	Upgraded   bool      `json:"upgraded,omitempty"`
}

// AccessLogger writes access entries asynchronously as JSON lines. Entries
// are dropped when the queue is full so request handling never waits on I/O.
type AccessLogger struct {
	flushInterval time.Duration

	mu     sync.Mutex
	out    io.Writer
	file   *os.File
	writer *bufio.Writer

	logCh  chan AccessEntry
	doneCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewAccessLogger creates a logger writing to out.
// bufferSize determines how many entries can be queued before new ones are dropped.
func NewAccessLogger(out io.Writer, bufferSize int, flushInterval time.Duration) *AccessLogger {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}

	logger := &AccessLogger{
		flushInterval: flushInterval,
		out:           out,
		writer:        bufio.NewWriter(out),
		logCh:         make(chan AccessEntry, bufferSize),
		doneCh:        make(chan struct{}),
	}

	logger.wg.Add(1)
	go logger.run()

	return logger
}

// Open resolves an ACCESS_LOG destination: "stdout", "off" (nil logger) or a file path.
func Open(dest string, bufferSize int, flushInterval time.Duration) (*AccessLogger, error) {
	switch dest {
	case "", "off":
		return nil, nil
	case "stdout":
		return NewAccessLogger(os.Stdout, bufferSize, flushInterval), nil
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	file, err := os.OpenFile(dest, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open access log: %w", err)
	}

	logger := NewAccessLogger(file, bufferSize, flushInterval)
	logger.file = file
	return logger, nil
}

// run listens for entries and writes them, flushing on a ticker.
func (l *AccessLogger) run() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-l.logCh:
			l.write(entry)
		case <-ticker.C:
			l.mu.Lock()
			_ = l.writer.Flush()
			l.mu.Unlock()
		case <-l.doneCh:
			// Drain remaining entries
			for {
				select {
				case entry := <-l.logCh:
					l.write(entry)
				default:
					l.mu.Lock()
					_ = l.writer.Flush()
					if l.file != nil {
						_ = l.file.Close()
					}
					l.mu.Unlock()
					return
				}
			}
		}
	}
}

func (l *AccessLogger) write(entry AccessEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.mu.Lock()
	_, _ = l.writer.Write(append(data, '\n'))
	l.mu.Unlock()
}

// Log queues an entry. It is a no-op on a nil or shut down logger.
func (l *AccessLogger) Log(entry AccessEntry) {
	if l == nil {
		return
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}

	select {
	case l.logCh <- entry:
	default:
		// Queue full; dropping entry.
	}
}

// Shutdown flushes the buffer and closes the file, if any.
func (l *AccessLogger) Shutdown() {
	if l == nil {
		return
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	close(l.doneCh)
	l.wg.Wait()
}

// Middleware records one entry per request. Credentials passed in the query
// string are redacted. A nil logger returns next unchanged.
func (l *AccessLogger) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		l.Log(AccessEntry{
			Timestamp:  start.UTC(),
			Method:     r.Method,
			Path:       r.URL.Path,
			Query:      redactQuery(r.URL.Query()),
			Status:     rec.status,
			DurationMS: time.Since(start).Milliseconds(),
			RemoteAddr: r.RemoteAddr,
			Upgraded:   rec.hijacked,
		})
	})
}

func redactQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	if q.Has("token") {
		q.Set("token", "REDACTED")
	}
	return q.Encode()
}

// statusRecorder captures the response status while still exposing the
// flushing and hijacking the streaming and WebSocket handlers depend on.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	hijacked    bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		r.hijacked = true
		r.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
