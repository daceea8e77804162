package providers

import (
	"bufio"
	"bytes"
	"io"
)

const maxSSELine = 1 << 20

// StreamEvent represents a single event in a streaming response
type StreamEvent struct {
	Data []byte
	Done bool
}

// StreamReader reads "data:" lines from a server-sent event stream
type StreamReader struct {
	scanner *bufio.Scanner
	closer  io.Closer
}

// NewStreamReader creates a new stream reader
func NewStreamReader(r io.ReadCloser) *StreamReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &StreamReader{
		scanner: scanner,
		closer:  r,
	}
}

// Read returns the next data payload. The [DONE] marker yields a Done event
// with io.EOF, as does the end of the body.
func (s *StreamReader) Read() (*StreamEvent, error) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()

		// Blank separators, comments and event/id fields carry nothing we use
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}

		data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(data) == 0 {
			continue
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			return &StreamEvent{Done: true}, io.EOF
		}

		// The scanner reuses its buffer
		return &StreamEvent{Data: append([]byte(nil), data...)}, nil
	}

	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return &StreamEvent{Done: true}, io.EOF
}

// Close closes the stream
func (s *StreamReader) Close() error {
	return s.closer.Close()
}
