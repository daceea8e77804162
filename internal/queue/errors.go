package queue

import "errors"

var (
	// ErrStreamClosed is returned when operating on a closed stream
	ErrStreamClosed = errors.New("stream is closed")

	// ErrGroupMissing is returned when reading before EnsureGroup
	ErrGroupMissing = errors.New("consumer group does not exist")
)
