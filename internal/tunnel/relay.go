package tunnel

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// closeWriteTimeout bounds the close frame. A peer that stopped reading
	// holds the connection's write lock, so this is also how long Close can wait on it.
	closeWriteTimeout = time.Second

	// relayWriteTimeout bounds every relayed data frame
	relayWriteTimeout = 10 * time.Second

	// Client frames queued while the upstream is dialing
	maxPendingFrames = 256
	maxPendingBytes  = 8 << 20

	pendingOverflowReason = "Too much data before upstream connected"
)

type frame struct {
	messageType int
	data        []byte
}

// Relay copies frames between a client and an upstream WebSocket, preserving
// message type and boundaries. Client frames that arrive before the upstream
// is attached are queued (bounded) and flushed in order on Attach. Whichever
// side fails first closes both; teardown runs exactly once.
type Relay struct {
	client *websocket.Conn

	mu           sync.Mutex // guards upstream, pending, closed and onTeardown; never held across I/O
	upstream     *websocket.Conn
	pending      []frame
	pendingBytes int

	// writeMu serializes data frames to the upstream. Close never takes it.
	writeMu sync.Mutex

	maxPendingFrames int
	maxPendingBytes  int

	once       sync.Once
	done       chan struct{}
	closed     bool
	onTeardown func()
}

// NewRelay creates a relay. onTeardown runs once after both sides are closed.
func NewRelay(onTeardown func()) *Relay {
	return &Relay{
		done:             make(chan struct{}),
		onTeardown:       onTeardown,
		maxPendingFrames: maxPendingFrames,
		maxPendingBytes:  maxPendingBytes,
	}
}

// OnTeardown replaces the teardown callback and reports true. If the relay is
// already closed, the callback is not installed and false is returned.
func (r *Relay) OnTeardown(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.onTeardown = fn
	return true
}

// Done is closed when the relay has been torn down
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Start begins reading from the client. Frames are queued until Attach.
func (r *Relay) Start(client *websocket.Conn) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		client.Close()
		return
	}
	r.client = client
	r.mu.Unlock()

	go r.pumpClient()
}

// Attach connects the upstream, flushes queued client frames in order and
// starts relaying upstream frames to the client.
func (r *Relay) Attach(upstream *websocket.Conn) {
	// Held until the queue is flushed so pumpClient cannot overtake it
	r.writeMu.Lock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.writeMu.Unlock()
		upstream.Close()
		return
	}
	pending := r.pending
	r.pending = nil
	r.pendingBytes = 0
	r.upstream = upstream
	r.mu.Unlock()

	for _, f := range pending {
		if err := writeFrame(upstream, f.messageType, f.data); err != nil {
			r.writeMu.Unlock()
			r.Close(websocket.CloseGoingAway, "")
			return
		}
	}
	r.writeMu.Unlock()

	go r.pumpUpstream()
}

// Close sends a close frame with code and reason to both sides, closes them
// and runs the teardown callback. Later calls are no-ops. Close does not wait
// for in-flight data writes; closing the connections fails them.
func (r *Relay) Close(code int, reason string) {
	r.once.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(closeWriteTimeout)

		r.mu.Lock()
		client, upstream := r.client, r.upstream
		r.pending = nil
		r.pendingBytes = 0
		r.closed = true
		teardown := r.onTeardown
		r.mu.Unlock()

		for _, conn := range []*websocket.Conn{client, upstream} {
			if conn == nil {
				continue
			}
			_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
			_ = conn.Close()
		}

		close(r.done)
		if teardown != nil {
			teardown()
		}
	})
}

// pumpClient copies client frames upstream, queueing them while the upstream is dialing
func (r *Relay) pumpClient() {
	for {
		messageType, data, err := r.client.ReadMessage()
		if err != nil {
			r.Close(closeCodeFor(err), "")
			return
		}

		r.mu.Lock()
		upstream := r.upstream
		if upstream == nil {
			if r.closed {
				r.mu.Unlock()
				return
			}
			if len(r.pending) >= r.maxPendingFrames || r.pendingBytes+len(data) > r.maxPendingBytes {
				r.mu.Unlock()
				r.Close(websocket.CloseMessageTooBig, pendingOverflowReason)
				return
			}
			r.pending = append(r.pending, frame{messageType: messageType, data: data})
			r.pendingBytes += len(data)
			r.mu.Unlock()
			continue
		}
		r.mu.Unlock()

		r.writeMu.Lock()
		err = writeFrame(upstream, messageType, data)
		r.writeMu.Unlock()

		if err != nil {
			r.Close(websocket.CloseGoingAway, "")
			return
		}
	}
}

// pumpUpstream copies upstream frames to the client. It is the only writer of data frames to the client.
func (r *Relay) pumpUpstream() {
	for {
		messageType, data, err := r.upstream.ReadMessage()
		if err != nil {
			r.Close(closeCodeFor(err), "")
			return
		}
		if err := writeFrame(r.client, messageType, data); err != nil {
			r.Close(websocket.CloseGoingAway, "")
			return
		}
	}
}

// writeFrame writes one data frame under a deadline, so a peer that stops
// reading fails the write instead of blocking it forever
func writeFrame(conn *websocket.Conn, messageType int, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(messageType, data)
}

// closeCodeFor forwards a peer's normal close code, otherwise reports 1000
func closeCodeFor(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
			return websocket.CloseNormalClosure
		}
		return ce.Code
	}
	return websocket.CloseNormalClosure
}
