package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"openclaw_proxy/internal/metrics"
)

// DefaultMaxDuration is how long a session may live before its deadline fires
const DefaultMaxDuration = 600000 * time.Millisecond

var (
	// ErrLimitReached is returned when the customer already holds the maximum number of sessions
	ErrLimitReached = errors.New("session limit reached")
)

// Session is one live relay owned by a customer
type Session struct {
	ID         uuid.UUID `json:"id"`
	CustomerID string    `json:"customer_id"`
	BoxID      string    `json:"box_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	closer func()
	timer  *time.Timer
}

// Close invokes the session closer. The closer is expected to call Registry.Remove.
func (s *Session) Close() {
	if s.closer != nil {
		s.closer()
	}
}

// Registry tracks live sessions per customer. Check and insert happen under one
// lock, so the per-customer limit is never overshot even during connect storms.
type Registry struct {
	mu          sync.Mutex
	sessions    map[uuid.UUID]*Session
	limit       int
	maxDuration time.Duration
	now         func() time.Time
	metrics     *metrics.Collector
}

// NewRegistry creates a registry admitting at most limit sessions per customer
func NewRegistry(limit int, maxDuration time.Duration, m *metrics.Collector) *Registry {
	if maxDuration <= 0 {
		maxDuration = DefaultMaxDuration
	}
	return &Registry{
		sessions:    make(map[uuid.UUID]*Session),
		limit:       limit,
		maxDuration: maxDuration,
		now:         time.Now,
		metrics:     m,
	}
}

// Limit returns the per-customer session limit
func (r *Registry) Limit() int {
	return r.limit
}

// CanAdmit reports whether customerID is below its session limit right now.
// Register re-checks, so a true result is advisory.
func (r *Registry) CanAdmit(customerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countLocked(customerID) < r.limit
}

// Register admits a new session for customerID. closer is called when the
// session deadline fires or the session is closed administratively; it must
// tear the relay down and call Remove.
func (r *Registry) Register(customerID, boxID string, closer func()) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.countLocked(customerID) >= r.limit {
		return nil, ErrLimitReached
	}

	s := &Session{
		ID:         uuid.New(),
		CustomerID: customerID,
		BoxID:      boxID,
		CreatedAt:  r.now(),
		closer:     closer,
	}
	s.timer = time.AfterFunc(r.maxDuration, s.Close)
	r.sessions[s.ID] = s
	r.metrics.SetSessionsActive(len(r.sessions))

	return s, nil
}

// Remove drops the session and stops its deadline timer. It returns the
// session's lifetime and true the first time, and false on every later call.
func (r *Registry) Remove(id uuid.UUID) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return 0, false
	}
	s.timer.Stop()
	delete(r.sessions, id)
	r.metrics.SetSessionsActive(len(r.sessions))

	return r.now().Sub(s.CreatedAt), true
}

// Count returns the number of live sessions
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CountFor returns the number of live sessions owned by customerID
func (r *Registry) CountFor(customerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countLocked(customerID)
}

// List returns a snapshot of the live sessions owned by customerID
func (r *Registry) List(customerID string) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Session, 0)
	for _, s := range r.sessions {
		if s.CustomerID == customerID {
			out = append(out, Session{ID: s.ID, CustomerID: s.CustomerID, BoxID: s.BoxID, CreatedAt: s.CreatedAt})
		}
	}
	return out
}

// CloseCustomer closes every live session of customerID and returns how many
// were closed. Closers run outside the lock since they call Remove.
func (r *Registry) CloseCustomer(customerID string) int {
	r.mu.Lock()
	var victims []*Session
	for _, s := range r.sessions {
		if s.CustomerID == customerID {
			victims = append(victims, s)
		}
	}
	r.mu.Unlock()

	for _, s := range victims {
		s.Close()
	}
	return len(victims)
}

// CloseAll closes every live session and returns how many were closed
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	victims := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		victims = append(victims, s)
	}
	r.mu.Unlock()

	for _, s := range victims {
		s.Close()
	}
	return len(victims)
}

func (r *Registry) countLocked(customerID string) int {
	n := 0
	for _, s := range r.sessions {
		if s.CustomerID == customerID {
			n++
		}
	}
	return n
}
