package realtime

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"Marketplace-Realtime/internal/metrics"
)

var (
	// ErrStreamClosed is returned by a sender whose stream has gone away.
	ErrStreamClosed = errors.New("stream closed")
	// ErrSlowConsumer is returned by a sender whose outbound buffer is full.
	ErrSlowConsumer = errors.New("stream buffer full")
)

// Sender pushes one named event to one open stream. It must not block; a
// non-nil error evicts the sender from the registry.
type Sender func(event string, data any) error

type connection struct {
	id   string
	send Sender
}

// Registry maps a user to the senders of their open streams in this
// process. Users without open streams have no entry.
type Registry struct {
	mu      sync.Mutex
	users   map[string]map[*connection]struct{}
	logger  *zap.Logger
	metrics *metrics.Realtime
}

func NewRegistry(logger *zap.Logger, m *metrics.Realtime) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		users:   make(map[string]map[*connection]struct{}),
		logger:  logger,
		metrics: m,
	}
}

// AddConnection registers send for userID. The returned Unsubscribe
// removes exactly this sender.
func (r *Registry) AddConnection(userID string, send Sender) Unsubscribe {
	c := &connection{id: uuid.NewString(), send: send}

	r.mu.Lock()
	set, ok := r.users[userID]
	if !ok {
		set = make(map[*connection]struct{})
		r.users[userID] = set
	}
	set[c] = struct{}{}
	r.metrics.StreamOpened()
	r.metrics.SetConnectedUsers(len(r.users))
	r.mu.Unlock()

	r.logger.Debug("stream registered", zap.String("user_id", userID), zap.String("conn_id", c.id))
	var once sync.Once
	return func() {
		once.Do(func() { r.remove(userID, c) })
	}
}

// FanoutToUser hands event to every sender of userID. Senders that fail
// are evicted; the remaining senders still receive the event. A user with
// no streams drops the event.
func (r *Registry) FanoutToUser(userID, event string, data any) {
	r.mu.Lock()
	set := r.users[userID]
	conns := make([]*connection, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		if err := safeSend(c.send, event, data); err != nil {
			if r.remove(userID, c) {
				r.metrics.Evicted()
				r.logger.Debug("evicted failing sender",
					zap.String("user_id", userID),
					zap.String("conn_id", c.id),
					zap.Error(err),
				)
			}
			continue
		}
		r.metrics.Delivered()
	}
}

// Connections reports how many streams userID has open.
func (r *Registry) Connections(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users[userID])
}

// Users reports how many users have at least one open stream.
func (r *Registry) Users() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

func (r *Registry) remove(userID string, c *connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.users[userID]
	if !ok {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.users, userID)
	}
	r.metrics.StreamClosed()
	r.metrics.SetConnectedUsers(len(r.users))
	return true
}

func safeSend(send Sender, event string, data any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sender panicked: %v", p)
		}
	}()
	return send(event, data)
}
