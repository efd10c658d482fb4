package streamapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"Marketplace-Realtime/internal/auth"
	"Marketplace-Realtime/internal/realtime"
)

const (
	DefaultHeartbeat     = 25 * time.Second
	DefaultBuffer        = 32
	DefaultListenTimeout = 5 * time.Second
)

type Options struct {
	Heartbeat time.Duration
	Buffer    int
	Clock     clock.Clock
	Logger    *zap.Logger

	// ListenTimeout caps how long a stream open waits for the bus
	// listener before it proceeds without one.
	ListenTimeout time.Duration
}

// Server serves the per-user event stream.
type Server struct {
	rt        *realtime.Service
	auth      auth.Authenticator
	clock     clock.Clock
	heartbeat time.Duration
	buffer    int
	listenFor time.Duration
	logger    *zap.Logger
}

func NewServer(rt *realtime.Service, authn auth.Authenticator, opts Options) *Server {
	s := &Server{
		rt:        rt,
		auth:      authn,
		clock:     opts.Clock,
		heartbeat: opts.Heartbeat,
		buffer:    opts.Buffer,
		listenFor: opts.ListenTimeout,
		logger:    opts.Logger,
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.heartbeat <= 0 {
		s.heartbeat = DefaultHeartbeat
	}
	if s.buffer <= 0 {
		s.buffer = DefaultBuffer
	}
	if s.listenFor <= 0 {
		s.listenFor = DefaultListenTimeout
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/events/stream", s.handleStream)
}

type frame struct {
	event string
	data  any
}

// outbox queues frames for one stream's writer. send never blocks: once
// the queue is full it reports ErrSlowConsumer and signals overflow so the
// writer ends the stream.
type outbox struct {
	frames   chan frame
	done     chan struct{}
	overflow chan struct{}
	once     sync.Once
}

func newOutbox(size int) *outbox {
	return &outbox{
		frames:   make(chan frame, size),
		done:     make(chan struct{}),
		overflow: make(chan struct{}),
	}
}

func (o *outbox) send(event string, data any) error {
	select {
	case <-o.done:
		return realtime.ErrStreamClosed
	default:
	}
	select {
	case o.frames <- frame{event: event, data: data}:
		return nil
	default:
		o.once.Do(func() { close(o.overflow) })
		return realtime.ErrSlowConsumer
	}
}

func (o *outbox) close() { close(o.done) }

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, err := s.auth.Authenticate(r)
	if errors.Is(err, auth.ErrUnauthenticated) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err != nil {
		s.logger.Error("authenticate stream", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "authentication unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	// Without the listener this stream only gets keep-alives; it stays
	// open so the client does not spin on reconnects.
	listenCtx, cancel := context.WithTimeout(r.Context(), s.listenFor)
	err = s.rt.EnsureListening(listenCtx)
	cancel()
	if err != nil {
		s.logger.Warn("realtime listener unavailable", zap.Error(err))
	}

	out := newOutbox(s.buffer)
	unsubscribe := s.rt.Connect(userID, out.send)
	ticker := s.clock.Ticker(s.heartbeat)
	defer func() {
		out.close()
		ticker.Stop()
		unsubscribe()
		s.logger.Debug("stream closed", zap.String("user_id", userID))
	}()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-store, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Last-Event-ID is only reported back; missed events are not replayed.
	reconnected := r.Header.Get("Last-Event-ID") != ""
	if err := s.writeEvent(w, "connected", map[string]any{"userId": userID, "reconnected": reconnected}); err != nil {
		return
	}
	flusher.Flush()
	s.logger.Debug("stream opened", zap.String("user_id", userID), zap.Bool("reconnected", reconnected))

	for {
		select {
		case <-r.Context().Done():
			return
		case <-out.overflow:
			s.logger.Info("closing stream that fell behind", zap.String("user_id", userID))
			return
		case f := <-out.frames:
			if err := s.writeEvent(w, f.event, f.data); err != nil {
				return
			}
			flusher.Flush()
		case t := <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat %s\n\n", t.UTC().Format(time.RFC3339)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) writeEvent(w http.ResponseWriter, event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		s.logger.Warn("skipping unencodable event", zap.String("event", event), zap.Error(err))
		return nil
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", s.rt.NextEventID(), event, b)
	return err
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
