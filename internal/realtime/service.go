package realtime

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

// Service is the realtime core of one process: the bus bridge, the
// connection registry and the single listener joining them. Build one at
// startup and share it with every handler that publishes or streams.
type Service struct {
	bus      *Bus
	registry *Registry
	logger   *zap.Logger

	// listenSem is a one-slot lock that callers can stop waiting on.
	listenSem chan struct{}
	listening bool
	stop      Unsubscribe

	eventID atomic.Uint64
}

func NewService(bus *Bus, registry *Registry, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{bus: bus, registry: registry, logger: logger, listenSem: make(chan struct{}, 1)}
}

// EnsureListening subscribes the registry to EventsChannel. Only the first
// successful call subscribes; a failed attempt is retried by the next one,
// as is a subscription the transport has since dropped.
// Waiting for a concurrent attempt ends with ctx.
func (s *Service) EnsureListening(ctx context.Context) error {
	select {
	case s.listenSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.listenSem }()
	if s.listening && s.bus.Subscribed(EventsChannel) {
		return nil
	}
	if s.stop != nil {
		s.stop()
	}
	stop, err := s.bus.Subscribe(ctx, EventsChannel, s.dispatch)
	if err != nil {
		return err
	}
	s.listening = true
	s.stop = stop
	s.logger.Info("realtime listener attached", zap.String("channel", EventsChannel))
	return nil
}

// dispatch fans env out to its recipients. The bus only hands over
// envelopes that passed DecodeEnvelope.
func (s *Service) dispatch(env Envelope) {
	// Duplicate ids are delivered twice.
	for _, userID := range env.ToUserIDs {
		if userID == "" {
			continue
		}
		s.registry.FanoutToUser(userID, env.Type, env.Data)
	}
}

// Publish sends env to every process on the bus, this one included.
func (s *Service) Publish(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	return s.bus.Publish(ctx, EventsChannel, env)
}

// Connect registers a stream sender for userID.
func (s *Service) Connect(userID string, send Sender) Unsubscribe {
	return s.registry.AddConnection(userID, send)
}

// NextEventID returns the next stream message id. Ids restart with the
// process and are only a resumption hint for clients.
func (s *Service) NextEventID() uint64 {
	return s.eventID.Add(1)
}

func (s *Service) Registry() *Registry { return s.registry }
func (s *Service) Bus() *Bus           { return s.bus }

// Close closes the bus, which also aborts a dial in progress, then
// detaches the listener.
func (s *Service) Close() error {
	err := s.bus.Close()
	s.listenSem <- struct{}{}
	stop := s.stop
	s.stop = nil
	s.listening = false
	<-s.listenSem
	if stop != nil {
		stop()
	}
	return err
}
