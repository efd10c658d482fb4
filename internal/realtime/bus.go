package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"Marketplace-Realtime/internal/codec"
	"Marketplace-Realtime/internal/core/network"
	"Marketplace-Realtime/internal/metrics"
)

var ErrBusClosed = errors.New("bus closed")

// DialFunc opens the bus transport. ctx lives as long as the Bus.
type DialFunc func(ctx context.Context) (network.PubSub, error)

// Handler receives every valid envelope decoded from a channel.
type Handler func(Envelope)

// Unsubscribe removes a registration. Calling it more than once is a no-op.
type Unsubscribe func()

// Bus multiplexes local handlers over a single transport subscription per
// channel. The transport is dialed on first use and shared by publishers
// and subscribers.
type Bus struct {
	ctx     context.Context
	cancel  context.CancelFunc
	dial    DialFunc
	codec   codec.Codec
	logger  *zap.Logger
	metrics *metrics.Realtime

	connect singleflight.Group
	connMu  sync.Mutex
	conn    network.PubSub

	mu     sync.Mutex
	nextID uint64
	subs   map[string]*channelSub
	closed bool
}

type channelSub struct {
	handlers map[uint64]Handler
	cancel   func()
}

type BusOption func(*Bus)

func WithBusLogger(l *zap.Logger) BusOption {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithBusMetrics(m *metrics.Realtime) BusOption {
	return func(b *Bus) { b.metrics = m }
}

func NewBus(dial DialFunc, c codec.Codec, opts ...BusOption) *Bus {
	if c == nil {
		c = codec.JSON
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		ctx:    ctx,
		cancel: cancel,
		dial:   dial,
		codec:  c,
		logger: zap.NewNop(),
		subs:   make(map[string]*channelSub),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish encodes env and publishes it on channel. Transport errors,
// including a missing bus url, are returned to the caller.
func (b *Bus) Publish(ctx context.Context, channel string, env Envelope) error {
	err := b.publish(ctx, channel, env)
	b.metrics.PublishResult(err)
	return err
}

func (b *Bus) publish(ctx context.Context, channel string, env Envelope) error {
	conn, err := b.transport(ctx)
	if err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	raw, err := b.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := conn.Publish(ctx, channel, raw); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers h for envelopes on channel. Only the first handler of
// a channel opens a transport subscription; the returned Unsubscribe of the
// last handler closes it.
func (b *Bus) Subscribe(ctx context.Context, channel string, h Handler) (Unsubscribe, error) {
	conn, err := b.transport(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	sub, ok := b.subs[channel]
	if !ok {
		msgs, cancel, err := conn.Subscribe(channel)
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", channel, err)
		}
		sub = &channelSub{handlers: make(map[uint64]Handler), cancel: cancel}
		b.subs[channel] = sub
		b.metrics.SetBusSubscriptions(len(b.subs))
		go b.pump(channel, sub, msgs)
	}
	id := b.nextID
	b.nextID++
	sub.handlers[id] = h

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(channel, sub, id) })
	}, nil
}

func (b *Bus) unsubscribe(channel string, sub *channelSub, id uint64) {
	b.mu.Lock()
	delete(sub.handlers, id)
	var cancel func()
	if len(sub.handlers) == 0 && b.subs[channel] == sub {
		delete(b.subs, channel)
		b.metrics.SetBusSubscriptions(len(b.subs))
		cancel = sub.cancel
	}
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (b *Bus) pump(channel string, sub *channelSub, msgs <-chan network.Message) {
	for msg := range msgs {
		env, err := DecodeEnvelope(b.codec, msg.Payload)
		if err != nil {
			b.metrics.Dropped("malformed")
			b.logger.Debug("dropping bus payload", zap.String("channel", channel), zap.Error(err))
			continue
		}
		for _, h := range b.handlersOf(sub) {
			h(env)
		}
	}
	// The transport ended the subscription. Forget it so the next
	// Subscribe opens a fresh one.
	b.mu.Lock()
	active := b.subs[channel] == sub
	if active {
		delete(b.subs, channel)
		b.metrics.SetBusSubscriptions(len(b.subs))
	}
	b.mu.Unlock()
	if active {
		b.logger.Warn("bus subscription closed by transport", zap.String("channel", channel))
	}
}

// Subscribed reports whether channel holds a live transport subscription.
func (b *Bus) Subscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[channel]
	return ok
}

func (b *Bus) handlersOf(sub *channelSub) []Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Handler, 0, len(sub.handlers))
	for _, h := range sub.handlers {
		out = append(out, h)
	}
	return out
}

// transport returns the shared connection, dialing it on first use.
// Concurrent first callers wait on one dial; a failed dial is retried by
// the next caller.
func (b *Bus) transport(ctx context.Context) (network.PubSub, error) {
	b.connMu.Lock()
	conn, closed := b.conn, b.ctx.Err() != nil
	b.connMu.Unlock()
	if closed {
		return nil, ErrBusClosed
	}
	if conn != nil {
		return conn, nil
	}
	if b.dial == nil {
		return nil, network.ErrBusUnconfigured
	}

	ch := b.connect.DoChan("transport", func() (any, error) {
		b.connMu.Lock()
		if b.conn != nil {
			conn := b.conn
			b.connMu.Unlock()
			return conn, nil
		}
		b.connMu.Unlock()

		conn, err := b.dial(b.ctx)
		if err != nil {
			return nil, err
		}
		b.connMu.Lock()
		defer b.connMu.Unlock()
		if b.ctx.Err() != nil {
			_ = conn.Close()
			return nil, ErrBusClosed
		}
		b.conn = conn
		b.logger.Info("bus transport connected")
		return conn, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(network.PubSub), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Transport returns the connection if it has been dialed.
func (b *Bus) Transport() network.PubSub {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	return b.conn
}

// Subscriptions reports how many channels hold a transport subscription.
func (b *Bus) Subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close cancels every subscription and closes the transport.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancels := make([]func(), 0, len(b.subs))
	for channel, sub := range b.subs {
		cancels = append(cancels, sub.cancel)
		delete(b.subs, channel)
	}
	b.metrics.SetBusSubscriptions(0)
	b.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	b.connMu.Lock()
	b.cancel()
	conn := b.conn
	b.conn = nil
	b.connMu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
