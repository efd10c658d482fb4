package network

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPeerDialTimeout = 10 * time.Second
	subscriberBacklog      = 64
	bootstrapParallelism   = 4
)

// Libp2pOptions configures the libp2p transport.
type Libp2pOptions struct {
	ListenAddrs     []string
	Bootstrap       []string
	Rendezvous      string
	EnableMDNS      bool
	IdentityKeyFile string
	// PeerDialTimeout bounds each bootstrap and mdns connect.
	PeerDialTimeout time.Duration
	Logger          *zap.Logger
}

// Libp2pPubSub carries bus channels as gossipsub topics. Every process on
// the same mesh sees every publish, its own included.
type Libp2pPubSub struct {
	ctx         context.Context
	cancel      context.CancelFunc
	host        host.Host
	gossip      *pubsub.PubSub
	dialTimeout time.Duration
	logger      *zap.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewLibp2pPubSub starts a host, joins gossipsub and dials the bootstrap
// peers. Unreachable peers are logged and skipped; they can still find
// this host later.
func NewLibp2pPubSub(ctx context.Context, opts Libp2pOptions) (*Libp2pPubSub, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PeerDialTimeout <= 0 {
		opts.PeerDialTimeout = DefaultPeerDialTimeout
	}

	hostOpts, err := hostOptions(opts)
	if err != nil {
		return nil, err
	}
	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	gossip, err := pubsub.NewGossipSub(runCtx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}
	p := &Libp2pPubSub{
		ctx:         runCtx,
		cancel:      cancel,
		host:        h,
		gossip:      gossip,
		dialTimeout: opts.PeerDialTimeout,
		logger:      logger,
		topics:      make(map[string]*pubsub.Topic),
	}

	if opts.EnableMDNS {
		service := mdns.NewMdnsService(h, opts.Rendezvous, p)
		if err := service.Start(); err != nil {
			logger.Warn("mdns start failed", zap.Error(err))
		}
	}
	p.connectBootstrap(ctx, opts.Bootstrap)
	logger.Info("libp2p bus transport started",
		zap.String("peer_id", h.ID().String()),
		zap.Strings("listen", p.ListenAddrs()),
	)
	return p, nil
}

func hostOptions(opts Libp2pOptions) ([]libp2p.Option, error) {
	listen := make([]ma.Multiaddr, 0, len(opts.ListenAddrs))
	for _, raw := range opts.ListenAddrs {
		if raw == "" {
			continue
		}
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid listen multiaddr %q: %w", raw, err)
		}
		listen = append(listen, addr)
	}
	if len(listen) == 0 {
		listen = append(listen, ma.StringCast("/ip4/0.0.0.0/tcp/0"))
	}

	out := []libp2p.Option{libp2p.ListenAddrs(listen...)}
	if opts.IdentityKeyFile != "" {
		key, err := identityKey(opts.IdentityKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load identity key: %w", err)
		}
		out = append(out, libp2p.Identity(key))
	}
	return out, nil
}

func (p *Libp2pPubSub) connectBootstrap(ctx context.Context, addrs []string) {
	var g errgroup.Group
	g.SetLimit(bootstrapParallelism)
	for _, raw := range addrs {
		if raw == "" {
			continue
		}
		info, err := peer.AddrInfoFromString(raw)
		if err != nil {
			p.logger.Warn("skip bootstrap addr", zap.String("addr", raw), zap.Error(err))
			continue
		}
		g.Go(func() error {
			if err := p.connect(ctx, *info); err != nil {
				p.logger.Warn("bootstrap connect failed", zap.Stringer("peer", info.ID), zap.Error(err))
			} else {
				p.logger.Info("connected bootstrap peer", zap.Stringer("peer", info.ID))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Libp2pPubSub) connect(ctx context.Context, info peer.AddrInfo) error {
	ctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	return p.host.Connect(ctx, info)
}

// HandlePeerFound is called by mdns discovery.
func (p *Libp2pPubSub) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == p.host.ID() {
		return
	}
	if err := p.connect(p.ctx, info); err != nil {
		p.logger.Debug("mdns connect failed", zap.Stringer("peer", info.ID), zap.Error(err))
	}
}

func (p *Libp2pPubSub) Publish(ctx context.Context, topic string, payload []byte) error {
	t, err := p.topic(topic)
	if err != nil {
		return err
	}
	if err := t.Publish(ctx, payload); err != nil {
		return fmt.Errorf("gossipsub publish %s: %w", topic, err)
	}
	return nil
}

func (p *Libp2pPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	t, err := p.topic(topic)
	if err != nil {
		return nil, nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, nil, fmt.Errorf("gossipsub subscribe %s: %w", topic, err)
	}

	out := make(chan Message, subscriberBacklog)
	ctx, cancel := context.WithCancel(p.ctx)
	go p.forward(ctx, topic, sub, out)

	var once sync.Once
	return out, func() {
		once.Do(func() {
			cancel()
			sub.Cancel()
		})
	}, nil
}

// forward copies gossipsub messages into out until the subscription ends,
// then closes out. A full backlog drops the message.
func (p *Libp2pPubSub) forward(ctx context.Context, topic string, sub *pubsub.Subscription, out chan<- Message) {
	defer close(out)
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("gossipsub subscription ended", zap.String("topic", topic), zap.Error(err))
			}
			return
		}
		select {
		case out <- Message{Topic: topic, Payload: msg.Data}:
		default:
			p.logger.Debug("subscriber backlog full, dropping message", zap.String("topic", topic))
		}
	}
}

func (p *Libp2pPubSub) topic(name string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[name]; ok {
		return t, nil
	}
	t, err := p.gossip.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", name, err)
	}
	p.topics[name] = t
	return t, nil
}

func (p *Libp2pPubSub) Close() error {
	p.cancel()
	p.mu.Lock()
	for name, t := range p.topics {
		_ = t.Close()
		delete(p.topics, name)
	}
	p.mu.Unlock()
	return p.host.Close()
}

func (p *Libp2pPubSub) PeerID() string {
	return p.host.ID().String()
}

// ListenAddrs returns dialable addresses including the /p2p/ suffix, the
// form bootstrap= expects.
func (p *Libp2pPubSub) ListenAddrs() []string {
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: p.host.ID(), Addrs: p.host.Addrs()})
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

func (p *Libp2pPubSub) ConnectedPeers() []string {
	peers := p.host.Network().Peers()
	out := make([]string, 0, len(peers))
	for _, id := range peers {
		out = append(out, id.String())
	}
	return out
}

// identityKey reads a marshalled private key from path, creating an
// ed25519 key there on first use so the peer id survives restarts.
func identityKey(path string) (crypto.PrivKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil && len(raw) > 0 {
		return crypto.UnmarshalPrivateKey(raw)
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	if raw, err = crypto.MarshalPrivateKey(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}
