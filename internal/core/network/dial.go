package network

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrBusUnconfigured    = errors.New("REALTIME_BUS_URL is not set")
	ErrUnsupportedScheme  = errors.New("unsupported bus url scheme")
	ErrClosed             = errors.New("transport closed")
	errMemoryNameRequired = errors.New("memory bus url needs a hub name, e.g. memory://events")
)

// PeerInfo is implemented by transports that are part of a peer mesh.
type PeerInfo interface {
	PeerID() string
	ListenAddrs() []string
	ConnectedPeers() []string
}

var (
	memoryHubsMu sync.Mutex
	memoryHubs   = map[string]*MemoryPubSub{}
)

// Dial opens the transport named by rawURL.
//
//	memory://<name>            process-local hub shared by every Dial of the same name
//	libp2p://?listen=<maddr>&bootstrap=<maddr>&mdns=true&rendezvous=<tag>&identity=<path>&dial_timeout=<dur>
func Dial(ctx context.Context, rawURL string, logger *zap.Logger) (PubSub, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, ErrBusUnconfigured
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse bus url: %w", err)
	}
	switch u.Scheme {
	case "memory":
		if u.Host == "" {
			return nil, errMemoryNameRequired
		}
		return sharedMemoryHub(u.Host), nil
	case "libp2p":
		opts, err := libp2pOptionsFromURL(u)
		if err != nil {
			return nil, err
		}
		opts.Logger = logger
		return NewLibp2pPubSub(ctx, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// memoryHandle keeps Close from tearing down a hub other dialers share.
type memoryHandle struct {
	*MemoryPubSub
}

func (memoryHandle) Close() error { return nil }

func sharedMemoryHub(name string) PubSub {
	memoryHubsMu.Lock()
	defer memoryHubsMu.Unlock()
	hub, ok := memoryHubs[name]
	if !ok {
		hub = NewMemoryPubSub()
		memoryHubs[name] = hub
	}
	return memoryHandle{hub}
}

func libp2pOptionsFromURL(u *url.URL) (Libp2pOptions, error) {
	q := u.Query()
	opts := Libp2pOptions{
		ListenAddrs:     q["listen"],
		Bootstrap:       q["bootstrap"],
		Rendezvous:      q.Get("rendezvous"),
		IdentityKeyFile: q.Get("identity"),
	}
	if opts.Rendezvous == "" {
		opts.Rendezvous = "marketplace-realtime"
	}
	if raw := q.Get("dial_timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return Libp2pOptions{}, fmt.Errorf("invalid dial_timeout %q", raw)
		}
		opts.PeerDialTimeout = d
	}
	if raw := q.Get("mdns"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return Libp2pOptions{}, fmt.Errorf("invalid mdns flag %q: %w", raw, err)
		}
		opts.EnableMDNS = enabled
	}
	return opts, nil
}
