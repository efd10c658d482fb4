package network

import "context"

// Message is one payload received from a bus topic.
type Message struct {
	Topic   string
	Payload []byte
}

// PubSub is the broadcast transport shared by every process attached to
// the same bus. Payloads are opaque bytes; encoding is the caller's job.
type PubSub interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe returns a channel that is closed once cancel is called or
	// the transport gives up on the subscription.
	Subscribe(topic string) (<-chan Message, func(), error)
	Close() error
}
