package realtime

import (
	"errors"
	"fmt"
	"strings"

	"Marketplace-Realtime/internal/codec"
)

// EventsChannel is the bus channel every envelope travels on.
const EventsChannel = "events"

// Event types produced by the marketplace.
const (
	TypeNewProposal    = "new_proposal"
	TypeProposalStatus = "proposal_status"
	TypeNotification   = "notification"
	TypeNewMessage     = "new_message"
	TypeMessageStatus  = "message_status"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the unit carried over the bus: an event type, the users it
// is addressed to and an opaque payload for the browser.
type Envelope struct {
	Type      string   `json:"type"`
	ToUserIDs []string `json:"toUserIds"`
	Data      any      `json:"data"`
}

// Validate reports why e cannot be fanned out, wrapping ErrMalformedEnvelope.
func (e Envelope) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	// The type becomes an SSE "event:" line.
	if strings.ContainsAny(e.Type, "\r\n") {
		return fmt.Errorf("%w: line break in type", ErrMalformedEnvelope)
	}
	if len(e.ToUserIDs) == 0 {
		return fmt.Errorf("%w: empty toUserIds", ErrMalformedEnvelope)
	}
	return nil
}

// DecodeEnvelope parses a bus payload into an envelope that is ready for
// fan-out, or returns why it cannot be used.
func DecodeEnvelope(c codec.Codec, raw []byte) (Envelope, error) {
	var env Envelope
	if err := c.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: undecodable payload: %v", ErrMalformedEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
