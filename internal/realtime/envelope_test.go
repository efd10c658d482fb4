package realtime

import (
	"context"
	"errors"
	"strings"
	"testing"

	"Marketplace-Realtime/internal/codec"
)

func TestDecodeEnvelope(t *testing.T) {
	cases := []struct {
		name   string
		raw    string
		reason string
	}{
		{"not json", `{{`, "undecodable payload"},
		{"missing type", `{"toUserIds":["u1"]}`, "missing type"},
		{"no targets", `{"type":"notification","toUserIds":[]}`, "empty toUserIds"},
		{"line break in type", `{"type":"a\nevent: b","toUserIds":["u1"]}`, "line break in type"},
		{"carriage return in type", `{"type":"a\r","toUserIds":["u1"]}`, "line break in type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeEnvelope(codec.JSON, []byte(tc.raw))
			if !errors.Is(err, ErrMalformedEnvelope) {
				t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.reason) {
				t.Fatalf("expected reason %q in %q", tc.reason, err)
			}
		})
	}

	env, err := DecodeEnvelope(codec.JSON, []byte(`{"type":"new_message","toUserIds":["u1","u2"],"data":{"id":"m1"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != TypeNewMessage || len(env.ToUserIDs) != 2 {
		t.Fatalf("unexpected envelope %#v", env)
	}
}

func TestPublishRejectsLineBreakInType(t *testing.T) {
	svc, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	err := svc.Publish(ctx, Envelope{Type: "notification\ndata: x", ToUserIDs: []string{"u1"}})
	if !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
	}
}
