package producttwin

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"reflect"

	"github.com/danielorbach/go-component"
	"gocloud.dev/pubsub"
)

// EventSource wraps a pubsub subscription and decodes incoming messages into
// typed events.
type EventSource struct {
	subscription *pubsub.Subscription
	eventType    reflect.Type
	decoder      func(p []byte, v reflect.Value) error
}

// GobEventSource returns an EventSource decoding gob-encoded messages into the
// prototype's type, matching the encoding used by TwinStore notifications.
func GobEventSource(sub *pubsub.Subscription, prototype any) EventSource {
	return EventSource{
		subscription: sub,
		eventType:    reflect.TypeOf(prototype),
		decoder: func(p []byte, v reflect.Value) error {
			return gob.NewDecoder(bytes.NewReader(p)).DecodeValue(v)
		},
	}
}

// EventHandler is a function that processes a decoded event message.
type EventHandler func(ctx context.Context, msg any) error

// Stream returns a component.Proc that continuously receives messages from the
// subscription, decodes them using the configured decoder, and passes them to
// the provided EventHandler.
//
// Handlers isolate their own per-message failures; an error returned from a
// handler is considered fatal for the whole procedure.
func (s EventSource) Stream(h EventHandler) component.Proc {
	return func(l *component.L) {
		for l.Continue() {
			msg, err := s.subscription.Receive(l.Context())
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					// we're shutting down
					return
				}
				l.Fatal(fmt.Errorf("receive: %w", err))
			}
			// always ack, even if we fail to decode.
			// otherwise, we might get stuck processing
			// the same failed message
			msg.Ack()

			v := reflect.New(s.eventType)
			if err := s.decoder(msg.Body, v); err != nil {
				l.Fatal(fmt.Errorf("decode: %w", err))
			}

			if err := h(l.Context(), v.Elem().Interface()); err != nil {
				l.Fatal(fmt.Errorf("process: %w", err))
			}
		}
	}
}
