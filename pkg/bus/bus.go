// Package bus provides the event bus used to propagate storage changes
// between services. The Kafka implementation is backed by segmentio/kafka-go;
// an in-memory implementation backs tests and single-process setups.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
)

// Event is a single message delivered by a Consumer. The unexported handle
// carries whatever the backend needs to commit the event later.
type Event struct {
	Topic   string
	Payload []byte

	handle any
}

// Consumer reads events from one or more subscribed topics.
//
// Next polls with a bounded wait and returns (nil, nil) when no event
// arrived in time, so callers can interleave polling with other work.
// Events stay uncommitted until passed to Commit, which acknowledges them
// with the broker. Redelivery of uncommitted events is expected.
type Consumer interface {
	Next(ctx context.Context) (*Event, error)
	Commit(ctx context.Context, events ...*Event) error
	Close() error
}

// Bus connects producers and consumers over named topics.
type Bus interface {
	Subscribe(ctx context.Context, group string, topics []string) (Consumer, error)
	Publish(ctx context.Context, topic string, data []byte) error
	Close() error
}

// DecodeJSON is a generic helper that unmarshals an event payload into T.
func DecodeJSON[T any](payload []byte) (T, error) {
	var result T
	if err := json.Unmarshal(payload, &result); err != nil {
		return result, fmt.Errorf("decoding event payload: %w", err)
	}
	return result, nil
}
