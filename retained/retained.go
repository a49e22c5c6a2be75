// Package retained declares the interface the broker core consumes from a
// retained-message store. Storage implementations are explicitly out of
// scope (spec §1, §6); only the contract broker.PublishRetained calls
// lives here.
package retained

import (
	"context"

	"github.com/localrivet/gobroker/topic"
)

// Entry is one stored retained message.
type Entry struct {
	Topic   topic.Topic
	Message []byte
}

// Store offers the retained-message operations the broker dispatch path
// needs: persisting/clearing a retained message on a concrete topic, and
// finding every retained message matching a subscription filter (or a
// concrete topic, for a direct lookup) when a new SUBSCRIBE arrives.
type Store interface {
	Store(ctx context.Context, tp topic.Topic, message []byte) error
	Clear(ctx context.Context, tp topic.Topic) error
	Matching(ctx context.Context, filter topic.Filter) ([]Entry, error)
}
