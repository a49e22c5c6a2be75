package broker

import (
	"context"

	"github.com/localrivet/gobroker/retained"
	"github.com/localrivet/gobroker/topic"
)

// PublishRetained replays every retained message matching filter to
// session, following the same dispatch path a live publish uses
// (spec §6: "the broker publishes retained deliveries via the same
// dispatch path"). Callers invoke this once, right after a fresh
// SUBSCRIBE has been recorded in both tries.
func PublishRetained(ctx context.Context, store retained.Store, session *Session, filter topic.Filter) error {
	entries, err := store.Matching(ctx, filter)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		session.DeliverSession(Message{Topic: entry.Topic, Payload: entry.Message})
	}
	return nil
}
