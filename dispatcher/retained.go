package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/flowmq/core/store"
	"github.com/flowmq/core/topic"
	"github.com/flowmq/core/types/message"
)

// RetainedStore holds the most recent retained message per topic, keyed
// directly by topic name on a generic store.Store so it can run on the
// same Memory/Pebble/Redis backends session storage does, rather than a
// bespoke in-process-only trie.
type RetainedStore struct {
	backend store.Store[*message.Message]
	matcher *topic.TopicMatcher
}

// NewRetainedStore wraps backend as the retained-message store. Pass
// store.NewMemoryStore[*message.Message]() for a standalone broker, or a
// PebbleStore/RedisStore for persistence across restarts / sharing across
// broker instances.
func NewRetainedStore(backend store.Store[*message.Message]) *RetainedStore {
	return &RetainedStore{backend: backend, matcher: topic.NewTopicMatcher()}
}

// Set stores or clears the retained message for a topic. A zero-length
// payload clears any retained message for that topic, per MQTT §3.3.1.3.
func (s *RetainedStore) Set(ctx context.Context, topicName string, msg *message.Message) error {
	if len(msg.Payload) == 0 {
		return s.backend.Delete(ctx, topicName)
	}
	return s.backend.Save(ctx, topicName, msg)
}

// Get returns the retained message for an exact topic, if any. A message
// past its MessageExpiryInterval is treated as absent and lazily deleted,
// rather than relying on a background sweep.
func (s *RetainedStore) Get(ctx context.Context, topicName string) (*message.Message, bool, error) {
	msg, err := s.backend.Load(ctx, topicName)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	if isExpired(msg) {
		_ = s.backend.Delete(ctx, topicName)
		return nil, false, nil
	}
	return msg, true, nil
}

func isExpired(msg *message.Message) bool {
	if !msg.MessageExpirySet || msg.ExpiryInterval == 0 {
		return false
	}
	return time.Since(msg.CreatedAt) > time.Duration(msg.ExpiryInterval)*time.Second
}

// Match returns every retained message whose topic matches filter,
// applying the same root-level '$'-shielding rule the subscription trie
// uses (topic.ValidateTopicFilter's sibling, matchTopicFilter) so a
// RETAIN-flagged SUBSCRIBE to "#" never replays internal topics.
func (s *RetainedStore) Match(ctx context.Context, filter string) ([]*message.Message, error) {
	topics, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}

	var matched []*message.Message
	for _, t := range topics {
		if !s.matcher.Match(filter, t) {
			continue
		}
		msg, err := s.backend.Load(ctx, t)
		if err != nil {
			continue
		}
		if isExpired(msg) {
			_ = s.backend.Delete(ctx, t)
			continue
		}
		matched = append(matched, msg)
	}
	return matched, nil
}

// Count returns the number of topics currently holding a retained message.
func (s *RetainedStore) Count(ctx context.Context) (int64, error) {
	return s.backend.Count(ctx)
}

// Close closes the underlying backend.
func (s *RetainedStore) Close() error {
	return s.backend.Close()
}

// StartExpirySweep periodically removes retained messages past their
// MessageExpiryInterval instead of leaving every expired retained message
// to be discovered lazily on its next Get/Match, mirroring session.Manager's
// own background expiry checker. The returned stop func halts the sweep;
// callers must invoke it before Close.
func (s *RetainedStore) StartExpirySweep(ctx context.Context, interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_, _ = store.PruneExpired[*message.Message](ctx, s.backend)
			case <-done:
				return
			}
		}
	}()

	var stopOnce sync.Once
	return func() {
		stopOnce.Do(func() { close(done) })
	}
}
