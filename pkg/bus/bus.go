// Package bus provides topic publish/subscribe over Kafka, Redis pub/sub or an
// in-process fan-out. Delivery is at-least-once at best; callers must tolerate
// duplicates and loss when a backend is down.
package bus

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrClosed       = errors.New("bus: closed")
	ErrEmptyTopic   = errors.New("bus: empty topic")
	ErrNoSuchTopics = errors.New("bus: pattern matches no known topic")
)

// Message is one delivery on a topic.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Handler receives messages for a subscription. Returned errors are logged by
// the transport; Kafka additionally retries them.
type Handler func(ctx context.Context, msg Message) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the transport contract shared by all backends.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe registers handler for pattern. A trailing "*" or "." makes the
	// pattern a prefix match: "scanner." and "scanner.*" match every scanner topic.
	Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// IsPrefixPattern reports whether pattern is a prefix subscription.
func IsPrefixPattern(pattern string) bool {
	return strings.HasSuffix(pattern, "*") || strings.HasSuffix(pattern, ".")
}

// Match reports whether topic is selected by pattern.
func Match(pattern, topic string) bool {
	if !IsPrefixPattern(pattern) {
		return pattern == topic
	}
	return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
}

// Expand resolves pattern against a list of known topics.
func Expand(pattern string, known []string) []string {
	var out []string
	for _, t := range known {
		if Match(pattern, t) {
			out = append(out, t)
		}
	}
	return out
}
