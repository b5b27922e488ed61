// Package queue is the durable at-least-once delivery layer between the
// webhook listener and the workers. Each topic is an independent queue
// with its own dedup domain, retry budget and dead-letter set.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/switchyard/internal/fault"
)

// Topics.
const (
	TopicChatMessages = "chat-message-events"
	TopicFileUploads  = "file-upload-jobs"
	TopicLifecycle    = "connection-lifecycle-events"
	TopicBilling      = "billing-events"
)

// Topics returns every topic in a stable order.
func Topics() []string {
	return []string{TopicChatMessages, TopicFileUploads, TopicLifecycle, TopicBilling}
}

// ValidTopic reports whether topic is one of Topics.
func ValidTopic(topic string) bool {
	for _, t := range Topics() {
		if t == topic {
			return true
		}
	}
	return false
}

// Defaults applied when Options leaves a field zero.
const (
	DefaultMaxRetry    = 5
	DefaultRetryDelay  = 30 * time.Second
	DefaultDedupWindow = 5 * time.Minute
	DefaultConcurrency = 10
)

// Options holds retry and dedup policy shared by every topic.
type Options struct {
	MaxRetry    int
	RetryDelay  time.Duration
	DedupWindow time.Duration
	Concurrency int
}

func (o Options) withDefaults() Options {
	if o.MaxRetry == 0 {
		o.MaxRetry = DefaultMaxRetry
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.DedupWindow == 0 {
		o.DedupWindow = DefaultDedupWindow
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	return o
}

// Delivery is one attempt at handling a message.
type Delivery struct {
	Topic   string
	ID      string
	Payload []byte
	// Attempt counts deliveries of this message, starting at 1.
	Attempt int
}

// HandlerFunc handles one delivery. A nil return acknowledges it.
type HandlerFunc func(ctx context.Context, d Delivery) error

// Publisher enqueues messages.
type Publisher interface {
	// Publish enqueues payload on topic. A non-empty dedupKey makes
	// republishing within the dedup window a no-op.
	Publish(ctx context.Context, topic string, payload []byte, dedupKey string) error
}

// Consumer runs handlers for registered topics.
type Consumer interface {
	Register(topic string, h HandlerFunc)
	// Run blocks delivering messages until ctx is canceled.
	Run(ctx context.Context) error
}

// DeadLetter is a message that exhausted its retries or failed terminally.
type DeadLetter struct {
	ID       string
	Topic    string
	Payload  []byte
	Retried  int
	LastErr  string
	FailedAt time.Time
}

// DeadLetters inspects and replays dead-lettered messages.
type DeadLetters interface {
	ListDead(ctx context.Context, topic string, limit int) ([]DeadLetter, error)
	// RetryDead moves a dead-lettered message back onto its topic.
	RetryDead(ctx context.Context, topic, id string) error
}

// Decision is the outcome of one delivery.
type Decision int

const (
	Ack Decision = iota
	Retry
	DeadLetterIt
)

func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DeadLetterIt:
		return "dead-letter"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Decide maps a handler result to a queue action. attempt is the 1-based
// delivery count and maxRetry the number of redeliveries allowed after the
// first, so a retryable failure is redelivered while attempt <= maxRetry.
func Decide(err error, attempt, maxRetry int) Decision {
	if err == nil {
		return Ack
	}
	if !fault.IsRetryable(err) {
		return DeadLetterIt
	}
	if attempt <= maxRetry {
		return Retry
	}
	return DeadLetterIt
}
