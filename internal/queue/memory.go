package queue

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memTask struct {
	id        string
	topic     string
	payload   []byte
	attempt   int
	notBefore time.Time
	lastErr   string
	failedAt  time.Time
}

// Memory is an in-process broker with the same dedup, retry and
// dead-letter contracts as Asynq. Nothing survives a restart.
type Memory struct {
	opts Options
	now  func() time.Time
	out  io.Writer

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	pending  []*memTask
	seen     map[string]time.Time // topic:key -> dedup expiry
	dead     map[string][]*memTask
	wake     chan struct{}
}

// MemoryOpts holds parameters for creating a Memory broker.
type MemoryOpts struct {
	Options
	Now func() time.Time // defaults to time.Now
	Out io.Writer        // defaults to os.Stdout
}

// NewMemory creates an in-process broker.
func NewMemory(opts MemoryOpts) *Memory {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	o := opts.Options.withDefaults()
	if o.RetryDelay < 0 {
		// Redeliver immediately.
		o.RetryDelay = 0
	}
	return &Memory{
		opts:     o,
		now:      now,
		out:      out,
		handlers: make(map[string]HandlerFunc),
		seen:     make(map[string]time.Time),
		dead:     make(map[string][]*memTask),
		wake:     make(chan struct{}, 1),
	}
}

var (
	_ Publisher   = (*Memory)(nil)
	_ Consumer    = (*Memory)(nil)
	_ DeadLetters = (*Memory)(nil)
)

// Publish enqueues payload, dropping it if dedupKey was seen on topic
// within the dedup window.
func (m *Memory) Publish(_ context.Context, topic string, payload []byte, dedupKey string) error {
	if !ValidTopic(topic) {
		return fmt.Errorf("queue: publish: unknown topic %q", topic)
	}
	m.mu.Lock()
	now := m.now()
	id := uuid.NewString()
	if dedupKey != "" {
		key := topic + ":" + dedupKey
		if exp, ok := m.seen[key]; ok && now.Before(exp) {
			m.mu.Unlock()
			return nil
		}
		m.seen[key] = now.Add(m.opts.DedupWindow)
		id = key
	}
	m.pending = append(m.pending, &memTask{
		id:        id,
		topic:     topic,
		payload:   append([]byte(nil), payload...),
		attempt:   1,
		notBefore: now,
	})
	m.mu.Unlock()
	m.signal()
	return nil
}

// Register installs h for topic.
func (m *Memory) Register(topic string, h HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = h
}

// Run delivers messages until ctx is canceled.
func (m *Memory) Run(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.Drain(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-m.wake:
		case <-ticker.C:
		}
	}
}

// Drain delivers every message that is ready now, including redeliveries
// whose delay has already elapsed, and returns the number of deliveries.
func (m *Memory) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		t := m.next()
		if t == nil {
			return n
		}
		m.deliver(ctx, t)
		n++
	}
	return n
}

// Pending returns the number of messages waiting for delivery.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Memory) next() *memTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for i, t := range m.pending {
		if !t.notBefore.After(now) {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return t
		}
	}
	return nil
}

func (m *Memory) deliver(ctx context.Context, t *memTask) {
	m.mu.Lock()
	h := m.handlers[t.topic]
	m.mu.Unlock()

	var err error
	if h == nil {
		err = fmt.Errorf("queue: no handler registered for %s", t.topic)
	} else {
		err = h(ctx, Delivery{Topic: t.topic, ID: t.id, Payload: t.payload, Attempt: t.attempt})
	}

	decision := Decide(err, t.attempt, m.opts.MaxRetry)
	if h == nil {
		decision = Retry
		if t.attempt > m.opts.MaxRetry {
			decision = DeadLetterIt
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch decision {
	case Ack:
	case Retry:
		fmt.Fprintf(m.out, "queue: %s %s: attempt %d failed, retrying: %v\n", t.topic, t.id, t.attempt, err)
		t.attempt++
		t.lastErr = err.Error()
		t.notBefore = m.now().Add(m.opts.RetryDelay)
		m.pending = append(m.pending, t)
	default:
		fmt.Fprintf(m.out, "queue: %s %s: dead-lettered after attempt %d: %v\n", t.topic, t.id, t.attempt, err)
		t.lastErr = err.Error()
		t.failedAt = m.now()
		m.dead[t.topic] = append(m.dead[t.topic], t)
	}
}

func (m *Memory) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// ListDead returns up to limit dead-lettered messages on topic, oldest first.
func (m *Memory) ListDead(_ context.Context, topic string, limit int) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DeadLetter
	for _, t := range m.dead[topic] {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, DeadLetter{
			ID:       t.id,
			Topic:    t.topic,
			Payload:  t.payload,
			Retried:  t.attempt - 1,
			LastErr:  t.lastErr,
			FailedAt: t.failedAt,
		})
	}
	return out, nil
}

// RetryDead moves a dead-lettered message back to pending with a fresh
// retry budget.
func (m *Memory) RetryDead(_ context.Context, topic, id string) error {
	m.mu.Lock()
	found := false
	dead := m.dead[topic]
	for i, t := range dead {
		if t.id != id {
			continue
		}
		m.dead[topic] = append(dead[:i], dead[i+1:]...)
		t.attempt = 1
		t.notBefore = m.now()
		m.pending = append(m.pending, t)
		found = true
		break
	}
	m.mu.Unlock()
	if !found {
		return fmt.Errorf("queue: retry dead %s/%s: not found", topic, id)
	}
	m.signal()
	return nil
}
