package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// NewRedis opens a redis client from a redis:// URL.
func NewRedis(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("queue: parse redis url: %w", err)
	}
	return redis.NewClient(opt), nil
}

// Asynq is the Redis-backed broker. Each topic maps to an asynq queue and a
// task type of the same name; the archived set is the dead-letter topic.
type Asynq struct {
	rdb       redis.UniversalClient
	client    *asynq.Client
	inspector *asynq.Inspector
	mux       *asynq.ServeMux
	opts      Options
}

// NewAsynq returns a broker sharing rdb between its client, server and
// inspector.
func NewAsynq(rdb redis.UniversalClient, opts Options) *Asynq {
	return &Asynq{
		rdb:       rdb,
		client:    asynq.NewClientFromRedisClient(rdb),
		inspector: asynq.NewInspectorFromRedisClient(rdb),
		mux:       asynq.NewServeMux(),
		opts:      opts.withDefaults(),
	}
}

var (
	_ Publisher   = (*Asynq)(nil)
	_ Consumer    = (*Asynq)(nil)
	_ DeadLetters = (*Asynq)(nil)
)

// Publish enqueues payload. With a dedup key the task id is
// "<topic>:<key>" and the completed task is retained for the dedup window,
// so a republish collides and is dropped.
func (a *Asynq) Publish(ctx context.Context, topic string, payload []byte, dedupKey string) error {
	if !ValidTopic(topic) {
		return fmt.Errorf("queue: publish: unknown topic %q", topic)
	}
	opts := []asynq.Option{
		asynq.Queue(topic),
		asynq.MaxRetry(a.opts.MaxRetry),
	}
	if dedupKey != "" {
		opts = append(opts, asynq.TaskID(topic+":"+dedupKey), asynq.Retention(a.opts.DedupWindow))
	}
	_, err := a.client.EnqueueContext(ctx, asynq.NewTask(topic, payload), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue: publish %s: %w", topic, err)
	}
	return nil
}

// Register installs h for topic. Must be called before Run.
func (a *Asynq) Register(topic string, h HandlerFunc) {
	a.mux.HandleFunc(topic, func(ctx context.Context, t *asynq.Task) error {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, ok := asynq.GetMaxRetry(ctx)
		if !ok {
			maxRetry = a.opts.MaxRetry
		}
		id, _ := asynq.GetTaskID(ctx)
		d := Delivery{Topic: topic, ID: id, Payload: t.Payload(), Attempt: retried + 1}

		err := h(ctx, d)
		switch Decide(err, d.Attempt, maxRetry) {
		case Ack:
			return nil
		case Retry:
			log.Printf("queue: %s %s: attempt %d/%d failed, retrying: %v", topic, id, d.Attempt, maxRetry+1, err)
			return err
		default:
			log.Printf("queue: %s %s: dead-lettered after attempt %d: %v", topic, id, d.Attempt, err)
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
	})
}

// Run starts workers on every topic and blocks until ctx is canceled.
func (a *Asynq) Run(ctx context.Context) error {
	queues := make(map[string]int, len(Topics()))
	for _, t := range Topics() {
		queues[t] = 1
	}
	queues[TopicChatMessages] = 3

	delay := a.opts.RetryDelay
	srv := asynq.NewServerFromRedisClient(a.rdb, asynq.Config{
		Concurrency: a.opts.Concurrency,
		Queues:      queues,
		RetryDelayFunc: func(int, error, *asynq.Task) time.Duration {
			return delay
		},
		Logger:          stdLogger{},
		LogLevel:        asynq.WarnLevel,
		ShutdownTimeout: 10 * time.Second,
	})
	if err := srv.Start(a.mux); err != nil {
		return fmt.Errorf("queue: start workers: %w", err)
	}
	<-ctx.Done()
	srv.Shutdown()
	return nil
}

// ListDead returns up to limit archived tasks on topic.
func (a *Asynq) ListDead(_ context.Context, topic string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	infos, err := a.inspector.ListArchivedTasks(topic, asynq.PageSize(limit))
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: list dead %s: %w", topic, err)
	}
	out := make([]DeadLetter, 0, len(infos))
	for _, ti := range infos {
		out = append(out, DeadLetter{
			ID:       ti.ID,
			Topic:    ti.Queue,
			Payload:  ti.Payload,
			Retried:  ti.Retried,
			LastErr:  ti.LastErr,
			FailedAt: ti.LastFailedAt,
		})
	}
	return out, nil
}

// RetryDead moves an archived task back to pending.
func (a *Asynq) RetryDead(_ context.Context, topic, id string) error {
	if err := a.inspector.RunTask(topic, id); err != nil {
		return fmt.Errorf("queue: retry dead %s/%s: %w", topic, id, err)
	}
	return nil
}

// Ping checks the redis connection.
func (a *Asynq) Ping(ctx context.Context) error {
	return a.rdb.Ping(ctx).Err()
}

// Close closes the redis client shared by the client, server and
// inspector. asynq refuses to close a connection it did not open.
func (a *Asynq) Close() error {
	return a.rdb.Close()
}

// stdLogger routes asynq's logs through the standard logger.
type stdLogger struct{}

func (stdLogger) Debug(args ...interface{}) { log.Print(append([]interface{}{"asynq: debug: "}, args...)...) }
func (stdLogger) Info(args ...interface{})  { log.Print(append([]interface{}{"asynq: "}, args...)...) }
func (stdLogger) Warn(args ...interface{})  { log.Print(append([]interface{}{"asynq: warn: "}, args...)...) }
func (stdLogger) Error(args ...interface{}) { log.Print(append([]interface{}{"asynq: error: "}, args...)...) }
func (stdLogger) Fatal(args ...interface{}) { log.Fatal(append([]interface{}{"asynq: fatal: "}, args...)...) }
