package diag

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/radioguard/internal/logger"
	"github.com/go-redis/redis/v8"
)

const (
	defaultRedisKey     = "radioguard:events"
	defaultRedisChannel = "radioguard:events"
	defaultRedisMaxLen  = 500
	defaultRedisBuffer  = 64
	redisWriteTimeout   = 2 * time.Second
)

// RedisOptions configures the Redis event publisher.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Key is a capped list holding the most recent MaxLen events.
	Key     string
	Channel string
	MaxLen  int64
	// Buffer is the number of events queued before new ones are dropped.
	Buffer int
}

type redisEvent struct {
	Timestamp time.Time `json:"ts"`
	Source    string    `json:"source,omitempty"`
	Message   string    `json:"message"`
}

// Redis publishes events to a capped list and a pub/sub channel from a
// background goroutine. Record only enqueues; when the queue is full the
// event is dropped and counted.
type Redis struct {
	client  *redis.Client
	opts    RedisOptions
	log     logger.Logger
	events  chan redisEvent
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// NewRedis connects lazily to the server in opts and starts the publisher.
func NewRedis(opts RedisOptions, log logger.Logger) *Redis {
	if opts.Key == "" {
		opts.Key = defaultRedisKey
	}
	if opts.Channel == "" {
		opts.Channel = defaultRedisChannel
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = defaultRedisMaxLen
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultRedisBuffer
	}

	r := &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:         opts.Addr,
			Password:     opts.Password,
			DB:           opts.DB,
			DialTimeout:  redisWriteTimeout,
			WriteTimeout: redisWriteTimeout,
			MaxRetries:   1,
		}),
		opts:   opts,
		log:    log,
		events: make(chan redisEvent, opts.Buffer),
		done:   make(chan struct{}),
	}

	go r.run()

	return r
}

func (r *Redis) Record(msg string) {
	r.RecordFrom("", msg)
}

func (r *Redis) RecordFrom(source, msg string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return
	}

	select {
	case r.events <- redisEvent{Timestamp: time.Now(), Source: source, Message: msg}:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (r *Redis) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Redis) run() {
	defer close(r.done)

	for ev := range r.events {
		if err := r.publish(ev); err != nil {
			r.log.Debug().Err(err).Str("addr", r.opts.Addr).Msg("Failed to publish event to redis")
		}
	}
}

func (r *Redis) publish(ev redisEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisWriteTimeout)
	defer cancel()

	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, r.opts.Key, payload)
		p.LTrim(ctx, r.opts.Key, 0, r.opts.MaxLen-1)
		p.Publish(ctx, r.opts.Channel, payload)
		return nil
	})

	return err
}

// Close drains queued events and closes the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()

	<-r.done

	return r.client.Close()
}

var _ SourceRecorder = (*Redis)(nil)
