package event

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/matst80/portrelay/internal/obs"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a RedisSink.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Stream receives one entry per event, capped at MaxLen entries.
	Stream string
	MaxLen int64
	// InstanceID names the per-instance stats hash "relay:instance:<id>".
	InstanceID string
	Heartbeat  time.Duration
	KeyTTL     time.Duration
	QueueSize  int
	// Stats is sampled on every heartbeat; nil disables the stats hash.
	Stats func() map[string]any
}

// RedisSink publishes events to a Redis stream from a background goroutine
// so Emit never waits on the network.
type RedisSink struct {
	client *redis.Client
	opts   RedisOptions
	queue  chan Event
}

func NewRedisSink(ctx context.Context, opts RedisOptions) (*RedisSink, error) {
	if opts.Stream == "" {
		opts.Stream = "relay:events"
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = 10000
	}
	if opts.InstanceID == "" {
		opts.InstanceID = fmt.Sprintf("relay-%d", time.Now().UnixNano())
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 10 * time.Second
	}
	if opts.KeyTTL <= 0 {
		opts.KeyTTL = 3 * opts.Heartbeat
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisSink{client: rdb, opts: opts, queue: make(chan Event, opts.QueueSize)}, nil
}

// Emit queues e, dropping it when the queue is full.
func (r *RedisSink) Emit(e Event) {
	select {
	case r.queue <- e:
	default:
		obs.ErrorsTotal.WithLabelValues("redis_queue_full").Inc()
	}
}

// Run publishes queued events and refreshes the stats hash until ctx is done,
// then flushes whatever is still queued.
func (r *RedisSink) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Heartbeat)
	defer ticker.Stop()
	r.heartbeat()
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return
		case e := <-r.queue:
			r.publish(e)
		case <-ticker.C:
			r.heartbeat()
		}
	}
}

func (r *RedisSink) flush() {
	for {
		select {
		case e := <-r.queue:
			r.publish(e)
		default:
			return
		}
	}
}

// Redis calls use their own deadline rather than Run's context so that events
// queued before shutdown still get written.
const opTimeout = 2 * time.Second

func (r *RedisSink) publish(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.opts.Stream,
		MaxLen: r.opts.MaxLen,
		Values: map[string]any{
			"instance":    r.opts.InstanceID,
			"kind":        string(e.Kind),
			"mode":        string(e.Mode),
			"peer":        e.Peer,
			"active":      strconv.FormatInt(e.Active, 10),
			"bytes_in":    strconv.FormatInt(e.BytesIn, 10),
			"bytes_out":   strconv.FormatInt(e.BytesOut, 10),
			"duration_ms": strconv.FormatInt(e.Duration.Milliseconds(), 10),
			"reason":      e.Reason,
			"time":        e.Time.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		obs.Error("redis.xadd", obs.Fields{"err": err.Error(), "stream": r.opts.Stream})
		obs.ErrorsTotal.WithLabelValues("redis_xadd").Inc()
	}
}

// heartbeat rewrites the instance stats hash and extends its TTL so that a
// crashed instance disappears on its own.
func (r *RedisSink) heartbeat() {
	if r.opts.Stats == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	key := r.StatsKey()
	values := r.opts.Stats()
	values["updated"] = time.Now().UTC().Format(time.RFC3339)
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, values)
	pipe.Expire(ctx, key, r.opts.KeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.heartbeat", obs.Fields{"err": err.Error(), "key": key})
		obs.ErrorsTotal.WithLabelValues("redis_heartbeat").Inc()
	}
}

// StatsKey is the hash holding this instance's live counters.
func (r *RedisSink) StatsKey() string { return "relay:instance:" + r.opts.InstanceID }

func (r *RedisSink) Close() error { return r.client.Close() }
