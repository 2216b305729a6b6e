// Package notify publishes structured run-event notifications over Redis
// pub/sub for an external formatter (Slack/email/HTML templating, spec
// §1's deliberately-out-of-scope collaborators) to consume. Grounded on
// the teacher's redis/client.go (Client wrapping *redis.Client with a
// dial-timeout/retry-tuned Options and a startup Ping diagnostic),
// repurposed here from the teacher's key/value channel repository use of
// Redis into a pub/sub transport, since nothing in the pack's dependency
// closure is a dedicated pub/sub or message-queue client otherwise.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvmcryo/cryofill/internal/runrecord"
)

// EventKind labels one notification's place in the run lifecycle.
type EventKind string

const (
	EventStart    EventKind = "start"
	EventPhase    EventKind = "phase"
	EventAbort    EventKind = "abort"
	EventComplete EventKind = "complete"
)

// Event is one notification payload, published as a single JSON message.
type Event struct {
	Kind      EventKind         `json:"kind"`
	Timestamp time.Time         `json:"timestamp"`
	Phase     string            `json:"phase,omitempty"`
	Record    *runrecord.Record `json:"record,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// Bus publishes Events to a single Redis channel.
type Bus struct {
	client  *redis.Client
	log     *zap.Logger
	channel string
}

// Options configures the underlying Redis client, mirroring the teacher's
// tuned connection defaults.
type Options struct {
	Addr     string
	DB       int
	Password string
	Channel  string
}

// New dials Redis and returns a Bus. It pings once at construction, purely
// as a startup diagnostic; a failed ping is logged, not fatal, since
// notifications are an ambient collaborator the core engine must not
// depend on to make progress.
func New(log *zap.Logger, opts Options) *Bus {
	log = log.Named("notify")

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		DB:           opts.DB,
		Password:     opts.Password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	})

	channel := opts.Channel
	if channel == "" {
		channel = "cryofill:run-events"
	}

	bus := &Bus{client: client, log: log, channel: channel}
	bus.ping()
	return bus
}

func (b *Bus) ping() {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := b.client.Ping(ctx).Err(); err != nil {
		b.log.Warn("redis connection failed", zap.Error(err), zap.Duration("ping_rtt", time.Since(start)))
		return
	}
	b.log.Info("redis connection established", zap.Duration("ping_rtt", time.Since(start)))
}

// Publish sends one Event. Publish errors are logged and swallowed: a
// notification failure must never fail or block a run.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Warn("failed to marshal run event", zap.Error(err))
		return
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.log.Warn("failed to publish run event", zap.Error(err), zap.String("kind", string(ev.Kind)))
	}
}

// Close releases the underlying Redis connection pool.
func (b *Bus) Close() error {
	return b.client.Close()
}
