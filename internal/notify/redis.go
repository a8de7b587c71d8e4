package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	publishTimeout = 2 * time.Second
	publishQueue   = 256
)

// RedisRelay shares fan-out between API instances: Send queues an envelope that a background
// publisher pushes to a pub/sub channel, and every instance forwards received envelopes to its
// local Hub.
type RedisRelay struct {
	client  *redis.Client
	channel string
	local   *Hub
	log     *zap.Logger

	queue     chan relayEnvelope
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type relayEnvelope struct {
	UserID  string          `json:"user_id"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func NewRedisRelay(client *redis.Client, channel string, local *Hub, log *zap.Logger) *RedisRelay {
	if log == nil {
		log = zap.NewNop()
	}
	if channel == "" {
		channel = "refeed.notifications"
	}
	r := &RedisRelay{
		client:  client,
		channel: channel,
		local:   local,
		log:     log,
		queue:   make(chan relayEnvelope, publishQueue),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.publishLoop()
	return r
}

// Close stops the publisher after it drains what is already queued.
func (r *RedisRelay) Close() {
	r.closeOnce.Do(func() {
		close(r.stop)
		<-r.done
	})
}

func (r *RedisRelay) Register(userID string, ch Channel) { r.local.Register(userID, ch) }
func (r *RedisRelay) Unregister(ch Channel)              { r.local.Unregister(ch) }

// Send never blocks the caller. The envelope is queued for the publisher; when the queue is
// full, or redis later rejects the publish, the event is delivered to local subscribers only.
func (r *RedisRelay) Send(userID, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		r.log.Warn("encode notification", zap.String("event", event), zap.Error(err))
		return
	}
	env := relayEnvelope{UserID: userID, Event: event, Payload: raw}
	select {
	case <-r.stop:
		r.local.Send(userID, event, env.Payload)
		return
	default:
	}
	select {
	case r.queue <- env:
	default:
		r.log.Warn("relay queue full, delivering locally", zap.String("event", event))
		r.local.Send(userID, event, env.Payload)
	}
}

func (r *RedisRelay) publishLoop() {
	defer close(r.done)
	for {
		select {
		case env := <-r.queue:
			r.publish(env)
		case <-r.stop:
			for {
				select {
				case env := <-r.queue:
					r.publish(env)
				default:
					return
				}
			}
		}
	}
}

func (r *RedisRelay) publish(env relayEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		r.log.Warn("encode relay envelope", zap.String("event", env.Event), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		r.log.Warn("redis publish failed, delivering locally", zap.String("event", env.Event), zap.Error(err))
		r.local.Send(env.UserID, env.Event, env.Payload)
	}
}

// Run forwards published envelopes to the local hub until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	msgs := sub.Channel()
	r.log.Info("redis relay subscribed", zap.String("channel", r.channel))
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warn("decode relay envelope", zap.Error(err))
				continue
			}
			r.local.Send(env.UserID, env.Event, env.Payload)
		}
	}
}
