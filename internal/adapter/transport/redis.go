package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"openclaw/internal/domain"
)

// RedisTransport moves envelopes over Redis pub/sub. Each agent listens on
// its own channel plus a mesh-wide broadcast channel; destination addresses
// are agent ids.
type RedisTransport struct {
	client  *redis.Client
	prefix  string
	agentID string
	logger  *slog.Logger

	sub    *redis.PubSub
	inbox  chan domain.Frame
	cancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
}

// NewRedisTransport connects to Redis and subscribes to this agent's
// channel and the broadcast channel. Prefix namespaces one mesh per Redis
// instance.
func NewRedisTransport(ctx context.Context, addr, password string, db int, prefix, agentID string, logger *slog.Logger) (*RedisTransport, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, domain.NewSubSystemError("transport", "redis.connect", domain.ErrUnreachable, err.Error())
	}

	t := &RedisTransport{
		client:  client,
		prefix:  prefix,
		agentID: agentID,
		logger:  logger,
		inbox:   make(chan domain.Frame, 64),
		done:    make(chan struct{}),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.sub = client.Subscribe(runCtx, t.agentChannel(agentID), t.broadcastChannel())
	if _, err := t.sub.Receive(runCtx); err != nil {
		cancel()
		client.Close()
		return nil, domain.NewSubSystemError("transport", "redis.subscribe", domain.ErrUnreachable, err.Error())
	}
	go t.pump(runCtx)
	return t, nil
}

func (t *RedisTransport) agentChannel(agentID string) string {
	return t.prefix + ":agent:" + agentID
}

func (t *RedisTransport) broadcastChannel() string {
	return t.prefix + ":broadcast"
}

func (t *RedisTransport) pump(ctx context.Context) {
	defer close(t.done)
	ch := t.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case t.inbox <- frameFromMessage(msg):
			default:
				t.logger.Warn("inbox full, dropping frame", "channel", msg.Channel)
			}
		}
	}
}

// frameFromMessage converts one pub/sub message into a frame. The channel
// names the recipient, not the sender, so Source stays empty and the
// signed envelope identifies who sent it.
func frameFromMessage(msg *redis.Message) domain.Frame {
	return domain.Frame{Payload: []byte(msg.Payload)}
}

// Send publishes payload to destination's channel.
func (t *RedisTransport) Send(ctx context.Context, destination string, payload []byte) error {
	if err := t.client.Publish(ctx, t.agentChannel(destination), payload).Err(); err != nil {
		return domain.NewSubSystemError("transport", "redis.send", domain.ErrUnreachable, err.Error())
	}
	return nil
}

// Broadcast publishes payload to the mesh-wide channel.
func (t *RedisTransport) Broadcast(ctx context.Context, payload []byte) error {
	if err := t.client.Publish(ctx, t.broadcastChannel(), payload).Err(); err != nil {
		return domain.NewSubSystemError("transport", "redis.broadcast", domain.ErrUnreachable, err.Error())
	}
	return nil
}

// Receive returns the inbound frame channel.
func (t *RedisTransport) Receive() <-chan domain.Frame {
	return t.inbox
}

// Close unsubscribes and closes the client. Idempotent.
func (t *RedisTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		t.sub.Close()
		<-t.done
		close(t.inbox)
		err = t.client.Close()
	})
	return err
}
