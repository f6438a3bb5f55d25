package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRelayChannelPrefix = "tandem:room:"

// RedisRelayConfig configures the cross-node relay.
type RedisRelayConfig struct {
	Client        *redis.Client
	NodeID        string
	ChannelPrefix string
	Logger        *zap.Logger
}

// RedisRelay republishes room broadcasts over redis pub/sub so gateways on other
// nodes can deliver them to their local members. Messages carry the origin node id
// and are skipped by the node that published them.
type RedisRelay struct {
	client *redis.Client
	nodeID string
	prefix string
	logger *zap.Logger
	codec  JSONCodec
}

type relayEnvelope struct {
	Origin    string          `json:"origin"`
	ProjectID string          `json:"projectId"`
	Message   json.RawMessage `json:"message"`
}

// NewRedisRelay constructs a RedisRelay.
func NewRedisRelay(cfg RedisRelayConfig) (*RedisRelay, error) {
	if cfg.Client == nil {
		return nil, errors.New("realtime: redis client required")
	}
	if strings.TrimSpace(cfg.NodeID) == "" {
		return nil, errors.New("realtime: relay node id required")
	}
	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = defaultRelayChannelPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &RedisRelay{client: cfg.Client, nodeID: cfg.NodeID, prefix: prefix, logger: logger}, nil
}

// Publish sends the message to the room's channel.
func (r *RedisRelay) Publish(ctx context.Context, projectID string, message ServerMessage) error {
	encoded, err := r.codec.EncodeServer(message)
	if err != nil {
		return fmt.Errorf("encode relay message: %w", err)
	}
	payload, err := json.Marshal(relayEnvelope{Origin: r.nodeID, ProjectID: projectID, Message: encoded})
	if err != nil {
		return fmt.Errorf("encode relay envelope: %w", err)
	}
	return r.client.Publish(ctx, r.prefix+projectID, payload).Err()
}

// RelaySubscription is an established pattern subscription on every room channel.
type RelaySubscription struct {
	relay  *RedisRelay
	pubsub *redis.PubSub
}

// Subscribe subscribes to every room channel and waits for redis to confirm.
func (r *RedisRelay) Subscribe(ctx context.Context) (*RelaySubscription, error) {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe relay channels: %w", err)
	}
	return &RelaySubscription{relay: r, pubsub: pubsub}, nil
}

// Run hands foreign messages to deliver until ctx ends or the subscription closes.
func (s *RelaySubscription) Run(ctx context.Context, deliver func(projectID string, message ServerMessage)) error {
	channel := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case received, ok := <-channel:
			if !ok {
				return nil
			}
			var envelope relayEnvelope
			if err := json.Unmarshal([]byte(received.Payload), &envelope); err != nil {
				s.relay.logger.Warn("discarding malformed relay envelope",
					zap.String("channel", received.Channel),
					zap.Error(err))
				continue
			}
			if envelope.Origin == s.relay.nodeID {
				continue
			}
			message, err := s.relay.codec.DecodeServer(envelope.Message)
			if err != nil {
				s.relay.logger.Warn("discarding malformed relay message",
					zap.String("channel", received.Channel),
					zap.Error(err))
				continue
			}
			deliver(envelope.ProjectID, message)
		}
	}
}

// Close ends the subscription.
func (s *RelaySubscription) Close() error {
	return s.pubsub.Close()
}
