// Package msgbus implements the typed pub/sub bus every fleet process uses
// to talk to the others. It rides on Redis pub/sub: named channels carry
// JSON envelopes, point-to-point delivery is a channel named after the
// receiver, and request/reply is send plus correlation on the caller's
// response channel.
//
// Handlers run on their own goroutines and must be re-entrant and
// idempotent — Redis pub/sub is at-least-once from the subscriber's point
// of view once reconnects are in play.
package msgbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Handler processes one delivered envelope.
type Handler func(ctx context.Context, env Envelope)

// IdentityProvider supplies the current server id. The id changes once during
// boot (temporary → permanent), after which RefreshServerIdentity rebinds the
// bus's self-channels.
type IdentityProvider interface {
	ServerID() string
}

// subscription tracks one live Redis subscription and its cancel func.
type subscription struct {
	channel string
	cancel  context.CancelFunc
}

// selfBinding is a subscription whose channel name is derived from the
// current server id and must be rebound when the id changes.
type selfBinding struct {
	pattern func(serverID string) string
	handler Handler
	sub     *subscription
}

// Bus is the process-wide message bus. Safe for concurrent use.
type Bus struct {
	client   redis.UniversalClient
	identity IdentityProvider
	logger   *zap.Logger

	mu       sync.Mutex
	subs     []*subscription
	bindings []*selfBinding
	pending  map[string]chan Envelope
	closed   bool
}

// New creates a Bus and binds the instance's response channel so Request can
// correlate replies. responseChannel derives the channel name from the
// current server id (protocol.ResponseChannel in production).
func New(client redis.UniversalClient, identity IdentityProvider, responseChannel func(serverID string) string, logger *zap.Logger) (*Bus, error) {
	b := &Bus{
		client:   client,
		identity: identity,
		logger:   logger.Named("msgbus"),
		pending:  make(map[string]chan Envelope),
	}
	if err := b.BindSelf(responseChannel, b.handleReply); err != nil {
		return nil, err
	}
	return b, nil
}

// Broadcast publishes a typed payload to every subscriber of channel.
func (b *Bus) Broadcast(ctx context.Context, channel, msgType string, payload any) error {
	env, err := newEnvelope(msgType, b.identity.ServerID(), payload)
	if err != nil {
		return err
	}
	return b.publish(ctx, channel, env)
}

// Send delivers a typed payload to a directed channel (e.g. "server:<id>").
// Mechanically identical to Broadcast — the channel name carries the
// addressing — but kept separate so call sites read as point-to-point.
func (b *Bus) Send(ctx context.Context, channel, msgType string, payload any) error {
	return b.Broadcast(ctx, channel, msgType, payload)
}

// Request sends payload on channel and waits for a correlated reply on this
// instance's response channel. Returns the reply envelope or an error when
// the timeout elapses.
func (b *Bus) Request(ctx context.Context, channel, msgType string, payload any, timeout time.Duration) (Envelope, error) {
	env, err := newEnvelope(msgType, b.identity.ServerID(), payload)
	if err != nil {
		return Envelope{}, err
	}
	env.CorrelationID = uuid.NewString()
	env.ReplyTo = b.responseChannelName()

	replyCh := make(chan Envelope, 1)
	b.mu.Lock()
	b.pending[env.CorrelationID] = replyCh
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, env.CorrelationID)
		b.mu.Unlock()
	}()

	if err := b.publish(ctx, channel, env); err != nil {
		return Envelope{}, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-time.After(timeout):
		return Envelope{}, fmt.Errorf("msgbus: request %s on %s timed out after %s", msgType, channel, timeout)
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Reply publishes a correlated response to the requester's reply channel.
// No-op with an error when the request carried no reply address.
func (b *Bus) Reply(ctx context.Context, req Envelope, msgType string, payload any) error {
	if req.ReplyTo == "" {
		return fmt.Errorf("msgbus: envelope %s has no replyTo channel", req.Type)
	}
	env, err := newEnvelope(msgType, b.identity.ServerID(), payload)
	if err != nil {
		return err
	}
	env.CorrelationID = req.CorrelationID
	return b.publish(ctx, req.ReplyTo, env)
}

// Subscribe starts asynchronous delivery of envelopes published on channel.
// Each envelope is handled on its own goroutine.
func (b *Bus) Subscribe(channel string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("msgbus: bus is closed")
	}
	sub := b.startSubscription(channel, handler)
	b.subs = append(b.subs, sub)
	return nil
}

// BindSelf subscribes to a channel whose name is derived from the current
// server id. RefreshServerIdentity re-derives the name and rebinds.
func (b *Bus) BindSelf(pattern func(serverID string) string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("msgbus: bus is closed")
	}
	binding := &selfBinding{pattern: pattern, handler: handler}
	binding.sub = b.startSubscription(pattern(b.identity.ServerID()), handler)
	b.bindings = append(b.bindings, binding)
	return nil
}

// RefreshServerIdentity rebinds all self-channels after the server id
// changes (temporary → permanent). Idempotent: bindings already on the
// current id are left alone.
func (b *Bus) RefreshServerIdentity() {
	id := b.identity.ServerID()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, binding := range b.bindings {
		channel := binding.pattern(id)
		if binding.sub.channel == channel {
			continue
		}
		binding.sub.cancel()
		binding.sub = b.startSubscription(channel, binding.handler)
	}
	b.logger.Info("self channels rebound", zap.String("server_id", id))
}

// Close cancels every subscription. Pending requests time out naturally.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		sub.cancel()
	}
	for _, binding := range b.bindings {
		binding.sub.cancel()
	}
	b.subs = nil
	b.bindings = nil
}

// startSubscription opens the Redis subscription and starts the receive
// loop. Caller must hold b.mu.
func (b *Bus) startSubscription(channel string, handler Handler) *subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{channel: channel, cancel: cancel}

	pubsub := b.client.Subscribe(ctx, channel)
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.logger.Warn("dropping malformed envelope",
						zap.String("channel", channel),
						zap.Error(err),
					)
					continue
				}
				go handler(ctx, env)
			}
		}
	}()

	return sub
}

// handleReply routes correlated responses back to waiting Request calls.
// Uncorrelated or late envelopes are dropped — the requester already gave up.
func (b *Bus) handleReply(_ context.Context, env Envelope) {
	if env.CorrelationID == "" {
		return
	}
	b.mu.Lock()
	ch, ok := b.pending[env.CorrelationID]
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- env:
	default:
	}
}

func (b *Bus) responseChannelName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	// The first binding is always the response channel installed by New.
	if len(b.bindings) > 0 {
		return b.bindings[0].sub.channel
	}
	return ""
}

// publish marshals the envelope and publishes it to the channel.
func (b *Bus) publish(ctx context.Context, channel string, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("msgbus: marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("msgbus: publish to %s: %w", channel, err)
	}
	return nil
}
