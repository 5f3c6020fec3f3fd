package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/y804508275/happy-sub000/internal/server/websocket"
	"github.com/y804508275/happy-sub000/internal/wire"
)

// Subjects. The reply subject is scoped per instance so each relay consumes
// only its own correlated replies.
const (
	subjUpdatesPrefix   = "happy.updates."
	subjEphemeralPrefix = "happy.ephemeral."
	subjRPCForward      = "happy.rpc.forward"
	subjRPCReplyPrefix  = "happy.rpc.reply."
)

type updateMessage struct {
	Origin     string              `json:"origin"`
	UserID     string              `json:"userId"`
	FilterType string              `json:"filterType"`
	SessionID  string              `json:"sessionId,omitempty"`
	Envelope   wire.UpdateEnvelope `json:"envelope"`
}

type ephemeralMessage struct {
	Origin     string                `json:"origin"`
	UserID     string                `json:"userId"`
	FilterType string                `json:"filterType"`
	SessionID  string                `json:"sessionId,omitempty"`
	Payload    wire.EphemeralPayload `json:"payload"`
}

type forwardRequest struct {
	Origin    string          `json:"origin"`
	RequestID string          `json:"requestId"`
	UserID    string          `json:"userId"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

type forwardReply struct {
	RequestID string      `json:"requestId"`
	Ack       wire.RPCAck `json:"ack"`
}

// Bus connects a server instance to the shared NATS bus: update/ephemeral
// fan-out to other instances and cross-instance RPC forwarding with a single
// reply subject per instance, correlated by request id.
type Bus struct {
	nc         *nats.Conn
	instanceID string
	log        zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan wire.RPCAck

	subs []*nats.Subscription
}

// New connects to NATS. Delivery to other instances is best-effort by design:
// updates are recoverable through catch-up fetch, ephemerals carry no
// delivery contract.
func New(url, instanceID string, log zerolog.Logger) (*Bus, error) {
	log = log.With().Str("component", "bus").Logger()

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return &Bus{
		nc:         nc,
		instanceID: instanceID,
		log:        log,
		pending:    make(map[string]chan wire.RPCAck),
	}, nil
}

// InstanceID returns this process's bus identity.
func (b *Bus) InstanceID() string { return b.instanceID }

// PublishUpdate implements websocket.BusPublisher.
func (b *Bus) PublishUpdate(userID string, payload wire.UpdateEnvelope, filterType, sessionID string) {
	b.publish(subjUpdatesPrefix+userID, updateMessage{
		Origin:     b.instanceID,
		UserID:     userID,
		FilterType: filterType,
		SessionID:  sessionID,
		Envelope:   payload,
	})
}

// PublishEphemeral implements websocket.BusPublisher.
func (b *Bus) PublishEphemeral(userID string, payload wire.EphemeralPayload, filterType, sessionID string) {
	b.publish(subjEphemeralPrefix+userID, ephemeralMessage{
		Origin:     b.instanceID,
		UserID:     userID,
		FilterType: filterType,
		SessionID:  sessionID,
		Payload:    payload,
	})
}

func (b *Bus) publish(subject string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		b.log.Warn().Err(err).Str("subject", subject).Msg("bus marshal failed")
		return
	}
	if err := b.nc.Publish(subject, raw); err != nil {
		b.log.Warn().Err(err).Str("subject", subject).Msg("bus publish failed")
	}
}

// Forward implements websocket.Forwarder. It publishes a forward request
// tagged with this instance id and a unique request id, then waits for the
// correlated reply or the context deadline.
func (b *Bus) Forward(ctx context.Context, userID, method string, params json.RawMessage) (wire.RPCAck, error) {
	requestID := uuid.NewString()
	ch := make(chan wire.RPCAck, 1)

	b.mu.Lock()
	b.pending[requestID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, requestID)
		b.mu.Unlock()
	}()

	raw, err := json.Marshal(forwardRequest{
		Origin:    b.instanceID,
		RequestID: requestID,
		UserID:    userID,
		Method:    method,
		Params:    params,
	})
	if err != nil {
		return wire.RPCAck{}, fmt.Errorf("marshal forward request: %w", err)
	}
	if err := b.nc.Publish(subjRPCForward, raw); err != nil {
		return wire.RPCAck{}, fmt.Errorf("publish forward request: %w", err)
	}

	select {
	case ack := <-ch:
		return ack, nil
	case <-ctx.Done():
		return wire.RPCAck{}, ctx.Err()
	}
}

// Start subscribes the instance to update/ephemeral fan-out and the RPC
// forward/reply subjects.
func (b *Bus) Start(router *websocket.EventRouter, relay *websocket.RPCRelay) error {
	sub, err := b.nc.Subscribe(subjUpdatesPrefix+">", func(msg *nats.Msg) {
		var m updateMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			b.log.Debug().Err(err).Msg("dropping malformed bus update")
			return
		}
		if m.Origin == b.instanceID {
			return
		}
		router.HandleBusUpdate(m.UserID, m.Envelope, m.FilterType, m.SessionID)
	})
	if err != nil {
		return fmt.Errorf("subscribe updates: %w", err)
	}
	b.subs = append(b.subs, sub)

	sub, err = b.nc.Subscribe(subjEphemeralPrefix+">", func(msg *nats.Msg) {
		var m ephemeralMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			b.log.Debug().Err(err).Msg("dropping malformed bus ephemeral")
			return
		}
		if m.Origin == b.instanceID {
			return
		}
		router.HandleBusEphemeral(m.UserID, m.Payload, m.FilterType, m.SessionID)
	})
	if err != nil {
		return fmt.Errorf("subscribe ephemerals: %w", err)
	}
	b.subs = append(b.subs, sub)

	sub, err = b.nc.Subscribe(subjRPCForward, func(msg *nats.Msg) {
		var req forwardRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			b.log.Debug().Err(err).Msg("dropping malformed forward request")
			return
		}
		if req.Origin == b.instanceID {
			// The requesting relay already checked its local registry.
			return
		}
		// Serve in a goroutine: the local round trip may take the full RPC
		// timeout and must not block the subscription.
		go b.serveForward(relay, req)
	})
	if err != nil {
		return fmt.Errorf("subscribe rpc forward: %w", err)
	}
	b.subs = append(b.subs, sub)

	sub, err = b.nc.Subscribe(subjRPCReplyPrefix+b.instanceID, func(msg *nats.Msg) {
		var reply forwardReply
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			b.log.Debug().Err(err).Msg("dropping malformed forward reply")
			return
		}
		b.mu.Lock()
		ch, ok := b.pending[reply.RequestID]
		b.mu.Unlock()
		if ok {
			select {
			case ch <- reply.Ack:
			default:
			}
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe rpc reply: %w", err)
	}
	b.subs = append(b.subs, sub)

	return nil
}

// serveForward performs a forwarded call when this instance holds a live
// registration, and stays silent otherwise so another instance can answer.
func (b *Bus) serveForward(relay *websocket.RPCRelay, req forwardRequest) {
	ack, held := relay.HandleForward(context.Background(), req.UserID, req.Method, req.Params)
	if !held {
		return
	}
	b.publish(subjRPCReplyPrefix+req.Origin, forwardReply{
		RequestID: req.RequestID,
		Ack:       ack,
	})
}

// Close drains subscriptions and closes the connection.
func (b *Bus) Close() {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.nc.Close()
}
