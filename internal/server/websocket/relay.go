package websocket

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/y804508275/happy-sub000/internal/server/metrics"
	"github.com/y804508275/happy-sub000/internal/wire"
)

// RPC relay errors. The relay never retries; retry is the caller's
// responsibility.
var (
	ErrMethodNotAvailable = errors.New("rpc method not available")
	ErrRPCTimeout         = errors.New("rpc timeout")
	ErrSelfCall           = errors.New("cannot call rpc on the same socket")
	ErrCallFailed         = errors.New("rpc call failed")
)

// Forwarder relays an RPC call over the shared bus to whatever instance holds
// the target registration. Implementations apply the passed context's
// deadline end-to-end.
type Forwarder interface {
	Forward(ctx context.Context, userID, method string, params json.RawMessage) (wire.RPCAck, error)
}

// RPCRelay resolves rpc-call requests against the local registry and falls
// back to cross-instance forwarding over the bus.
type RPCRelay struct {
	manager   *ConnectionManager
	registry  *RPCRegistry
	forwarder Forwarder // nil when running without a bus
	timeout   time.Duration
	log       zerolog.Logger
}

// NewRPCRelay creates a relay with the given end-to-end call timeout.
func NewRPCRelay(manager *ConnectionManager, registry *RPCRegistry, forwarder Forwarder, timeout time.Duration, log zerolog.Logger) *RPCRelay {
	return &RPCRelay{
		manager:   manager,
		registry:  registry,
		forwarder: forwarder,
		timeout:   timeout,
		log:       log.With().Str("component", "rpc-relay").Logger(),
	}
}

// Call performs an RPC call on behalf of callerSocketID. It resolves the
// current holder of (userID, method): a live local connection is called
// directly; otherwise the call is forwarded over the bus. The returned ack is
// always well-formed, errors are folded into it.
func (r *RPCRelay) Call(ctx context.Context, callerSocketID, userID string, req wire.RPCCallPayload) wire.RPCAck {
	if req.Method == "" {
		return wire.RPCAck{OK: false, Error: "invalid parameters: method is required"}
	}

	targetSocketID, ok := r.registry.GetSocketID(userID, req.Method)
	if ok {
		if targetSocketID == callerSocketID {
			return wire.RPCAck{OK: false, Error: ErrSelfCall.Error()}
		}
		if conn := r.manager.GetConnection(targetSocketID); conn != nil {
			metrics.RPCLocalCalls.Inc()
			return r.callLocal(ctx, conn, req)
		}
		// Stale registration: the socket is gone but unregistration has not
		// landed yet. Fall through to forwarding.
	}

	if r.forwarder == nil {
		return wire.RPCAck{OK: false, Error: ErrMethodNotAvailable.Error()}
	}

	metrics.RPCForwards.Inc()
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ack, err := r.forwarder.Forward(callCtx, userID, req.Method, req.Params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrRPCTimeout) {
			metrics.RPCTimeouts.Inc()
			return wire.RPCAck{OK: false, Error: ErrRPCTimeout.Error()}
		}
		if errors.Is(err, ErrMethodNotAvailable) {
			return wire.RPCAck{OK: false, Error: ErrMethodNotAvailable.Error()}
		}
		r.log.Warn().Err(err).Str("method", req.Method).Msg("rpc forward failed")
		return wire.RPCAck{OK: false, Error: ErrCallFailed.Error()}
	}
	return ack
}

// HandleForward serves a forwarded call from another instance. It returns
// ok=false when this instance holds no live registration for the method, in
// which case the instance must stay silent on the bus.
func (r *RPCRelay) HandleForward(ctx context.Context, userID, method string, params json.RawMessage) (wire.RPCAck, bool) {
	targetSocketID, registered := r.registry.GetSocketID(userID, method)
	if !registered {
		return wire.RPCAck{}, false
	}
	conn := r.manager.GetConnection(targetSocketID)
	if conn == nil {
		return wire.RPCAck{}, false
	}

	metrics.RPCLocalCalls.Inc()
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.callLocal(callCtx, conn, wire.RPCCallPayload{Method: method, Params: params}), true
}

// callLocal performs the request/response round trip over a live connection.
func (r *RPCRelay) callLocal(ctx context.Context, conn *ClientConnection, req wire.RPCCallPayload) wire.RPCAck {
	callCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	raw, err := conn.Socket.Request(callCtx, "rpc-request", wire.RPCRequestPayload{
		Method: req.Method,
		Params: req.Params,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.RPCTimeouts.Inc()
			return wire.RPCAck{OK: false, Error: ErrRPCTimeout.Error()}
		}
		r.log.Debug().Err(err).Str("method", req.Method).Msg("rpc round trip failed")
		return wire.RPCAck{OK: false, Error: ErrCallFailed.Error()}
	}

	var ack wire.RPCAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return wire.RPCAck{OK: false, Error: ErrCallFailed.Error()}
	}
	return ack
}
