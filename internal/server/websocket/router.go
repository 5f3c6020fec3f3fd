package websocket

import (
	"github.com/rs/zerolog"

	"github.com/y804508275/happy-sub000/internal/server/metrics"
	"github.com/y804508275/happy-sub000/internal/wire"
)

// RecipientFilter defines who should receive an event.
type RecipientFilter struct {
	Type      string
	SessionID string
}

const (
	// FilterAllInterestedInSession targets user-scoped connections plus
	// session-scoped connections for the exact session. Machine-scoped
	// connections are excluded.
	FilterAllInterestedInSession = "all-interested-in-session"
	// FilterUserScopedOnly targets user-scoped connections only. Used for
	// machine presence so daemons don't get their own presence echoed back.
	FilterUserScopedOnly = "user-scoped-only"
	// FilterAllUserAuthenticated targets every connection of the user.
	FilterAllUserAuthenticated = "all-user-authenticated-connections"
)

// BusPublisher publishes events to the shared bus so routers on other
// instances can deliver them to their local connections.
type BusPublisher interface {
	PublishUpdate(userID string, payload wire.UpdateEnvelope, filterType, sessionID string)
	PublishEphemeral(userID string, payload wire.EphemeralPayload, filterType, sessionID string)
}

// EventRouter fans updates and ephemeral events out to the connections
// interested in a given user/session/machine, locally and across instances.
type EventRouter struct {
	manager *ConnectionManager
	bus     BusPublisher // nil when running without a bus
	log     zerolog.Logger
}

// NewEventRouter creates an event router over the given connection manager.
// bus may be nil for single-instance deployments.
func NewEventRouter(manager *ConnectionManager, bus BusPublisher, log zerolog.Logger) *EventRouter {
	return &EventRouter{
		manager: manager,
		bus:     bus,
		log:     log.With().Str("component", "event-router").Logger(),
	}
}

// EmitUpdate delivers a persisted update to local recipients and publishes it
// to the bus for other instances.
func (r *EventRouter) EmitUpdate(userID string, payload wire.UpdateEnvelope, filter *RecipientFilter, skipSocketID string) {
	r.emitUpdateLocal(userID, payload, filter, skipSocketID)
	if r.bus != nil {
		filterType, sessionID := flattenFilter(filter)
		r.bus.PublishUpdate(userID, payload, filterType, sessionID)
	}
}

// EmitEphemeral delivers a best-effort ephemeral event to local recipients
// and publishes it to the bus for other instances.
func (r *EventRouter) EmitEphemeral(userID string, payload wire.EphemeralPayload, filter *RecipientFilter, skipSocketID string) {
	r.emitEphemeralLocal(userID, payload, filter, skipSocketID)
	if r.bus != nil {
		filterType, sessionID := flattenFilter(filter)
		r.bus.PublishEphemeral(userID, payload, filterType, sessionID)
	}
}

// HandleBusUpdate delivers an update that arrived over the bus from another
// instance to local connections only.
func (r *EventRouter) HandleBusUpdate(userID string, payload wire.UpdateEnvelope, filterType, sessionID string) {
	r.emitUpdateLocal(userID, payload, restoreFilter(filterType, sessionID), "")
}

// HandleBusEphemeral delivers an ephemeral that arrived over the bus.
func (r *EventRouter) HandleBusEphemeral(userID string, payload wire.EphemeralPayload, filterType, sessionID string) {
	r.emitEphemeralLocal(userID, payload, restoreFilter(filterType, sessionID), "")
}

func (r *EventRouter) emitUpdateLocal(userID string, payload wire.UpdateEnvelope, filter *RecipientFilter, skipSocketID string) {
	for _, conn := range r.manager.GetUserConnections(userID) {
		// Skip sender to avoid echo.
		if skipSocketID != "" && conn.Socket.ID() == skipSocketID {
			continue
		}
		if filter != nil && !r.shouldSendToConnection(conn, filter) {
			continue
		}
		conn.Socket.Emit("update", payload)
		metrics.UpdatesEmitted.WithLabelValues(payload.Body.T).Inc()
	}
}

func (r *EventRouter) emitEphemeralLocal(userID string, payload wire.EphemeralPayload, filter *RecipientFilter, skipSocketID string) {
	for _, conn := range r.manager.GetUserConnections(userID) {
		if skipSocketID != "" && conn.Socket.ID() == skipSocketID {
			continue
		}
		if filter != nil && !r.shouldSendToConnection(conn, filter) {
			continue
		}
		conn.Socket.Emit("ephemeral", payload)
		metrics.EphemeralsEmitted.Inc()
	}
}

// shouldSendToConnection determines if a connection should receive the event.
func (r *EventRouter) shouldSendToConnection(conn *ClientConnection, filter *RecipientFilter) bool {
	switch filter.Type {
	case FilterAllInterestedInSession:
		if conn.Scope == ScopeSession {
			return conn.SessionID == filter.SessionID
		}
		if conn.Scope == ScopeMachine {
			return false
		}
		return true // user-scoped always gets it

	case FilterUserScopedOnly:
		return conn.Scope == ScopeUser

	case FilterAllUserAuthenticated:
		return true

	default:
		r.log.Warn().Str("filter", filter.Type).Msg("unknown filter type")
		return false
	}
}

func flattenFilter(filter *RecipientFilter) (string, string) {
	if filter == nil {
		return FilterAllUserAuthenticated, ""
	}
	return filter.Type, filter.SessionID
}

func restoreFilter(filterType, sessionID string) *RecipientFilter {
	if filterType == "" {
		return nil
	}
	return &RecipientFilter{Type: filterType, SessionID: sessionID}
}
