package api

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/y804508275/happy-sub000/internal/server/store"
	"github.com/y804508275/happy-sub000/internal/server/websocket"
	"github.com/y804508275/happy-sub000/internal/wire"
)

// updateEmitter allocates per-account sequence numbers and fans persisted
// updates out to connected clients. Emission is best effort: a client that
// misses the event recovers through catch-up fetch.
type updateEmitter struct {
	queries *store.Queries
	router  *websocket.EventRouter
	log     zerolog.Logger
}

func (e *updateEmitter) emit(ctx context.Context, userID string, body wire.UpdateBody, filter *websocket.RecipientFilter) {
	if e.router == nil {
		return
	}
	seq, err := e.queries.UpdateAccountSeq(ctx, userID)
	if err != nil {
		e.log.Error().Err(err).Str("type", body.T).Msg("failed to allocate update seq")
		return
	}
	e.router.EmitUpdate(userID, wire.UpdateEnvelope{
		ID:        uuid.NewString(),
		Seq:       seq,
		CreatedAt: time.Now().UnixMilli(),
		Body:      body,
	}, filter, "")
}
