package handlers

import (
	"context"
	"database/sql"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/y804508275/happy-sub000/internal/server/store"
	"github.com/y804508275/happy-sub000/internal/wire"
)

// MessageAck acknowledges a "message" event.
type MessageAck struct {
	OK        bool   `json:"ok"`
	ID        string `json:"id,omitempty"`
	Seq       int64  `json:"seq,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Message ingests one encrypted message for a session: ownership check,
// localId dedup, per-session seq allocation, persistence, then a new-message
// update to all interested connections except the sender.
func Message(ctx context.Context, deps Deps, auth AuthContext, req wire.MessageEvent) EventResult {
	if req.SessionID == "" || req.Message == "" {
		return NewEventResult(MessageAck{OK: false, Error: "sid and message are required"}, nil)
	}

	session, err := deps.Sessions().GetSessionByID(ctx, req.SessionID)
	if err != nil {
		return NewEventResult(MessageAck{OK: false, Error: "session not found"}, nil)
	}
	if session.AccountID != auth.UserID() {
		return NewEventResult(MessageAck{OK: false, Error: "session not found"}, nil)
	}

	localID := sql.NullString{}
	if req.LocalID != "" {
		localID = sql.NullString{String: req.LocalID, Valid: true}

		existing, err := deps.Messages().GetMessageByLocalID(ctx, store.GetMessageByLocalIDParams{
			SessionID: req.SessionID,
			LocalID:   localID,
		})
		if err == nil {
			// Already acknowledged earlier; do not create a duplicate.
			return NewEventResult(MessageAck{OK: true, ID: existing.ID, Seq: existing.Seq, Duplicate: true}, nil)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			log.Warn().Err(err).Str("sid", req.SessionID).Msg("localId lookup failed")
			return NewEventResult(MessageAck{OK: false, Error: "internal error"}, nil)
		}
	}

	// Seq allocation is read-then-insert, so a concurrent submitter can claim
	// the same seq first and the loser trips the unique index. One fresh
	// allocation resolves the race.
	var message store.Message
	for attempt := 0; ; attempt++ {
		maxSeq, err := deps.Messages().GetLatestMessageSeq(ctx, req.SessionID)
		if err != nil {
			log.Warn().Err(err).Str("sid", req.SessionID).Msg("failed to get message seq")
			return NewEventResult(MessageAck{OK: false, Error: "internal error"}, nil)
		}

		message, err = deps.Messages().CreateMessage(ctx, store.CreateMessageParams{
			ID:        deps.NewID(),
			SessionID: req.SessionID,
			LocalID:   localID,
			Seq:       maxSeq + 1,
			Content:   req.Message,
		})
		if err == nil {
			break
		}
		if attempt == 0 && store.IsUniqueConstraint(err) {
			continue
		}
		log.Warn().Err(err).Str("sid", req.SessionID).Msg("failed to create message")
		return NewEventResult(MessageAck{OK: false, Error: "internal error"}, nil)
	}

	var localIDValue *string
	if message.LocalID.Valid {
		v := message.LocalID.String
		localIDValue = &v
	}

	update := newSessionUpdateSkippingSelf(auth.UserID(), req.SessionID, wire.UpdateBody{
		T:   wire.UpdateNewMessage,
		SID: req.SessionID,
		Message: &wire.UpdateMessage{
			ID:        message.ID,
			Seq:       message.Seq,
			LocalID:   localIDValue,
			Content:   wire.NewEncryptedContent(message.Content),
			CreatedAt: message.CreatedAt.UnixMilli(),
		},
	})

	return NewEventResult(MessageAck{OK: true, ID: message.ID, Seq: message.Seq}, []UpdateInstruction{update})
}
