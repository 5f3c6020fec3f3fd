package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/y804508275/happy-sub000/internal/server/store"
	"github.com/y804508275/happy-sub000/internal/server/websocket"
	"github.com/y804508275/happy-sub000/internal/wire"
)

const (
	defaultFetchLimit = 100
	maxFetchLimit     = 500
	maxBatchSize      = 100
)

// MessageHandler serves message submission and catch-up fetch.
type MessageHandler struct {
	queries *store.Queries
	emitter *updateEmitter
	log     zerolog.Logger
}

func NewMessageHandler(queries *store.Queries, emitter *updateEmitter, log zerolog.Logger) *MessageHandler {
	return &MessageHandler{
		queries: queries,
		emitter: emitter,
		log:     log.With().Str("component", "messages-api").Logger(),
	}
}

// SubmitBatch handles POST /v1/sessions/:id/messages/batch. Each entry is
// idempotent per localId: entries already persisted are acknowledged with
// their original id and seq instead of being duplicated.
func (h *MessageHandler) SubmitBatch(c *gin.Context) {
	userID, _ := GetUserID(c)
	sessionID := c.Param("id")

	session, ok := h.ownedSession(c, userID, sessionID)
	if !ok {
		return
	}

	var req wire.SubmitBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: err.Error()})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: "empty batch"})
		return
	}
	if len(req.Messages) > maxBatchSize {
		c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: "batch too large"})
		return
	}

	ctx := c.Request.Context()
	results := make([]wire.SubmitBatchResult, 0, len(req.Messages))
	lastSeq := int64(0)

	for _, entry := range req.Messages {
		if entry.LocalID == "" || entry.Content == "" {
			c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: "localId and content are required"})
			return
		}

		localID := sql.NullString{String: entry.LocalID, Valid: true}

		existing, err := h.queries.GetMessageByLocalID(ctx, store.GetMessageByLocalIDParams{
			SessionID: sessionID,
			LocalID:   localID,
		})
		if err == nil {
			results = append(results, wire.SubmitBatchResult{
				LocalID:   entry.LocalID,
				ID:        existing.ID,
				Seq:       existing.Seq,
				Duplicate: true,
			})
			if existing.Seq > lastSeq {
				lastSeq = existing.Seq
			}
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "database error"})
			return
		}

		msg, err := h.createAtNextSeq(ctx, sessionID, localID, entry.Content)
		if err != nil {
			// A concurrent submit with the same localId loses the race on the
			// unique index; resolve to the winner.
			if existing, dupErr := h.queries.GetMessageByLocalID(ctx, store.GetMessageByLocalIDParams{
				SessionID: sessionID,
				LocalID:   localID,
			}); dupErr == nil {
				results = append(results, wire.SubmitBatchResult{
					LocalID:   entry.LocalID,
					ID:        existing.ID,
					Seq:       existing.Seq,
					Duplicate: true,
				})
				if existing.Seq > lastSeq {
					lastSeq = existing.Seq
				}
				continue
			}
			h.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to persist message")
			c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "failed to persist message"})
			return
		}

		results = append(results, wire.SubmitBatchResult{
			LocalID: entry.LocalID,
			ID:      msg.ID,
			Seq:     msg.Seq,
		})
		if msg.Seq > lastSeq {
			lastSeq = msg.Seq
		}

		localIDValue := entry.LocalID
		h.emitter.emit(ctx, session.AccountID, wire.UpdateBody{
			T:   wire.UpdateNewMessage,
			SID: sessionID,
			Message: &wire.UpdateMessage{
				ID:        msg.ID,
				Seq:       msg.Seq,
				LocalID:   &localIDValue,
				Content:   wire.NewEncryptedContent(msg.Content),
				CreatedAt: msg.CreatedAt.UnixMilli(),
			},
		}, &websocket.RecipientFilter{
			Type:      websocket.FilterAllInterestedInSession,
			SessionID: sessionID,
		})
	}

	c.JSON(http.StatusOK, wire.SubmitBatchResponse{Results: results, LastSeq: lastSeq})
}

// createAtNextSeq inserts a message at the next per-session seq. The
// allocation is read-then-insert, so a concurrent submitter can claim the
// same seq first; the loser re-reads the high-water mark and tries once more.
func (h *MessageHandler) createAtNextSeq(ctx context.Context, sessionID string, localID sql.NullString, content string) (store.Message, error) {
	var msg store.Message
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var latest int64
		latest, err = h.queries.GetLatestMessageSeq(ctx, sessionID)
		if err != nil {
			return store.Message{}, err
		}
		msg, err = h.queries.CreateMessage(ctx, store.CreateMessageParams{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			LocalID:   localID,
			Seq:       latest + 1,
			Content:   content,
		})
		if err == nil || !store.IsUniqueConstraint(err) {
			break
		}
	}
	return msg, err
}

// Fetch handles GET /v1/sessions/:id/messages?afterSeq=&limit=. Messages are
// returned in ascending seq order with a hasMore flag for pagination.
func (h *MessageHandler) Fetch(c *gin.Context) {
	userID, _ := GetUserID(c)
	sessionID := c.Param("id")

	if _, ok := h.ownedSession(c, userID, sessionID); !ok {
		return
	}

	afterSeq := int64(0)
	if afterStr := c.Query("afterSeq"); afterStr != "" {
		v, err := strconv.ParseInt(afterStr, 10, 64)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: "invalid afterSeq"})
			return
		}
		afterSeq = v
	}

	limit := int64(defaultFetchLimit)
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.ParseInt(limitStr, 10, 64); err == nil && l > 0 && l <= maxFetchLimit {
			limit = l
		}
	}

	ctx := c.Request.Context()
	messages, err := h.queries.ListMessagesAfterSeq(ctx, store.ListMessagesAfterSeqParams{
		SessionID: sessionID,
		AfterSeq:  afterSeq,
		Limit:     limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "failed to list messages"})
		return
	}

	records := make([]wire.MessageRecord, len(messages))
	maxSeq := afterSeq
	for i, msg := range messages {
		var localID *string
		if msg.LocalID.Valid {
			localID = &msg.LocalID.String
		}
		records[i] = wire.MessageRecord{
			ID:        msg.ID,
			Seq:       msg.Seq,
			LocalID:   localID,
			Content:   wire.NewEncryptedContent(msg.Content),
			CreatedAt: msg.CreatedAt.UnixMilli(),
		}
		if msg.Seq > maxSeq {
			maxSeq = msg.Seq
		}
	}

	remaining, err := h.queries.CountMessagesAfterSeq(ctx, sessionID, maxSeq)
	if err != nil {
		c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "failed to list messages"})
		return
	}

	c.JSON(http.StatusOK, wire.FetchMessagesResponse{
		Messages: records,
		HasMore:  remaining > 0,
	})
}

// ownedSession loads the session and enforces ownership, writing the error
// response itself on failure.
func (h *MessageHandler) ownedSession(c *gin.Context, userID, sessionID string) (store.Session, bool) {
	session, err := h.queries.GetSessionByID(c.Request.Context(), sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, wire.ErrorResponse{Error: "session not found"})
		return store.Session{}, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "database error"})
		return store.Session{}, false
	}
	if session.AccountID != userID {
		c.JSON(http.StatusForbidden, wire.ErrorResponse{Error: "access denied"})
		return store.Session{}, false
	}
	return session, true
}
