package api

import (
	"database/sql"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/y804508275/happy-sub000/internal/crypto"
	"github.com/y804508275/happy-sub000/internal/server/store"
	"github.com/y804508275/happy-sub000/internal/wire"
)

// SessionHandler serves session lifecycle endpoints.
type SessionHandler struct {
	queries      *store.Queries
	emitter      *updateEmitter
	activeWindow time.Duration
	log          zerolog.Logger
}

func NewSessionHandler(queries *store.Queries, emitter *updateEmitter, activeWindow time.Duration, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		queries:      queries,
		emitter:      emitter,
		activeWindow: activeWindow,
		log:          log.With().Str("component", "sessions-api").Logger(),
	}
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	ID                string  `json:"id"`
	Seq               int64   `json:"seq"`
	Tag               string  `json:"tag"`
	Active            bool    `json:"active"`
	ActiveAt          int64   `json:"activeAt"`
	Metadata          string  `json:"metadata"`
	MetadataVersion   int64   `json:"metadataVersion"`
	AgentState        *string `json:"agentState"`
	AgentStateVersion int64   `json:"agentStateVersion"`
	DataEncryptionKey *string `json:"dataEncryptionKey"`
	CreatedAt         int64   `json:"createdAt"`
	UpdatedAt         int64   `json:"updatedAt"`
}

// CreateSessionRequest creates (or idempotently resolves) a session by tag.
type CreateSessionRequest struct {
	Tag               string  `json:"tag" binding:"required"`
	Metadata          string  `json:"metadata" binding:"required"`
	AgentState        *string `json:"agentState"`
	DataEncryptionKey *string `json:"dataEncryptionKey"`
}

// List handles GET /v1/sessions and GET /v1/sessions/active.
func (h *SessionHandler) List(c *gin.Context) {
	userID, _ := GetUserID(c)
	isActive := c.FullPath() == "/v1/sessions/active"

	limit := int64(150)
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.ParseInt(limitStr, 10, 64); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}

	var (
		sessions []store.Session
		err      error
	)
	if isActive {
		sessions, err = h.queries.ListActiveSessions(c.Request.Context(), store.ListSessionsParams{
			AccountID: userID,
			Limit:     limit,
		}, time.Now().Add(-h.activeWindow))
	} else {
		sessions, err = h.queries.ListSessions(c.Request.Context(), store.ListSessionsParams{
			AccountID: userID,
			Limit:     limit,
		})
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "failed to list sessions"})
		return
	}

	response := make([]SessionResponse, len(sessions))
	for i, session := range sessions {
		response[i] = toSessionResponse(session)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": response})
}

// Create handles POST /v1/sessions. Creation is idempotent per (account, tag):
// a repeated create returns the existing session unchanged.
func (h *SessionHandler) Create(c *gin.Context) {
	userID, _ := GetUserID(c)

	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: err.Error()})
		return
	}

	existing, err := h.queries.GetSessionByTag(c.Request.Context(), userID, req.Tag)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"session": toSessionResponse(existing)})
		return
	}
	if !errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "database error"})
		return
	}

	dataKey := sql.NullString{}
	if req.DataEncryptionKey != nil && *req.DataEncryptionKey != "" {
		decoded, err := base64.StdEncoding.DecodeString(*req.DataEncryptionKey)
		if err != nil || len(decoded) != crypto.DataKeySize {
			c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: "invalid dataEncryptionKey (must be 32 bytes base64)"})
			return
		}
		dataKey = sql.NullString{String: *req.DataEncryptionKey, Valid: true}
	} else {
		key, err := crypto.NewDataKey()
		if err != nil {
			c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "failed to generate dataEncryptionKey"})
			return
		}
		dataKey = sql.NullString{String: base64.StdEncoding.EncodeToString(key), Valid: true}
	}

	agentState := sql.NullString{}
	if req.AgentState != nil {
		agentState = sql.NullString{String: *req.AgentState, Valid: true}
	}

	session, err := h.queries.CreateSession(c.Request.Context(), store.CreateSessionParams{
		ID:                uuid.NewString(),
		AccountID:         userID,
		Tag:               req.Tag,
		Metadata:          req.Metadata,
		AgentState:        agentState,
		DataEncryptionKey: dataKey,
	})
	if err != nil {
		// A concurrent create with the same tag loses the race on the unique
		// index; resolve to the winner.
		if existing, tagErr := h.queries.GetSessionByTag(c.Request.Context(), userID, req.Tag); tagErr == nil {
			c.JSON(http.StatusOK, gin.H{"session": toSessionResponse(existing)})
			return
		}
		h.log.Error().Err(err).Msg("failed to create session")
		c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "failed to create session"})
		return
	}

	h.emitter.emit(c.Request.Context(), userID, wire.UpdateBody{
		T:   wire.UpdateSession,
		SID: session.ID,
		Metadata: &wire.VersionedValue{
			Value:   session.Metadata,
			Version: session.MetadataVersion,
		},
	}, nil)

	c.JSON(http.StatusOK, gin.H{"session": toSessionResponse(session)})
}

// Get handles GET /v1/sessions/:id.
func (h *SessionHandler) Get(c *gin.Context) {
	userID, _ := GetUserID(c)
	sessionID := c.Param("id")

	session, err := h.queries.GetSessionByID(c.Request.Context(), sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, wire.ErrorResponse{Error: "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "database error"})
		return
	}
	if session.AccountID != userID {
		c.JSON(http.StatusForbidden, wire.ErrorResponse{Error: "access denied"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": toSessionResponse(session)})
}

func toSessionResponse(session store.Session) SessionResponse {
	var agentState *string
	if session.AgentState.Valid {
		agentState = &session.AgentState.String
	}
	var dataKey *string
	if session.DataEncryptionKey.Valid {
		dataKey = &session.DataEncryptionKey.String
	}
	return SessionResponse{
		ID:                session.ID,
		Seq:               session.Seq,
		Tag:               session.Tag,
		Active:            session.Active != 0,
		ActiveAt:          session.LastActiveAt.UnixMilli(),
		Metadata:          session.Metadata,
		MetadataVersion:   session.MetadataVersion,
		AgentState:        agentState,
		AgentStateVersion: session.AgentStateVersion,
		DataEncryptionKey: dataKey,
		CreatedAt:         session.CreatedAt.UnixMilli(),
		UpdatedAt:         session.UpdatedAt.UnixMilli(),
	}
}
