package api

import (
	"database/sql"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/y804508275/happy-sub000/internal/crypto"
	"github.com/y804508275/happy-sub000/internal/server/store"
	"github.com/y804508275/happy-sub000/internal/wire"
)

// ArtifactHandler serves encrypted artifact CRUD. Header and body are
// independently versioned fields.
type ArtifactHandler struct {
	queries *store.Queries
	emitter *updateEmitter
	log     zerolog.Logger
}

func NewArtifactHandler(queries *store.Queries, emitter *updateEmitter, log zerolog.Logger) *ArtifactHandler {
	return &ArtifactHandler{
		queries: queries,
		emitter: emitter,
		log:     log.With().Str("component", "artifacts-api").Logger(),
	}
}

// ArtifactResponse represents an artifact in API responses.
type ArtifactResponse struct {
	ID                string  `json:"id"`
	Seq               int64   `json:"seq"`
	Header            string  `json:"header"`
	HeaderVersion     int64   `json:"headerVersion"`
	Body              *string `json:"body"`
	BodyVersion       int64   `json:"bodyVersion"`
	DataEncryptionKey *string `json:"dataEncryptionKey"`
	CreatedAt         int64   `json:"createdAt"`
	UpdatedAt         int64   `json:"updatedAt"`
}

// CreateArtifactRequest creates an artifact.
type CreateArtifactRequest struct {
	ID                string  `json:"id"`
	Header            string  `json:"header" binding:"required"`
	Body              *string `json:"body"`
	DataEncryptionKey *string `json:"dataEncryptionKey"`
}

// List handles GET /v1/artifacts.
func (h *ArtifactHandler) List(c *gin.Context) {
	userID, _ := GetUserID(c)

	artifacts, err := h.queries.ListArtifacts(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "failed to list artifacts"})
		return
	}

	response := make([]ArtifactResponse, len(artifacts))
	for i, a := range artifacts {
		response[i] = toArtifactResponse(a)
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": response})
}

// Create handles POST /v1/artifacts.
func (h *ArtifactHandler) Create(c *gin.Context) {
	userID, _ := GetUserID(c)

	var req CreateArtifactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: err.Error()})
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	body := sql.NullString{}
	if req.Body != nil {
		body = sql.NullString{String: *req.Body, Valid: true}
	}

	dataKey := sql.NullString{}
	if req.DataEncryptionKey != nil && *req.DataEncryptionKey != "" {
		decoded, err := base64.StdEncoding.DecodeString(*req.DataEncryptionKey)
		if err != nil || len(decoded) != crypto.DataKeySize {
			c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: "invalid dataEncryptionKey (must be 32 bytes base64)"})
			return
		}
		dataKey = sql.NullString{String: *req.DataEncryptionKey, Valid: true}
	}

	artifact, err := h.queries.CreateArtifact(c.Request.Context(), store.CreateArtifactParams{
		ID:                id,
		AccountID:         userID,
		Header:            req.Header,
		Body:              body,
		DataEncryptionKey: dataKey,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("failed to create artifact")
		c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "failed to create artifact"})
		return
	}

	h.emitter.emit(c.Request.Context(), userID, wire.UpdateBody{
		T:  wire.UpdateNewArtifact,
		ID: artifact.ID,
		Artifact: &wire.UpdateArtifactBody{
			ID:            artifact.ID,
			Header:        artifact.Header,
			HeaderVersion: artifact.HeaderVersion,
			Body:          req.Body,
			BodyVersion:   artifact.BodyVersion,
		},
	}, nil)

	c.JSON(http.StatusOK, gin.H{"artifact": toArtifactResponse(artifact)})
}

// Get handles GET /v1/artifacts/:id.
func (h *ArtifactHandler) Get(c *gin.Context) {
	userID, _ := GetUserID(c)
	artifactID := c.Param("id")

	artifact, err := h.queries.GetArtifact(c.Request.Context(), store.GetArtifactParams{
		AccountID: userID,
		ID:        artifactID,
	})
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, wire.ErrorResponse{Error: "artifact not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "database error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"artifact": toArtifactResponse(artifact)})
}

// UpdateHeader handles PUT /v1/artifacts/:id/header with optimistic
// concurrency. A version mismatch returns the authoritative value.
func (h *ArtifactHandler) UpdateHeader(c *gin.Context) {
	userID, _ := GetUserID(c)
	artifactID := c.Param("id")

	var req wire.VersionedUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	newVersion := req.ExpectedVersion + 1
	affected, err := h.queries.UpdateArtifactHeader(ctx, store.UpdateArtifactHeaderParams{
		Header:          req.Value,
		HeaderVersion:   newVersion,
		AccountID:       userID,
		ID:              artifactID,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "database error"})
		return
	}

	if affected == 0 {
		current, err := h.queries.GetArtifact(ctx, store.GetArtifactParams{AccountID: userID, ID: artifactID})
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, wire.ErrorResponse{Error: "artifact not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "database error"})
			return
		}
		c.JSON(http.StatusOK, wire.VersionedUpdateResponse{
			Result:  wire.UpdateResultVersionMismatch,
			Version: current.HeaderVersion,
			Value:   &current.Header,
		})
		return
	}

	h.emitter.emit(ctx, userID, wire.UpdateBody{
		T:  wire.UpdateArtifact,
		ID: artifactID,
		Artifact: &wire.UpdateArtifactBody{
			ID:            artifactID,
			Header:        req.Value,
			HeaderVersion: newVersion,
		},
	}, nil)

	c.JSON(http.StatusOK, wire.VersionedUpdateResponse{
		Result:  wire.UpdateResultSuccess,
		Version: newVersion,
	})
}

// UpdateBody handles PUT /v1/artifacts/:id/body with optimistic concurrency.
func (h *ArtifactHandler) UpdateBody(c *gin.Context) {
	userID, _ := GetUserID(c)
	artifactID := c.Param("id")

	var req wire.VersionedUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	newVersion := req.ExpectedVersion + 1
	affected, err := h.queries.UpdateArtifactBody(ctx, store.UpdateArtifactBodyParams{
		Body:            sql.NullString{String: req.Value, Valid: true},
		BodyVersion:     newVersion,
		AccountID:       userID,
		ID:              artifactID,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "database error"})
		return
	}

	if affected == 0 {
		current, err := h.queries.GetArtifact(ctx, store.GetArtifactParams{AccountID: userID, ID: artifactID})
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, wire.ErrorResponse{Error: "artifact not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "database error"})
			return
		}
		var value *string
		if current.Body.Valid {
			value = &current.Body.String
		}
		c.JSON(http.StatusOK, wire.VersionedUpdateResponse{
			Result:  wire.UpdateResultVersionMismatch,
			Version: current.BodyVersion,
			Value:   value,
		})
		return
	}

	bodyValue := req.Value
	h.emitter.emit(ctx, userID, wire.UpdateBody{
		T:  wire.UpdateArtifact,
		ID: artifactID,
		Artifact: &wire.UpdateArtifactBody{
			ID:          artifactID,
			Body:        &bodyValue,
			BodyVersion: newVersion,
		},
	}, nil)

	c.JSON(http.StatusOK, wire.VersionedUpdateResponse{
		Result:  wire.UpdateResultSuccess,
		Version: newVersion,
	})
}

// Delete handles DELETE /v1/artifacts/:id.
func (h *ArtifactHandler) Delete(c *gin.Context) {
	userID, _ := GetUserID(c)
	artifactID := c.Param("id")

	ctx := c.Request.Context()
	if _, err := h.queries.GetArtifact(ctx, store.GetArtifactParams{AccountID: userID, ID: artifactID}); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, wire.ErrorResponse{Error: "artifact not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "database error"})
		return
	}

	if err := h.queries.DeleteArtifact(ctx, store.DeleteArtifactParams{AccountID: userID, ID: artifactID}); err != nil {
		c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "failed to delete artifact"})
		return
	}

	h.emitter.emit(ctx, userID, wire.UpdateBody{
		T:  wire.UpdateDeleteArtifact,
		ID: artifactID,
	}, nil)

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func toArtifactResponse(artifact store.Artifact) ArtifactResponse {
	var body *string
	if artifact.Body.Valid {
		body = &artifact.Body.String
	}
	var dataKey *string
	if artifact.DataEncryptionKey.Valid {
		dataKey = &artifact.DataEncryptionKey.String
	}
	return ArtifactResponse{
		ID:                artifact.ID,
		Seq:               artifact.Seq,
		Header:            artifact.Header,
		HeaderVersion:     artifact.HeaderVersion,
		Body:              body,
		BodyVersion:       artifact.BodyVersion,
		DataEncryptionKey: dataKey,
		CreatedAt:         artifact.CreatedAt.UnixMilli(),
		UpdatedAt:         artifact.UpdatedAt.UnixMilli(),
	}
}
