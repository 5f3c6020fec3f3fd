package api

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/y804508275/happy-sub000/internal/server/store"
	"github.com/y804508275/happy-sub000/internal/wire"
)

// AccountHandler serves the account profile and settings endpoints. Both are
// opaque encrypted blobs updated with optimistic concurrency.
type AccountHandler struct {
	queries *store.Queries
	emitter *updateEmitter
	log     zerolog.Logger
}

func NewAccountHandler(queries *store.Queries, emitter *updateEmitter, log zerolog.Logger) *AccountHandler {
	return &AccountHandler{
		queries: queries,
		emitter: emitter,
		log:     log.With().Str("component", "account-api").Logger(),
	}
}

// AccountResponse represents the authenticated account.
type AccountResponse struct {
	ID              string `json:"id"`
	PublicKey       string `json:"publicKey"`
	Settings        string `json:"settings"`
	SettingsVersion int64  `json:"settingsVersion"`
	Profile         string `json:"profile"`
	ProfileVersion  int64  `json:"profileVersion"`
	CreatedAt       int64  `json:"createdAt"`
	UpdatedAt       int64  `json:"updatedAt"`
}

// Get handles GET /v1/account.
func (h *AccountHandler) Get(c *gin.Context) {
	userID, _ := GetUserID(c)

	account, err := h.queries.GetAccountByID(c.Request.Context(), userID)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, wire.ErrorResponse{Error: "account not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "database error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"account": AccountResponse{
		ID:              account.ID,
		PublicKey:       account.PublicKey,
		Settings:        account.Settings,
		SettingsVersion: account.SettingsVersion,
		Profile:         account.Profile,
		ProfileVersion:  account.ProfileVersion,
		CreatedAt:       account.CreatedAt.UnixMilli(),
		UpdatedAt:       account.UpdatedAt.UnixMilli(),
	}})
}

// UpdateSettings handles POST /v1/account/settings. On version mismatch the
// response carries the authoritative value and version so the client can
// re-base its pending delta and retry.
func (h *AccountHandler) UpdateSettings(c *gin.Context) {
	userID, _ := GetUserID(c)

	var req wire.VersionedUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	newVersion := req.ExpectedVersion + 1
	affected, err := h.queries.UpdateAccountSettings(ctx, store.UpdateAccountSettingsParams{
		Settings:        req.Value,
		SettingsVersion: newVersion,
		ID:              userID,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "database error"})
		return
	}

	if affected == 0 {
		current, err := h.queries.GetAccountByID(ctx, userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "database error"})
			return
		}
		c.JSON(http.StatusOK, wire.VersionedUpdateResponse{
			Result:  wire.UpdateResultVersionMismatch,
			Version: current.SettingsVersion,
			Value:   &current.Settings,
		})
		return
	}

	h.emitter.emit(ctx, userID, wire.UpdateBody{
		T: wire.UpdateAccount,
		Settings: &wire.VersionedValue{
			Value:   req.Value,
			Version: newVersion,
		},
	}, nil)

	c.JSON(http.StatusOK, wire.VersionedUpdateResponse{
		Result:  wire.UpdateResultSuccess,
		Version: newVersion,
	})
}

// UpdateProfile handles POST /v1/account/profile with the same optimistic
// concurrency contract as settings.
func (h *AccountHandler) UpdateProfile(c *gin.Context) {
	userID, _ := GetUserID(c)

	var req wire.VersionedUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	newVersion := req.ExpectedVersion + 1
	affected, err := h.queries.UpdateAccountProfile(ctx, store.UpdateAccountProfileParams{
		Profile:         req.Value,
		ProfileVersion:  newVersion,
		ID:              userID,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "database error"})
		return
	}

	if affected == 0 {
		current, err := h.queries.GetAccountByID(ctx, userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "database error"})
			return
		}
		c.JSON(http.StatusOK, wire.VersionedUpdateResponse{
			Result:  wire.UpdateResultVersionMismatch,
			Version: current.ProfileVersion,
			Value:   &current.Profile,
		})
		return
	}

	h.emitter.emit(ctx, userID, wire.UpdateBody{
		T: wire.UpdateAccount,
		Profile: &wire.VersionedValue{
			Value:   req.Value,
			Version: newVersion,
		},
	}, nil)

	c.JSON(http.StatusOK, wire.VersionedUpdateResponse{
		Result:  wire.UpdateResultSuccess,
		Version: newVersion,
	})
}
