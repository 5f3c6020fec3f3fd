package api

import (
	"database/sql"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/y804508275/happy-sub000/internal/crypto"
	"github.com/y804508275/happy-sub000/internal/server/store"
	"github.com/y804508275/happy-sub000/internal/wire"
)

const (
	// authChallengeBytes is the random byte length of server-issued auth
	// challenges.
	authChallengeBytes = 32
	// authChallengeTTL is how long a challenge remains valid for.
	authChallengeTTL = 5 * time.Minute
)

// AuthHandler implements challenge-response login. A client proves ownership
// of its Ed25519 key by signing a server-issued challenge and receives a JWT.
type AuthHandler struct {
	queries    *store.Queries
	jwtManager *crypto.JWTManager
	tokenTTL   time.Duration
	log        zerolog.Logger
}

func NewAuthHandler(queries *store.Queries, jwtManager *crypto.JWTManager, tokenTTL time.Duration, log zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		queries:    queries,
		jwtManager: jwtManager,
		tokenTTL:   tokenTTL,
		log:        log.With().Str("component", "auth").Logger(),
	}
}

// ChallengeRequest asks for a login challenge for a public key.
type ChallengeRequest struct {
	PublicKey string `json:"publicKey" binding:"required"`
}

// ChallengeResponse carries the server-issued challenge to sign.
type ChallengeResponse struct {
	ChallengeID string `json:"challengeId"`
	Challenge   string `json:"challenge"`
}

// AuthRequest completes login with a signature over the challenge bytes.
type AuthRequest struct {
	PublicKey   string `json:"publicKey" binding:"required"`
	ChallengeID string `json:"challengeId" binding:"required"`
	Signature   string `json:"signature" binding:"required"`
}

// AuthResponse carries the issued bearer token.
type AuthResponse struct {
	Token     string `json:"token"`
	AccountID string `json:"accountId"`
}

// Challenge handles POST /v1/auth/challenge.
func (h *AuthHandler) Challenge(c *gin.Context) {
	var req ChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: err.Error()})
		return
	}
	if _, err := base64.StdEncoding.DecodeString(req.PublicKey); err != nil {
		c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: "invalid public key"})
		return
	}

	// Best-effort pruning.
	_ = h.queries.DeleteExpiredAuthChallenges(c.Request.Context())

	challenge := make([]byte, authChallengeBytes)
	if _, err := crypto.RandBytes(challenge); err != nil {
		c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "failed to generate challenge"})
		return
	}

	challengeID := uuid.NewString()
	if err := h.queries.CreateAuthChallenge(c.Request.Context(), store.CreateAuthChallengeParams{
		ID:        challengeID,
		PublicKey: req.PublicKey,
		Challenge: challenge,
		ExpiresAt: time.Now().Add(authChallengeTTL),
	}); err != nil {
		c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "failed to create challenge"})
		return
	}

	c.JSON(http.StatusOK, ChallengeResponse{
		ChallengeID: challengeID,
		Challenge:   base64.StdEncoding.EncodeToString(challenge),
	})
}

// Authenticate handles POST /v1/auth.
func (h *AuthHandler) Authenticate(c *gin.Context) {
	var req AuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: err.Error()})
		return
	}

	challenge, err := h.queries.GetAuthChallenge(c.Request.Context(), store.GetAuthChallengeParams{
		ID:        req.ChallengeID,
		PublicKey: req.PublicKey,
	})
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusUnauthorized, wire.ErrorResponse{Error: "invalid challenge"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "database error"})
		return
	}

	if time.Now().After(challenge.ExpiresAt) {
		_ = h.queries.DeleteAuthChallenge(c.Request.Context(), req.ChallengeID)
		c.JSON(http.StatusUnauthorized, wire.ErrorResponse{Error: "expired challenge"})
		return
	}

	valid, err := crypto.VerifyAuthSignature(req.PublicKey, challenge.Challenge, req.Signature)
	if err != nil || !valid {
		c.JSON(http.StatusUnauthorized, wire.ErrorResponse{Error: "invalid signature"})
		return
	}

	// One-time use.
	_ = h.queries.DeleteAuthChallenge(c.Request.Context(), req.ChallengeID)

	account, err := h.queries.GetAccountByPublicKey(c.Request.Context(), req.PublicKey)
	if errors.Is(err, sql.ErrNoRows) {
		account, err = h.queries.CreateAccount(c.Request.Context(), uuid.NewString(), req.PublicKey)
		if err != nil {
			h.log.Error().Err(err).Msg("failed to create account")
			c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "failed to create account"})
			return
		}
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "database error"})
		return
	}

	token, err := h.jwtManager.CreateToken(account.ID, h.tokenTTL)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to issue token")
		c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, AuthResponse{Token: token, AccountID: account.ID})
}
