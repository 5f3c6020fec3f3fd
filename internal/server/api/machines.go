package api

import (
	"database/sql"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/y804508275/happy-sub000/internal/crypto"
	"github.com/y804508275/happy-sub000/internal/server/store"
	"github.com/y804508275/happy-sub000/internal/wire"
)

// MachineHandler serves machine registration and listing.
type MachineHandler struct {
	queries *store.Queries
	emitter *updateEmitter
	log     zerolog.Logger
}

func NewMachineHandler(queries *store.Queries, emitter *updateEmitter, log zerolog.Logger) *MachineHandler {
	return &MachineHandler{
		queries: queries,
		emitter: emitter,
		log:     log.With().Str("component", "machines-api").Logger(),
	}
}

// MachineResponse represents a machine in API responses.
type MachineResponse struct {
	ID                 string  `json:"id"`
	Seq                int64   `json:"seq"`
	Active             bool    `json:"active"`
	ActiveAt           int64   `json:"activeAt"`
	Metadata           string  `json:"metadata"`
	MetadataVersion    int64   `json:"metadataVersion"`
	DaemonState        *string `json:"daemonState"`
	DaemonStateVersion int64   `json:"daemonStateVersion"`
	DataEncryptionKey  *string `json:"dataEncryptionKey"`
	CreatedAt          int64   `json:"createdAt"`
	UpdatedAt          int64   `json:"updatedAt"`
}

// UpsertMachineRequest registers a machine, idempotent per machine id.
type UpsertMachineRequest struct {
	ID                string  `json:"id" binding:"required"`
	Metadata          string  `json:"metadata" binding:"required"`
	DaemonState       *string `json:"daemonState"`
	DataEncryptionKey *string `json:"dataEncryptionKey"`
}

// List handles GET /v1/machines.
func (h *MachineHandler) List(c *gin.Context) {
	userID, _ := GetUserID(c)

	machines, err := h.queries.ListMachines(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "failed to list machines"})
		return
	}

	response := make([]MachineResponse, len(machines))
	for i, m := range machines {
		response[i] = toMachineResponse(m)
	}
	c.JSON(http.StatusOK, gin.H{"machines": response})
}

// Upsert handles POST /v1/machines. Re-registering an existing machine id
// returns the stored row unchanged.
func (h *MachineHandler) Upsert(c *gin.Context) {
	userID, _ := GetUserID(c)

	var req UpsertMachineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: err.Error()})
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
	}

	daemonState := sql.NullString{}
	if req.DaemonState != nil {
		daemonState = sql.NullString{String: *req.DaemonState, Valid: true}
	}

	machine, err := h.queries.UpsertMachine(c.Request.Context(), store.UpsertMachineParams{
		ID:                req.ID,
		AccountID:         userID,
		Metadata:          req.Metadata,
		DaemonState:       daemonState,
		DataEncryptionKey: dataKey,
	})
	if err != nil {
		h.log.Error().Err(err).Str("machine_id", req.ID).Msg("failed to upsert machine")
		c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "failed to register machine"})
		return
	}

	h.emitter.emit(c.Request.Context(), userID, wire.UpdateBody{
		T:  wire.UpdateMachine,
		ID: machine.ID,
		Metadata: &wire.VersionedValue{
			Value:   machine.Metadata,
			Version: machine.MetadataVersion,
		},
	}, nil)

	c.JSON(http.StatusOK, gin.H{"machine": toMachineResponse(machine)})
}

// Get handles GET /v1/machines/:id.
func (h *MachineHandler) Get(c *gin.Context) {
	userID, _ := GetUserID(c)
	machineID := c.Param("id")

	machine, err := h.queries.GetMachine(c.Request.Context(), store.GetMachineParams{
		AccountID: userID,
		ID:        machineID,
	})
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, wire.ErrorResponse{Error: "machine not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, wire.ErrorResponse{Error: "database error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"machine": toMachineResponse(machine)})
}

func toMachineResponse(machine store.Machine) MachineResponse {
	var daemonState *string
	if machine.DaemonState.Valid {
		daemonState = &machine.DaemonState.String
	}
	var dataKey *string
	if machine.DataEncryptionKey.Valid {
		dataKey = &machine.DataEncryptionKey.String
	}
	return MachineResponse{
		ID:                 machine.ID,
		Seq:                machine.Seq,
		Active:             machine.Active != 0,
		ActiveAt:           machine.LastActiveAt.UnixMilli(),
		Metadata:           machine.Metadata,
		MetadataVersion:    machine.MetadataVersion,
		DaemonState:        daemonState,
		DaemonStateVersion: machine.DaemonStateVersion,
		DataEncryptionKey:  dataKey,
		CreatedAt:          machine.CreatedAt.UnixMilli(),
		UpdatedAt:          machine.UpdatedAt.UnixMilli(),
	}
}
