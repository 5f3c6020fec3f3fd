package handlers

import (
	"context"
	"time"

	"github.com/y804508275/happy-sub000/internal/server/store"
)

// AccountQueries is the subset of account queries used by websocket handlers.
type AccountQueries interface {
	UpdateAccountSeq(ctx context.Context, id string) (int64, error)
}

// SessionQueries is the subset of session queries used by websocket handlers.
type SessionQueries interface {
	GetSessionByID(ctx context.Context, id string) (store.Session, error)
	UpdateSessionMetadata(ctx context.Context, arg store.UpdateSessionMetadataParams) (int64, error)
	UpdateSessionAgentState(ctx context.Context, arg store.UpdateSessionAgentStateParams) (int64, error)
	UpdateSessionActivity(ctx context.Context, arg store.UpdateSessionActivityParams) error
}

// MessageQueries is the subset of message queries used by websocket handlers.
type MessageQueries interface {
	GetLatestMessageSeq(ctx context.Context, sessionID string) (int64, error)
	GetMessageByLocalID(ctx context.Context, arg store.GetMessageByLocalIDParams) (store.Message, error)
	CreateMessage(ctx context.Context, arg store.CreateMessageParams) (store.Message, error)
}

// MachineQueries is the subset of machine queries used by websocket handlers.
type MachineQueries interface {
	GetMachine(ctx context.Context, arg store.GetMachineParams) (store.Machine, error)
	UpdateMachineMetadata(ctx context.Context, arg store.UpdateMachineMetadataParams) (int64, error)
	UpdateMachineDaemonState(ctx context.Context, arg store.UpdateMachineDaemonStateParams) (int64, error)
	UpdateMachineActivity(ctx context.Context, arg store.UpdateMachineActivityParams) error
}

// Deps holds the narrow dependencies required by websocket handlers.
type Deps struct {
	accounts AccountQueries
	sessions SessionQueries
	messages MessageQueries
	machines MachineQueries
	now      func() time.Time
	newID    func() string
}

// NewDeps builds a dependency bundle for handler calls.
func NewDeps(
	accounts AccountQueries,
	sessions SessionQueries,
	messages MessageQueries,
	machines MachineQueries,
	now func() time.Time,
	newID func() string,
) Deps {
	return Deps{
		accounts: accounts,
		sessions: sessions,
		messages: messages,
		machines: machines,
		now:      now,
		newID:    newID,
	}
}

func (d Deps) Accounts() AccountQueries { return d.accounts }
func (d Deps) Sessions() SessionQueries { return d.sessions }
func (d Deps) Messages() MessageQueries { return d.messages }
func (d Deps) Machines() MachineQueries { return d.machines }

func (d Deps) Now() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now()
}

func (d Deps) NewID() string {
	if d.newID != nil {
		return d.newID()
	}
	return ""
}
