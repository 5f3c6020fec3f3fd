package handlers

// AuthContext identifies the authenticated socket a handler is acting for.
type AuthContext struct {
	userID   string
	socketID string
	scope    string
}

// NewAuthContext builds an auth context for handler calls.
func NewAuthContext(userID, socketID, scope string) AuthContext {
	return AuthContext{userID: userID, socketID: socketID, scope: scope}
}

// UserID returns the authenticated account id.
func (a AuthContext) UserID() string { return a.userID }

// SocketID returns the calling socket id.
func (a AuthContext) SocketID() string { return a.socketID }

// Scope returns the connection scope established at handshake.
func (a AuthContext) Scope() string { return a.scope }
