package websocket

import (
	"sync"
)

// ConnectionManager tracks all live connections per user. Mutation is atomic
// with respect to interleaved connect/disconnect of the same user.
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[string][]*ClientConnection // userID -> connections
}

// NewConnectionManager creates an empty connection manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string][]*ClientConnection),
	}
}

// AddConnection registers a new authenticated connection.
func (m *ConnectionManager) AddConnection(conn *ClientConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connections[conn.UserID] = append(m.connections[conn.UserID], conn)
}

// RemoveConnection removes a connection by socket id and returns it, or nil
// when the socket was never registered.
func (m *ConnectionManager) RemoveConnection(socketID string) *ClientConnection {
	m.mu.Lock()
	defer m.mu.Unlock()

	for userID, conns := range m.connections {
		for i, conn := range conns {
			if conn.Socket.ID() == socketID {
				m.connections[userID] = append(conns[:i], conns[i+1:]...)
				if len(m.connections[userID]) == 0 {
					delete(m.connections, userID)
				}
				return conn
			}
		}
	}
	return nil
}

// GetUserConnections returns a copy of all connections for a user.
func (m *ConnectionManager) GetUserConnections(userID string) []*ClientConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := m.connections[userID]
	result := make([]*ClientConnection, len(conns))
	copy(result, conns)
	return result
}

// GetConnection finds a connection by socket id.
func (m *ConnectionManager) GetConnection(socketID string) *ClientConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, conns := range m.connections {
		for _, conn := range conns {
			if conn.Socket.ID() == socketID {
				return conn
			}
		}
	}
	return nil
}

// GetConnectionCount returns the total number of live connections.
func (m *ConnectionManager) GetConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, conns := range m.connections {
		count += len(conns)
	}
	return count
}

// GetUserCount returns the number of users with live connections.
func (m *ConnectionManager) GetUserCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.connections)
}
