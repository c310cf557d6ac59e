// Package connection tracks the guard handsets identified on the TCP port.
// A guard may have several devices connected at once; the position feed
// counts as lost only when the last one goes.
package connection

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ClientInfo is one identified handset.
type ClientInfo struct {
	ConnectionID  string
	GuardID       string
	GuardName     string
	DeviceID      string
	ConnectedAt   time.Time
	LastHeardFrom time.Time
	Conn          net.Conn
	mu            sync.RWMutex
}

func (c *ClientInfo) UpdateLastHeardFrom() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastHeardFrom = time.Now()
}

func (c *ClientInfo) GetLastHeardFrom() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.LastHeardFrom
}

// Manager indexes identified handsets by connection and by guard.
type Manager struct {
	clients  map[string]*ClientInfo
	byGuard  map[string][]string // guard id -> connection ids
	mu       sync.RWMutex
	maxConns int
}

func NewManager(maxConnections int) *Manager {
	return &Manager{
		clients:  make(map[string]*ClientInfo),
		byGuard:  make(map[string][]string),
		maxConns: maxConnections,
	}
}

// Register adds a device connection for a guard. A guard may have more
// than one device connected.
func (m *Manager) Register(connectionID, guardID, guardName, deviceID string, conn net.Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.clients) >= m.maxConns {
		return ErrMaxConnectionsReached
	}

	if _, exists := m.clients[connectionID]; exists {
		return fmt.Errorf("connection ID %s already registered", connectionID)
	}

	now := time.Now()
	m.clients[connectionID] = &ClientInfo{
		ConnectionID:  connectionID,
		GuardID:       guardID,
		GuardName:     guardName,
		DeviceID:      deviceID,
		ConnectedAt:   now,
		LastHeardFrom: now,
		Conn:          conn,
	}
	m.byGuard[guardID] = append(m.byGuard[guardID], connectionID)

	return nil
}

// Unregister removes a connection and returns what was registered for it
func (m *Manager) Unregister(connectionID string) (*ClientInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, exists := m.clients[connectionID]
	if !exists {
		return nil, fmt.Errorf("connection ID %s not found", connectionID)
	}

	guardID := client.GuardID
	if connIDs, ok := m.byGuard[guardID]; ok {
		for i, id := range connIDs {
			if id == connectionID {
				m.byGuard[guardID] = append(connIDs[:i], connIDs[i+1:]...)
				break
			}
		}
		if len(m.byGuard[guardID]) == 0 {
			delete(m.byGuard, guardID)
		}
	}

	delete(m.clients, connectionID)

	return client, nil
}

// Get looks up a handset by connection id.
func (m *Manager) Get(connectionID string) (*ClientInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	client, exists := m.clients[connectionID]
	return client, exists
}

// IsGuardConnected reports whether any handset of the guard is connected.
func (m *Manager) IsGuardConnected(guardID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byGuard[guardID]) > 0
}

// UpdateActivity records that the handset just sent something.
func (m *Manager) UpdateActivity(connectionID string) error {
	m.mu.RLock()
	client, exists := m.clients[connectionID]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("connection ID %s not found", connectionID)
	}

	client.UpdateLastHeardFrom()
	return nil
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// GetAllConnections returns every connection id, in no particular order.
func (m *Manager) GetAllConnections() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	connIDs := make([]string, 0, len(m.clients))
	for connID := range m.clients {
		connIDs = append(connIDs, connID)
	}
	return connIDs
}

func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return ManagerStats{
		TotalConnections: len(m.clients),
		UniqueGuards:     len(m.byGuard),
		MaxConnections:   m.maxConns,
	}
}

// ManagerStats is reported by the server statistics log line.
type ManagerStats struct {
	TotalConnections int `json:"total_connections"`
	UniqueGuards     int `json:"unique_guards"`
	MaxConnections   int `json:"max_connections"`
}

// ErrMaxConnectionsReached is returned by Register when the server is full.
var ErrMaxConnectionsReached = errors.New("maximum device connections reached")
