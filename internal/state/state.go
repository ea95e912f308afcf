// Package state holds the process-wide, concurrently-readable record the
// rest of the agent observes and mutates: auth token, connection status,
// scoped folders, device identity, and the edge-triggered control
// signals. It is an RWMutex-guarded struct with small, single-purpose
// accessor methods: readers take the read lock, writers take the write
// lock, and the handful of one-shot control signals are coalescing
// buffered channels rather than condition variables.
package state

import (
	"sync"
)

// ConnectionStatus is the tagged status of the WebSocket connection.
// Only the supervisor transitions it.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusRevoked      ConnectionStatus = "revoked"
)

// StatusObserver receives every status transition, in order. Registered
// observers must not block; AppState calls them synchronously under its
// own lock is avoided by copying the new status out first (see
// SetStatus), but a slow observer still delays the next caller, so
// observers are expected to be cheap (e.g. a buffered channel send or a
// metrics gauge set).
type StatusObserver func(ConnectionStatus)

// AppState is the shared, concurrently-readable record described in
// spec §3. Readers (tool handlers, frame encoders) take the read lock;
// writers (the supervisor, UI-driven scope edits) take the write lock.
type AppState struct {
	mu sync.RWMutex

	authToken     string
	wsStatus      ConnectionStatus
	scopedFolders []string
	deviceName    string
	deviceID      string

	observers []StatusObserver

	shutdown       chan struct{}
	reconnect      chan struct{}
	foldersChanged chan struct{}
}

// New creates an AppState seeded with the given device name (typically
// the host name or a persisted override) and scoped folders (typically
// loaded from the local store at startup).
func New(deviceName string, scopedFolders []string) *AppState {
	return &AppState{
		wsStatus:       StatusDisconnected,
		deviceName:     deviceName,
		scopedFolders:  coalesce(scopedFolders),
		shutdown:       make(chan struct{}, 1),
		reconnect:      make(chan struct{}, 1),
		foldersChanged: make(chan struct{}, 1),
	}
}

// coalesce de-duplicates folder paths while preserving first-seen order;
// the spec treats duplicates as tolerated but coalesced on save.
func coalesce(folders []string) []string {
	seen := make(map[string]bool, len(folders))
	out := make([]string, 0, len(folders))
	for _, f := range folders {
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// AuthToken returns the current auth token, or "" if none is set.
func (s *AppState) AuthToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authToken
}

// SetAuthToken updates the auth token (set by the frontend after pairing
// or a token refresh).
func (s *AppState) SetAuthToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authToken = token
}

// Status returns the current connection status.
func (s *AppState) Status() ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wsStatus
}

// SetStatus transitions the connection status and fires registered
// observers, in transition order, after releasing the lock.
func (s *AppState) SetStatus(status ConnectionStatus) {
	s.mu.Lock()
	s.wsStatus = status
	observers := append([]StatusObserver(nil), s.observers...)
	s.mu.Unlock()

	for _, obs := range observers {
		obs(status)
	}
}

// OnStatusChange registers an observer invoked on every future status
// transition. Not retroactive — it does not fire for the current status.
func (s *AppState) OnStatusChange(obs StatusObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, obs)
}

// ScopedFolders returns a snapshot of the current scoped folder list.
func (s *AppState) ScopedFolders() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.scopedFolders))
	copy(out, s.scopedFolders)
	return out
}

// SetScopedFolders replaces the scoped folder list, coalescing duplicates.
// Callers are responsible for persisting the new list to the local store
// within the same action (spec invariant).
func (s *AppState) SetScopedFolders(folders []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopedFolders = coalesce(folders)
}

// DeviceName returns the current device label.
func (s *AppState) DeviceName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceName
}

// SetDeviceName overrides the device label.
func (s *AppState) SetDeviceName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceName = name
}

// DeviceID returns the server-assigned device identifier, or "" if not
// currently registered.
func (s *AppState) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}

// SetDeviceID sets the device identifier on successful registration.
// Passing "" clears it, matching the invariant that device_id is
// non-empty exactly when connected.
func (s *AppState) SetDeviceID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceID = id
}

// RaiseShutdown raises the one-shot shutdown signal. Safe to call more
// than once; repeated raises collapse into the single pending wake-up a
// non-blocking buffered-channel send already guarantees.
func (s *AppState) RaiseShutdown() {
	select {
	case s.shutdown <- struct{}{}:
	default:
	}
}

// ShutdownSignal returns the channel the supervisor selects on to observe
// the shutdown signal.
func (s *AppState) ShutdownSignal() <-chan struct{} {
	return s.shutdown
}

// RaiseReconnect raises the one-shot reconnect signal: a request to drop
// and re-establish the current connection without stopping the agent
// process. Safe to call more than once; raises coalesce like every other
// signal here.
func (s *AppState) RaiseReconnect() {
	select {
	case s.reconnect <- struct{}{}:
	default:
	}
}

// ReconnectSignal returns the channel the supervisor selects on to
// observe an operator-requested reconnect.
func (s *AppState) ReconnectSignal() <-chan struct{} {
	return s.reconnect
}

// RaiseFoldersChanged raises the edge-triggered folders-changed signal.
// Safe to call more than once before the supervisor observes it; raises
// coalesce (N raises is equivalent to one).
func (s *AppState) RaiseFoldersChanged() {
	select {
	case s.foldersChanged <- struct{}{}:
	default:
	}
}

// FoldersChangedSignal returns the channel the supervisor selects on to
// observe the folders-changed signal.
func (s *AppState) FoldersChangedSignal() <-chan struct{} {
	return s.foldersChanged
}
