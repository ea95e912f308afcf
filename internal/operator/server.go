// Package operator — server.go
//
// Unix domain socket server for Beakr desktop agent diagnostics and
// control, used by the system tray UI or a companion CLI (beakrctl) to
// talk to the running agent without going over the network.
//
// Protocol: one JSON request per connection, newline-terminated JSON
// response.
// Socket path: $XDG_RUNTIME_DIR/beakr/operator.sock (configurable).
// Permissions: 0600, owned by the running user — no other user can connect.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"status"}
//	  → Current connection status, device_id, scoped_folders, uptime.
//	  → Response: {"ok":true,"status":"connected","device_id":"dev_abc","scoped_folders":[...],"uptime_seconds":132}
//
//	{"cmd":"reconnect"}
//	  → Raises the reconnect signal, forcing the supervisor to drop and
//	    re-establish its connection without stopping the agent process
//	    (used after the UI supplies a new auth token).
//	  → Response: {"ok":true}
//
//	{"cmd":"reload_scope"}
//	  → Re-reads scoped_folders from the local store and raises the
//	    folders-changed signal (used when the UI writes scope changes
//	    through the store directly rather than through this process).
//	  → Response: {"ok":true,"scoped_folders":[...]}
//
//	{"cmd":"activity","limit":20}
//	  → The most recent N entries from the activity ledger.
//	  → Response: {"ok":true,"activity":[...]}
//
// Security:
//   - Socket is created with 0600 permissions.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (diagnostic use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/thebeakr/desktop-agent/internal/state"
	"github.com/thebeakr/desktop-agent/internal/storage"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second

	defaultActivityLimit = 20
)

// ActivityEntry mirrors storage.ActivityEntry's wire shape for the
// "activity" command response.
type ActivityEntry = storage.ActivityEntry

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd   string `json:"cmd"` // status | reconnect | reload_scope | activity
	Limit int    `json:"limit,omitempty"`
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK            bool            `json:"ok"`
	Error         string          `json:"error,omitempty"`
	Status        string          `json:"status,omitempty"`
	DeviceID      string          `json:"device_id,omitempty"`
	ScopedFolders []string        `json:"scoped_folders,omitempty"`
	UptimeSeconds float64         `json:"uptime_seconds,omitempty"`
	Activity      []ActivityEntry `json:"activity,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	appState   *state.AppState
	store      *storage.DB
	log        *zap.Logger
	sem        chan struct{} // Semaphore: max concurrent connections.
	startTime  time.Time
}

// NewServer creates an operator Server backed by the agent's shared state
// and local store.
func NewServer(socketPath string, appState *state.AppState, store *storage.DB, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		appState:   appState,
		store:      store,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
		startTime:  time.Now(),
	}
}

// ListenAndServe starts the operator socket server.
// Removes any stale socket file before binding.
// Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil // Clean shutdown.
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

// handleConn handles a single operator connection.
// Reads one JSON request, executes the command, writes one JSON response.
func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

// dispatch routes a request to the appropriate handler.
func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "status":
		return s.cmdStatus()
	case "reconnect":
		return s.cmdReconnect()
	case "reload_scope":
		return s.cmdReloadScope()
	case "activity":
		return s.cmdActivity(req)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdStatus() Response {
	return Response{
		OK:            true,
		Status:        string(s.appState.Status()),
		DeviceID:      s.appState.DeviceID(),
		ScopedFolders: s.appState.ScopedFolders(),
		UptimeSeconds: time.Since(s.startTime).Seconds(),
	}
}

func (s *Server) cmdReconnect() Response {
	s.log.Info("operator: reconnect requested")
	s.appState.RaiseReconnect()
	return Response{OK: true}
}

func (s *Server) cmdReloadScope() Response {
	settings, err := s.store.LoadSettings()
	if err != nil {
		return Response{OK: false, Error: fmt.Sprintf("load settings: %v", err)}
	}
	if settings == nil {
		return Response{OK: true, ScopedFolders: s.appState.ScopedFolders()}
	}
	s.appState.SetScopedFolders(settings.ScopedFolders)
	s.appState.RaiseFoldersChanged()
	s.log.Info("operator: scope reloaded from local store", zap.Strings("scoped_folders", settings.ScopedFolders))
	return Response{OK: true, ScopedFolders: s.appState.ScopedFolders()}
}

func (s *Server) cmdActivity(req Request) Response {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	entries, err := s.store.RecentActivity(limit)
	if err != nil {
		return Response{OK: false, Error: fmt.Sprintf("read activity: %v", err)}
	}
	return Response{OK: true, Activity: entries}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
