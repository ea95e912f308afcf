package operator

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/thebeakr/desktop-agent/internal/state"
	"github.com/thebeakr/desktop-agent/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *state.AppState, *storage.DB, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "agent.db")
	db, err := storage.Open(dbPath, 7)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	appState := state.New("test-device", []string{"/tmp/scope"})
	appState.SetDeviceID("dev_123")
	appState.SetStatus(state.StatusConnected)

	sockPath := filepath.Join(t.TempDir(), "operator.sock")
	srv := NewServer(sockPath, appState, db, zap.NewNop())
	return srv, appState, db, sockPath
}

func runServer(t *testing.T, srv *Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.ListenAndServe(ctx)
	// Give the listener a moment to bind.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", srv.socketPath); err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("operator socket never became reachable")
}

func sendRequest(t *testing.T, sockPath string, req Request) Response {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	data, _ := json.Marshal(req)
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp Response
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestOperator_Status(t *testing.T) {
	srv, _, _, sockPath := newTestServer(t)
	runServer(t, srv)

	resp := sendRequest(t, sockPath, Request{Cmd: "status"})
	if !resp.OK {
		t.Fatalf("status failed: %s", resp.Error)
	}
	if resp.Status != "connected" {
		t.Errorf("status = %q", resp.Status)
	}
	if resp.DeviceID != "dev_123" {
		t.Errorf("device_id = %q", resp.DeviceID)
	}
}

func TestOperator_Reconnect(t *testing.T) {
	srv, appState, _, sockPath := newTestServer(t)
	runServer(t, srv)

	resp := sendRequest(t, sockPath, Request{Cmd: "reconnect"})
	if !resp.OK {
		t.Fatalf("reconnect failed: %s", resp.Error)
	}

	select {
	case <-appState.ReconnectSignal():
	case <-time.After(time.Second):
		t.Fatal("expected reconnect signal to be raised")
	}
}

func TestOperator_ReloadScope(t *testing.T) {
	srv, appState, db, sockPath := newTestServer(t)
	runServer(t, srv)

	if err := db.SaveSettings(storage.SettingsRecord{ScopedFolders: []string{"/new/scope"}}); err != nil {
		t.Fatal(err)
	}

	resp := sendRequest(t, sockPath, Request{Cmd: "reload_scope"})
	if !resp.OK {
		t.Fatalf("reload_scope failed: %s", resp.Error)
	}
	if len(resp.ScopedFolders) != 1 || resp.ScopedFolders[0] != "/new/scope" {
		t.Errorf("scoped_folders = %v", resp.ScopedFolders)
	}
	if got := appState.ScopedFolders(); len(got) != 1 || got[0] != "/new/scope" {
		t.Errorf("appState scoped folders not updated: %v", got)
	}

	select {
	case <-appState.FoldersChangedSignal():
	case <-time.After(time.Second):
		t.Fatal("expected folders_changed signal to be raised")
	}
}

func TestOperator_Activity(t *testing.T) {
	srv, _, db, sockPath := newTestServer(t)
	runServer(t, srv)

	for i := 0; i < 3; i++ {
		if err := db.AppendActivity(storage.ActivityEntry{Tool: "list_files", Status: "ok"}); err != nil {
			t.Fatal(err)
		}
	}

	resp := sendRequest(t, sockPath, Request{Cmd: "activity", Limit: 2})
	if !resp.OK {
		t.Fatalf("activity failed: %s", resp.Error)
	}
	if len(resp.Activity) != 2 {
		t.Errorf("expected 2 activity entries, got %d", len(resp.Activity))
	}
}

func TestOperator_UnknownCommand(t *testing.T) {
	srv, _, _, sockPath := newTestServer(t)
	runServer(t, srv)

	resp := sendRequest(t, sockPath, Request{Cmd: "bogus"})
	if resp.OK {
		t.Fatal("expected unknown command to fail")
	}
}
