package state

import (
	"sync"
	"testing"
)

func TestNew_CoalescesDuplicateFolders(t *testing.T) {
	s := New("my-laptop", []string{"/a", "/b", "/a"})
	got := s.ScopedFolders()
	want := []string{"/a", "/b"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestAppState_DeviceIDInvariant(t *testing.T) {
	s := New("host", nil)
	if s.DeviceID() != "" {
		t.Fatal("expected empty device id initially")
	}
	s.SetStatus(StatusConnected)
	s.SetDeviceID("dev-1")
	if s.Status() != StatusConnected || s.DeviceID() != "dev-1" {
		t.Fatalf("status=%v deviceID=%v", s.Status(), s.DeviceID())
	}
	s.SetDeviceID("")
	s.SetStatus(StatusDisconnected)
	if s.DeviceID() != "" {
		t.Error("expected device id cleared on disconnect")
	}
}

func TestAppState_StatusObserversFireInOrder(t *testing.T) {
	s := New("host", nil)
	var mu sync.Mutex
	var seen []ConnectionStatus
	s.OnStatusChange(func(cs ConnectionStatus) {
		mu.Lock()
		seen = append(seen, cs)
		mu.Unlock()
	})

	s.SetStatus(StatusConnecting)
	s.SetStatus(StatusConnected)
	s.SetStatus(StatusReconnecting)

	mu.Lock()
	defer mu.Unlock()
	want := []ConnectionStatus{StatusConnecting, StatusConnected, StatusReconnecting}
	if len(seen) != len(want) {
		t.Fatalf("got %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("got %v, want %v", seen, want)
		}
	}
}

func TestShutdownSignal_CollapsesMultipleRaises(t *testing.T) {
	s := New("host", nil)
	s.RaiseShutdown()
	s.RaiseShutdown()
	s.RaiseShutdown()

	select {
	case <-s.ShutdownSignal():
	default:
		t.Fatal("expected shutdown signal to be pending")
	}

	select {
	case <-s.ShutdownSignal():
		t.Fatal("expected only one pending wake-up after three raises")
	default:
	}
}

func TestFoldersChangedSignal_CollapsesMultipleRaises(t *testing.T) {
	s := New("host", nil)
	s.RaiseFoldersChanged()
	s.RaiseFoldersChanged()

	select {
	case <-s.FoldersChangedSignal():
	default:
		t.Fatal("expected folders-changed signal to be pending")
	}

	select {
	case <-s.FoldersChangedSignal():
		t.Fatal("expected only one pending wake-up")
	default:
	}
}

func TestSetScopedFolders_Coalesces(t *testing.T) {
	s := New("host", nil)
	s.SetScopedFolders([]string{"/x", "/y", "/x", "/z"})
	got := s.ScopedFolders()
	if len(got) != 3 {
		t.Fatalf("got %v", got)
	}
}

func TestAppState_ConcurrentReadWrite(t *testing.T) {
	s := New("host", []string{"/a"})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.ScopedFolders()
		}()
		go func() {
			defer wg.Done()
			s.RaiseFoldersChanged()
		}()
	}
	wg.Wait()
}
