package protocol

import (
	"encoding/json"
	"testing"
)

func TestPeekType(t *testing.T) {
	typ, err := PeekType([]byte(`{"type":"heartbeat"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if typ != TypeHeartbeat {
		t.Errorf("got %q, want %q", typ, TypeHeartbeat)
	}
}

func TestPeekType_Malformed(t *testing.T) {
	if _, err := PeekType([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func TestPeekType_MissingType(t *testing.T) {
	if _, err := PeekType([]byte(`{"foo":"bar"}`)); err == nil {
		t.Fatal("expected error for missing type field")
	}
}

func TestResponseFrame_OmitsOptionalFields(t *testing.T) {
	resp := NewSuccessResponse("req-1", map[string]any{"files": []string{}}, nil)
	data, err := Encode(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, present := raw["bytes_transferred"]; present {
		t.Error("bytes_transferred should be omitted when nil, not null")
	}
	if _, present := raw["error"]; present {
		t.Error("error should be omitted on success")
	}
}

func TestResponseFrame_BytesTransferredIncluded(t *testing.T) {
	n := int64(1024)
	resp := NewSuccessResponse("req-2", map[string]any{"encoding": "base64"}, &n)
	data, err := Encode(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := raw["bytes_transferred"].(float64)
	if !ok || int64(got) != n {
		t.Errorf("bytes_transferred = %v, want %d", raw["bytes_transferred"], n)
	}
}

func TestDecodeRequest(t *testing.T) {
	raw := []byte(`{"type":"request","request_id":"r1","tool":"list_files","params":{"path":"/tmp"}}`)
	req, err := DecodeRequest(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.RequestID != "r1" || req.Tool != "list_files" {
		t.Errorf("decoded request = %+v", req)
	}
}

func TestDecodeRequest_MissingRequestID(t *testing.T) {
	raw := []byte(`{"type":"request","tool":"list_files","params":{}}`)
	if _, err := DecodeRequest(raw); err == nil {
		t.Fatal("expected error for missing request_id")
	}
}

func TestDecodeRegistered(t *testing.T) {
	raw := []byte(`{"type":"registered","device_id":"dev-123"}`)
	reg, err := DecodeRegistered(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.DeviceID != "dev-123" {
		t.Errorf("device_id = %q", reg.DeviceID)
	}
}

func TestDecodeRegistered_MissingDeviceID(t *testing.T) {
	raw := []byte(`{"type":"registered"}`)
	if _, err := DecodeRegistered(raw); err == nil {
		t.Fatal("expected error for missing device_id")
	}
}
