// Package protocol defines the wire envelope exchanged over the desktop
// agent's WebSocket connection: a small set of tagged, snake_case JSON
// frames, encoded and decoded with no I/O of its own. Every frame carries
// a "type" discriminator field; encoding and decoding are pure functions
// over []byte, leaving transport entirely to the caller.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame type tags, used as the top-level "type" discriminator on every
// wire message.
const (
	TypeRegister      = "register"
	TypeHeartbeat     = "heartbeat"
	TypeResponse      = "response"
	TypeUpdateFolders = "update_folders"
	TypeRegistered    = "registered"
	TypeRequest       = "request"
)

// ResponseStatus is the status field of an outgoing response frame.
type ResponseStatus string

const (
	StatusSuccess ResponseStatus = "success"
	StatusError   ResponseStatus = "error"
)

// envelope is used only to sniff the "type" discriminator of an inbound
// frame before deciding which concrete struct to unmarshal into.
type envelope struct {
	Type string `json:"type"`
}

// PeekType returns the "type" discriminator of a raw JSON frame without
// decoding the rest of it.
func PeekType(raw []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("protocol: malformed frame: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("protocol: frame missing \"type\" field")
	}
	return env.Type, nil
}

// RegisterFrame is sent once, immediately after the socket opens, to
// perform the registration handshake.
type RegisterFrame struct {
	Type            string   `json:"type"`
	DeviceName      string   `json:"device_name"`
	Platform        string   `json:"platform"`
	ScopedFolders   []string `json:"scoped_folders"`
	PlatformVersion string   `json:"platform_version,omitempty"`
	AppVersion      string   `json:"app_version,omitempty"`
}

// NewRegisterFrame builds a RegisterFrame with the type tag set.
func NewRegisterFrame(deviceName, platform string, scopedFolders []string, platformVersion, appVersion string) RegisterFrame {
	return RegisterFrame{
		Type:            TypeRegister,
		DeviceName:      deviceName,
		Platform:        platform,
		ScopedFolders:   scopedFolders,
		PlatformVersion: platformVersion,
		AppVersion:      appVersion,
	}
}

// HeartbeatFrame is an empty-payload keepalive.
type HeartbeatFrame struct {
	Type string `json:"type"`
}

// NewHeartbeatFrame builds a HeartbeatFrame.
func NewHeartbeatFrame() HeartbeatFrame {
	return HeartbeatFrame{Type: TypeHeartbeat}
}

// ResponseFrame carries the result of a dispatched tool request. Data is
// any JSON-marshalable value produced by a tool handler; Error is set
// instead of Data when Status is StatusError. BytesTransferred is omitted
// entirely (not null) when the tool did not transfer file content.
type ResponseFrame struct {
	Type             string         `json:"type"`
	RequestID        string         `json:"request_id"`
	Status           ResponseStatus `json:"status"`
	Data             any            `json:"data,omitempty"`
	Error            string         `json:"error,omitempty"`
	BytesTransferred *int64         `json:"bytes_transferred,omitempty"`
}

// NewSuccessResponse builds a successful ResponseFrame.
func NewSuccessResponse(requestID string, data any, bytesTransferred *int64) ResponseFrame {
	return ResponseFrame{
		Type:             TypeResponse,
		RequestID:        requestID,
		Status:           StatusSuccess,
		Data:             data,
		BytesTransferred: bytesTransferred,
	}
}

// NewErrorResponse builds an error ResponseFrame.
func NewErrorResponse(requestID string, errMsg string) ResponseFrame {
	return ResponseFrame{
		Type:      TypeResponse,
		RequestID: requestID,
		Status:    StatusError,
		Error:     errMsg,
	}
}

// UpdateFoldersFrame is pushed whenever the agent's scoped folders change.
type UpdateFoldersFrame struct {
	Type          string   `json:"type"`
	ScopedFolders []string `json:"scoped_folders"`
}

// NewUpdateFoldersFrame builds an UpdateFoldersFrame.
func NewUpdateFoldersFrame(scopedFolders []string) UpdateFoldersFrame {
	return UpdateFoldersFrame{Type: TypeUpdateFolders, ScopedFolders: scopedFolders}
}

// RegisteredFrame is the server's reply to a successful registration.
type RegisteredFrame struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
}

// RequestFrame is a server-initiated tool invocation.
type RequestFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Tool      string          `json:"tool"`
	Params    json.RawMessage `json:"params"`
}

// DecodeRegistered decodes a frame already known (via PeekType) to be a
// "registered" frame.
func DecodeRegistered(raw []byte) (RegisteredFrame, error) {
	var f RegisteredFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return RegisteredFrame{}, fmt.Errorf("protocol: decode registered: %w", err)
	}
	if f.DeviceID == "" {
		return RegisteredFrame{}, fmt.Errorf("protocol: registered frame missing device_id")
	}
	return f, nil
}

// DecodeRequest decodes a frame already known (via PeekType) to be a
// "request" frame.
func DecodeRequest(raw []byte) (RequestFrame, error) {
	var f RequestFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return RequestFrame{}, fmt.Errorf("protocol: decode request: %w", err)
	}
	if f.RequestID == "" {
		return RequestFrame{}, fmt.Errorf("protocol: request frame missing request_id")
	}
	if f.Tool == "" {
		return RequestFrame{}, fmt.Errorf("protocol: request frame missing tool")
	}
	return f, nil
}

// Encode marshals any outgoing frame value to its wire JSON form.
func Encode(frame any) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	return data, nil
}
