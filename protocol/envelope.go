package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the kind of an Envelope.
type MessageType string

const (
	TypeRequest      MessageType = "REQUEST"
	TypeResponse     MessageType = "RESPONSE"
	TypeNotification MessageType = "NOTIFICATION"
	TypeError        MessageType = "ERROR"
)

// Valid reports whether t is one of the four known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeNotification, TypeError:
		return true
	}
	return false
}

// ErrorCode is a numeric protocol error code. The -327xx range mirrors
// JSON-RPC 2.0; the -320xx range is bridge-specific.
type ErrorCode int

const (
	CodeParseError     ErrorCode = -32700
	CodeInvalidRequest ErrorCode = -32600
	CodeMethodNotFound ErrorCode = -32601
	CodeInvalidParams  ErrorCode = -32602
	CodeInternalError  ErrorCode = -32603
	CodeServerError    ErrorCode = -32000
	CodeClientNotFound ErrorCode = -32001
	CodeAutomation     ErrorCode = -32002
	CodeVnc            ErrorCode = -32003
)

// Error is the error member of an ERROR envelope.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Envelope is one complete protocol message. Exactly one of Result or Error
// is populated on non-request kinds; Method is present only on REQUEST and
// NOTIFICATION envelopes.
type Envelope struct {
	ID        string         `json:"id"`
	Type      MessageType    `json:"type"`
	Method    string         `json:"method,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Result    any            `json:"result,omitempty"`
	Error     *Error         `json:"error,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// NewRequest builds a REQUEST envelope with the caller-chosen correlation id.
func NewRequest(id, method string, params map[string]any) *Envelope {
	return &Envelope{
		ID:        id,
		Type:      TypeRequest,
		Method:    method,
		Params:    params,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewNotification builds a NOTIFICATION envelope.
func NewNotification(id, method string, params map[string]any) *Envelope {
	return &Envelope{
		ID:        id,
		Type:      TypeNotification,
		Method:    method,
		Params:    params,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewResponse builds a successful RESPONSE envelope correlated to id.
func NewResponse(id string, result any) *Envelope {
	return &Envelope{
		ID:        id,
		Type:      TypeResponse,
		Result:    result,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewError builds an ERROR envelope correlated to id.
func NewError(id string, code ErrorCode, message string) *Envelope {
	return &Envelope{
		ID:        id,
		Type:      TypeError,
		Error:     &Error{Code: code, Message: message},
		Timestamp: time.Now().UnixMilli(),
	}
}

// Encode serializes the envelope as a single JSON object.
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// Decode parses one frame into an Envelope and enforces the structural
// invariants: a known type, and mutually exclusive result/error members on
// non-request kinds. It does not apply size or allow-list policy; that is the
// security validator's job.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if !e.Type.Valid() {
		return nil, fmt.Errorf("unknown message type %q", e.Type)
	}
	switch e.Type {
	case TypeRequest, TypeNotification:
		if e.Error != nil || e.Result != nil {
			return nil, fmt.Errorf("%s envelope cannot carry result or error", e.Type)
		}
	case TypeResponse:
		if e.Error != nil {
			return nil, fmt.Errorf("RESPONSE envelope cannot carry an error member")
		}
		if !hasResultMember(data) {
			return nil, fmt.Errorf("RESPONSE envelope missing result member")
		}
	case TypeError:
		if e.Error == nil {
			return nil, fmt.Errorf("ERROR envelope missing error member")
		}
		if e.Result != nil {
			return nil, fmt.Errorf("ERROR envelope cannot carry a result")
		}
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	return &e, nil
}

// hasResultMember reports whether the frame carries a result member at all.
// After decoding into any, a JSON null result is indistinguishable from an
// absent one, so presence is checked against the raw message.
func hasResultMember(data []byte) bool {
	var shape struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return false
	}
	return len(shape.Result) > 0
}
