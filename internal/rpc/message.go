// Package rpc implements the line-delimited JSON-RPC envelope shared by the
// engine stdio channel and the bridge WebSocket protocol.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

const Version = "2.0"

// Kind classifies an inbound message.
type Kind int

const (
	KindInvalid Kind = iota
	KindResponse
	KindNotification
	// KindRequest is a request carrying both a method and an id. Coming from
	// the engine it is a reversed request that the bridge must answer.
	KindRequest
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	case KindRequest:
		return "request"
	default:
		return "invalid"
	}
}

// Message is the single envelope for requests, responses and notifications.
// ID is kept raw so ids originated by a peer are echoed back byte-for-byte.
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	EventID int64           `json:"eventId,omitempty"`
}

// HasID reports whether the message carries a non-null id.
func (m *Message) HasID() bool {
	id := bytes.TrimSpace(m.ID)
	return len(id) > 0 && !bytes.Equal(id, []byte("null"))
}

// Kind classifies the message by the presence of method, id, result and error.
func (m *Message) Kind() Kind {
	switch {
	case m.Method != "" && m.HasID():
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.HasID() && (m.Result != nil || m.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

// IDKey returns a canonical map key for the message id, so that 7 and "7"
// remain distinct but formatting differences of the same number do not.
func (m *Message) IDKey() string {
	return IDKey(m.ID)
}

// IDKey canonicalises a raw JSON id.
func IDKey(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return "s:" + s
		}
		return "s:" + string(raw)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return "n:" + strconv.FormatInt(i, 10)
		}
		return "n:" + n.String()
	}
	return "r:" + string(raw)
}

// IntID returns the id as an int64 when it is an integral number.
func (m *Message) IntID() (int64, bool) {
	var n json.Number
	if err := json.Unmarshal(bytes.TrimSpace(m.ID), &n); err != nil {
		return 0, false
	}
	i, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return i, true
}

// Decode parses one line. Whitespace around the object is ignored. Anything
// that is not a JSON object or does not classify as a known kind yields an
// error wrapping ErrPayloadShape.
func Decode(line []byte) (*Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return nil, fmt.Errorf("%w: not a json object", ErrPayloadShape)
	}
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadShape, err)
	}
	if msg.Kind() == KindInvalid {
		return nil, fmt.Errorf("%w: no method and no response body", ErrPayloadShape)
	}
	return &msg, nil
}

// Encode serializes msg as a single newline-terminated line.
func Encode(msg *Message) ([]byte, error) {
	if msg.JSONRPC == "" {
		msg.JSONRPC = Version
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return append(b, '\n'), nil
}

// MarshalParams converts caller params into a raw JSON value. Nil stays nil
// and raw messages pass through untouched.
func MarshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return b, nil
}

// NewRequest builds a request with an integer id.
func NewRequest(id int64, method string, params any) (*Message, error) {
	raw, err := MarshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{
		JSONRPC: Version,
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  raw,
	}, nil
}

// NewNotification builds a notification without an event id.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := MarshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewEvent builds a notification stamped with an event id.
func NewEvent(eventID int64, method string, params json.RawMessage) *Message {
	return &Message{JSONRPC: Version, Method: method, Params: params, EventID: eventID}
}

// NewResult builds a success response that answers id.
func NewResult(id json.RawMessage, result any) (*Message, error) {
	raw, err := MarshalParams(result)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return &Message{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response that answers id.
func NewErrorResponse(id json.RawMessage, code int, message string, data any) *Message {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Message{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message, Data: data}}
}
