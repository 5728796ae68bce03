// Package protocol implements the wire format shared by the server and its
// clients: a 4-byte big-endian length prefix followed by a UTF-8 JSON body of
// the form {"type": <tag>, "data": <object>}.
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// HeaderSize is the length of the frame prefix.
const HeaderSize = 4

var (
	// ErrIncomplete reports that the buffer does not yet hold a whole frame.
	// Callers should read more bytes and try again.
	ErrIncomplete = errors.New("incomplete frame")
	// ErrInvalidFrame reports a frame whose body is not a valid envelope.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrFrameTooLarge reports a declared length above the reader's limit.
	ErrFrameTooLarge = errors.New("frame too large")
)

// MessageType is the "type" tag of an envelope.
type MessageType string

const (
	TypeRegister       MessageType = "REGISTER"
	TypeLogin          MessageType = "LOGIN"
	TypeLogout         MessageType = "LOGOUT"
	TypeChat           MessageType = "CHAT"
	TypeFileRequest    MessageType = "FILE_REQUEST"
	TypeFileData       MessageType = "FILE_DATA"
	TypeFileAck        MessageType = "FILE_ACK"
	TypeBroadcast      MessageType = "BROADCAST"
	TypePrivateMessage MessageType = "PRIVATE_MESSAGE"
	TypeError          MessageType = "ERROR"
	TypeSuccess        MessageType = "SUCCESS"
	TypeUserList       MessageType = "USER_LIST"
	TypeHistory        MessageType = "HISTORY"
	TypeUserOnline     MessageType = "user_online"
	TypeUserOffline    MessageType = "user_offline"
	TypeOnlineUsers    MessageType = "online_users"
)

// String returns the wire tag.
func (mt MessageType) String() string {
	return string(mt)
}

// Message is a decoded envelope. Data holds the raw JSON object so that
// handlers can decode it into the variant selected by Type.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Outbound is a message waiting to be framed. Data must marshal to a JSON
// object; nil is sent as {}.
type Outbound struct {
	Type MessageType
	Data any
}

// Encode frames the message.
func (o Outbound) Encode() ([]byte, error) {
	return Encode(o.Type, o.Data)
}

// Encode serialises {type, data} to compact JSON and prepends the length.
func Encode(t MessageType, data any) ([]byte, error) {
	body, err := marshalBody(t, data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", t, err)
	}
	return Frame(body), nil
}

// Frame prepends the length prefix to an already encoded JSON body.
func Frame(body []byte) []byte {
	frame := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:HeaderSize], uint32(len(body)))
	copy(frame[HeaderSize:], body)
	return frame
}

// Body strips the length prefix from a complete frame.
func Body(frame []byte) ([]byte, error) {
	if len(frame) < HeaderSize {
		return nil, ErrIncomplete
	}
	n := int(binary.BigEndian.Uint32(frame[:HeaderSize]))
	if len(frame) < HeaderSize+n {
		return nil, ErrIncomplete
	}
	return frame[HeaderSize : HeaderSize+n], nil
}

// Decode parses the first frame in buf. It returns the message and the number
// of bytes the frame occupied. ErrIncomplete means buf is shorter than the
// declared frame; ErrInvalidFrame means the frame was complete but its body is
// not an envelope, in which case n still covers the bad frame so the caller
// can discard it.
func Decode(buf []byte) (Message, int, error) {
	body, err := Body(buf)
	if err != nil {
		return Message{}, 0, err
	}
	n := HeaderSize + len(body)
	msg, err := DecodeBody(body)
	if err != nil {
		return Message{}, n, err
	}
	return msg, n, nil
}

// DecodeBody parses an unframed JSON envelope.
func DecodeBody(body []byte) (Message, error) {
	if !utf8.Valid(body) {
		return Message{}, fmt.Errorf("%w: body is not UTF-8", ErrInvalidFrame)
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrInvalidFrame)
	}
	if len(msg.Data) == 0 || bytes.Equal(msg.Data, []byte("null")) {
		msg.Data = json.RawMessage("{}")
	}
	if msg.Data[0] != '{' {
		return Message{}, fmt.Errorf("%w: data is not an object", ErrInvalidFrame)
	}
	return msg, nil
}

// BuildResponse returns the acknowledgment envelope used by every handler:
// {success, message, ...extra}. Keys in extra override success and message.
func BuildResponse(t MessageType, success bool, message string, extra map[string]any) Outbound {
	data := make(map[string]any, len(extra)+2)
	data["success"] = success
	data["message"] = message
	for k, v := range extra {
		data[k] = v
	}
	return Outbound{Type: t, Data: data}
}

func marshalBody(t MessageType, data any) ([]byte, error) {
	var raw json.RawMessage
	if data == nil {
		raw = json.RawMessage("{}")
	} else {
		b, err := marshalCompact(data)
		if err != nil {
			return nil, err
		}
		if len(b) == 0 || b[0] != '{' {
			return nil, errors.New("data must be a JSON object")
		}
		raw = b
	}
	return marshalCompact(struct {
		Type MessageType     `json:"type"`
		Data json.RawMessage `json:"data"`
	}{Type: t, Data: raw})
}

// marshalCompact is json.Marshal without HTML escaping, so message text
// containing <, > or & travels unchanged.
func marshalCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
