package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType reports an envelope whose type tag no handler accepts.
var ErrUnknownType = errors.New("unknown message type")

// Inbound is one client request. The concrete type is selected by the
// envelope tag and checked by ParseInbound before any handler sees it.
type Inbound interface {
	Type() MessageType
}

// Register creates an account.
type Register struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login authenticates the connection.
type Login struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Logout drops the connection's identity.
type Logout struct{}

// Chat carries a message for one receiver, or for everyone when Receiver is empty.
// Message may itself be a JSON-encoded FileMessage.
type Chat struct {
	Message  string `json:"message"`
	Receiver string `json:"receiver,omitempty"`
}

// FileRequest opens a transfer.
type FileRequest struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Receiver string `json:"receiver,omitempty"`
}

// FileData is one base64 chunk of an open transfer.
type FileData struct {
	TransferID string `json:"transfer_id"`
	Data       string `json:"data"`
	ChunkIndex int    `json:"chunk_index"`
	IsLast     bool   `json:"is_last"`
}

// UserList asks for the identities currently online.
type UserList struct{}

// History asks for stored messages. Without Receiver it returns broadcasts.
type History struct {
	Receiver string `json:"receiver,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

func (Register) Type() MessageType    { return TypeRegister }
func (Login) Type() MessageType       { return TypeLogin }
func (Logout) Type() MessageType      { return TypeLogout }
func (Chat) Type() MessageType        { return TypeChat }
func (FileRequest) Type() MessageType { return TypeFileRequest }
func (FileData) Type() MessageType    { return TypeFileData }
func (UserList) Type() MessageType    { return TypeUserList }
func (History) Type() MessageType     { return TypeHistory }

// ParseInbound decodes msg.Data into the variant named by msg.Type.
func ParseInbound(msg Message) (Inbound, error) {
	var in Inbound
	switch msg.Type {
	case TypeRegister:
		in = &Register{}
	case TypeLogin:
		in = &Login{}
	case TypeLogout:
		in = &Logout{}
	case TypeChat:
		in = &Chat{}
	case TypeFileRequest:
		in = &FileRequest{}
	case TypeFileData:
		in = &FileData{}
	case TypeUserList:
		in = &UserList{}
	case TypeHistory:
		in = &History{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}

	data := msg.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, in); err != nil {
		return nil, fmt.Errorf("%w: bad %s payload: %v", ErrInvalidFrame, msg.Type, err)
	}
	return in, nil
}

// Request frames an inbound variant for sending.
func Request(in Inbound) ([]byte, error) {
	return Encode(in.Type(), in)
}
