package chat

import (
	"encoding/json"
	"fmt"
)

// Op is a state machine operation. The set of implementations is closed:
// every operation that can be replicated between nodes is one of the structs
// below, and both the encode and apply paths switch over all of them.
type Op interface {
	isOp()
}

type CreateAccountOp struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
}

type LoginOp struct {
	Username string `json:"username"`
}

type LogoutOp struct {
	Username string `json:"username"`
}

type SendMessageOp struct {
	Message Message `json:"message"`
}

type MarkReadOp struct {
	Username   string   `json:"username"`
	MessageIDs []uint64 `json:"message_ids"`
}

type DeleteMessagesOp struct {
	Username   string   `json:"username"`
	MessageIDs []uint64 `json:"message_ids"`
}

type DeleteAccountOp struct {
	Username string `json:"username"`
}

func (CreateAccountOp) isOp()  {}
func (LoginOp) isOp()          {}
func (LogoutOp) isOp()         {}
func (SendMessageOp) isOp()    {}
func (MarkReadOp) isOp()       {}
func (DeleteMessagesOp) isOp() {}
func (DeleteAccountOp) isOp()  {}

const (
	opCreateAccount  = "create_account"
	opLogin          = "login"
	opLogout         = "logout"
	opSendMessage    = "send_message"
	opMarkRead       = "mark_read"
	opDeleteMessages = "delete_messages"
	opDeleteAccount  = "delete_account"
)

// opEnvelope is the wire form of an Op: a type tag plus the operation body.
type opEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func EncodeOp(op Op) ([]byte, error) {
	var kind string

	switch op.(type) {
	case CreateAccountOp:
		kind = opCreateAccount
	case LoginOp:
		kind = opLogin
	case LogoutOp:
		kind = opLogout
	case SendMessageOp:
		kind = opSendMessage
	case MarkReadOp:
		kind = opMarkRead
	case DeleteMessagesOp:
		kind = opDeleteMessages
	case DeleteAccountOp:
		kind = opDeleteAccount
	default:
		return nil, fmt.Errorf("unsupported operation type %T", op)
	}

	data, err := json.Marshal(op)
	if err != nil {
		return nil, err
	}

	return json.Marshal(opEnvelope{Type: kind, Data: data})
}

func DecodeOp(raw []byte) (Op, error) {
	var env opEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("cannot decode operation envelope: %w", err)
	}

	var op Op
	switch env.Type {
	case opCreateAccount:
		op = &CreateAccountOp{}
	case opLogin:
		op = &LoginOp{}
	case opLogout:
		op = &LogoutOp{}
	case opSendMessage:
		op = &SendMessageOp{}
	case opMarkRead:
		op = &MarkReadOp{}
	case opDeleteMessages:
		op = &DeleteMessagesOp{}
	case opDeleteAccount:
		op = &DeleteAccountOp{}
	default:
		return nil, fmt.Errorf("unknown operation type %q", env.Type)
	}

	if err := json.Unmarshal(env.Data, op); err != nil {
		return nil, fmt.Errorf("cannot decode %s operation: %w", env.Type, err)
	}

	// Return the value, not the pointer, so the apply path can switch on
	// concrete struct types.
	switch v := op.(type) {
	case *CreateAccountOp:
		return *v, nil
	case *LoginOp:
		return *v, nil
	case *LogoutOp:
		return *v, nil
	case *SendMessageOp:
		return *v, nil
	case *MarkReadOp:
		return *v, nil
	case *DeleteMessagesOp:
		return *v, nil
	case *DeleteAccountOp:
		return *v, nil
	}

	return nil, fmt.Errorf("unknown operation type %q", env.Type)
}
