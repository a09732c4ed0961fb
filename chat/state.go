package chat

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// Validation errors surfaced to clients before anything is replicated.
var (
	ErrUsernameTaken    = errors.New("username already exists")
	ErrUnknownUser      = errors.New("user not found")
	ErrInvalidPassword  = errors.New("invalid password")
	ErrAlreadyLoggedIn  = errors.New("user already logged in")
	ErrNotLoggedIn      = errors.New("not logged in")
	ErrUnknownRecipient = errors.New("recipient not found")
)

type Account struct {
	Username     string            `json:"username"`
	PasswordHash string            `json:"password_hash"`
	Settings     map[string]string `json:"settings,omitempty"`
	Active       bool              `json:"active"`
}

type Message struct {
	ID                    uint64 `json:"id"`
	From                  string `json:"from"`
	To                    string `json:"to"`
	Content               string `json:"content"`
	Timestamp             int64  `json:"timestamp"`
	Read                  bool   `json:"read"`
	DeliveredWhileOffline bool   `json:"delivered_while_offline"`
}

// AccountStatus is one row of a ListAccounts result.
type AccountStatus struct {
	Username string `json:"username"`
	Status   string `json:"status"`
}

// State holds the application state of one node: accounts, per-user
// mailboxes and the cluster-wide message id counter. It is not safe for
// concurrent use; the owning node serializes access under its lock.
type State struct {
	Accounts  map[string]*Account
	Mailboxes map[string][]*Message

	// NextMessageID is the id the next message will receive. Recovered
	// after restart as max(persisted counter, max persisted id + 1) so a
	// stale counter can never collide with ids already on disk.
	NextMessageID uint64
}

func NewState() *State {
	return &State{
		Accounts:  make(map[string]*Account),
		Mailboxes: make(map[string][]*Message),
	}
}

// Apply executes one operation against the state. It is deterministic: two
// nodes applying the same sequence of operations end up with identical
// state. Unknown usernames are tolerated (the leader validated before
// proposing; a follower may legitimately see an operation for state it is
// about to receive) except where noted.
func (s *State) Apply(op Op) error {
	switch v := op.(type) {
	case CreateAccountOp:
		if _, ok := s.Accounts[v.Username]; ok {
			return ErrUsernameTaken
		}
		s.Accounts[v.Username] = &Account{
			Username:     v.Username,
			PasswordHash: v.PasswordHash,
			Settings:     make(map[string]string),
		}
		s.Mailboxes[v.Username] = nil
		return nil

	case LoginOp:
		acct, ok := s.Accounts[v.Username]
		if !ok {
			return ErrUnknownUser
		}
		acct.Active = true
		return nil

	case LogoutOp:
		acct, ok := s.Accounts[v.Username]
		if !ok {
			return ErrUnknownUser
		}
		acct.Active = false
		return nil

	case SendMessageOp:
		msg := v.Message
		// Replay of an already-applied message must not duplicate it.
		for _, existing := range s.Mailboxes[msg.To] {
			if existing.ID == msg.ID {
				return nil
			}
		}
		stored := msg
		s.Mailboxes[msg.To] = append(s.Mailboxes[msg.To], &stored)
		if msg.ID >= s.NextMessageID {
			s.NextMessageID = msg.ID + 1
		}
		return nil

	case MarkReadOp:
		for _, msg := range s.Mailboxes[v.Username] {
			if containsID(v.MessageIDs, msg.ID) {
				msg.Read = true
			}
		}
		return nil

	case DeleteMessagesOp:
		box := s.Mailboxes[v.Username]
		kept := box[:0]
		for _, msg := range box {
			if !containsID(v.MessageIDs, msg.ID) {
				kept = append(kept, msg)
			}
		}
		s.Mailboxes[v.Username] = kept
		return nil

	case DeleteAccountOp:
		delete(s.Accounts, v.Username)
		delete(s.Mailboxes, v.Username)
		return nil
	}

	return fmt.Errorf("unsupported operation type %T", op)
}

func containsID(ids []uint64, id uint64) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func (s *State) UnreadCount(username string) int {
	count := 0
	for _, msg := range s.Mailboxes[username] {
		if !msg.Read {
			count++
		}
	}
	return count
}

// ReadMessages returns the user's read messages, newest first, capped by
// count (count <= 0 means no cap).
func (s *State) ReadMessages(username string, count int) []*Message {
	var out []*Message
	for _, msg := range s.Mailboxes[username] {
		if msg.Read {
			out = append(out, msg)
		}
	}
	sortNewestFirst(out)
	return capMessages(out, count)
}

// UnreadMessages returns the user's unread messages, newest first, capped by
// count. The messages are not mutated; marking them read is a separate,
// replicated operation.
func (s *State) UnreadMessages(username string, count int) []*Message {
	var out []*Message
	for _, msg := range s.Mailboxes[username] {
		if !msg.Read {
			out = append(out, msg)
		}
	}
	sortNewestFirst(out)
	return capMessages(out, count)
}

func sortNewestFirst(msgs []*Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp > msgs[j].Timestamp
		}
		return msgs[i].ID > msgs[j].ID
	})
}

func capMessages(msgs []*Message, count int) []*Message {
	if count > 0 && len(msgs) > count {
		return msgs[:count]
	}
	return msgs
}

// ListAccounts returns accounts whose username matches the glob pattern,
// case-insensitively. An empty pattern lists everyone; a pattern without a
// trailing wildcard is treated as a prefix search.
func (s *State) ListAccounts(pattern string) []AccountStatus {
	if pattern == "" {
		pattern = "*"
	} else if !strings.HasSuffix(pattern, "*") {
		pattern += "*"
	}
	pattern = strings.ToLower(pattern)

	var out []AccountStatus
	for username, acct := range s.Accounts {
		matched, err := path.Match(pattern, strings.ToLower(username))
		if err != nil || !matched {
			continue
		}
		status := "offline"
		if acct.Active {
			status = "online"
		}
		out = append(out, AccountStatus{Username: username, Status: status})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// MaxMessageID returns the highest message id present in any mailbox, or 0.
func (s *State) MaxMessageID() uint64 {
	var max uint64
	for _, box := range s.Mailboxes {
		for _, msg := range box {
			if msg.ID > max {
				max = msg.ID
			}
		}
	}
	return max
}
