package cluster

import (
	"time"

	"github.com/sukikrishna/Distributed-Chat-Application-sub000/chat"
)

// Client-facing chat operations. Reads answer from local state; writes go
// through Propose and thus succeed only on the leader with a quorum.

// CreateAccount registers a new user. Password policy is enforced and the
// hash computed here, before replication, so every replica stores the exact
// same bytes.
func (n *Node) CreateAccount(username, password string) error {
	if username == "" {
		return chat.ErrUnknownUser
	}
	if err := chat.ValidatePassword(password); err != nil {
		return err
	}

	n.mx.Lock()
	defer n.mx.Unlock()

	if _, ok := n.state.Accounts[username]; ok {
		return chat.ErrUsernameTaken
	}
	hash, err := chat.HashPassword(password)
	if err != nil {
		return err
	}
	return n.proposeLocked(chat.CreateAccountOp{
		Username:     username,
		PasswordHash: hash,
	})
}

// Login verifies credentials, marks the account active cluster-wide and
// returns the number of unread messages waiting.
func (n *Node) Login(username, password string) (unread int, err error) {
	n.mx.Lock()
	defer n.mx.Unlock()

	acct, ok := n.state.Accounts[username]
	if !ok {
		return 0, chat.ErrUnknownUser
	}
	if !chat.CheckPassword(acct.PasswordHash, password) {
		return 0, chat.ErrInvalidPassword
	}
	if acct.Active {
		return 0, chat.ErrAlreadyLoggedIn
	}
	if err := n.proposeLocked(chat.LoginOp{Username: username}); err != nil {
		return 0, err
	}
	return n.state.UnreadCount(username), nil
}

func (n *Node) Logout(username string) error {
	n.mx.Lock()
	defer n.mx.Unlock()

	acct, ok := n.state.Accounts[username]
	if !ok {
		return chat.ErrUnknownUser
	}
	if !acct.Active {
		return chat.ErrNotLoggedIn
	}
	return n.proposeLocked(chat.LogoutOp{Username: username})
}

// SendMessage delivers from->to. The leader assigns the message id and
// timestamp and records whether the recipient was online, so the operation
// is deterministic by the time it replicates.
func (n *Node) SendMessage(from, to, content string) (*chat.Message, error) {
	n.mx.Lock()
	defer n.mx.Unlock()

	if _, err := n.activeAccountLocked(from); err != nil {
		return nil, err
	}
	recipient, ok := n.state.Accounts[to]
	if !ok {
		return nil, chat.ErrUnknownRecipient
	}

	msg := chat.Message{
		ID:                    n.state.NextMessageID,
		From:                  from,
		To:                    to,
		Content:               content,
		Timestamp:             time.Now().Unix(),
		DeliveredWhileOffline: !recipient.Active,
	}
	if err := n.proposeLocked(chat.SendMessageOp{Message: msg}); err != nil {
		return nil, err
	}
	return &msg, nil
}

// activeAccountLocked resolves username for a mailbox operation: the
// account must exist and be logged in.
func (n *Node) activeAccountLocked(username string) (*chat.Account, error) {
	acct, ok := n.state.Accounts[username]
	if !ok {
		return nil, chat.ErrUnknownUser
	}
	if !acct.Active {
		return nil, chat.ErrNotLoggedIn
	}
	return acct, nil
}

// GetMessages returns up to limit read messages for username, newest first.
// limit <= 0 means no cap.
func (n *Node) GetMessages(username string, limit int) ([]*chat.Message, error) {
	n.mx.Lock()
	defer n.mx.Unlock()

	if _, err := n.activeAccountLocked(username); err != nil {
		return nil, err
	}
	return n.state.ReadMessages(username, limit), nil
}

// GetUndelivered returns up to limit unread messages for username, newest
// first, and replicates their transition to read so no replica re-delivers
// them.
func (n *Node) GetUndelivered(username string, limit int) ([]*chat.Message, error) {
	n.mx.Lock()
	defer n.mx.Unlock()

	if _, err := n.activeAccountLocked(username); err != nil {
		return nil, err
	}
	msgs := n.state.UnreadMessages(username, limit)
	if len(msgs) == 0 {
		return msgs, nil
	}

	ids := make([]uint64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	if err := n.proposeLocked(chat.MarkReadOp{Username: username, MessageIDs: ids}); err != nil {
		return nil, err
	}
	return msgs, nil
}

// DeleteMessages removes the given messages from username's mailbox.
func (n *Node) DeleteMessages(username string, ids []uint64) error {
	n.mx.Lock()
	defer n.mx.Unlock()

	if _, err := n.activeAccountLocked(username); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	return n.proposeLocked(chat.DeleteMessagesOp{Username: username, MessageIDs: ids})
}

// DeleteAccount removes username and its mailbox everywhere. The caller
// must prove ownership: the password is checked against the stored hash
// before anything is proposed.
func (n *Node) DeleteAccount(username, password string) error {
	n.mx.Lock()
	defer n.mx.Unlock()

	acct, ok := n.state.Accounts[username]
	if !ok {
		return chat.ErrUnknownUser
	}
	if !chat.CheckPassword(acct.PasswordHash, password) {
		return chat.ErrInvalidPassword
	}
	return n.proposeLocked(chat.DeleteAccountOp{Username: username})
}

// ListAccounts matches usernames against a case-insensitive wildcard
// pattern and reports each matching account's presence.
func (n *Node) ListAccounts(pattern string) []chat.AccountStatus {
	n.mx.Lock()
	defer n.mx.Unlock()
	return n.state.ListAccounts(pattern)
}
