package cluster

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sukikrishna/Distributed-Chat-Application-sub000/chat"
)

type Role int

const (
	// Follower - normal state, expects heartbeats from the leader.
	// If none arrive within the election timeout, becomes Candidate.
	Follower Role = iota

	// Candidate - trying to become leader, requesting votes from peers.
	Candidate

	// Leader - accepts client writes and replicates them to followers.
	// At most one valid leader per term.
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	}
	return "unknown"
}

// NotLeaderError rejects a client write on a non-leader node, naming the
// last-known leader when there is one.
type NotLeaderError struct {
	LeaderID      uint32
	LeaderAddress string
}

func (e *NotLeaderError) Error() string {
	if e == nil || e.LeaderAddress == "" {
		return "not leader"
	}
	return fmt.Sprintf("not leader; leader=%s", e.LeaderAddress)
}

// Node is one member of the chat cluster. A single mutex guards everything
// mutable: role, term, vote, membership, the chat state and the pending
// state-transfer buffer. Applying an operation, persisting the snapshot and
// every role transition happen under that lock, so "apply, persist, reply"
// is atomic with respect to every other RPC handler and the election timer.
type Node struct {
	id      uint32
	address string

	mx sync.Mutex

	role        Role
	currentTerm uint64
	votedFor    uint32 // 0 == haven't voted this term
	leaderID    uint32

	peers map[uint32]string // full membership, this node included

	state *chat.State
	store *Store

	// Buffer for an inbound chunked state transfer.
	pendingChunks  [][]byte
	chunksReceived int

	// Live notification streams, per local subscriber.
	subscribers map[string][]chan *chat.Message

	electionTimer   *time.Timer  // runs only while not Leader
	heartbeatTicker *time.Ticker // runs only while Leader

	timing TimingConfig
	client PeerClient
	rng    *rand.Rand
	logger *logrus.Entry

	shutdownCh chan struct{}
	started    bool
}

func NewNode(cfg *Config, client PeerClient) (*Node, error) {
	store, err := NewStore(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return nil, err
	}

	n := &Node{
		id:          cfg.Node.ID,
		address:     cfg.Node.Address,
		role:        Follower,
		peers:       cfg.GetPeers(),
		state:       chat.NewState(),
		store:       store,
		subscribers: make(map[string][]chan *chat.Message),
		timing:      cfg.Timing,
		client:      client,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano() + int64(cfg.Node.ID))),
		logger: logrus.WithFields(logrus.Fields{
			"node": cfg.Node.ID,
		}),
		shutdownCh: make(chan struct{}),
	}

	snap, ok, err := store.Load()
	if err != nil {
		return nil, err
	}
	if ok {
		n.restoreSnapshot(snap)
		n.logger.WithFields(logrus.Fields{
			"term":     n.currentTerm,
			"accounts": len(n.state.Accounts),
		}).Info("restored persisted state")
	}

	return n, nil
}

// restoreSnapshot replaces the in-memory state with snap. The message id
// counter is recovered as max(persisted counter, max persisted id + 1) so a
// stale counter value never collides with an id already on disk.
func (n *Node) restoreSnapshot(snap *Snapshot) {
	n.state = &chat.State{
		Accounts:      snap.Accounts,
		Mailboxes:     snap.Mailboxes,
		NextMessageID: snap.NextMessageID,
	}
	if maxID := n.state.MaxMessageID(); maxID+1 > n.state.NextMessageID {
		n.state.NextMessageID = maxID + 1
	}
	n.currentTerm = snap.CurrentTerm
	n.votedFor = snap.VotedFor
}

func (n *Node) buildSnapshotLocked() *Snapshot {
	return &Snapshot{
		Accounts:      n.state.Accounts,
		Mailboxes:     n.state.Mailboxes,
		NextMessageID: n.state.NextMessageID,
		CurrentTerm:   n.currentTerm,
		VotedFor:      n.votedFor,
	}
}

// persistLocked writes the full snapshot. Callers on the apply path must
// treat an error as a failure of the whole operation: success is never
// reported to a client while the state is unpersisted.
func (n *Node) persistLocked() error {
	return n.store.Save(n.buildSnapshotLocked())
}

// Start launches the election timeout loop. The node begins as a follower
// and becomes a candidate if no heartbeat arrives in time.
func (n *Node) Start() {
	n.mx.Lock()
	if n.started {
		n.mx.Unlock()
		return
	}
	n.started = true
	n.electionTimer = time.NewTimer(n.electionTimeout())
	timer := n.electionTimer
	n.mx.Unlock()

	n.logger.Info("node started")

	go func() {
		for {
			select {
			case <-n.shutdownCh:
				return
			case <-timer.C:
				n.startElection()
			}
		}
	}()
}

func (n *Node) Shutdown() {
	n.mx.Lock()
	select {
	case <-n.shutdownCh:
		n.mx.Unlock()
		return
	default:
	}
	close(n.shutdownCh)

	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	if n.heartbeatTicker != nil {
		n.heartbeatTicker.Stop()
	}
	for _, subs := range n.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	n.subscribers = make(map[string][]chan *chat.Message)
	n.mx.Unlock()

	n.logger.Info("node stopped")
}

func (n *Node) electionTimeout() time.Duration {
	min := time.Duration(n.timing.ElectionTimeoutMinMs) * time.Millisecond
	max := time.Duration(n.timing.ElectionTimeoutMaxMs) * time.Millisecond
	return min + time.Duration(n.rng.Int63n(int64(max-min)))
}

// resetElectionTimerLocked re-arms the election timeout with a fresh random
// duration. Randomization keeps simultaneous candidacies rare.
func (n *Node) resetElectionTimerLocked() {
	if n.electionTimer == nil {
		return
	}
	n.electionTimer.Stop()
	n.electionTimer.Reset(n.electionTimeout())
}

// majorityLocked is a strict majority of the full configured membership, not
// merely of the peers currently reachable.
func (n *Node) majorityLocked() int {
	return len(n.peers)/2 + 1
}

func (n *Node) otherPeersLocked() map[uint32]string {
	out := make(map[uint32]string, len(n.peers))
	for id, addr := range n.peers {
		if id != n.id {
			out[id] = addr
		}
	}
	return out
}

// applyLocked runs an operation through the state machine, fires local side
// effects (notification streams) and persists the snapshot.
func (n *Node) applyLocked(op chat.Op) error {
	if err := n.state.Apply(op); err != nil {
		return err
	}

	switch v := op.(type) {
	case chat.SendMessageOp:
		n.notifySubscribersLocked(&v.Message)
	case chat.LogoutOp:
		n.dropSubscribersLocked(v.Username)
	case chat.DeleteAccountOp:
		n.dropSubscribersLocked(v.Username)
	}

	if err := n.persistLocked(); err != nil {
		return fmt.Errorf("persist after apply: %w", err)
	}
	return nil
}

func (n *Node) notifySubscribersLocked(msg *chat.Message) {
	for _, ch := range n.subscribers[msg.To] {
		select {
		case ch <- msg:
		default: // slow subscriber, drop rather than block the node
		}
	}
}

func (n *Node) dropSubscribersLocked(username string) {
	for _, ch := range n.subscribers[username] {
		close(ch)
	}
	delete(n.subscribers, username)
}

// Subscribe registers a live message stream for username on this node. The
// returned cancel func must be called when the consumer goes away; the
// channel is also closed when the user logs out or the account is deleted.
func (n *Node) Subscribe(username string) (<-chan *chat.Message, func()) {
	ch := make(chan *chat.Message, 16)

	n.mx.Lock()
	n.subscribers[username] = append(n.subscribers[username], ch)
	n.mx.Unlock()

	cancel := func() {
		n.mx.Lock()
		defer n.mx.Unlock()
		subs := n.subscribers[username]
		for i, c := range subs {
			if c == ch {
				n.subscribers[username] = append(subs[:i], subs[i+1:]...)
				close(c)
				return
			}
		}
	}
	return ch, cancel
}

// Status is a point-in-time view of the node, served by /health.
type Status struct {
	NodeID   uint32 `json:"node_id"`
	Role     string `json:"role"`
	Term     uint64 `json:"term"`
	IsLeader bool   `json:"isLeader"`
	LeaderID uint32 `json:"leader_id"`
	Peers    int    `json:"peers"`
}

func (n *Node) Status() Status {
	n.mx.Lock()
	defer n.mx.Unlock()

	return Status{
		NodeID:   n.id,
		Role:     n.role.String(),
		Term:     n.currentTerm,
		IsLeader: n.role == Leader,
		LeaderID: n.leaderID,
		Peers:    len(n.peers),
	}
}
