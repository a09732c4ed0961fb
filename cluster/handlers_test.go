package cluster

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sukikrishna/Distributed-Chat-Application-sub000/chat"
)

func TestNode_HandleRequestVote(t *testing.T) {
	node := setupTestNode(t, 1, 3, newLoopbackClient())

	// grant the first request of a new term
	resp := node.HandleRequestVote(&RequestVoteRequest{Term: 1, CandidateID: 2})
	require.True(t, resp.VoteGranted)
	require.Equal(t, uint64(1), node.currentTerm)
	require.Equal(t, uint32(2), node.votedFor)

	// one vote per term: a different candidate is refused
	resp = node.HandleRequestVote(&RequestVoteRequest{Term: 1, CandidateID: 3})
	require.False(t, resp.VoteGranted)

	// same candidate asking again keeps its vote
	resp = node.HandleRequestVote(&RequestVoteRequest{Term: 1, CandidateID: 2})
	require.True(t, resp.VoteGranted)

	// a new term resets the vote
	resp = node.HandleRequestVote(&RequestVoteRequest{Term: 2, CandidateID: 3})
	require.True(t, resp.VoteGranted)
	require.Equal(t, uint32(3), node.votedFor)

	// stale term is rejected and the responder reports its own term
	resp = node.HandleRequestVote(&RequestVoteRequest{Term: 1, CandidateID: 2})
	require.False(t, resp.VoteGranted)
	require.Equal(t, uint64(2), resp.Term)
}

func TestNode_VoteSurvivesRestart(t *testing.T) {
	cfg := testConfig(t, 1, 3)
	client := newLoopbackClient()

	node1, err := NewNode(cfg, client)
	require.NoError(t, err)

	resp := node1.HandleRequestVote(&RequestVoteRequest{Term: 3, CandidateID: 2})
	require.True(t, resp.VoteGranted)
	node1.Shutdown()

	// same data dir, fresh process
	node2, err := NewNode(cfg, client)
	require.NoError(t, err)
	defer node2.Shutdown()

	require.Equal(t, uint64(3), node2.currentTerm)
	require.Equal(t, uint32(2), node2.votedFor)

	// the restarted node must not grant a second vote in the same term
	resp = node2.HandleRequestVote(&RequestVoteRequest{Term: 3, CandidateID: 3})
	require.False(t, resp.VoteGranted)
}

func TestNode_HandleAppendEntries(t *testing.T) {
	node := setupTestNode(t, 1, 3, newLoopbackClient())

	resp := node.HandleAppendEntries(&AppendEntriesRequest{Term: 1, LeaderID: 2})
	require.True(t, resp.Success)
	require.Equal(t, uint64(1), node.currentTerm)
	require.Equal(t, uint32(2), node.leaderID)

	// stale term is rejected
	node.currentTerm = 5
	resp = node.HandleAppendEntries(&AppendEntriesRequest{Term: 4, LeaderID: 3})
	require.False(t, resp.Success)
	require.Equal(t, uint64(5), resp.Term)
}

func TestNode_HeartbeatDemotesCandidate(t *testing.T) {
	node := setupTestNode(t, 1, 3, newLoopbackClient())
	node.role = Candidate
	node.currentTerm = 2

	resp := node.HandleAppendEntries(&AppendEntriesRequest{Term: 2, LeaderID: 3})
	require.True(t, resp.Success)
	require.Equal(t, Follower, node.role)
	require.Equal(t, uint32(3), node.leaderID)
}

func TestNode_HandleReplicateOperation(t *testing.T) {
	node := setupTestNode(t, 1, 3, newLoopbackClient())
	node.currentTerm = 1

	payload, err := chat.EncodeOp(chat.CreateAccountOp{Username: "alice", PasswordHash: "h"})
	require.NoError(t, err)

	resp := node.HandleReplicateOperation(&ReplicateRequest{Term: 1, LeaderID: 2, Op: payload})
	require.True(t, resp.Success)
	require.Contains(t, node.state.Accounts, "alice")

	// the applied state is already on disk
	snap, ok, err := node.store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, snap.Accounts, "alice")

	// stale term is not applied
	resp = node.HandleReplicateOperation(&ReplicateRequest{Term: 0, LeaderID: 3, Op: payload})
	require.False(t, resp.Success)
}

func TestNode_StateTransferReassembly(t *testing.T) {
	node := setupTestNode(t, 1, 3, newLoopbackClient())

	snap := Snapshot{
		Accounts: map[string]*chat.Account{
			"alice": {Username: "alice", PasswordHash: "h"},
		},
		Mailboxes: map[string][]*chat.Message{
			"alice": {{ID: 9, From: "bob", To: "alice", Content: "hi"}},
		},
		NextMessageID: 10,
		CurrentTerm:   4,
		VotedFor:      2,
	}
	raw, err := json.Marshal(&snap)
	require.NoError(t, err)

	// deliver in deliberately tiny chunks to exercise reassembly
	chunks := splitChunks(raw, 16)
	require.Greater(t, len(chunks), 1)

	resp := node.HandleInitStateTransfer(&InitStateTransferRequest{ChunkCount: len(chunks)})
	require.True(t, resp.Success)

	for i, chunk := range chunks {
		resp = node.HandleTransferStateChunk(&TransferStateChunkRequest{Index: i, Data: chunk})
		require.True(t, resp.Success)
	}

	require.Contains(t, node.state.Accounts, "alice")
	require.Len(t, node.state.Mailboxes["alice"], 1)
	require.Equal(t, uint64(10), node.state.NextMessageID)
	require.Equal(t, uint64(4), node.currentTerm)

	// the adopted state is persisted
	persisted, ok, err := node.store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, persisted.Accounts, "alice")
}

func TestNode_TransferChunkOutOfBounds(t *testing.T) {
	node := setupTestNode(t, 1, 3, newLoopbackClient())

	resp := node.HandleTransferStateChunk(&TransferStateChunkRequest{Index: 0, Data: []byte("x")})
	require.False(t, resp.Success)

	node.HandleInitStateTransfer(&InitStateTransferRequest{ChunkCount: 2})
	resp = node.HandleTransferStateChunk(&TransferStateChunkRequest{Index: 5, Data: []byte("x")})
	require.False(t, resp.Success)
}

func TestSplitChunks(t *testing.T) {
	require.Len(t, splitChunks(nil, 4), 1)
	require.Len(t, splitChunks(make([]byte, 4), 4), 1)
	require.Len(t, splitChunks(make([]byte, 5), 4), 2)
	require.Len(t, splitChunks(make([]byte, 12), 4), 3)
}
