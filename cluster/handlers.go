package cluster

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sukikrishna/Distributed-Chat-Application-sub000/chat"
)

// stateTransferChunkSize caps individual state-transfer payloads at 1 MiB.
const stateTransferChunkSize = 1 << 20

// HandleRequestVote grants at most one vote per term, first-come first-served.
// The vote is persisted before it is granted; if persistence fails the vote
// is refused, so no node can vote twice in a term after a restart.
func (n *Node) HandleRequestVote(req *RequestVoteRequest) *RequestVoteResponse {
	n.mx.Lock()
	defer n.mx.Unlock()

	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
	}

	resp := &RequestVoteResponse{Term: n.currentTerm}
	if req.Term < n.currentTerm {
		return resp
	}
	if n.votedFor != 0 && n.votedFor != req.CandidateID {
		return resp
	}

	prev := n.votedFor
	n.votedFor = req.CandidateID
	if err := n.persistLocked(); err != nil {
		n.logger.WithError(err).Error("persist failed, refusing vote")
		n.votedFor = prev
		return resp
	}

	n.resetElectionTimerLocked()
	resp.VoteGranted = true
	n.logger.WithFields(logrus.Fields{
		"term":      req.Term,
		"candidate": req.CandidateID,
	}).Info("vote granted")
	return resp
}

// HandleAppendEntries acknowledges the leader's heartbeat and defers the
// next election.
func (n *Node) HandleAppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse {
	n.mx.Lock()
	defer n.mx.Unlock()

	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
	}

	resp := &AppendEntriesResponse{Term: n.currentTerm}
	if req.Term < n.currentTerm {
		return resp
	}

	if n.role != Follower {
		n.stepDownLocked(req.Term)
	}
	n.leaderID = req.LeaderID
	n.resetElectionTimerLocked()
	resp.Success = true
	return resp
}

// HandleReplicateOperation applies an operation shipped by the current
// leader. A follower trusts the leader's ordering and applies
// unconditionally; stale-term requests are the only rejection.
func (n *Node) HandleReplicateOperation(req *ReplicateRequest) *ReplicateResponse {
	n.mx.Lock()
	defer n.mx.Unlock()

	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
	}

	resp := &ReplicateResponse{Term: n.currentTerm}
	if req.Term < n.currentTerm {
		return resp
	}

	n.leaderID = req.LeaderID
	n.resetElectionTimerLocked()

	op, err := chat.DecodeOp(req.Op)
	if err != nil {
		n.logger.WithError(err).Error("undecodable replicated operation")
		return resp
	}
	if err := n.applyLocked(op); err != nil {
		n.logger.WithError(err).Error("failed to apply replicated operation")
		return resp
	}
	resp.Success = true
	return resp
}

// HandleJoin admits a new node to the cluster. Only the leader admits:
// everyone else points the joiner at the last-known leader. On success the
// leader streams its full snapshot to the joiner in chunks, then broadcasts
// the new membership to the rest of the cluster.
func (n *Node) HandleJoin(req *JoinRequest) *JoinResponse {
	n.mx.Lock()
	if n.role != Leader {
		addr := n.peers[n.leaderID]
		n.mx.Unlock()
		return &JoinResponse{
			Success:       false,
			Message:       "not leader",
			LeaderAddress: addr,
		}
	}

	if existing, ok := n.peers[req.NodeID]; ok && existing != req.Address {
		n.mx.Unlock()
		return &JoinResponse{
			Success: false,
			Message: fmt.Sprintf("node id %d already taken by %s", req.NodeID, existing),
		}
	}

	snap, err := json.Marshal(n.buildSnapshotLocked())
	if err != nil {
		n.mx.Unlock()
		return &JoinResponse{Success: false, Message: err.Error()}
	}

	n.peers[req.NodeID] = req.Address
	members := make([]PeerConfig, 0, len(n.peers))
	for id, addr := range n.peers {
		members = append(members, PeerConfig{ID: id, Address: addr})
	}
	others := n.otherPeersLocked()
	n.mx.Unlock()

	n.logger.WithFields(logrus.Fields{
		"joiner":  req.NodeID,
		"address": req.Address,
	}).Info("admitting node to cluster")

	if err := n.transferState(req.Address, snap); err != nil {
		n.logger.WithError(err).WithField("joiner", req.NodeID).Error("state transfer failed")
		n.mx.Lock()
		delete(n.peers, req.NodeID)
		n.mx.Unlock()
		return &JoinResponse{Success: false, Message: err.Error()}
	}

	// Best-effort broadcast; a peer that misses it learns the new member
	// from the next membership update or a restarted join.
	update := &MembershipUpdateRequest{Peers: members}
	for id, addr := range others {
		if id == req.NodeID {
			continue
		}
		if err := n.client.SendMembershipUpdate(addr, update); err != nil {
			n.logger.WithError(err).WithField("peer", id).Warn("membership update failed")
		}
	}

	return &JoinResponse{Success: true, Peers: members}
}

func (n *Node) transferState(addr string, snap []byte) error {
	chunks := splitChunks(snap, stateTransferChunkSize)

	if _, err := n.client.SendInitStateTransfer(addr, &InitStateTransferRequest{
		ChunkCount: len(chunks),
	}); err != nil {
		return fmt.Errorf("init state transfer: %w", err)
	}
	for i, chunk := range chunks {
		resp, err := n.client.SendTransferStateChunk(addr, &TransferStateChunkRequest{
			Index: i,
			Data:  chunk,
		})
		if err != nil {
			return fmt.Errorf("transfer chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if !resp.Success {
			return fmt.Errorf("chunk %d/%d rejected", i+1, len(chunks))
		}
	}
	return nil
}

func splitChunks(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var chunks [][]byte
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

// HandleInitStateTransfer prepares the chunk buffer for an inbound snapshot.
func (n *Node) HandleInitStateTransfer(req *InitStateTransferRequest) *TransferStateResponse {
	n.mx.Lock()
	defer n.mx.Unlock()

	if req.ChunkCount <= 0 {
		return &TransferStateResponse{}
	}
	n.pendingChunks = make([][]byte, req.ChunkCount)
	n.chunksReceived = 0
	return &TransferStateResponse{Success: true}
}

// HandleTransferStateChunk buffers one chunk; when the last chunk lands, the
// reassembled snapshot replaces the local state wholesale and is persisted.
func (n *Node) HandleTransferStateChunk(req *TransferStateChunkRequest) *TransferStateResponse {
	n.mx.Lock()
	defer n.mx.Unlock()

	if n.pendingChunks == nil || req.Index < 0 || req.Index >= len(n.pendingChunks) {
		return &TransferStateResponse{}
	}
	if n.pendingChunks[req.Index] == nil {
		n.chunksReceived++
	}
	n.pendingChunks[req.Index] = req.Data

	if n.chunksReceived < len(n.pendingChunks) {
		return &TransferStateResponse{Success: true}
	}

	var raw []byte
	for _, chunk := range n.pendingChunks {
		raw = append(raw, chunk...)
	}
	n.pendingChunks = nil
	n.chunksReceived = 0

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		n.logger.WithError(err).Error("corrupt state transfer payload")
		return &TransferStateResponse{}
	}
	if snap.Accounts == nil {
		snap.Accounts = make(map[string]*chat.Account)
	}
	if snap.Mailboxes == nil {
		snap.Mailboxes = make(map[string][]*chat.Message)
	}
	n.restoreSnapshot(&snap)
	if err := n.persistLocked(); err != nil {
		n.logger.WithError(err).Error("persist failed after state transfer")
		return &TransferStateResponse{}
	}
	n.resetElectionTimerLocked()

	n.logger.WithFields(logrus.Fields{
		"accounts": len(snap.Accounts),
		"term":     snap.CurrentTerm,
	}).Info("adopted transferred state")
	return &TransferStateResponse{Success: true}
}

// HandleMembershipUpdate replaces the local membership view with the
// leader's.
func (n *Node) HandleMembershipUpdate(req *MembershipUpdateRequest) {
	n.mx.Lock()
	defer n.mx.Unlock()

	peers := make(map[uint32]string, len(req.Peers))
	for _, p := range req.Peers {
		peers[p.ID] = p.Address
	}
	// Never lose track of ourselves.
	peers[n.id] = n.address
	n.peers = peers

	n.logger.WithField("size", len(peers)).Info("membership updated")
}

// JoinCluster asks a seed node for admission, following redirects to the
// leader. On success the returned membership replaces the local one.
func (n *Node) JoinCluster(seedAddr string) error {
	n.mx.Lock()
	maxAttempts := len(n.peers) + 3
	n.mx.Unlock()

	addr := seedAddr
	for attempts := 0; attempts < maxAttempts; attempts++ {
		resp, err := n.client.SendJoin(addr, &JoinRequest{
			NodeID:  n.id,
			Address: n.address,
		})
		if err != nil {
			return fmt.Errorf("join via %s: %w", addr, err)
		}
		if resp.Success {
			n.HandleMembershipUpdate(&MembershipUpdateRequest{Peers: resp.Peers})
			return nil
		}
		if resp.LeaderAddress != "" && resp.LeaderAddress != addr {
			addr = resp.LeaderAddress
			continue
		}
		return fmt.Errorf("join rejected by %s: %s", addr, resp.Message)
	}
	return fmt.Errorf("join gave up after too many redirects")
}
