package cluster

// Peer-to-peer RPC payloads. These travel as JSON over HTTP between cluster
// nodes; clients never see them.

type RequestVoteRequest struct {
	Term        uint64 // candidate's term
	CandidateID uint32 // candidate requesting the vote
}

type RequestVoteResponse struct {
	Term        uint64 // receiver's currentTerm, for the candidate to update itself
	VoteGranted bool
}

// AppendEntriesRequest is a pure heartbeat: it asserts leadership and
// propagates the term, but carries no entries. Operations travel separately
// via ReplicateRequest.
type AppendEntriesRequest struct {
	Term     uint64
	LeaderID uint32
}

type AppendEntriesResponse struct {
	Term    uint64
	Success bool
}

type ReplicateRequest struct {
	Term     uint64
	LeaderID uint32
	Op       []byte // encoded chat operation, see chat.EncodeOp
}

type ReplicateResponse struct {
	Term    uint64
	Success bool
}

type JoinRequest struct {
	NodeID  uint32
	Address string
}

type JoinResponse struct {
	Success bool
	Message string
	// LeaderAddress names the last-known leader when a non-leader rejects
	// the join.
	LeaderAddress string
	// Peers is the membership after a successful join, so the new node can
	// adopt it immediately.
	Peers []PeerConfig
}

type InitStateTransferRequest struct {
	ChunkCount int
}

type TransferStateChunkRequest struct {
	Index int
	Data  []byte
}

type TransferStateResponse struct {
	Success bool
}

type MembershipUpdateRequest struct {
	Peers []PeerConfig
}
