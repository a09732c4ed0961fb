package cluster

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// loopbackClient routes peer RPCs directly to in-process nodes, no HTTP
// involved. Unregistered addresses fail like an unreachable host would.
type loopbackClient struct {
	mx    sync.RWMutex
	nodes map[string]*Node
}

func newLoopbackClient() *loopbackClient {
	return &loopbackClient{nodes: make(map[string]*Node)}
}

func (c *loopbackClient) register(addr string, n *Node) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.nodes[addr] = n
}

func (c *loopbackClient) lookup(addr string) (*Node, error) {
	c.mx.RLock()
	defer c.mx.RUnlock()
	n, ok := c.nodes[addr]
	if !ok {
		return nil, fmt.Errorf("connection refused: %s", addr)
	}
	return n, nil
}

func (c *loopbackClient) SendRequestVote(addr string, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	n, err := c.lookup(addr)
	if err != nil {
		return nil, err
	}
	return n.HandleRequestVote(req), nil
}

func (c *loopbackClient) SendAppendEntries(addr string, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	n, err := c.lookup(addr)
	if err != nil {
		return nil, err
	}
	return n.HandleAppendEntries(req), nil
}

func (c *loopbackClient) SendReplicateOperation(addr string, req *ReplicateRequest) (*ReplicateResponse, error) {
	n, err := c.lookup(addr)
	if err != nil {
		return nil, err
	}
	return n.HandleReplicateOperation(req), nil
}

func (c *loopbackClient) SendJoin(addr string, req *JoinRequest) (*JoinResponse, error) {
	n, err := c.lookup(addr)
	if err != nil {
		return nil, err
	}
	return n.HandleJoin(req), nil
}

func (c *loopbackClient) SendInitStateTransfer(addr string, req *InitStateTransferRequest) (*TransferStateResponse, error) {
	n, err := c.lookup(addr)
	if err != nil {
		return nil, err
	}
	return n.HandleInitStateTransfer(req), nil
}

func (c *loopbackClient) SendTransferStateChunk(addr string, req *TransferStateChunkRequest) (*TransferStateResponse, error) {
	n, err := c.lookup(addr)
	if err != nil {
		return nil, err
	}
	return n.HandleTransferStateChunk(req), nil
}

func (c *loopbackClient) SendMembershipUpdate(addr string, req *MembershipUpdateRequest) error {
	n, err := c.lookup(addr)
	if err != nil {
		return err
	}
	n.HandleMembershipUpdate(req)
	return nil
}

func testConfig(t *testing.T, id uint32, clusterSize int) *Config {
	peers := make([]PeerConfig, clusterSize)
	for i := 0; i < clusterSize; i++ {
		peers[i] = PeerConfig{
			ID:      uint32(i + 1),
			Address: fmt.Sprintf("node-%d", i+1),
		}
	}

	cfg := &Config{
		Node: NodeConfig{
			ID:      id,
			Address: fmt.Sprintf("node-%d", id),
			DataDir: t.TempDir(),
		},
		Cluster: ClusterConfig{Peers: peers},
	}
	cfg.applyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

// setupTestNode builds a single node wired to client; the election loop is
// not started, so tests drive handlers directly.
func setupTestNode(t *testing.T, id uint32, clusterSize int, client PeerClient) *Node {
	n, err := NewNode(testConfig(t, id, clusterSize), client)
	require.NoError(t, err)
	return n
}

// setupTestCluster builds n nodes connected through a shared loopback
// client. Election loops are not started.
func setupTestCluster(t *testing.T, size int) ([]*Node, *loopbackClient) {
	client := newLoopbackClient()
	nodes := make([]*Node, size)
	for i := 0; i < size; i++ {
		nodes[i] = setupTestNode(t, uint32(i+1), size, client)
		client.register(nodes[i].address, nodes[i])
	}
	return nodes, client
}

// makeLeader force-promotes a node, bypassing an election. Heartbeats are
// not started; tests that need them run real elections instead.
func makeLeader(n *Node, term uint64) {
	n.mx.Lock()
	defer n.mx.Unlock()
	n.role = Leader
	n.currentTerm = term
	n.leaderID = n.id
}

func (n *Node) roleAndTerm() (Role, uint64) {
	n.mx.Lock()
	defer n.mx.Unlock()
	return n.role, n.currentTerm
}
