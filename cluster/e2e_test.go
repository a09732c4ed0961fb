package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	docker_network "github.com/testcontainers/testcontainers-go/network"
	"github.com/testcontainers/testcontainers-go/wait"
)

type testChatNode struct {
	id        uint32
	container testcontainers.Container
	hostPort  string
}

func (n *testChatNode) health() (*Status, error) {
	resp, err := http.Get(fmt.Sprintf("http://%s/health", n.hostPort))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (n *testChatNode) postJSON(path string, body interface{}) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return http.Post(
		fmt.Sprintf("http://%s%s", n.hostPort, path),
		"application/json",
		bytes.NewReader(data),
	)
}

func (n *testChatNode) listAccounts(pattern string) ([]string, error) {
	resp, err := http.Get(fmt.Sprintf("http://%s/api/accounts?pattern=%s", n.hostPort, pattern))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var listed accountsResponse
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		return nil, err
	}
	usernames := make([]string, 0, len(listed.Accounts))
	for _, acct := range listed.Accounts {
		usernames = append(usernames, acct.Username)
	}
	return usernames, nil
}

type testChatCluster struct {
	t   *testing.T
	ctx context.Context

	nodes   []*testChatNode
	network *testcontainers.DockerNetwork
}

func nodeConfigYAML(id uint32, clusterSize int) string {
	cfg := fmt.Sprintf("node:\n  id: %d\n  address: chat-node-%d:8000\n  data_dir: /data\n\ncluster:\n  peers:\n", id, id)
	for peer := 1; peer <= clusterSize; peer++ {
		cfg += fmt.Sprintf("    - id: %d\n      address: chat-node-%d:8000\n", peer, peer)
	}
	return cfg
}

func (c *testChatCluster) writeNodeConfig(id uint32, clusterSize int) string {
	path := filepath.Join(c.t.TempDir(), fmt.Sprintf("node-%d.yaml", id))
	if err := os.WriteFile(path, []byte(nodeConfigYAML(id, clusterSize)), 0o644); err != nil {
		c.t.Fatalf("failed to write node config: %v", err)
	}
	return path
}

func newE2eTestCluster(t *testing.T, ctx context.Context, nodesCount int) (*testChatCluster, error) {
	dockerNetwork, err := docker_network.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start docker network: %v", err)
	}

	cluster := &testChatCluster{
		t:       t,
		ctx:     ctx,
		network: dockerNetwork,
	}

	for id := 1; id <= nodesCount; id++ {
		node, err := cluster.startNode(uint32(id), nodesCount)
		if err != nil {
			cluster.shutdown()
			return nil, fmt.Errorf("failed to start node %d: %v", id, err)
		}
		cluster.nodes = append(cluster.nodes, node)
	}

	for _, node := range cluster.nodes {
		t.Logf("Node %d http://%s", node.id, node.hostPort)
	}
	return cluster, nil
}

func (c *testChatCluster) startNode(id uint32, clusterSize int) (*testChatNode, error) {
	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "chat-node:latest",
			Name:         fmt.Sprintf("chat-node-%d", id),
			ExposedPorts: []string{"8000/tcp"},
			Networks:     []string{c.network.Name},
			Files: []testcontainers.ContainerFile{
				{
					HostFilePath:      c.writeNodeConfig(id, clusterSize),
					ContainerFilePath: "/etc/chatnode/config.yaml",
					FileMode:          0o644,
				},
			},
			WaitingFor: wait.ForHTTP("/health").
				WithPort("8000/tcp").
				WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	}

	container, err := testcontainers.GenericContainer(c.ctx, req)
	if err != nil {
		return nil, err
	}

	hostPort, err := container.MappedPort(c.ctx, "8000")
	if err != nil {
		_ = container.Terminate(c.ctx)
		return nil, err
	}
	host, err := container.Host(c.ctx)
	if err != nil {
		_ = container.Terminate(c.ctx)
		return nil, err
	}

	return &testChatNode{
		id:        id,
		container: container,
		hostPort:  fmt.Sprintf("%s:%s", host, hostPort.Port()),
	}, nil
}

func (c *testChatCluster) shutdown() {
	for _, node := range c.nodes {
		if node.container != nil {
			_ = node.container.Terminate(c.ctx)
		}
	}
	if c.network != nil {
		_ = c.network.Remove(c.ctx)
	}
}

func (c *testChatCluster) getLeader() *testChatNode {
	for _, node := range c.nodes {
		status, err := node.health()
		if err != nil {
			continue
		}
		if status.IsLeader {
			return node
		}
	}
	return nil
}

func (c *testChatCluster) waitForLeader(timeout time.Duration) (*testChatNode, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if leader := c.getLeader(); leader != nil {
			return leader, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil, fmt.Errorf("no leader elected within timeout")
}

func (c *testChatCluster) stopNode(id uint32) error {
	for _, node := range c.nodes {
		if node.id == id {
			c.t.Logf("Stopping node %d", id)
			return node.container.Stop(c.ctx, nil)
		}
	}
	return fmt.Errorf("node %d not found", id)
}

func TestE2E(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E tests in short mode")
	}

	ctx := context.Background()
	nodesCount := 3

	cluster, err := newE2eTestCluster(t, ctx, nodesCount)
	require.NoError(t, err)
	defer cluster.shutdown()

	t.Log("Waiting for leader election...")
	leader, err := cluster.waitForLeader(15 * time.Second)
	require.NoError(t, err)

	leaderCount := 0
	for _, node := range cluster.nodes {
		status, err := node.health()
		if err == nil && status.IsLeader {
			leaderCount++
		}
	}
	require.Equal(t, 1, leaderCount)

	// write through the leader
	resp, err := leader.postJSON("/api/accounts", createAccountRequest{
		Username: "alice", Password: "Password1",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// every node answers reads from its own replica
	time.Sleep(2 * time.Second)
	for _, node := range cluster.nodes {
		usernames, err := node.listAccounts("")
		require.NoError(t, err)
		require.Contains(t, usernames, "alice", "node %d missing replicated account", node.id)
	}

	// surviving majority elects a replacement leader
	require.NoError(t, cluster.stopNode(leader.id))

	var survivors testChatCluster
	survivors = *cluster
	survivors.nodes = nil
	for _, node := range cluster.nodes {
		if node.id != leader.id {
			survivors.nodes = append(survivors.nodes, node)
		}
	}

	newLeader, err := survivors.waitForLeader(15 * time.Second)
	require.NoError(t, err)
	require.NotEqual(t, leader.id, newLeader.id)

	// and still accepts writes
	resp, err = newLeader.postJSON("/api/accounts", createAccountRequest{
		Username: "bob", Password: "Password1",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	time.Sleep(2 * time.Second)
	for _, node := range survivors.nodes {
		usernames, err := node.listAccounts("")
		require.NoError(t, err)
		require.Contains(t, usernames, "bob")
	}
}
