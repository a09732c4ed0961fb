package cluster

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PeerClient is the outbound half of the peer RPC surface. The production
// implementation speaks JSON over HTTP; tests substitute an in-process fake.
type PeerClient interface {
	SendRequestVote(addr string, req *RequestVoteRequest) (*RequestVoteResponse, error)
	SendAppendEntries(addr string, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
	SendReplicateOperation(addr string, req *ReplicateRequest) (*ReplicateResponse, error)
	SendJoin(addr string, req *JoinRequest) (*JoinResponse, error)
	SendInitStateTransfer(addr string, req *InitStateTransferRequest) (*TransferStateResponse, error)
	SendTransferStateChunk(addr string, req *TransferStateChunkRequest) (*TransferStateResponse, error)
	SendMembershipUpdate(addr string, req *MembershipUpdateRequest) error
}

type HTTPPeerClient struct {
	httpClient *http.Client
}

// NewHTTPPeerClient builds a peer client whose calls never block longer than
// timeout; an unreachable peer simply fails the individual call.
func NewHTTPPeerClient(timeout time.Duration) *HTTPPeerClient {
	return &HTTPPeerClient{
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPPeerClient) post(addr, path string, req, resp interface{}) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s%s", addr, path)
	httpResp, err := c.httpClient.Post(url, "application/json", bytes.NewBuffer(data))
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code from %s: %d", url, httpResp.StatusCode)
	}

	if resp == nil {
		return nil
	}
	return json.NewDecoder(httpResp.Body).Decode(resp)
}

func (c *HTTPPeerClient) SendRequestVote(addr string, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	var resp RequestVoteResponse
	if err := c.post(addr, "/request_vote", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPPeerClient) SendAppendEntries(addr string, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	var resp AppendEntriesResponse
	if err := c.post(addr, "/append_entries", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPPeerClient) SendReplicateOperation(addr string, req *ReplicateRequest) (*ReplicateResponse, error) {
	var resp ReplicateResponse
	if err := c.post(addr, "/replicate_operation", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPPeerClient) SendJoin(addr string, req *JoinRequest) (*JoinResponse, error) {
	var resp JoinResponse
	if err := c.post(addr, "/join", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPPeerClient) SendInitStateTransfer(addr string, req *InitStateTransferRequest) (*TransferStateResponse, error) {
	var resp TransferStateResponse
	if err := c.post(addr, "/init_state_transfer", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPPeerClient) SendTransferStateChunk(addr string, req *TransferStateChunkRequest) (*TransferStateResponse, error) {
	var resp TransferStateResponse
	if err := c.post(addr, "/transfer_state_chunk", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPPeerClient) SendMembershipUpdate(addr string, req *MembershipUpdateRequest) error {
	return c.post(addr, "/membership_update", req, nil)
}
