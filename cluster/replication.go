package cluster

import (
	"errors"
	"sync"

	"github.com/sukikrishna/Distributed-Chat-Application-sub000/chat"
)

// ErrNoQuorum means the leader could not confirm the operation on a majority
// of the membership. The operation was not applied and may be retried.
var ErrNoQuorum = errors.New("replication failed: no quorum of acknowledgements")

// Propose runs op through the cluster: validate leadership, replicate to a
// majority, then apply and persist locally. The node lock is held across the
// whole round so concurrent proposals serialize; the per-peer RPC timeout
// bounds how long the lock can be held.
func (n *Node) Propose(op chat.Op) error {
	n.mx.Lock()
	defer n.mx.Unlock()
	return n.proposeLocked(op)
}

func (n *Node) proposeLocked(op chat.Op) error {
	if n.role != Leader {
		return &NotLeaderError{
			LeaderID:      n.leaderID,
			LeaderAddress: n.peers[n.leaderID],
		}
	}

	payload, err := chat.EncodeOp(op)
	if err != nil {
		return err
	}

	term := n.currentTerm
	peers := n.otherPeersLocked()
	majority := n.majorityLocked()

	req := &ReplicateRequest{
		Term:     term,
		LeaderID: n.id,
		Op:       payload,
	}

	var (
		ackMx      sync.Mutex
		acks       = 1 // leader counts itself
		higherTerm uint64
	)
	var wg sync.WaitGroup
	for _, addr := range peers {
		wg.Add(1)
		go func(peerAddr string) {
			defer wg.Done()
			resp, err := n.client.SendReplicateOperation(peerAddr, req)
			if err != nil {
				return
			}
			ackMx.Lock()
			defer ackMx.Unlock()
			if resp.Term > term && resp.Term > higherTerm {
				higherTerm = resp.Term
			}
			if resp.Success {
				acks++
			}
		}(addr)
	}
	wg.Wait()

	if higherTerm > term {
		n.stepDownLocked(higherTerm)
		return &NotLeaderError{LeaderID: n.leaderID, LeaderAddress: n.peers[n.leaderID]}
	}
	if acks < majority {
		return ErrNoQuorum
	}

	return n.applyLocked(op)
}
