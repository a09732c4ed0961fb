package cluster

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// startElection fires when the election timeout expires without a heartbeat.
// The node increments its term, votes for itself and asks every other peer
// for a vote; a strict majority of the full membership wins.
func (n *Node) startElection() {
	n.mx.Lock()
	select {
	case <-n.shutdownCh:
		n.mx.Unlock()
		return
	default:
	}
	if n.role == Leader {
		n.mx.Unlock()
		return
	}

	n.role = Candidate
	n.currentTerm++
	n.votedFor = n.id
	n.leaderID = 0
	term := n.currentTerm
	if err := n.persistLocked(); err != nil {
		// Can't durably record the vote, so don't campaign on it.
		n.logger.WithError(err).Error("persist failed, abandoning election")
		n.role = Follower
		n.resetElectionTimerLocked()
		n.mx.Unlock()
		return
	}
	n.resetElectionTimerLocked()
	peers := n.otherPeersLocked()
	majority := n.majorityLocked()
	n.mx.Unlock()

	n.logger.WithField("term", term).Info("election timeout, starting election")

	var (
		voteMx sync.Mutex
		votes  = 1 // own vote
	)
	var wg sync.WaitGroup
	for id, addr := range peers {
		wg.Add(1)
		go func(peerID uint32, peerAddr string) {
			defer wg.Done()
			resp, err := n.client.SendRequestVote(peerAddr, &RequestVoteRequest{
				Term:        term,
				CandidateID: n.id,
			})
			if err != nil {
				n.logger.WithError(err).WithField("peer", peerID).Debug("request vote failed")
				return
			}
			if resp.Term > term {
				n.mx.Lock()
				n.stepDownLocked(resp.Term)
				n.mx.Unlock()
				return
			}
			if resp.VoteGranted {
				voteMx.Lock()
				votes++
				got := votes
				voteMx.Unlock()
				if got >= majority {
					n.becomeLeader(term)
				}
			}
		}(id, addr)
	}
	wg.Wait()
}

// becomeLeader promotes the node if it is still the candidate for term.
// Late duplicate vote responses make this a no-op.
func (n *Node) becomeLeader(term uint64) {
	n.mx.Lock()
	if n.role != Candidate || n.currentTerm != term {
		n.mx.Unlock()
		return
	}
	n.role = Leader
	n.leaderID = n.id
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	n.heartbeatTicker = time.NewTicker(time.Duration(n.timing.HeartbeatIntervalMs) * time.Millisecond)
	ticker := n.heartbeatTicker
	n.mx.Unlock()

	n.logger.WithField("term", term).Info("won election, becoming leader")

	go func() {
		n.sendHeartbeats()
		for {
			select {
			case <-n.shutdownCh:
				ticker.Stop()
				return
			case <-ticker.C:
				n.mx.Lock()
				still := n.role == Leader && n.heartbeatTicker == ticker
				n.mx.Unlock()
				if !still {
					ticker.Stop()
					return
				}
				n.sendHeartbeats()
			}
		}
	}()
}

func (n *Node) sendHeartbeats() {
	n.mx.Lock()
	if n.role != Leader {
		n.mx.Unlock()
		return
	}
	term := n.currentTerm
	peers := n.otherPeersLocked()
	n.mx.Unlock()

	for id, addr := range peers {
		go func(peerID uint32, peerAddr string) {
			resp, err := n.client.SendAppendEntries(peerAddr, &AppendEntriesRequest{
				Term:     term,
				LeaderID: n.id,
			})
			if err != nil {
				n.logger.WithFields(logrus.Fields{
					"peer": peerID,
				}).WithError(err).Debug("heartbeat failed")
				return
			}
			if resp.Term > term {
				n.mx.Lock()
				n.stepDownLocked(resp.Term)
				n.mx.Unlock()
			}
		}(id, addr)
	}
}

// stepDownLocked reverts to follower for a newer term. Adopting the term is
// conditional on persisting it: acting on a term that would be forgotten
// after a restart breaks its monotonicity, so on persist failure the node
// keeps its current term and role.
func (n *Node) stepDownLocked(term uint64) {
	if term <= n.currentTerm && n.role == Follower {
		return
	}
	if term > n.currentTerm {
		prevTerm, prevVote := n.currentTerm, n.votedFor
		n.currentTerm = term
		n.votedFor = 0
		if err := n.persistLocked(); err != nil {
			n.logger.WithError(err).Error("persist failed, refusing to adopt term")
			n.currentTerm = prevTerm
			n.votedFor = prevVote
			return
		}
	}
	wasLeader := n.role == Leader
	n.role = Follower
	if wasLeader {
		if n.heartbeatTicker != nil {
			n.heartbeatTicker.Stop()
			n.heartbeatTicker = nil
		}
	}
	n.resetElectionTimerLocked()
}
