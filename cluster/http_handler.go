package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/sukikrishna/Distributed-Chat-Application-sub000/chat"
)

// HTTPHandler exposes a node over HTTP: peer-to-peer RPC endpoints at the
// root, the client-facing chat API under /api/, and /health.
type HTTPHandler struct {
	node *Node
}

func NewHTTPHandler(node *Node) *HTTPHandler {
	return &HTTPHandler{node: node}
}

func (h *HTTPHandler) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/request_vote", h.handleRequestVote)
	mux.HandleFunc("/append_entries", h.handleAppendEntries)
	mux.HandleFunc("/replicate_operation", h.handleReplicateOperation)
	mux.HandleFunc("/join", h.handleJoin)
	mux.HandleFunc("/init_state_transfer", h.handleInitStateTransfer)
	mux.HandleFunc("/transfer_state_chunk", h.handleTransferStateChunk)
	mux.HandleFunc("/membership_update", h.handleMembershipUpdate)

	mux.HandleFunc("/api/accounts", h.handleAccounts)
	mux.HandleFunc("/api/login", h.handleLogin)
	mux.HandleFunc("/api/logout", h.handleLogout)
	mux.HandleFunc("/api/messages", h.handleMessages)
	mux.HandleFunc("/api/messages/undelivered", h.handleUndelivered)
	mux.HandleFunc("/api/stream", h.handleStream)

	mux.HandleFunc("/health", h.handleHealth)
}

func decodeInto(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *HTTPHandler) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var req RequestVoteRequest
	if !decodeInto(w, r, &req) {
		return
	}
	writeJSON(w, h.node.HandleRequestVote(&req))
}

func (h *HTTPHandler) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	var req AppendEntriesRequest
	if !decodeInto(w, r, &req) {
		return
	}
	writeJSON(w, h.node.HandleAppendEntries(&req))
}

func (h *HTTPHandler) handleReplicateOperation(w http.ResponseWriter, r *http.Request) {
	var req ReplicateRequest
	if !decodeInto(w, r, &req) {
		return
	}
	writeJSON(w, h.node.HandleReplicateOperation(&req))
}

func (h *HTTPHandler) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if !decodeInto(w, r, &req) {
		return
	}
	writeJSON(w, h.node.HandleJoin(&req))
}

func (h *HTTPHandler) handleInitStateTransfer(w http.ResponseWriter, r *http.Request) {
	var req InitStateTransferRequest
	if !decodeInto(w, r, &req) {
		return
	}
	writeJSON(w, h.node.HandleInitStateTransfer(&req))
}

func (h *HTTPHandler) handleTransferStateChunk(w http.ResponseWriter, r *http.Request) {
	var req TransferStateChunkRequest
	if !decodeInto(w, r, &req) {
		return
	}
	writeJSON(w, h.node.HandleTransferStateChunk(&req))
}

func (h *HTTPHandler) handleMembershipUpdate(w http.ResponseWriter, r *http.Request) {
	var req MembershipUpdateRequest
	if !decodeInto(w, r, &req) {
		return
	}
	h.node.HandleMembershipUpdate(&req)
	w.WriteHeader(http.StatusOK)
}

// Client API payloads.

type createAccountRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Unread int `json:"unread"`
}

type usernameRequest struct {
	Username string `json:"username"`
}

type deleteAccountRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sendMessageRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Content string `json:"content"`
}

type deleteMessagesRequest struct {
	Username   string   `json:"username"`
	MessageIDs []uint64 `json:"message_ids"`
}

type messagesResponse struct {
	Messages []*chat.Message `json:"messages"`
}

type accountsResponse struct {
	Accounts []chat.AccountStatus `json:"accounts"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Leader string `json:"leader,omitempty"`
}

func writeAPIError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	status := http.StatusBadRequest

	var notLeader *NotLeaderError
	switch {
	case errors.As(err, &notLeader):
		status = http.StatusMisdirectedRequest
		resp.Leader = notLeader.LeaderAddress
	case errors.Is(err, ErrNoQuorum):
		status = http.StatusServiceUnavailable
	case errors.Is(err, chat.ErrUnknownUser), errors.Is(err, chat.ErrUnknownRecipient):
		status = http.StatusNotFound
	case errors.Is(err, chat.ErrUsernameTaken), errors.Is(err, chat.ErrAlreadyLoggedIn):
		status = http.StatusConflict
	case errors.Is(err, chat.ErrInvalidPassword), errors.Is(err, chat.ErrNotLoggedIn):
		status = http.StatusUnauthorized
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp) //nolint:errcheck
}

// handleAccounts serves account management: POST creates, DELETE removes,
// GET lists by wildcard pattern.
func (h *HTTPHandler) handleAccounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := h.node.CreateAccount(req.Username, req.Password); err != nil {
			writeAPIError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)

	case http.MethodDelete:
		var req deleteAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := h.node.DeleteAccount(req.Username, req.Password); err != nil {
			writeAPIError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)

	case http.MethodGet:
		pattern := r.URL.Query().Get("pattern")
		writeJSON(w, accountsResponse{Accounts: h.node.ListAccounts(pattern)})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeInto(w, r, &req) {
		return
	}
	unread, err := h.node.Login(req.Username, req.Password)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, loginResponse{Unread: unread})
}

func (h *HTTPHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req usernameRequest
	if !decodeInto(w, r, &req) {
		return
	}
	if err := h.node.Logout(req.Username); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleMessages serves the mailbox: POST sends, GET reads history, DELETE
// removes messages.
func (h *HTTPHandler) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req sendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		msg, err := h.node.SendMessage(req.From, req.To, req.Content)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		writeJSON(w, msg)

	case http.MethodGet:
		username := r.URL.Query().Get("username")
		msgs, err := h.node.GetMessages(username, queryLimit(r))
		if err != nil {
			writeAPIError(w, err)
			return
		}
		writeJSON(w, messagesResponse{Messages: msgs})

	case http.MethodDelete:
		var req deleteMessagesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := h.node.DeleteMessages(req.Username, req.MessageIDs); err != nil {
			writeAPIError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPHandler) handleUndelivered(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	username := r.URL.Query().Get("username")
	msgs, err := h.node.GetUndelivered(username, queryLimit(r))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, messagesResponse{Messages: msgs})
}

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

// handleStream pushes new messages for a user as server-sent events until
// the client disconnects, the user logs out, or the account is deleted.
func (h *HTTPHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	username := r.URL.Query().Get("username")
	if username == "" {
		http.Error(w, "username required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch, cancel := h.node.Subscribe(username)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.node.Status())
}
