// Package httpapi exposes the messaging engine as a JSON HTTP API.
//
// The caller's identity arrives in the X-User-ID header, set by the trusted
// edge that terminated authentication.
package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/Impact-Idol/ChatSDK-sub001/cmd/internal/messaging"
)

const (
	// UserHeader carries the authenticated user id.
	UserHeader = "X-User-ID"
	// IdempotencyHeader may carry the client_msg_id of a message create.
	IdempotencyHeader = "Idempotency-Key"

	defaultMaxBodyBytes = 64 << 10
	retryAfterSeconds   = 1
)

// Engine is the messaging surface served over HTTP.
type Engine interface {
	CreateConversation(ctx context.Context, in messaging.CreateConversationInput) (messaging.Conversation, error)
	GetConversation(ctx context.Context, userID, conversationID string) (messaging.Conversation, error)
	ListMembers(ctx context.Context, userID, conversationID string) ([]messaging.Member, error)
	AddMember(ctx context.Context, in messaging.AddMemberInput) (messaging.Member, error)
	RemoveMember(ctx context.Context, in messaging.RemoveMemberInput) error

	CreateMessage(ctx context.Context, in messaging.CreateMessageInput) (messaging.CreateMessageResult, error)
	EditMessage(ctx context.Context, in messaging.EditMessageInput) (messaging.Message, error)
	DeleteMessage(ctx context.Context, in messaging.DeleteMessageInput) (messaging.Message, error)

	Paginate(ctx context.Context, in messaging.PageInput) (messaging.Page, error)
	Thread(ctx context.Context, in messaging.ThreadInput) (messaging.Thread, error)

	MarkRead(ctx context.Context, in messaging.MarkReadInput) (messaging.MarkReadResult, error)
	ReadState(ctx context.Context, conversationID, userID string) (messaging.ReadState, error)
	Receipts(ctx context.Context, conversationID, userID, messageID string) ([]messaging.DeliveryState, error)
}

// Config controls request limits.
type Config struct {
	MaxBodyBytes int64
}

// Handler wires HTTP routes to the engine.
type Handler struct {
	log    *slog.Logger
	cfg    Config
	engine Engine
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, engine Engine, cfg Config) (*Handler, error) {
	if engine == nil {
		return nil, errors.New("httpapi: nil engine")
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Handler{log: log, cfg: cfg, engine: engine}, nil
}

// Register wires the API routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /v1/conversations", h.withUser(h.handleCreateConversation))
	mux.HandleFunc("GET /v1/conversations/{cid}", h.withUser(h.handleGetConversation))
	mux.HandleFunc("POST /v1/conversations/{cid}/members", h.withUser(h.handleAddMember))
	mux.HandleFunc("DELETE /v1/conversations/{cid}/members/{uid}", h.withUser(h.handleRemoveMember))

	mux.HandleFunc("POST /v1/conversations/{cid}/messages", h.withUser(h.handleCreateMessage))
	mux.HandleFunc("GET /v1/conversations/{cid}/messages", h.withUser(h.handleListMessages))
	mux.HandleFunc("PATCH /v1/conversations/{cid}/messages/{mid}", h.withUser(h.handleEditMessage))
	mux.HandleFunc("DELETE /v1/conversations/{cid}/messages/{mid}", h.withUser(h.handleDeleteMessage))
	mux.HandleFunc("GET /v1/conversations/{cid}/messages/{mid}/thread", h.withUser(h.handleThread))
	mux.HandleFunc("GET /v1/conversations/{cid}/messages/{mid}/receipts", h.withUser(h.handleReceipts))

	mux.HandleFunc("POST /v1/conversations/{cid}/read", h.withUser(h.handleMarkRead))
	mux.HandleFunc("GET /v1/conversations/{cid}/read", h.withUser(h.handleReadState))
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (h *Handler) withUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing "+UserHeader)
			return
		}
		next(w, r, userID)
	}
}

// ---- conversations ----

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request, userID string) {
	var req createConversationRequest
	if !h.readJSON(w, r, &req) {
		return
	}

	conv, err := h.engine.CreateConversation(r.Context(), messaging.CreateConversationInput{
		ID:        req.ID,
		TenantID:  req.TenantID,
		Kind:      req.Kind,
		CreatorID: userID,
		Members:   req.Members,
	})
	if err != nil {
		h.writeEngineError(w, "create_conversation", err)
		return
	}

	members, err := h.engine.ListMembers(r.Context(), userID, conv.ID)
	if err != nil {
		h.writeEngineError(w, "create_conversation", err)
		return
	}
	writeJSON(w, http.StatusCreated, toConversationResponse(conv, members))
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request, userID string) {
	cid := r.PathValue("cid")

	conv, err := h.engine.GetConversation(r.Context(), userID, cid)
	if err != nil {
		h.writeEngineError(w, "get_conversation", err)
		return
	}
	members, err := h.engine.ListMembers(r.Context(), userID, cid)
	if err != nil {
		h.writeEngineError(w, "get_conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationResponse(conv, members))
}

func (h *Handler) handleAddMember(w http.ResponseWriter, r *http.Request, userID string) {
	var req addMemberRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	role, ok := messaging.ParseRole(req.Role)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_input", "unknown role")
		return
	}

	m, err := h.engine.AddMember(r.Context(), messaging.AddMemberInput{
		ConversationID: r.PathValue("cid"),
		ActorID:        userID,
		UserID:         req.UserID,
		Role:           role,
	})
	if err != nil {
		h.writeEngineError(w, "add_member", err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberResponse(m))
}

func (h *Handler) handleRemoveMember(w http.ResponseWriter, r *http.Request, userID string) {
	err := h.engine.RemoveMember(r.Context(), messaging.RemoveMemberInput{
		ConversationID: r.PathValue("cid"),
		ActorID:        userID,
		UserID:         r.PathValue("uid"),
	})
	if err != nil {
		h.writeEngineError(w, "remove_member", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- messages ----

func (h *Handler) handleCreateMessage(w http.ResponseWriter, r *http.Request, userID string) {
	var req createMessageRequest
	if !h.readJSON(w, r, &req) {
		return
	}

	clientMsgID := strings.TrimSpace(req.ClientMsgID)
	if key := strings.TrimSpace(r.Header.Get(IdempotencyHeader)); key != "" {
		if clientMsgID != "" && clientMsgID != key {
			writeError(w, http.StatusBadRequest, "invalid_input", "client_msg_id and "+IdempotencyHeader+" disagree")
			return
		}
		clientMsgID = key
	}

	res, err := h.engine.CreateMessage(r.Context(), messaging.CreateMessageInput{
		ConversationID: r.PathValue("cid"),
		AuthorID:       userID,
		Text:           req.Text,
		ClientMsgID:    clientMsgID,
		ParentID:       req.ParentID,
		ReplyToID:      req.ReplyToID,
		Attachments:    req.Attachments,
	})
	if err != nil {
		h.writeEngineError(w, "create_message", err)
		return
	}

	status := http.StatusCreated
	if res.IsDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, createMessageResponse{
		Message:   messaging.ToWire(res.Message),
		Duplicate: res.IsDuplicate,
	})
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request, userID string) {
	q := r.URL.Query()

	in := messaging.PageInput{
		ConversationID: r.PathValue("cid"),
		UserID:         userID,
		Mode:           messaging.PageMode(strings.TrimSpace(q.Get("mode"))),
		Before:         q.Get("before"),
		After:          q.Get("after"),
	}
	if raw := strings.TrimSpace(q.Get("since_seq")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "since_seq must be an integer")
			return
		}
		in.SinceSeq = &n
	}
	limit, ok := queryInt(q.Get("limit"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_input", "limit must be an integer")
		return
	}
	in.Limit = limit

	page, err := h.engine.Paginate(r.Context(), in)
	if err != nil {
		h.writeEngineError(w, "list_messages", err)
		return
	}
	writeJSON(w, http.StatusOK, pageResponse{
		Messages:     toWireMessages(page.Messages),
		MaxSeq:       page.MaxSeq,
		HasMore:      page.HasMore,
		NextSinceSeq: page.NextSinceSeq,
	})
}

func (h *Handler) handleEditMessage(w http.ResponseWriter, r *http.Request, userID string) {
	var req editMessageRequest
	if !h.readJSON(w, r, &req) {
		return
	}

	m, err := h.engine.EditMessage(r.Context(), messaging.EditMessageInput{
		ConversationID: r.PathValue("cid"),
		MessageID:      r.PathValue("mid"),
		ActorID:        userID,
		Text:           req.Text,
	})
	if err != nil {
		h.writeEngineError(w, "edit_message", err)
		return
	}
	writeJSON(w, http.StatusOK, messaging.ToWire(m))
}

func (h *Handler) handleDeleteMessage(w http.ResponseWriter, r *http.Request, userID string) {
	m, err := h.engine.DeleteMessage(r.Context(), messaging.DeleteMessageInput{
		ConversationID: r.PathValue("cid"),
		MessageID:      r.PathValue("mid"),
		ActorID:        userID,
	})
	if err != nil {
		h.writeEngineError(w, "delete_message", err)
		return
	}
	writeJSON(w, http.StatusOK, messaging.ToWire(m))
}

func (h *Handler) handleThread(w http.ResponseWriter, r *http.Request, userID string) {
	q := r.URL.Query()
	limit, ok := queryInt(q.Get("limit"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_input", "limit must be an integer")
		return
	}

	th, err := h.engine.Thread(r.Context(), messaging.ThreadInput{
		ConversationID: r.PathValue("cid"),
		UserID:         userID,
		ParentID:       r.PathValue("mid"),
		Before:         q.Get("before"),
		Limit:          limit,
	})
	if err != nil {
		h.writeEngineError(w, "thread", err)
		return
	}
	writeJSON(w, http.StatusOK, threadResponse{
		Parent:  messaging.ToWire(th.Parent),
		Replies: toWireMessages(th.Replies),
		HasMore: th.HasMore,
	})
}

func (h *Handler) handleReceipts(w http.ResponseWriter, r *http.Request, userID string) {
	mid := r.PathValue("mid")

	states, err := h.engine.Receipts(r.Context(), r.PathValue("cid"), userID, mid)
	if err != nil {
		h.writeEngineError(w, "receipts", err)
		return
	}

	out := receiptsResponse{MessageID: mid, Receipts: make([]receiptResponse, 0, len(states))}
	for _, s := range states {
		out.Receipts = append(out.Receipts, receiptResponse{
			UserID:    s.UserID,
			Read:      s.Flags.Read(),
			Mentioned: s.Flags.Mentioned(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- read state ----

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request, userID string) {
	var req markReadRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	cid := r.PathValue("cid")

	res, err := h.engine.MarkRead(r.Context(), messaging.MarkReadInput{
		ConversationID: cid,
		UserID:         userID,
		UptoMessageID:  req.UptoMessageID,
	})
	if err != nil {
		h.writeEngineError(w, "mark_read", err)
		return
	}
	writeJSON(w, http.StatusOK, readStateResponse{
		ConversationID:   cid,
		UserID:           userID,
		LastReadPosition: res.LastReadPosition,
		UnreadCount:      res.UnreadCount,
	})
}

func (h *Handler) handleReadState(w http.ResponseWriter, r *http.Request, userID string) {
	rs, err := h.engine.ReadState(r.Context(), r.PathValue("cid"), userID)
	if err != nil {
		h.writeEngineError(w, "read_state", err)
		return
	}
	writeJSON(w, http.StatusOK, readStateResponse{
		ConversationID:   rs.ConversationID,
		UserID:           rs.UserID,
		LastReadPosition: rs.LastReadPosition,
		UnreadCount:      rs.UnreadCount,
	})
}

// ---- errors ----

// writeEngineError maps engine error kinds to HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, op string, err error) {
	code := messaging.Code(err)

	switch {
	case errors.Is(err, messaging.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, code, err.Error())
	case errors.Is(err, messaging.ErrNotMember), errors.Is(err, messaging.ErrForbidden):
		writeError(w, http.StatusForbidden, code, err.Error())
	case errors.Is(err, messaging.ErrNotFound):
		writeError(w, http.StatusNotFound, code, err.Error())
	case errors.Is(err, messaging.ErrConflict):
		writeError(w, http.StatusConflict, code, err.Error())
	case errors.Is(err, messaging.ErrTransient):
		h.log.Warn("httpapi."+op+".transient", "err", err)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		writeError(w, http.StatusServiceUnavailable, code, "temporarily unavailable, retry")
	default:
		h.log.Error("httpapi."+op+".fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func queryInt(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
