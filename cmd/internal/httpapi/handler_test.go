package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Impact-Idol/ChatSDK-sub001/cmd/internal/messaging"
)

type apiFixture struct {
	engine *messaging.Engine
	mux    *http.ServeMux
}

func newAPIFixture(t *testing.T) apiFixture {
	t.Helper()

	engine, err := messaging.NewEngine(messaging.NewInMemoryStore())
	require.NoError(t, err)

	h, err := NewHandler(nil, engine, Config{})
	require.NoError(t, err)

	mux := http.NewServeMux()
	h.Register(mux)
	return apiFixture{engine: engine, mux: mux}
}

func (f apiFixture) do(t *testing.T, method, path, user string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func (f apiFixture) mustConversation(t *testing.T) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/conversations", "alice", map[string]any{
		"id":        "c1",
		"tenant_id": "acme",
		"kind":      "group",
		"members":   []string{"bob"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestAPI_RequiresIdentity(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/conversations/c1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", decode[errorResponse](t, rec).Error.Code)
}

func TestAPI_ConversationLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	f.mustConversation(t)

	rec := f.do(t, http.MethodGet, "/v1/conversations/c1", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	conv := decode[conversationResponse](t, rec)
	assert.Equal(t, "acme", conv.TenantID)
	assert.Len(t, conv.Members, 2)

	rec = f.do(t, http.MethodGet, "/v1/conversations/c1", "carol", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "not_member", decode[errorResponse](t, rec).Error.Code)

	rec = f.do(t, http.MethodPost, "/v1/conversations/c1/members", "bob", addMemberRequest{UserID: "carol"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "plain members cannot add members")

	rec = f.do(t, http.MethodPost, "/v1/conversations/c1/members", "alice", addMemberRequest{UserID: "carol", Role: "moderator"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "moderator", decode[memberResponse](t, rec).Role)

	rec = f.do(t, http.MethodPost, "/v1/conversations/c1/members", "alice", addMemberRequest{UserID: "dave", Role: "emperor"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/conversations/c1/members/bob", "bob", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/conversations", "alice", map[string]any{"id": "c1", "kind": "group", "tenant_id": "acme"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_CreateMessageIdempotency(t *testing.T) {
	f := newAPIFixture(t)
	f.mustConversation(t)

	body := createMessageRequest{Text: "hello"}
	rec := f.do(t, http.MethodPost, "/v1/conversations/c1/messages", "alice", body, IdempotencyHeader, "k-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[createMessageResponse](t, rec)
	assert.False(t, first.Duplicate)
	assert.EqualValues(t, 1, first.Message.Seq)
	assert.Equal(t, "k-1", first.Message.ClientMsgID)

	rec = f.do(t, http.MethodPost, "/v1/conversations/c1/messages", "alice", createMessageRequest{Text: "hello", ClientMsgID: "k-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dup := decode[createMessageResponse](t, rec)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, first.Message.ID, dup.Message.ID)

	rec = f.do(t, http.MethodPost, "/v1/conversations/c1/messages", "alice", createMessageRequest{Text: "x", ClientMsgID: "a"}, IdempotencyHeader, "b")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_RejectsUnknownFieldsAndOversizedBodies(t *testing.T) {
	f := newAPIFixture(t)
	f.mustConversation(t)

	rec := f.do(t, http.MethodPost, "/v1/conversations/c1/messages", "alice", `{"text":"hi","colour":"red"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_json", decode[errorResponse](t, rec).Error.Code)

	huge := `{"text":"` + strings.Repeat("a", defaultMaxBodyBytes) + `"}`
	rec = f.do(t, http.MethodPost, "/v1/conversations/c1/messages", "alice", huge)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "payload_too_large", decode[errorResponse](t, rec).Error.Code)

	rec = f.do(t, http.MethodPost, "/v1/conversations/c1/messages", "alice", `{"text":"a"}{"text":"b"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_PaginationAndRead(t *testing.T) {
	f := newAPIFixture(t)
	f.mustConversation(t)

	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		rec := f.do(t, http.MethodPost, "/v1/conversations/c1/messages", "alice", createMessageRequest{Text: text})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		ids = append(ids, decode[createMessageResponse](t, rec).Message.ID)
	}

	rec := f.do(t, http.MethodGet, "/v1/conversations/c1/messages?since_seq=0&limit=2", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[pageResponse](t, rec)
	require.Len(t, page.Messages, 2)
	assert.True(t, page.HasMore)
	assert.EqualValues(t, 3, page.MaxSeq)
	assert.EqualValues(t, 2, page.NextSinceSeq)

	rec = f.do(t, http.MethodGet, "/v1/conversations/c1/messages?before="+ids[2], "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page = decode[pageResponse](t, rec)
	require.Len(t, page.Messages, 2)
	assert.EqualValues(t, 1, page.Messages[0].Seq)
	assert.EqualValues(t, 2, page.Messages[1].Seq)

	rec = f.do(t, http.MethodGet, "/v1/conversations/c1/messages?before=x&after=y", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodGet, "/v1/conversations/c1/messages?since_seq=abc", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/conversations/c1/read", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, decode[readStateResponse](t, rec).UnreadCount)

	rec = f.do(t, http.MethodPost, "/v1/conversations/c1/read", "bob", markReadRequest{UptoMessageID: ids[1]})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rs := decode[readStateResponse](t, rec)
	assert.EqualValues(t, 2, rs.LastReadPosition)
	assert.EqualValues(t, 1, rs.UnreadCount)

	rec = f.do(t, http.MethodGet, "/v1/conversations/c1/messages/"+ids[0]+"/receipts", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	receipts := decode[receiptsResponse](t, rec)
	assert.Len(t, receipts.Receipts, 2)
	for _, r := range receipts.Receipts {
		assert.True(t, r.Read, "user %s", r.UserID)
	}
}

func TestAPI_EditDeleteAndThread(t *testing.T) {
	f := newAPIFixture(t)
	f.mustConversation(t)

	rec := f.do(t, http.MethodPost, "/v1/conversations/c1/messages", "alice", createMessageRequest{Text: "parent"})
	require.Equal(t, http.StatusCreated, rec.Code)
	parent := decode[createMessageResponse](t, rec).Message

	rec = f.do(t, http.MethodPost, "/v1/conversations/c1/messages", "bob", createMessageRequest{Text: "reply", ParentID: parent.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reply := decode[createMessageResponse](t, rec).Message

	rec = f.do(t, http.MethodGet, "/v1/conversations/c1/messages/"+parent.ID+"/thread", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	th := decode[threadResponse](t, rec)
	assert.EqualValues(t, 1, th.Parent.ReplyCount)
	require.Len(t, th.Replies, 1)
	assert.Equal(t, reply.ID, th.Replies[0].ID)

	rec = f.do(t, http.MethodPatch, "/v1/conversations/c1/messages/"+reply.ID, "alice", editMessageRequest{Text: "hijack"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPatch, "/v1/conversations/c1/messages/"+reply.ID, "bob", editMessageRequest{Text: "edited"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// alice owns the conversation, so she may delete bob's reply.
	rec = f.do(t, http.MethodDelete, "/v1/conversations/c1/messages/"+reply.ID, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodDelete, "/v1/conversations/c1/messages/"+reply.ID, "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/conversations/c1/messages/"+parent.ID+"/thread", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	th = decode[threadResponse](t, rec)
	assert.EqualValues(t, 0, th.Parent.ReplyCount)
	assert.Empty(t, th.Replies)
}

type transientEngine struct {
	Engine
}

func (transientEngine) CreateMessage(context.Context, messaging.CreateMessageInput) (messaging.CreateMessageResult, error) {
	return messaging.CreateMessageResult{}, messaging.OpError{Op: "messaging.CreateMessage", Kind: messaging.ErrTransient}
}

func (transientEngine) MarkRead(context.Context, messaging.MarkReadInput) (messaging.MarkReadResult, error) {
	return messaging.MarkReadResult{}, errors.New("disk on fire")
}

func TestAPI_ErrorMapping(t *testing.T) {
	h, err := NewHandler(nil, transientEngine{}, Config{})
	require.NoError(t, err)
	mux := http.NewServeMux()
	h.Register(mux)
	f := apiFixture{mux: mux}

	rec := f.do(t, http.MethodPost, "/v1/conversations/c1/messages", "alice", createMessageRequest{Text: "hi"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "unavailable", decode[errorResponse](t, rec).Error.Code)

	rec = f.do(t, http.MethodPost, "/v1/conversations/c1/read", "alice", markReadRequest{UptoMessageID: "m"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "server_error", decode[errorResponse](t, rec).Error.Code)
}

func TestNewHandler_NilEngine(t *testing.T) {
	_, err := NewHandler(nil, nil, Config{})
	require.Error(t, err)
}
