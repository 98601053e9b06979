package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/Impact-Idol/ChatSDK-sub001/cmd/internal/messaging"
	v1 "github.com/Impact-Idol/ChatSDK-sub001/shared/contracts/realtime/v1"
)

type wsFixture struct {
	engine *messaging.Engine
	hub    *Hub
	server *httptest.Server
	convID string
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(log, nil)

	engine, err := messaging.NewEngine(messaging.NewInMemoryStore(),
		messaging.WithLogger(log),
		messaging.WithPublisher(hub),
	)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	conv, err := engine.CreateConversation(context.Background(), messaging.CreateConversationInput{
		ID:        "conv-ws-1",
		TenantID:  "acme",
		Kind:      messaging.KindGroup,
		CreatorID: "alice",
		Members:   []string{"bob"},
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false

	gw, err := NewWSGateway(log, hub, engine, nil, cfg)
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &wsFixture{engine: engine, hub: hub, server: srv, convID: conv.ID}
}

func (f *wsFixture) dial(t *testing.T, userID, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(f.server.URL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(userID) != "" {
		h.Set(UserHeader, userID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   h,
	})
}

func (f *wsFixture) mustDial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := f.dial(t, userID, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func (f *wsFixture) mustJoin(t *testing.T, conn *websocket.Conn) v1.ConversationJoinPayload {
	t.Helper()
	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeConversationJoin, v1.ConversationJoinPayload{ConversationID: f.convID}))

	env := readUntilType(t, conn, v1.TypeConversationJoin, 4)
	var p v1.ConversationJoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode join echo: %v", err)
	}
	if p.ConversationID != f.convID {
		t.Fatalf("join echo conversation_id=%q want %q", p.ConversationID, f.convID)
	}
	return p
}

func TestWSGateway_RejectsMissingIdentity(t *testing.T) {
	f := newWSFixture(t)

	conn, resp, err := f.dial(t, "", "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		t.Fatalf("expected dial to fail without %s", UserHeader)
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestWSGateway_RejectsDisallowedOrigin(t *testing.T) {
	f := newWSFixture(t)

	conn, resp, err := f.dial(t, "alice", "https://evil.example")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		t.Fatalf("expected dial to fail for foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
}

func TestWSGateway_HelloReturnsSession(t *testing.T) {
	f := newWSFixture(t)
	conn := f.mustDial(t, "alice")

	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeHello, v1.HelloPayload{}))
	env := readUntilType(t, conn, v1.TypeHelloAck, 2)

	var ack v1.HelloAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("decode hello_ack: %v", err)
	}
	if ack.UserID != "alice" || len(ack.SessionID) != 26 {
		t.Fatalf("unexpected hello_ack: %+v", ack)
	}
}

func TestWSGateway_SendAcksAndPushesToSubscribers(t *testing.T) {
	f := newWSFixture(t)
	alice := f.mustDial(t, "alice")
	bob := f.mustDial(t, "bob")

	f.mustJoin(t, alice)
	f.mustJoin(t, bob)

	send := v1.MessageSendPayload{ConversationID: f.convID, ClientMsgID: "c-1", Text: "hi @bob"}
	writeEnvelopeWS(t, alice, clientEnvelope(t, v1.TypeMessageSend, send))

	ackEnv := readUntilType(t, alice, v1.TypeMessageAck, 4)
	var ack v1.MessageAckPayload
	if err := json.Unmarshal(ackEnv.Payload, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Seq != 1 || ack.Duplicate || ack.MessageID == "" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	pushed := readUntilType(t, bob, v1.TypeEvent, 4)
	var push v1.EventPushPayload
	if err := json.Unmarshal(pushed.Payload, &push); err != nil {
		t.Fatalf("decode push: %v", err)
	}
	if push.Event != v1.EventMessageCreated || push.Topic != "chat.acme."+f.convID {
		t.Fatalf("unexpected push: event=%q topic=%q", push.Event, push.Topic)
	}
	var ev v1.EventPayload
	if err := json.Unmarshal(push.Data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Message == nil || ev.Message.Seq != 1 || ev.Message.Text != "hi @bob" {
		t.Fatalf("unexpected event message: %+v", ev.Message)
	}

	// A retry with the same client_msg_id collapses onto the first message.
	writeEnvelopeWS(t, alice, clientEnvelope(t, v1.TypeMessageSend, send))
	dupEnv := readUntilType(t, alice, v1.TypeMessageAck, 4)
	var dup v1.MessageAckPayload
	if err := json.Unmarshal(dupEnv.Payload, &dup); err != nil {
		t.Fatalf("decode duplicate ack: %v", err)
	}
	if !dup.Duplicate || dup.MessageID != ack.MessageID || dup.Seq != 1 {
		t.Fatalf("unexpected duplicate ack: %+v", dup)
	}
}

func TestWSGateway_JoinDeniedForNonMember(t *testing.T) {
	f := newWSFixture(t)
	carol := f.mustDial(t, "carol")

	writeEnvelopeWS(t, carol, clientEnvelope(t, v1.TypeConversationJoin, v1.ConversationJoinPayload{ConversationID: f.convID}))

	p := readError(t, carol)
	if p.Code != "not_member" {
		t.Fatalf("expected not_member, got %+v", p)
	}
	if n := f.hub.Subscribers(messaging.Topic("acme", f.convID)); n != 0 {
		t.Fatalf("non-member subscribed: %d", n)
	}
}

func TestWSGateway_SendRequiresJoin(t *testing.T) {
	f := newWSFixture(t)
	alice := f.mustDial(t, "alice")

	writeEnvelopeWS(t, alice, clientEnvelope(t, v1.TypeMessageSend, v1.MessageSendPayload{
		ConversationID: f.convID,
		ClientMsgID:    "c-1",
		Text:           "hello",
	}))

	if p := readError(t, alice); p.Code != "not_joined" {
		t.Fatalf("expected not_joined, got %+v", p)
	}
}

func TestWSGateway_HistoryFetchSyncsByPosition(t *testing.T) {
	f := newWSFixture(t)
	ctx := context.Background()
	for i, text := range []string{"one", "two", "three"} {
		_, err := f.engine.CreateMessage(ctx, messaging.CreateMessageInput{
			ConversationID: f.convID,
			AuthorID:       "alice",
			Text:           text,
			ClientMsgID:    "seed-" + string(rune('a'+i)),
		})
		if err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}

	bob := f.mustDial(t, "bob")
	join := f.mustJoin(t, bob)
	if join.MaxSeq != 3 {
		t.Fatalf("join max_seq=%d want 3", join.MaxSeq)
	}

	since := int64(1)
	writeEnvelopeWS(t, bob, clientEnvelope(t, v1.TypeConversationHistoryFetch, v1.ConversationHistoryFetchPayload{
		ConversationID: f.convID,
		SinceSeq:       &since,
		Limit:          10,
	}))

	env := readUntilType(t, bob, v1.TypeConversationHistoryChunk, 4)
	var chunk v1.ConversationHistoryChunkPayload
	if err := json.Unmarshal(env.Payload, &chunk); err != nil {
		t.Fatalf("decode chunk: %v", err)
	}
	if len(chunk.Messages) != 2 || chunk.Messages[0].Seq != 2 || chunk.Messages[1].Seq != 3 {
		t.Fatalf("unexpected messages: %+v", chunk.Messages)
	}
	if chunk.MaxSeq != 3 || chunk.HasMore || chunk.NextSinceSeq != 3 {
		t.Fatalf("unexpected cursor: max=%d more=%v next=%d", chunk.MaxSeq, chunk.HasMore, chunk.NextSinceSeq)
	}
}

func TestWSGateway_ReadMarkReturnsReadState(t *testing.T) {
	f := newWSFixture(t)
	ctx := context.Background()

	var lastID string
	for _, id := range []string{"m-1", "m-2"} {
		res, err := f.engine.CreateMessage(ctx, messaging.CreateMessageInput{
			ConversationID: f.convID,
			AuthorID:       "alice",
			Text:           "hello",
			ClientMsgID:    id,
		})
		if err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
		lastID = res.Message.ID
	}

	bob := f.mustDial(t, "bob")
	writeEnvelopeWS(t, bob, clientEnvelope(t, v1.TypeReadMark, v1.ReadMarkPayload{
		ConversationID: f.convID,
		UptoMessageID:  lastID,
	}))

	env := readUntilType(t, bob, v1.TypeReadAck, 4)
	var ack v1.ReadAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("decode read_ack: %v", err)
	}
	if ack.LastReadPosition != 2 || ack.UnreadCount != 0 {
		t.Fatalf("unexpected read_ack: %+v", ack)
	}
}

func TestWSGateway_BadJSONKeepsSessionOpen(t *testing.T) {
	f := newWSFixture(t)
	alice := f.mustDial(t, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := alice.Write(ctx, websocket.MessageText, []byte("{nope")); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
	if p := readError(t, alice); p.Code != "bad_json" {
		t.Fatalf("expected bad_json, got %+v", p)
	}

	writeEnvelopeWS(t, alice, clientEnvelope(t, v1.TypeHello, v1.HelloPayload{}))
	readUntilType(t, alice, v1.TypeHelloAck, 2)
}

func TestWSGateway_UnsupportedType(t *testing.T) {
	f := newWSFixture(t)
	alice := f.mustDial(t, "alice")

	writeEnvelopeWS(t, alice, clientEnvelope(t, v1.TypeReadAck, v1.ReadAckPayload{}))
	if p := readError(t, alice); p.Code != "unsupported" {
		t.Fatalf("expected unsupported, got %+v", p)
	}
}

func TestOriginHelpers(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"http://localhost:3000":   "localhost",
		"https://App.Example.com": "app.example.com",
		"127.0.0.1:8080":          "127.0.0.1",
		"":                        "",
	}
	for in, want := range cases {
		if got := originHostOnly(in); got != want {
			t.Fatalf("originHostOnly(%q)=%q want %q", in, got, want)
		}
	}

	got := deriveOriginPatterns([]string{"http://b.example", "http://a.example:80", "http://a.example"})
	if strings.Join(got, ",") != "a.example,b.example" {
		t.Fatalf("deriveOriginPatterns=%v", got)
	}
	if got := deriveOriginPatterns([]string{"http://a.example", "*"}); len(got) != 1 || got[0] != "*" {
		t.Fatalf("wildcard patterns=%v", got)
	}
}

// ---- helpers ----

func clientEnvelope(t *testing.T, typ string, payload any) v1.Envelope {
	t.Helper()
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, payload),
	}
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func readError(t *testing.T, conn *websocket.Conn) v1.ErrorPayload {
	t.Helper()
	env := readUntilType(t, conn, v1.TypeError, 4)
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return p
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}
