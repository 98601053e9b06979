// Package main provides a CI-friendly end-to-end smoke test for a running relay server.
//
// It validates:
//   - conversation creation over the HTTP API
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - join echo
//   - send -> ack
//   - fanout of the message.created event to another member
//   - position-sync history fetch
//   - idempotent dedupe by client_msg_id
//   - read mark -> read ack
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/Impact-Idol/ChatSDK-sub001/shared/contracts/realtime/v1"
)

const (
	subprotocol  = "relay.realtime.v1"
	userHeader   = "X-User-ID"
	maxReadBytes = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	userID    string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8080", "Server base URL (HTTP API; /ws is derived)")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		tenant  = flag.String("tenant", "smoke", "Tenant id for the conversation")
		convID  = flag.String("conv", fmt.Sprintf("smoke-%d", time.Now().Unix()), "Conversation ID to create and join")
		userA   = flag.String("user-a", "smoke-alice", "Sender user id")
		userB   = flag.String("user-b", "smoke-bob", "Receiver user id")
		text    = flag.String("text", "hello relay 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	wsURL, err := deriveWSURL(*baseURL)
	if err != nil {
		fatalf("invalid -base: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	mustCreateConversation(root, *baseURL, *userA, *tenant, *convID, *userB, *timeout)

	a := mustConnect(root, "A", *userA, wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *userB, wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q ws=%s\n", a.sessionID, b.sessionID, *origin, wsURL)
	}

	mustJoin(root, a, *convID, *timeout)
	mustJoin(root, b, *convID, *timeout)

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())

	ack := mustSend(root, a, *convID, clientMsgID, *text, *timeout)
	if ack.Duplicate {
		fatalf("first send reported duplicate")
	}

	mustAssertCreated(root, b, *convID, ack, *userA, *text, *timeout)

	_ = drainOptionalEvent(root, a, 750*time.Millisecond)

	mustHistoryFetchContains(root, b, *convID, nil, 50, ack, *timeout)

	after := ack.Seq
	mustHistoryFetchEmpty(root, b, *convID, &after, 50, *timeout)

	again := mustSend(root, a, *convID, clientMsgID, *text, *timeout)
	if !again.Duplicate || again.Seq != ack.Seq || again.MessageID != ack.MessageID {
		fatalf("dedupe: got message_id=%s seq=%d duplicate=%v want message_id=%s seq=%d duplicate=true",
			again.MessageID, again.Seq, again.Duplicate, ack.MessageID, ack.Seq)
	}

	mustAssertNoType(root, b, v1.TypeEvent, 1200*time.Millisecond)
	mustAssertNoType(root, a, v1.TypeEvent, 1200*time.Millisecond)

	mustMarkRead(root, b, *convID, ack, *timeout)

	fmt.Printf("OK: A=%s B=%s conv_id=%s seq=%d message_id=%s\n", a.sessionID, b.sessionID, *convID, ack.Seq, ack.MessageID)
}

func deriveWSURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

// mustCreateConversation creates the conversation; 409 means a previous run already did.
func mustCreateConversation(parent context.Context, base, creator, tenant, convID, member string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body := mustJSON(map[string]any{
		"id":        convID,
		"tenant_id": tenant,
		"kind":      "group",
		"members":   []string{member},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/v1/conversations", bytes.NewReader(body))
	if err != nil {
		fatalf("build create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(userHeader, creator)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("create conversation: %v", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusConflict:
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		fatalf("create conversation: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}

func mustConnect(parent context.Context, name, userID, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set(userHeader, userID)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	mustWriteWithTimeout(parent, conn, newEnvelope(v1.TypeHello, name+"-hello", "", v1.HelloPayload{}), stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	if p.UserID != userID {
		fatalf("hello_ack user mismatch (%s): got=%q want=%q", name, p.UserID, userID)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustJoin(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	env := newEnvelope(v1.TypeConversationJoin, c.name+"-join", convID, v1.ConversationJoinPayload{ConversationID: convID})
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeConversationJoin, stepTimeout, nil)

	var p v1.ConversationJoinPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal join echo payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("join echo conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if strings.TrimSpace(p.Kind) == "" {
		fatalf("join echo missing kind (%s)", c.name)
	}
}

func mustSend(parent context.Context, c *smokeClient, convID, clientMsgID, text string, stepTimeout time.Duration) v1.MessageAckPayload {
	env := newEnvelope(v1.TypeMessageSend, c.name+"-send-"+clientMsgID, convID, v1.MessageSendPayload{
		ConversationID: convID,
		ClientMsgID:    clientMsgID,
		Text:           text,
	})
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeEvent: {}}
	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, skip)

	var p v1.MessageAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message_ack payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("ack conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if strings.TrimSpace(p.MessageID) == "" {
		fatalf("ack missing message_id (%s)", c.name)
	}
	if p.Seq <= 0 {
		fatalf("ack invalid seq (%s): %d", c.name, p.Seq)
	}
	return p
}

func mustAssertCreated(parent context.Context, c *smokeClient, convID string, ack v1.MessageAckPayload, authorID, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeEvent, stepTimeout, nil)

	var push v1.EventPushPayload
	if err := json.Unmarshal(env.Payload, &push); err != nil {
		fatalf("unmarshal event payload (%s): %v", c.name, err)
	}
	if push.Event != v1.EventMessageCreated {
		fatalf("event name mismatch (%s): got=%q want=%q", c.name, push.Event, v1.EventMessageCreated)
	}

	var ev v1.EventPayload
	if err := json.Unmarshal(push.Data, &ev); err != nil {
		fatalf("unmarshal event data (%s): %v", c.name, err)
	}
	if ev.ConversationID != convID || ev.Message == nil {
		fatalf("event missing message (%s): %+v", c.name, ev)
	}

	m := ev.Message
	if m.ID != ack.MessageID {
		fatalf("event message_id mismatch (%s): got=%q want=%q", c.name, m.ID, ack.MessageID)
	}
	if m.Seq != ack.Seq {
		fatalf("event seq mismatch (%s): got=%d want=%d", c.name, m.Seq, ack.Seq)
	}
	if m.AuthorID != authorID {
		fatalf("event author mismatch (%s): got=%q want=%q", c.name, m.AuthorID, authorID)
	}
	if m.Text != text {
		fatalf("event text mismatch (%s): got=%q want=%q", c.name, m.Text, text)
	}
	if m.CreatedAt.IsZero() {
		fatalf("event created_at missing/zero (%s)", c.name)
	}
}

func fetchHistory(parent context.Context, c *smokeClient, convID string, sinceSeq *int64, limit int, stepTimeout time.Duration) v1.ConversationHistoryChunkPayload {
	req := newEnvelope(v1.TypeConversationHistoryFetch, c.name+"-history-fetch", convID, v1.ConversationHistoryFetchPayload{
		ConversationID: convID,
		SinceSeq:       sinceSeq,
		Limit:          limit,
	})
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	chunk := c.mustReadUntilType(parent, v1.TypeConversationHistoryChunk, stepTimeout, nil)

	var p v1.ConversationHistoryChunkPayload
	if err := json.Unmarshal(chunk.Payload, &p); err != nil {
		fatalf("unmarshal history chunk payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("history chunk conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	return p
}

func mustHistoryFetchContains(parent context.Context, c *smokeClient, convID string, sinceSeq *int64, limit int, ack v1.MessageAckPayload, stepTimeout time.Duration) {
	p := fetchHistory(parent, c, convID, sinceSeq, limit, stepTimeout)

	for _, m := range p.Messages {
		if m.ID == ack.MessageID && m.Seq == ack.Seq && m.ClientMsgID == ack.ClientMsgID {
			return
		}
	}
	fatalf("history chunk missing expected message (%s)", c.name)
}

func mustHistoryFetchEmpty(parent context.Context, c *smokeClient, convID string, sinceSeq *int64, limit int, stepTimeout time.Duration) {
	p := fetchHistory(parent, c, convID, sinceSeq, limit, stepTimeout)
	if len(p.Messages) != 0 {
		fatalf("expected empty history chunk (%s), got=%d", c.name, len(p.Messages))
	}
	if p.HasMore {
		fatalf("empty history chunk reports has_more (%s)", c.name)
	}
}

func mustMarkRead(parent context.Context, c *smokeClient, convID string, ack v1.MessageAckPayload, stepTimeout time.Duration) {
	env := newEnvelope(v1.TypeReadMark, c.name+"-read", convID, v1.ReadMarkPayload{
		ConversationID: convID,
		UptoMessageID:  ack.MessageID,
	})
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeEvent: {}}
	res := c.mustReadUntilType(parent, v1.TypeReadAck, stepTimeout, skip)

	var p v1.ReadAckPayload
	if err := json.Unmarshal(res.Payload, &p); err != nil {
		fatalf("unmarshal read_ack payload (%s): %v", c.name, err)
	}
	if p.LastReadPosition < ack.Seq {
		fatalf("read_ack position (%s): got=%d want>=%d", c.name, p.LastReadPosition, ack.Seq)
	}
}

func drainOptionalEvent(parent context.Context, c *smokeClient, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.errCh:
			if err != nil {
				return err
			}
			return errors.New("connection closed while draining")
		case env, ok := <-c.inbox:
			if !ok {
				return errors.New("connection closed while draining")
			}
			if env.Type == v1.TypeEvent {
				return nil
			}
		}
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				fatalf("server error (%s): %s", c.name, errorText(env))
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				fatalf("server error (%s): %s", c.name, errorText(env))
			}
			if _, ok := skipTypes[env.Type]; ok {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func errorText(env v1.Envelope) string {
	var ep v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &ep)
	return fmt.Sprintf("code=%q msg=%q", ep.Code, ep.Message)
}

func newEnvelope(typ, id, convID string, payload any) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		ConvID:  convID,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
