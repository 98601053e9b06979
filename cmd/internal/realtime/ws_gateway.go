package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Impact-Idol/ChatSDK-sub001/cmd/internal/ids"
	"github.com/Impact-Idol/ChatSDK-sub001/cmd/internal/messaging"
	v1 "github.com/Impact-Idol/ChatSDK-sub001/shared/contracts/realtime/v1"
)

const (
	// Subprotocol is the only WebSocket subprotocol the gateway speaks.
	Subprotocol = "relay.realtime.v1"

	// UserHeader carries the authenticated user id, set by the trusted edge.
	UserHeader = "X-User-ID"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
	wsMaxJoins        = 64
	wsMaxUserIDLen    = 128

	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Engine is the subset of the messaging engine the gateway drives.
type Engine interface {
	GetConversation(ctx context.Context, userID, conversationID string) (messaging.Conversation, error)
	CreateMessage(ctx context.Context, in messaging.CreateMessageInput) (messaging.CreateMessageResult, error)
	MarkRead(ctx context.Context, in messaging.MarkReadInput) (messaging.MarkReadResult, error)
	Paginate(ctx context.Context, in messaging.PageInput) (messaging.Page, error)
}

// GatewayConfig holds the WebSocket policy knobs. Zero durations and sizes take defaults.
type GatewayConfig struct {
	// DevInsecure disables the library origin check. Dev only.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns the secure defaults: Origin required and only
// localhost allowed.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    true,
		AllowedOrigins:    strings.Split(wsDefaultAllowedOrigins, ","),
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

// WSGateway is the WebSocket entrypoint.
//
// It enforces origin policy, subprotocol selection, rate limits and heartbeats,
// routes validated envelopes to the engine and subscribes sessions to the Hub.
type WSGateway struct {
	log     *slog.Logger
	hub     *Hub
	engine  Engine
	metrics *Metrics

	cfg GatewayConfig

	// Derived for websocket.Accept, which authorizes same-host origins itself
	// but needs host patterns for cross-origin requests.
	originPatterns []string
}

// NewWSGateway constructs a gateway. hub and engine are required.
func NewWSGateway(log *slog.Logger, hub *Hub, engine Engine, metrics *Metrics, cfg GatewayConfig) (*WSGateway, error) {
	if hub == nil {
		return nil, errors.New("realtime: nil hub")
	}
	if engine == nil {
		return nil, errors.New("realtime: nil engine")
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	def := DefaultGatewayConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadIdleTimeout <= 0 {
		cfg.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.SendQueueSize < wsMinSendQueueSize {
		cfg.SendQueueSize = wsMinSendQueueSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.RateEvents <= 0 {
		cfg.RateEvents = def.RateEvents
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}

	return &WSGateway{
		log:            log,
		hub:            hub,
		engine:         engine,
		metrics:        metrics,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP upgrades the request to a WebSocket session and runs it until either side closes.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.metrics.Rejected.WithLabelValues("origin").Inc()
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	userID := strings.TrimSpace(r.Header.Get(UserHeader))
	if userID == "" || len(userID) > wsMaxUserIDLen {
		g.metrics.Rejected.WithLabelValues("identity").Inc()
		g.log.Info("ws.reject.identity", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.metrics.Rejected.WithLabelValues("accept").Inc()
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != Subprotocol {
		g.metrics.Rejected.WithLabelValues("subprotocol").Inc()
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session.id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}

	g.metrics.Connections.Inc()
	defer g.metrics.Connections.Dec()

	s := &session{
		g:      g,
		conn:   conn,
		client: NewClient(userID, sessionID, g.cfg.SendQueueSize),
		log:    g.log.With("session_id", sessionID, "user_id", userID),
		joined: make(map[string]*Conversation),
	}
	g.log.Info("ws.session.start", "session_id", sessionID, "user_id", userID, "remote", r.RemoteAddr)
	s.run(r.Context())
	g.log.Info("ws.session.end", "session_id", sessionID, "user_id", userID, "dropped", s.client.Dropped())
}

// session is the state of one connection. The joined set is shared by the
// read loop and the heartbeat, which re-checks membership.
type session struct {
	g      *WSGateway
	conn   *websocket.Conn
	client *Client
	log    *slog.Logger

	cancel    context.CancelFunc
	closeOnce sync.Once

	mu     sync.Mutex
	joined map[string]*Conversation
}

// shutdown is idempotent. It does not close client.Send.
func (s *session) shutdown(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		for id, c := range s.joined {
			s.g.hub.Unsubscribe(c, s.client.SessionID)
			delete(s.joined, id)
		}
		s.mu.Unlock()

		s.client.Close()
		_ = s.conn.Close(code, reason)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func (s *session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	s.cancel = cancel

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx)
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		s.heartbeatLoop(ctx)
	}()

	s.readLoop(ctx)

	s.shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (s *session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.client.Done():
			return
		case env := <-s.client.Send:
			if err := writeEnvelope(ctx, s.conn, env, s.g.cfg.WriteTimeout); err != nil {
				s.log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (s *session) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(s.g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, s.g.cfg.HeartbeatTimeout)
			err := s.conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				s.log.Info("ws.ping.fail", "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					s.shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
			s.recheckMembership(ctx)
		}
	}
}

// recheckMembership drops subscriptions the user is no longer a member of.
func (s *session) recheckMembership(ctx context.Context) {
	s.mu.Lock()
	convIDs := make([]string, 0, len(s.joined))
	for id := range s.joined {
		convIDs = append(convIDs, id)
	}
	s.mu.Unlock()

	for _, id := range convIDs {
		callCtx, cancel := context.WithTimeout(ctx, engineCallTimeout)
		_, err := s.g.engine.GetConversation(callCtx, s.client.UserID, id)
		cancel()
		if err == nil || !(messaging.IsNotMember(err) || messaging.IsNotFound(err)) {
			continue
		}

		s.mu.Lock()
		c := s.joined[id]
		delete(s.joined, id)
		s.mu.Unlock()

		if c != nil {
			s.g.hub.Unsubscribe(c, s.client.SessionID)
			s.log.Info("ws.subscription.revoked", "conversation_id", id)
			s.sendError(id, messaging.Code(err), "membership revoked")
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	rl := NewRateLimiter(s.g.cfg.RateEvents, s.g.cfg.RateWindow)

	for {
		readCtx, readCancel := context.WithTimeout(ctx, s.g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, s.conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				s.shutdown(websocket.StatusNormalClosure, "peer closed")
				return
			case readErrCtxDone:
				s.shutdown(websocket.StatusNormalClosure, "context done")
				return
			case readErrConnClosed:
				s.shutdown(websocket.StatusAbnormalClosure, "conn closed")
				return
			case readErrBadJSON:
				s.sendError("", "bad_json", "invalid JSON")
				continue
			default:
				s.log.Info("ws.read.fail", "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "read failed")
				return
			}
		}

		if !rl.Allow(time.Now()) {
			s.sendError("", "rate_limited", "too many events")
			s.shutdown(websocket.StatusPolicyViolation, "rate limited")
			return
		}

		if err := env.Validate(); err != nil {
			s.sendError("", "bad_envelope", err.Error())
			continue
		}

		if err := s.dispatch(ctx, env); err != nil {
			if errors.Is(err, errBackpressure) {
				s.log.Info("ws.backpressure", "type", env.Type)
				continue
			}
			s.sendError(env.ConvID, errorCode(err), err.Error())
		}
	}
}

var errBackpressure = errors.New("realtime: send queue full")

// badRequest is a protocol-level error that carries its own code.
type badRequest struct {
	code string
	msg  string
}

func (e badRequest) Error() string { return e.msg }

func errorCode(err error) string {
	var br badRequest
	if errors.As(err, &br) {
		return br.code
	}
	return messaging.Code(err)
}

func (s *session) dispatch(ctx context.Context, env v1.Envelope) error {
	switch env.Type {
	case v1.TypeHello:
		return s.onHello()
	case v1.TypeConversationJoin:
		return s.onJoin(ctx, env)
	case v1.TypeMessageSend:
		return s.onMessageSend(ctx, env)
	case v1.TypeReadMark:
		return s.onReadMark(ctx, env)
	case v1.TypeConversationHistoryFetch:
		return s.onHistoryFetch(ctx, env)
	default:
		return badRequest{code: "unsupported", msg: fmt.Sprintf("unsupported type: %s", env.Type)}
	}
}

// ---- handlers ----

func (s *session) onHello() error {
	ack, _ := json.Marshal(v1.HelloAckPayload{SessionID: s.client.SessionID, UserID: s.client.UserID})
	return s.reply(v1.TypeHelloAck, "", ack)
}

func (s *session) onJoin(ctx context.Context, env v1.Envelope) error {
	var p v1.ConversationJoinPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return badRequest{code: "bad_payload", msg: "missing conversation_id"}
	}

	callCtx, cancel := context.WithTimeout(ctx, engineCallTimeout)
	defer cancel()

	conv, err := s.g.engine.GetConversation(callCtx, s.client.UserID, convID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	_, already := s.joined[conv.ID]
	if !already && len(s.joined) >= wsMaxJoins {
		s.mu.Unlock()
		return badRequest{code: "too_many_joins", msg: fmt.Sprintf("at most %d conversations per session", wsMaxJoins)}
	}
	if !already {
		s.joined[conv.ID] = s.g.hub.Subscribe(conv.TenantID, conv.ID, s.client)
	}
	s.mu.Unlock()

	// Subscribe before reading max_seq so no event between the two is missed.
	page, err := s.g.engine.Paginate(callCtx, messaging.PageInput{
		ConversationID: conv.ID,
		UserID:         s.client.UserID,
		Mode:           messaging.ModeLatest,
		Limit:          1,
	})
	if err != nil {
		return err
	}

	echo, _ := json.Marshal(v1.ConversationJoinPayload{
		ConversationID: conv.ID,
		Kind:           conv.Kind,
		MaxSeq:         page.MaxSeq,
	})
	return s.reply(v1.TypeConversationJoin, conv.ID, echo)
}

func (s *session) isJoined(convID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.joined[convID]
	return ok
}

func (s *session) onMessageSend(ctx context.Context, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	convID := strings.TrimSpace(p.ConversationID)
	if !s.isJoined(convID) {
		return badRequest{code: "not_joined", msg: "join first"}
	}
	if strings.TrimSpace(p.ClientMsgID) == "" {
		return badRequest{code: "bad_payload", msg: "missing client_msg_id"}
	}

	callCtx, cancel := context.WithTimeout(ctx, engineCallTimeout)
	defer cancel()

	res, err := s.g.engine.CreateMessage(callCtx, messaging.CreateMessageInput{
		ConversationID: convID,
		AuthorID:       s.client.UserID,
		Text:           p.Text,
		ClientMsgID:    p.ClientMsgID,
		ParentID:       p.ParentID,
		ReplyToID:      p.ReplyToID,
		Attachments:    p.Attachments,
	})
	if err != nil {
		return err
	}

	ack, _ := json.Marshal(v1.MessageAckPayload{
		ConversationID: res.Message.ConversationID,
		ClientMsgID:    res.Message.ClientMsgID,
		MessageID:      res.Message.ID,
		Seq:            res.Message.Position,
		Duplicate:      res.IsDuplicate,
	})
	return s.reply(v1.TypeMessageAck, convID, ack)
}

func (s *session) onReadMark(ctx context.Context, env v1.Envelope) error {
	var p v1.ReadMarkPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, engineCallTimeout)
	defer cancel()

	res, err := s.g.engine.MarkRead(callCtx, messaging.MarkReadInput{
		ConversationID: strings.TrimSpace(p.ConversationID),
		UserID:         s.client.UserID,
		UptoMessageID:  strings.TrimSpace(p.UptoMessageID),
	})
	if err != nil {
		return err
	}

	ack, _ := json.Marshal(v1.ReadAckPayload{
		ConversationID:   p.ConversationID,
		LastReadPosition: res.LastReadPosition,
		UnreadCount:      res.UnreadCount,
	})
	return s.reply(v1.TypeReadAck, p.ConversationID, ack)
}

func (s *session) onHistoryFetch(ctx context.Context, env v1.Envelope) error {
	var p v1.ConversationHistoryFetchPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	convID := strings.TrimSpace(p.ConversationID)

	since := p.SinceSeq
	if since == nil {
		zero := int64(0)
		since = &zero
	}

	callCtx, cancel := context.WithTimeout(ctx, engineCallTimeout)
	defer cancel()

	page, err := s.g.engine.Paginate(callCtx, messaging.PageInput{
		ConversationID: convID,
		UserID:         s.client.UserID,
		Mode:           messaging.ModeSync,
		SinceSeq:       since,
		Limit:          p.Limit,
	})
	if err != nil {
		return err
	}

	msgs := make([]v1.Message, 0, len(page.Messages))
	for _, m := range page.Messages {
		msgs = append(msgs, messaging.ToWire(m))
	}

	chunk, _ := json.Marshal(v1.ConversationHistoryChunkPayload{
		ConversationID: convID,
		Messages:       msgs,
		MaxSeq:         page.MaxSeq,
		HasMore:        page.HasMore,
		NextSinceSeq:   page.NextSinceSeq,
	})
	return s.reply(v1.TypeConversationHistoryChunk, convID, chunk)
}

// ---- send helpers ----

func (s *session) reply(typ, convID string, payload json.RawMessage) error {
	if !s.client.offer(newEnvelope(typ, convID, payload)) {
		return errBackpressure
	}
	return nil
}

func (s *session) sendError(convID, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = s.client.offer(newEnvelope(v1.TypeError, convID, p))
}

// ---- envelope IO ----

func newEnvelope(typ, convID string, payload json.RawMessage) v1.Envelope {
	now := time.Now().UTC()
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(now),
		ConvID:  convID,
		TS:      now,
		Payload: payload,
	}
}

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return badRequest{code: "bad_payload", msg: "missing payload"}
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return badRequest{code: "bad_payload", msg: fmt.Sprintf("invalid payload: %v", err)}
	}
	return nil
}

type badJSONError struct{ err error }

func (e badJSONError) Error() string { return e.err.Error() }
func (e badJSONError) Unwrap() error { return e.err }

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, badJSONError{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bj badJSONError
	switch {
	case errors.As(err, &bj):
		return readErrBadJSON
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*":
			return nil
		case origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns turns the allow-list into the host patterns
// websocket.Accept matches with filepath.Match.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
