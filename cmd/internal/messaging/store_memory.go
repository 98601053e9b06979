package messaging

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// InMemoryStore is a dev-only Store used when no database is configured and by tests.
//
// Each conversation is an independent shard with its own lock: Update holds the
// shard's write lock for the whole transaction and View holds its read lock, so
// writers in different conversations never block each other. A failed Update is
// undone by replaying its undo log in reverse.
type InMemoryStore struct {
	mu     sync.Mutex
	shards map[string]*memShard
}

type memShard struct {
	mu sync.RWMutex

	exists bool
	conv   Conversation
	seq    int64

	msgs     []Message // msgs[i].Position == i+1
	byID     map[string]int
	byClient map[string]int

	members  map[string]Member
	reads    map[string]ReadState
	delivery map[string]map[string]DeliveryFlags // message id -> user id -> flags
	mentions map[string][]Mention
}

// NewInMemoryStore constructs an empty in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{shards: make(map[string]*memShard)}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// lookup returns the shard of conversationID without creating it. Read paths
// use it so that unknown ids do not grow the shard map.
func (s *InMemoryStore) lookup(conversationID string) *memShard {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shards[conversationID]
}

func (s *InMemoryStore) shard(conversationID string) *memShard {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh := s.shards[conversationID]
	if sh == nil {
		sh = &memShard{
			byID:     make(map[string]int),
			byClient: make(map[string]int),
			members:  make(map[string]Member),
			reads:    make(map[string]ReadState),
			delivery: make(map[string]map[string]DeliveryFlags),
			mentions: make(map[string][]Mention),
		}
		s.shards[conversationID] = sh
	}
	return sh
}

// Update implements Store.
func (s *InMemoryStore) Update(ctx context.Context, conversationID string, fn func(Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := s.shard(conversationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	tx := &memTx{sh: sh, convID: conversationID}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
		if err != nil {
			tx.rollback()
		}
	}()
	return fn(tx)
}

// View implements Store.
func (s *InMemoryStore) View(ctx context.Context, conversationID string, fn func(ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := s.lookup(conversationID)
	if sh == nil {
		return fn(&memTx{sh: &memShard{}, convID: conversationID})
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return fn(&memTx{sh: sh, convID: conversationID})
}

// IsMember implements Membership.
func (s *InMemoryStore) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	role, err := s.Role(ctx, conversationID, userID)
	return role != RoleNone, err
}

// Role implements Membership.
func (s *InMemoryStore) Role(ctx context.Context, conversationID, userID string) (Role, error) {
	if err := ctx.Err(); err != nil {
		return RoleNone, err
	}
	sh := s.lookup(conversationID)
	if sh == nil {
		return RoleNone, nil
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.members[userID].Role, nil
}

type memTx struct {
	sh     *memShard
	convID string
	undo   []func()
}

func (t *memTx) onRollback(f func()) { t.undo = append(t.undo, f) }

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// ---- reads ----

func (t *memTx) Conversation(context.Context) (Conversation, error) {
	if !t.sh.exists {
		return Conversation{}, errNoRows
	}
	c := t.sh.conv
	if c.LastMessageAt != nil {
		at := *c.LastMessageAt
		c.LastMessageAt = &at
	}
	return c, nil
}

func (t *memTx) CurrentPosition(context.Context) (int64, error) {
	if !t.sh.exists {
		return 0, errNoRows
	}
	return t.sh.seq, nil
}

func (t *memTx) Message(_ context.Context, messageID string) (Message, error) {
	i, ok := t.sh.byID[messageID]
	if !ok {
		return Message{}, errNoRows
	}
	return cloneMessage(t.sh.msgs[i]), nil
}

func (t *memTx) MessageByClientID(_ context.Context, clientMsgID string) (Message, error) {
	i, ok := t.sh.byClient[clientMsgID]
	if !ok {
		return Message{}, errNoRows
	}
	return cloneMessage(t.sh.msgs[i]), nil
}

func (t *memTx) MessagesSince(_ context.Context, after int64, limit int) ([]Message, error) {
	start := int(max(after, 0))
	out := make([]Message, 0, min(limit, 64))
	for i := start; i < len(t.sh.msgs) && len(out) < limit; i++ {
		if m := t.sh.msgs[i]; !m.Deleted() {
			out = append(out, cloneMessage(m))
		}
	}
	return out, nil
}

func (t *memTx) MessagesBefore(_ context.Context, c Cursor, limit int) ([]Message, error) {
	return t.window(limit, true, func(m Message) bool { return m.cursor().Less(c) }), nil
}

func (t *memTx) MessagesAfter(_ context.Context, c Cursor, limit int) ([]Message, error) {
	return t.window(limit, false, func(m Message) bool { return c.Less(m.cursor()) }), nil
}

func (t *memTx) LatestMessages(_ context.Context, limit int) ([]Message, error) {
	return t.window(limit, true, func(Message) bool { return true }), nil
}

func (t *memTx) Replies(_ context.Context, parentID string, before *Cursor, limit int) ([]Message, error) {
	return t.window(limit, true, func(m Message) bool {
		if m.ParentID != parentID {
			return false
		}
		return before == nil || m.cursor().Less(*before)
	}), nil
}

// window returns up to limit live messages matching keep, ordered by cursor.
func (t *memTx) window(limit int, desc bool, keep func(Message) bool) []Message {
	var out []Message
	for _, m := range t.sh.msgs {
		if !m.Deleted() && keep(m) {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b Message) int {
		r := compareCursor(a.cursor(), b.cursor())
		if desc {
			return -r
		}
		return r
	})
	if len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i] = cloneMessage(out[i])
	}
	return out
}

func (t *memTx) Member(_ context.Context, userID string) (Member, error) {
	m, ok := t.sh.members[userID]
	if !ok {
		return Member{}, errNoRows
	}
	return m, nil
}

func (t *memTx) Members(context.Context) ([]Member, error) {
	out := make([]Member, 0, len(t.sh.members))
	for _, m := range t.sh.members {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b Member) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	})
	return out, nil
}

func (t *memTx) ReadState(_ context.Context, userID string) (ReadState, error) {
	rs, ok := t.sh.reads[userID]
	if !ok {
		return ReadState{}, errNoRows
	}
	return rs, nil
}

func (t *memTx) DeliveryStates(_ context.Context, messageID string) ([]DeliveryState, error) {
	rows := t.sh.delivery[messageID]
	out := make([]DeliveryState, 0, len(rows))
	for u, f := range rows {
		out = append(out, DeliveryState{MessageID: messageID, UserID: u, Flags: f})
	}
	slices.SortFunc(out, func(a, b DeliveryState) int { return cmp.Compare(a.UserID, b.UserID) })
	return out, nil
}

func (t *memTx) Mentions(_ context.Context, messageID string) ([]Mention, error) {
	return slices.Clone(t.sh.mentions[messageID]), nil
}

// ---- writes ----

func (t *memTx) CreateConversation(_ context.Context, c Conversation) error {
	if t.sh.exists {
		return OpError{Op: "messaging.memory", Kind: ErrConflict, Msg: "conversation already exists"}
	}
	prevConv, prevSeq := t.sh.conv, t.sh.seq
	t.sh.exists = true
	t.sh.conv = c
	t.sh.seq = 0
	t.onRollback(func() {
		t.sh.exists = false
		t.sh.conv = prevConv
		t.sh.seq = prevSeq
	})
	return nil
}

func (t *memTx) RecordActivity(_ context.Context, delta int64, at *time.Time) error {
	if !t.sh.exists {
		return errNoRows
	}
	prevCount, prevAt := t.sh.conv.MessageCount, t.sh.conv.LastMessageAt
	t.sh.conv.MessageCount = max(prevCount+delta, 0)
	if at != nil {
		v := *at
		t.sh.conv.LastMessageAt = &v
	}
	t.onRollback(func() {
		t.sh.conv.MessageCount = prevCount
		t.sh.conv.LastMessageAt = prevAt
	})
	return nil
}

func (t *memTx) LockCounter(context.Context) (int64, error) {
	// The shard write lock is already held for the whole transaction.
	if !t.sh.exists {
		return 0, errNoRows
	}
	return t.sh.seq, nil
}

func (t *memTx) AdvanceCounter(context.Context) (int64, error) {
	if !t.sh.exists {
		return 0, errNoRows
	}
	t.sh.seq++
	t.onRollback(func() { t.sh.seq-- })
	return t.sh.seq, nil
}

func (t *memTx) InsertMessage(_ context.Context, m Message) (bool, error) {
	if m.ClientMsgID != "" {
		if _, dup := t.sh.byClient[m.ClientMsgID]; dup {
			return false, nil
		}
	}
	if _, dup := t.sh.byID[m.ID]; dup {
		return false, fmt.Errorf("messaging: duplicate message id %q", m.ID)
	}
	if m.Position != int64(len(t.sh.msgs))+1 {
		return false, fmt.Errorf("messaging: position %d out of order (have %d)", m.Position, len(t.sh.msgs))
	}

	idx := len(t.sh.msgs)
	t.sh.msgs = append(t.sh.msgs, cloneMessage(m))
	t.sh.byID[m.ID] = idx
	if m.ClientMsgID != "" {
		t.sh.byClient[m.ClientMsgID] = idx
	}
	t.onRollback(func() {
		t.sh.msgs = t.sh.msgs[:idx]
		delete(t.sh.byID, m.ID)
		if m.ClientMsgID != "" {
			delete(t.sh.byClient, m.ClientMsgID)
		}
	})
	return true, nil
}

func (t *memTx) UpdateMessage(_ context.Context, m Message) error {
	i, ok := t.sh.byID[m.ID]
	if !ok {
		return errNoRows
	}
	prev := t.sh.msgs[i]
	cur := prev
	cur.Text = m.Text
	cur.EditedAt = m.EditedAt
	cur.DeletedAt = m.DeletedAt
	t.sh.msgs[i] = cur
	t.onRollback(func() { t.sh.msgs[i] = prev })
	return nil
}

func (t *memTx) AdjustReplyCount(_ context.Context, parentID string, delta int64) error {
	i, ok := t.sh.byID[parentID]
	if !ok {
		return errNoRows
	}
	prev := t.sh.msgs[i].ReplyCount
	t.sh.msgs[i].ReplyCount = max(prev+delta, 0)
	t.onRollback(func() { t.sh.msgs[i].ReplyCount = prev })
	return nil
}

func (t *memTx) InsertMember(_ context.Context, m Member, startPosition int64) error {
	if _, ok := t.sh.members[m.UserID]; ok {
		return OpError{Op: "messaging.memory", Kind: ErrConflict, Msg: "member already exists"}
	}
	t.sh.members[m.UserID] = m
	t.sh.reads[m.UserID] = ReadState{ConversationID: t.convID, UserID: m.UserID, LastReadPosition: startPosition}
	t.onRollback(func() {
		delete(t.sh.members, m.UserID)
		delete(t.sh.reads, m.UserID)
	})
	return nil
}

func (t *memTx) UpdateMemberRole(_ context.Context, userID string, role Role) error {
	m, ok := t.sh.members[userID]
	if !ok {
		return errNoRows
	}
	prev := m
	m.Role = role
	t.sh.members[userID] = m
	t.onRollback(func() { t.sh.members[userID] = prev })
	return nil
}

func (t *memTx) DeleteMember(_ context.Context, userID string) (bool, error) {
	m, ok := t.sh.members[userID]
	if !ok {
		return false, nil
	}
	rs, hadRead := t.sh.reads[userID]
	delete(t.sh.members, userID)
	delete(t.sh.reads, userID)
	t.onRollback(func() {
		t.sh.members[userID] = m
		if hadRead {
			t.sh.reads[userID] = rs
		}
	})
	return true, nil
}

func (t *memTx) InsertDeliveryStates(_ context.Context, m Message, states []DeliveryState) error {
	if _, ok := t.sh.delivery[m.ID]; ok {
		return fmt.Errorf("messaging: delivery state for %q already exists", m.ID)
	}
	rows := make(map[string]DeliveryFlags, len(states))
	for _, s := range states {
		if _, ok := t.sh.members[s.UserID]; !ok {
			return fmt.Errorf("messaging: delivery state for non-member %q", s.UserID)
		}
		rows[s.UserID] = s.Flags & flagsMask
	}
	t.sh.delivery[m.ID] = rows
	t.onRollback(func() { delete(t.sh.delivery, m.ID) })
	return nil
}

func (t *memTx) MergeDeliveryFlags(_ context.Context, messageID string, userIDs []string, flags DeliveryFlags) error {
	rows := t.sh.delivery[messageID]
	if rows == nil {
		return nil
	}
	for _, u := range userIDs {
		prev, ok := rows[u]
		if !ok {
			continue
		}
		rows[u] = prev.Union(flags)
		t.onRollback(func() { rows[u] = prev })
	}
	return nil
}

func (t *memTx) MarkDeliveredRead(_ context.Context, userID string, upto int64) (int64, error) {
	var n int64
	end := min(int(max(upto, 0)), len(t.sh.msgs))
	for _, m := range t.sh.msgs[:end] {
		if m.AuthorID == userID {
			continue
		}
		rows := t.sh.delivery[m.ID]
		prev, ok := rows[userID]
		if !ok || prev.Read() {
			continue
		}
		rows[userID] = prev.Union(FlagRead)
		t.onRollback(func() { rows[userID] = prev })
		n++
	}
	return n, nil
}

func (t *memTx) InsertMentions(_ context.Context, mentions []Mention) error {
	for _, mn := range mentions {
		existing := t.sh.mentions[mn.MessageID]
		if slices.ContainsFunc(existing, func(x Mention) bool { return x.MentionedUserID == mn.MentionedUserID }) {
			continue
		}
		prev := existing
		t.sh.mentions[mn.MessageID] = append(slices.Clip(existing), mn)
		msgID := mn.MessageID
		t.onRollback(func() {
			if prev == nil {
				delete(t.sh.mentions, msgID)
				return
			}
			t.sh.mentions[msgID] = prev
		})
	}
	return nil
}

func (t *memTx) IncrementUnread(_ context.Context, userIDs []string) error {
	for _, u := range userIDs {
		rs, ok := t.sh.reads[u]
		if !ok {
			continue
		}
		prev := rs
		rs.UnreadCount++
		t.sh.reads[u] = rs
		t.onRollback(func() { t.sh.reads[u] = prev })
	}
	return nil
}

func (t *memTx) DecrementUnreadFor(_ context.Context, position int64, authorID string) error {
	for u, rs := range t.sh.reads {
		if u == authorID || rs.LastReadPosition >= position || rs.UnreadCount == 0 {
			continue
		}
		prev := rs
		rs.UnreadCount--
		t.sh.reads[u] = rs
		t.onRollback(func() { t.sh.reads[u] = prev })
	}
	return nil
}

func (t *memTx) LockReadState(ctx context.Context, userID string) (ReadState, error) {
	return t.ReadState(ctx, userID)
}

func (t *memTx) CountUnread(_ context.Context, userID string, after int64) (int64, error) {
	var n int64
	for i := int(max(after, 0)); i < len(t.sh.msgs); i++ {
		m := t.sh.msgs[i]
		if !m.Deleted() && m.AuthorID != userID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) SaveReadState(_ context.Context, rs ReadState) error {
	prev, ok := t.sh.reads[rs.UserID]
	if !ok {
		return errNoRows
	}
	rs.ConversationID = t.convID
	t.sh.reads[rs.UserID] = rs
	t.onRollback(func() { t.sh.reads[rs.UserID] = prev })
	return nil
}

func compareCursor(a, b Cursor) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.Position, b.Position)
}

func cloneMessage(m Message) Message {
	m.Attachments = slices.Clone(m.Attachments)
	if m.EditedAt != nil {
		v := *m.EditedAt
		m.EditedAt = &v
	}
	if m.DeletedAt != nil {
		v := *m.DeletedAt
		m.DeletedAt = &v
	}
	return m
}

var _ Store = (*InMemoryStore)(nil)
