package messaging

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore is a single-node Store backed by an SQLite file.
//
// The database runs in WAL mode with a single connection; every transaction
// begins IMMEDIATE, so writers are serialized by SQLite's write lock and a
// busy database is reported as ErrTransient. Timestamps are stored as unix
// microseconds.
type SQLiteStore struct {
	db *sqlx.DB
}

// OpenSQLiteStore opens (or creates) the database at path and applies the schema.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("messaging: empty sqlite path")
	}
	dsn := "file:" + path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Ping reports whether the database file is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, conversationID string, fn func(Tx) error) error {
	const op = "messaging.sqlite.Update"

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return sqliteClassify(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqliteTx{tx: tx, conv: conversationID}); err != nil {
		return sqliteClassify(op, err)
	}
	return sqliteClassify(op, tx.Commit())
}

// View implements Store.
func (s *SQLiteStore) View(ctx context.Context, conversationID string, fn func(ReadTx) error) error {
	const op = "messaging.sqlite.View"

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return sqliteClassify(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqliteTx{tx: tx, conv: conversationID}); err != nil {
		return sqliteClassify(op, err)
	}
	return sqliteClassify(op, tx.Commit())
}

// IsMember implements Membership.
func (s *SQLiteStore) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	role, err := s.Role(ctx, conversationID, userID)
	return role != RoleNone, err
}

// Role implements Membership.
func (s *SQLiteStore) Role(ctx context.Context, conversationID, userID string) (Role, error) {
	var role string
	err := s.db.GetContext(ctx, &role,
		`SELECT role FROM conversation_members WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return RoleNone, nil
	}
	if err != nil {
		return RoleNone, sqliteClassify("messaging.sqlite.Role", err)
	}
	return Role(role), nil
}

type sqliteTx struct {
	tx   *sqlx.Tx
	conv string
}

type sqliteMessageRow struct {
	ID             string         `db:"id"`
	ConversationID string         `db:"conversation_id"`
	ClientMsgID    sql.NullString `db:"client_msg_id"`
	AuthorID       string         `db:"author_id"`
	Position       int64          `db:"position"`
	Text           string         `db:"text"`
	Attachments    string         `db:"attachments"`
	ParentID       sql.NullString `db:"parent_id"`
	ReplyToID      sql.NullString `db:"reply_to_id"`
	ReplyCount     int64          `db:"reply_count"`
	CreatedAt      int64          `db:"created_at"`
	EditedAt       sql.NullInt64  `db:"edited_at"`
	DeletedAt      sql.NullInt64  `db:"deleted_at"`
}

func (r sqliteMessageRow) message() (Message, error) {
	m := Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		ClientMsgID:    r.ClientMsgID.String,
		AuthorID:       r.AuthorID,
		Position:       r.Position,
		Text:           r.Text,
		ParentID:       r.ParentID.String,
		ReplyToID:      r.ReplyToID.String,
		ReplyCount:     r.ReplyCount,
		CreatedAt:      fromMicro(r.CreatedAt),
		EditedAt:       fromNullMicro(r.EditedAt),
		DeletedAt:      fromNullMicro(r.DeletedAt),
	}
	if r.Attachments != "" && r.Attachments != "[]" {
		if err := json.Unmarshal([]byte(r.Attachments), &m.Attachments); err != nil {
			return Message{}, fmt.Errorf("messaging: decode attachments of %s: %w", r.ID, err)
		}
	}
	return m, nil
}

type sqliteConversationRow struct {
	ID            string        `db:"id"`
	TenantID      string        `db:"tenant_id"`
	Kind          string        `db:"kind"`
	MessageCount  int64         `db:"message_count"`
	LastMessageAt sql.NullInt64 `db:"last_message_at"`
	CreatedAt     int64         `db:"created_at"`
}

type sqliteMemberRow struct {
	ConversationID string `db:"conversation_id"`
	UserID         string `db:"user_id"`
	Role           string `db:"role"`
	JoinedAt       int64  `db:"joined_at"`
}

func (r sqliteMemberRow) member() Member {
	return Member{ConversationID: r.ConversationID, UserID: r.UserID, Role: Role(r.Role), JoinedAt: fromMicro(r.JoinedAt)}
}

type sqliteReadRow struct {
	ConversationID   string `db:"conversation_id"`
	UserID           string `db:"user_id"`
	LastReadPosition int64  `db:"last_read_position"`
	UnreadCount      int64  `db:"unread_count"`
}

const sqliteMessageCols = `id, conversation_id, client_msg_id, author_id, position, text, attachments,
	parent_id, reply_to_id, reply_count, created_at, edited_at, deleted_at`

func (t *sqliteTx) getMessage(ctx context.Context, query string, args ...any) (Message, error) {
	var row sqliteMessageRow
	if err := t.tx.GetContext(ctx, &row, query, args...); err != nil {
		return Message{}, sqliteNoRows(err)
	}
	return row.message()
}

func (t *sqliteTx) selectMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	var rows []sqliteMessageRow
	if err := t.tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.message()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// ---- reads ----

func (t *sqliteTx) Conversation(ctx context.Context) (Conversation, error) {
	var row sqliteConversationRow
	if err := t.tx.GetContext(ctx, &row,
		`SELECT id, tenant_id, kind, message_count, last_message_at, created_at FROM conversations WHERE id = ?`,
		t.conv,
	); err != nil {
		return Conversation{}, sqliteNoRows(err)
	}
	return Conversation{
		ID:            row.ID,
		TenantID:      row.TenantID,
		Kind:          row.Kind,
		MessageCount:  row.MessageCount,
		LastMessageAt: fromNullMicro(row.LastMessageAt),
		CreatedAt:     fromMicro(row.CreatedAt),
	}, nil
}

func (t *sqliteTx) CurrentPosition(ctx context.Context) (int64, error) {
	var pos int64
	err := t.tx.GetContext(ctx, &pos,
		`SELECT current_position FROM sequence_counters WHERE conversation_id = ?`, t.conv)
	return pos, sqliteNoRows(err)
}

func (t *sqliteTx) Message(ctx context.Context, messageID string) (Message, error) {
	return t.getMessage(ctx,
		`SELECT `+sqliteMessageCols+` FROM messages WHERE conversation_id = ? AND id = ?`,
		t.conv, messageID)
}

func (t *sqliteTx) MessageByClientID(ctx context.Context, clientMsgID string) (Message, error) {
	return t.getMessage(ctx,
		`SELECT `+sqliteMessageCols+` FROM messages WHERE conversation_id = ? AND client_msg_id = ?`,
		t.conv, clientMsgID)
}

func (t *sqliteTx) MessagesSince(ctx context.Context, after int64, limit int) ([]Message, error) {
	return t.selectMessages(ctx,
		`SELECT `+sqliteMessageCols+`
		   FROM messages
		  WHERE conversation_id = ? AND position > ? AND deleted_at IS NULL
		  ORDER BY position ASC
		  LIMIT ?`,
		t.conv, after, limit)
}

func (t *sqliteTx) MessagesBefore(ctx context.Context, c Cursor, limit int) ([]Message, error) {
	return t.selectMessages(ctx,
		`SELECT `+sqliteMessageCols+`
		   FROM messages
		  WHERE conversation_id = ? AND deleted_at IS NULL AND (created_at, position) < (?, ?)
		  ORDER BY created_at DESC, position DESC
		  LIMIT ?`,
		t.conv, toMicro(c.CreatedAt), c.Position, limit)
}

func (t *sqliteTx) MessagesAfter(ctx context.Context, c Cursor, limit int) ([]Message, error) {
	return t.selectMessages(ctx,
		`SELECT `+sqliteMessageCols+`
		   FROM messages
		  WHERE conversation_id = ? AND deleted_at IS NULL AND (created_at, position) > (?, ?)
		  ORDER BY created_at ASC, position ASC
		  LIMIT ?`,
		t.conv, toMicro(c.CreatedAt), c.Position, limit)
}

func (t *sqliteTx) LatestMessages(ctx context.Context, limit int) ([]Message, error) {
	return t.selectMessages(ctx,
		`SELECT `+sqliteMessageCols+`
		   FROM messages
		  WHERE conversation_id = ? AND deleted_at IS NULL
		  ORDER BY created_at DESC, position DESC
		  LIMIT ?`,
		t.conv, limit)
}

func (t *sqliteTx) Replies(ctx context.Context, parentID string, before *Cursor, limit int) ([]Message, error) {
	if before == nil {
		return t.selectMessages(ctx,
			`SELECT `+sqliteMessageCols+`
			   FROM messages
			  WHERE conversation_id = ? AND parent_id = ? AND deleted_at IS NULL
			  ORDER BY created_at DESC, position DESC
			  LIMIT ?`,
			t.conv, parentID, limit)
	}
	return t.selectMessages(ctx,
		`SELECT `+sqliteMessageCols+`
		   FROM messages
		  WHERE conversation_id = ? AND parent_id = ? AND deleted_at IS NULL
		    AND (created_at, position) < (?, ?)
		  ORDER BY created_at DESC, position DESC
		  LIMIT ?`,
		t.conv, parentID, toMicro(before.CreatedAt), before.Position, limit)
}

func (t *sqliteTx) Member(ctx context.Context, userID string) (Member, error) {
	var row sqliteMemberRow
	if err := t.tx.GetContext(ctx, &row,
		`SELECT conversation_id, user_id, role, joined_at FROM conversation_members WHERE conversation_id = ? AND user_id = ?`,
		t.conv, userID,
	); err != nil {
		return Member{}, sqliteNoRows(err)
	}
	return row.member(), nil
}

func (t *sqliteTx) Members(ctx context.Context) ([]Member, error) {
	var rows []sqliteMemberRow
	if err := t.tx.SelectContext(ctx, &rows,
		`SELECT conversation_id, user_id, role, joined_at
		   FROM conversation_members
		  WHERE conversation_id = ?
		  ORDER BY joined_at ASC, user_id ASC`,
		t.conv,
	); err != nil {
		return nil, err
	}
	out := make([]Member, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.member())
	}
	return out, nil
}

func (t *sqliteTx) ReadState(ctx context.Context, userID string) (ReadState, error) {
	var row sqliteReadRow
	if err := t.tx.GetContext(ctx, &row,
		`SELECT conversation_id, user_id, last_read_position, unread_count
		   FROM membership_read_state
		  WHERE conversation_id = ? AND user_id = ?`,
		t.conv, userID,
	); err != nil {
		return ReadState{}, sqliteNoRows(err)
	}
	return ReadState(row), nil
}

func (t *sqliteTx) DeliveryStates(ctx context.Context, messageID string) ([]DeliveryState, error) {
	var rows []struct {
		MessageID string `db:"message_id"`
		UserID    string `db:"user_id"`
		Flags     int64  `db:"flags"`
	}
	if err := t.tx.SelectContext(ctx, &rows,
		`SELECT message_id, user_id, flags
		   FROM delivery_state
		  WHERE conversation_id = ? AND message_id = ?
		  ORDER BY user_id ASC`,
		t.conv, messageID,
	); err != nil {
		return nil, err
	}
	out := make([]DeliveryState, 0, len(rows))
	for _, r := range rows {
		out = append(out, DeliveryState{MessageID: r.MessageID, UserID: r.UserID, Flags: DeliveryFlags(r.Flags) & flagsMask})
	}
	return out, nil
}

func (t *sqliteTx) Mentions(ctx context.Context, messageID string) ([]Mention, error) {
	var rows []struct {
		MessageID       string `db:"message_id"`
		MentionedUserID string `db:"mentioned_user_id"`
		MentionerUserID string `db:"mentioner_user_id"`
	}
	if err := t.tx.SelectContext(ctx, &rows,
		`SELECT message_id, mentioned_user_id, mentioner_user_id
		   FROM mentions
		  WHERE conversation_id = ? AND message_id = ?
		  ORDER BY rowid ASC`,
		t.conv, messageID,
	); err != nil {
		return nil, err
	}
	out := make([]Mention, 0, len(rows))
	for _, r := range rows {
		out = append(out, Mention(r))
	}
	return out, nil
}

// ---- writes ----

func (t *sqliteTx) CreateConversation(ctx context.Context, c Conversation) error {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO conversations (id, tenant_id, kind, message_count, created_at) VALUES (?, ?, ?, 0, ?)`,
		c.ID, c.TenantID, c.Kind, toMicro(c.CreatedAt),
	); err != nil {
		if sqliteIsConstraint(err) {
			return OpError{Op: "messaging.sqlite.CreateConversation", Kind: ErrConflict, Msg: "conversation already exists"}
		}
		return err
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO sequence_counters (conversation_id, current_position, updated_at) VALUES (?, 0, ?)`,
		c.ID, toMicro(c.CreatedAt),
	)
	return err
}

func (t *sqliteTx) RecordActivity(ctx context.Context, delta int64, at *time.Time) error {
	var last sql.NullInt64
	if at != nil {
		last = sql.NullInt64{Int64: toMicro(*at), Valid: true}
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE conversations
		    SET message_count = MAX(message_count + ?, 0),
		        last_message_at = COALESCE(?, last_message_at)
		  WHERE id = ?`,
		delta, last, t.conv,
	)
	return sqliteAffected(res, err)
}

func (t *sqliteTx) LockCounter(ctx context.Context) (int64, error) {
	// BEGIN IMMEDIATE already holds the database write lock.
	return t.CurrentPosition(ctx)
}

func (t *sqliteTx) AdvanceCounter(ctx context.Context) (int64, error) {
	var pos int64
	err := t.tx.GetContext(ctx, &pos,
		`UPDATE sequence_counters
		    SET current_position = current_position + 1,
		        updated_at = ?
		  WHERE conversation_id = ?
		RETURNING current_position`,
		toMicro(time.Now()), t.conv,
	)
	return pos, sqliteNoRows(err)
}

func (t *sqliteTx) InsertMessage(ctx context.Context, m Message) (bool, error) {
	attachments, err := encodeAttachments(m.Attachments)
	if err != nil {
		return false, err
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO messages (
		     id, conversation_id, client_msg_id, author_id, position, text, attachments,
		     parent_id, reply_to_id, reply_count, created_at
		   ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		 ON CONFLICT (conversation_id, client_msg_id) DO NOTHING`,
		m.ID, t.conv, nullString(m.ClientMsgID), m.AuthorID, m.Position, m.Text, attachments,
		nullString(m.ParentID), nullString(m.ReplyToID), toMicro(m.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *sqliteTx) UpdateMessage(ctx context.Context, m Message) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE messages SET text = ?, edited_at = ?, deleted_at = ? WHERE conversation_id = ? AND id = ?`,
		m.Text, toNullMicro(m.EditedAt), toNullMicro(m.DeletedAt), t.conv, m.ID,
	)
	return sqliteAffected(res, err)
}

func (t *sqliteTx) AdjustReplyCount(ctx context.Context, parentID string, delta int64) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE messages SET reply_count = MAX(reply_count + ?, 0) WHERE conversation_id = ? AND id = ?`,
		delta, t.conv, parentID,
	)
	return sqliteAffected(res, err)
}

func (t *sqliteTx) InsertMember(ctx context.Context, m Member, startPosition int64) error {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO conversation_members (conversation_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)`,
		t.conv, m.UserID, string(m.Role), toMicro(m.JoinedAt),
	); err != nil {
		if sqliteIsConstraint(err) {
			return OpError{Op: "messaging.sqlite.InsertMember", Kind: ErrConflict, Msg: "member already exists"}
		}
		return err
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO membership_read_state (conversation_id, user_id, last_read_position, unread_count) VALUES (?, ?, ?, 0)`,
		t.conv, m.UserID, startPosition,
	)
	return err
}

func (t *sqliteTx) UpdateMemberRole(ctx context.Context, userID string, role Role) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE conversation_members SET role = ? WHERE conversation_id = ? AND user_id = ?`,
		string(role), t.conv, userID,
	)
	return sqliteAffected(res, err)
}

func (t *sqliteTx) DeleteMember(ctx context.Context, userID string) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM conversation_members WHERE conversation_id = ? AND user_id = ?`,
		t.conv, userID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *sqliteTx) InsertDeliveryStates(ctx context.Context, m Message, states []DeliveryState) error {
	if len(states) == 0 {
		return nil
	}
	rows := make([]map[string]any, 0, len(states))
	for _, s := range states {
		rows = append(rows, map[string]any{
			"conversation_id": t.conv,
			"message_id":      m.ID,
			"user_id":         s.UserID,
			"position":        m.Position,
			"author_id":       m.AuthorID,
			"flags":           int64(s.Flags & flagsMask),
		})
	}
	// SQLite caps bound parameters; six per row keeps a 100-row chunk well under it.
	for start := 0; start < len(rows); start += 100 {
		end := min(start+100, len(rows))
		if _, err := t.tx.NamedExecContext(ctx,
			`INSERT INTO delivery_state (conversation_id, message_id, user_id, position, author_id, flags)
			 VALUES (:conversation_id, :message_id, :user_id, :position, :author_id, :flags)`,
			rows[start:end],
		); err != nil {
			return fmt.Errorf("insert delivery_state: %w", err)
		}
	}
	return nil
}

func (t *sqliteTx) MergeDeliveryFlags(ctx context.Context, messageID string, userIDs []string, flags DeliveryFlags) error {
	if len(userIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		`UPDATE delivery_state SET flags = flags | ? WHERE conversation_id = ? AND message_id = ? AND user_id IN (?)`,
		int64(flags&flagsMask), t.conv, messageID, userIDs,
	)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
	return err
}

func (t *sqliteTx) MarkDeliveredRead(ctx context.Context, userID string, upto int64) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE delivery_state
		    SET flags = flags | ?
		  WHERE conversation_id = ? AND user_id = ? AND position <= ? AND author_id <> ? AND (flags & ?) = 0`,
		int64(FlagRead), t.conv, userID, upto, userID, int64(FlagRead),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *sqliteTx) InsertMentions(ctx context.Context, mentions []Mention) error {
	for _, mn := range mentions {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO mentions (conversation_id, message_id, mentioned_user_id, mentioner_user_id)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (message_id, mentioned_user_id) DO NOTHING`,
			t.conv, mn.MessageID, mn.MentionedUserID, mn.MentionerUserID,
		); err != nil {
			return fmt.Errorf("insert mention: %w", err)
		}
	}
	return nil
}

func (t *sqliteTx) IncrementUnread(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		`UPDATE membership_read_state SET unread_count = unread_count + 1 WHERE conversation_id = ? AND user_id IN (?)`,
		t.conv, userIDs,
	)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
	return err
}

func (t *sqliteTx) DecrementUnreadFor(ctx context.Context, position int64, authorID string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE membership_read_state
		    SET unread_count = unread_count - 1
		  WHERE conversation_id = ? AND user_id <> ? AND last_read_position < ? AND unread_count > 0`,
		t.conv, authorID, position,
	)
	return err
}

func (t *sqliteTx) LockReadState(ctx context.Context, userID string) (ReadState, error) {
	return t.ReadState(ctx, userID)
}

func (t *sqliteTx) CountUnread(ctx context.Context, userID string, after int64) (int64, error) {
	var n int64
	err := t.tx.GetContext(ctx, &n,
		`SELECT count(*) FROM messages
		  WHERE conversation_id = ? AND position > ? AND author_id <> ? AND deleted_at IS NULL`,
		t.conv, after, userID,
	)
	return n, err
}

func (t *sqliteTx) SaveReadState(ctx context.Context, rs ReadState) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE membership_read_state SET last_read_position = ?, unread_count = ? WHERE conversation_id = ? AND user_id = ?`,
		rs.LastReadPosition, rs.UnreadCount, t.conv, rs.UserID,
	)
	return sqliteAffected(res, err)
}

// ---- helpers ----

func sqliteNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errNoRows
	}
	return err
}

func sqliteAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errNoRows
	}
	return nil
}

// sqliteClassify reports a busy or locked database as ErrTransient.
func sqliteClassify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return transient(op, err)
		}
	}
	return err
}

func sqliteIsConstraint(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toMicro(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicro(v int64) time.Time { return time.UnixMicro(v).UTC() }

func toNullMicro(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMicro(*t), Valid: true}
}

func fromNullMicro(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicro(v.Int64)
	return &t
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	kind            TEXT NOT NULL,
	message_count   INTEGER NOT NULL DEFAULT 0,
	last_message_at INTEGER,
	created_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sequence_counters (
	conversation_id  TEXT PRIMARY KEY REFERENCES conversations(id) ON DELETE CASCADE,
	current_position INTEGER NOT NULL DEFAULT 0,
	updated_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_members (
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	user_id         TEXT NOT NULL,
	role            TEXT NOT NULL,
	joined_at       INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, user_id)
);

CREATE TABLE IF NOT EXISTS membership_read_state (
	conversation_id    TEXT NOT NULL,
	user_id            TEXT NOT NULL,
	last_read_position INTEGER NOT NULL DEFAULT 0,
	unread_count       INTEGER NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
	PRIMARY KEY (conversation_id, user_id),
	FOREIGN KEY (conversation_id, user_id)
		REFERENCES conversation_members(conversation_id, user_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	client_msg_id   TEXT,
	author_id       TEXT NOT NULL,
	position        INTEGER NOT NULL,
	text            TEXT NOT NULL DEFAULT '',
	attachments     TEXT NOT NULL DEFAULT '[]',
	parent_id       TEXT,
	reply_to_id     TEXT,
	reply_count     INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	edited_at       INTEGER,
	deleted_at      INTEGER,
	UNIQUE (conversation_id, position),
	UNIQUE (conversation_id, client_msg_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_timeline ON messages (conversation_id, created_at, position);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages (conversation_id, parent_id, created_at, position);

CREATE TABLE IF NOT EXISTS delivery_state (
	conversation_id TEXT NOT NULL,
	message_id      TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	user_id         TEXT NOT NULL,
	position        INTEGER NOT NULL,
	author_id       TEXT NOT NULL,
	flags           INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (message_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_delivery_state_member ON delivery_state (conversation_id, user_id, position);

CREATE TABLE IF NOT EXISTS mentions (
	conversation_id   TEXT NOT NULL,
	message_id        TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	mentioned_user_id TEXT NOT NULL,
	mentioner_user_id TEXT NOT NULL,
	PRIMARY KEY (message_id, mentioned_user_id)
);
`

var _ Store = (*SQLiteStore)(nil)
